// Package main implements dynsvcd, the demo host process for the
// dynsvc Declarative Services runtime: it wires one service registry, one
// Configuration Admin, the Async Work Service fallback executor, and a
// single "host" bundle declaring the components that make the wiring
// observable (a heartbeat component gated on optional configuration).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/dynsvc/asyncwork"
	"github.com/c360/dynsvc/cm"
	"github.com/c360/dynsvc/framework"
	"github.com/c360/dynsvc/metric"
	"github.com/c360/dynsvc/natsclient"
	"github.com/c360/dynsvc/props"
	"github.com/c360/dynsvc/scr"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dynsvcd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	fwCfg, err := loadFrameworkConfig(cliCfg.ConfigPath, logger)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsRegistry := metric.NewMetricsRegistry()
	var metricsServer *metric.Server
	if cliCfg.MetricsPort != 0 {
		metricsServer = metric.NewServer(cliCfg.MetricsPort, "/metrics", metricsRegistry)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer metricsServer.Stop()
	}

	admin, closeAdmin, err := setupAdmin(ctx, fwCfg, logger)
	if err != nil {
		return fmt.Errorf("setup configuration admin: %w", err)
	}
	defer closeAdmin()

	executor := asyncwork.NewFallbackExecutor(asyncwork.FallbackOptions{MetricsRegistry: metricsRegistry})
	if err := executor.Start(ctx); err != nil {
		return fmt.Errorf("start async work executor: %w", err)
	}
	defer executor.Stop(cliCfg.ShutdownTimeout)
	admin.SetPoster(executor)

	fw := framework.New(framework.Options{
		Validate: fwCfg.ValidationFunc(),
		Admin:    admin,
		Poster:   executor,
		Logger:   logger,
	})

	bc, err := fw.InstallBundle("host")
	if err != nil {
		return fmt.Errorf("install host bundle: %w", err)
	}

	if _, err := bc.RegisterService([]string{asyncwork.ClassName}, executor, props.New().With(props.ServiceRanking, int64(0))); err != nil {
		return fmt.Errorf("register async work executor: %w", err)
	}

	if _, err := bc.Declare(ctx, heartbeatComponent()); err != nil {
		return fmt.Errorf("declare heartbeat component: %w", err)
	}

	fw.OnError(func(e framework.ErrorEvent) {
		logger.Error("component activation failed", "bundle", e.Bundle, "component", e.Component, "error", e.Err)
	})

	logger.Info("dynsvcd started", "version", Version, "bundles", len(fw.Bundles()))
	return waitForShutdown(ctx, fw, cliCfg.ShutdownTimeout, logger)
}

func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting dynsvcd", "version", Version, "build_time", BuildTime, "config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadFrameworkConfig loads the YAML descriptor at path, tolerating a
// missing file (the demo host runs with open validation and an in-memory
// Configuration Admin when no config is supplied).
func loadFrameworkConfig(path string, logger *slog.Logger) (*framework.Config, error) {
	if _, err := os.Stat(path); err != nil {
		logger.Debug("no config file found, using defaults", "path", path)
		return &framework.Config{}, nil
	}
	cfg, err := framework.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupAdmin builds the Configuration Admin backend named by cfg, returning
// a close func that releases any network resources it opened.
func setupAdmin(ctx context.Context, cfg *framework.Config, logger *slog.Logger) (cm.Admin, func(), error) {
	if !cfg.UseJetStream {
		return cm.NewInMemoryAdmin(), func() {}, nil
	}

	natsClient, err := natsclient.NewClient(cfg.NATS.URLs[0])
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}
	if err := natsClient.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.NATS.ConnectTimeout)
	defer cancel()
	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return nil, nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	bucket, err := natsClient.GetKeyValueBucket(ctx, cfg.NATS.Bucket)
	if err != nil {
		bucket, err = natsClient.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: cfg.NATS.Bucket})
		if err != nil {
			return nil, nil, fmt.Errorf("open configuration bucket %q: %w", cfg.NATS.Bucket, err)
		}
	}

	store := natsClient.NewKVStore(bucket)
	admin := cm.NewJetStreamAdmin(cm.NewNATSKVStore(store, bucket))

	logger.Info("configuration admin backed by JetStream KV", "bucket", cfg.NATS.Bucket)
	return admin, func() { _ = natsClient.Close(context.Background()) }, nil
}

// heartbeatComponent demonstrates optional-configuration-gated activation:
// it activates immediately with a default interval, and implements
// scr.Modifier to pick up a new interval in place whenever its PID is
// updated, without a deactivate/reactivate cycle.
func heartbeatComponent() scr.ComponentMetadata {
	return scr.ComponentMetadata{
		Name:                "dynsvcd.heartbeat",
		Immediate:           true,
		ConfigurationPID:    "dynsvcd.heartbeat",
		ConfigurationPolicy: scr.ConfigOptional,
		Factory: func(ctx context.Context, deps scr.Dependencies) (any, error) {
			hb := &heartbeat{interval: intervalFrom(deps), stop: make(chan struct{})}
			go hb.run(ctx)
			return hb, nil
		},
	}
}

func intervalFrom(deps scr.Dependencies) time.Duration {
	return time.Duration(deps.Configuration.Int64Or("interval_seconds", 30)) * time.Second
}

type heartbeat struct {
	mu       sync.Mutex
	interval time.Duration
	stop     chan struct{}
}

func (h *heartbeat) run(ctx context.Context) {
	ticker := time.NewTicker(h.currentInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			interval := h.currentInterval()
			slog.Debug("heartbeat", "interval", interval)
			ticker.Reset(interval)
		}
	}
}

func (h *heartbeat) currentInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Modified applies an updated interval_seconds without restarting the
// component; the running ticker picks it up on its next tick.
func (h *heartbeat) Modified(deps scr.Dependencies) error {
	h.mu.Lock()
	h.interval = intervalFrom(deps)
	h.mu.Unlock()
	return nil
}

func (h *heartbeat) Deactivate() {
	close(h.stop)
}

func waitForShutdown(ctx context.Context, fw *framework.Framework, shutdownTimeout time.Duration, logger *slog.Logger) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	<-signalCtx.Done()
	logger.Info("received shutdown signal")

	shutdownDeadline := time.Now().Add(shutdownTimeout)
	for _, b := range fw.Bundles() {
		if err := fw.UninstallBundle(b.ID()); err != nil {
			logger.Error("error uninstalling bundle", "bundle", b.ID(), "error", err)
		}
	}
	if remaining := time.Until(shutdownDeadline); remaining < 0 {
		logger.Warn("bundle teardown exceeded shutdown timeout", "over_by", -remaining)
	}

	logger.Info("dynsvcd shutdown complete")
	return nil
}
