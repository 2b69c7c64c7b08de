package framework

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NATSConfig describes the JetStream connection a Config-backed Admin uses.
type NATSConfig struct {
	URLs          []string      `yaml:"urls"`
	Bucket        string        `yaml:"bucket"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// BundleConfig is one entry of the host's static bundle allowlist: the set
// of bundle ids a Validate func built from Config will accept.
type BundleConfig struct {
	ID      string `yaml:"id"`
	Trusted bool   `yaml:"trusted"`
}

// Config is the descriptor a host process like cmd/dynsvcd loads at
// startup to build Options: which storage backend Configuration Admin
// uses, and which bundle ids are allowed to activate components.
type Config struct {
	UseJetStream bool           `yaml:"use_jetstream"`
	NATS         NATSConfig     `yaml:"nats"`
	Bundles      []BundleConfig `yaml:"bundles"`
}

// Validate checks the loaded descriptor is internally consistent.
func (c *Config) Validate() error {
	if c.UseJetStream {
		if len(c.NATS.URLs) == 0 {
			return fmt.Errorf("framework: use_jetstream is set but nats.urls is empty")
		}
		if c.NATS.Bucket == "" {
			return fmt.Errorf("framework: use_jetstream is set but nats.bucket is empty")
		}
	}
	seen := make(map[string]bool, len(c.Bundles))
	for _, b := range c.Bundles {
		if b.ID == "" {
			return fmt.Errorf("framework: bundle entry with empty id")
		}
		if seen[b.ID] {
			return fmt.Errorf("framework: duplicate bundle id %q", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

// ValidationFunc builds a scr.ValidationFunc from the bundle allowlist: a
// bundle id not listed at all, or listed with trusted=false, fails
// validation. An empty allowlist accepts every bundle, matching the zero
// value of Options.Validate (nil).
func (c *Config) ValidationFunc() func(bundle string) bool {
	if len(c.Bundles) == 0 {
		return nil
	}
	trusted := make(map[string]bool, len(c.Bundles))
	for _, b := range c.Bundles {
		trusted[b.ID] = b.Trusted
	}
	return func(bundle string) bool { return trusted[bundle] }
}

// LoadConfig reads and validates a YAML descriptor from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("framework: read config %s: %w", path, err)
	}

	cfg := &Config{
		NATS: NATSConfig{ConnectTimeout: 10 * time.Second},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("framework: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("framework: invalid config %s: %w", path, err)
	}
	return cfg, nil
}
