// Package asyncwork implements the Async Work Service: the pluggable task
// executor that Declarative Services components use to run work off the
// calling goroutine (notably, to satisfy a reference's immediate-bind
// callback without blocking the registry's own locks).
//
// A consumer only ever holds a Poster. The concrete executor behind it is
// resolved dynamically: RegistryPoster looks up the highest-ranked
// registered Poster service on every Post call rather than caching the
// lookup, so that registering a better-ranked executor (or unregistering
// the current one) takes effect on the very next task with no stale
// reference to invalidate. When no Poster is registered, it falls back to
// a local FallbackExecutor built on the same worker pool used elsewhere in
// this module.
package asyncwork

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/dynsvc/metric"
	"github.com/c360/dynsvc/registry"
	"github.com/c360/dynsvc/pkg/worker"
)

// ClassName is the object class under which Async Work Service
// implementations are registered in the service registry.
const ClassName = "dynsvc.asyncwork.Poster"

// Task is a unit of work posted to an executor. It receives a context that
// is cancelled if the executor is stopped before the task runs.
type Task func(ctx context.Context)

// Poster accepts tasks for asynchronous execution. Implementations must be
// safe for concurrent use.
type Poster interface {
	Post(task Task) error
}

// FallbackExecutor is the default Poster used when no Async Work Service is
// registered. It rate-limits admission with golang.org/x/time/rate and
// executes accepted tasks on a small generic worker pool (pkg/worker.Pool),
// so a burst of binds cannot spawn unbounded goroutines.
type FallbackExecutor struct {
	pool    *worker.Pool[Task]
	limiter *rate.Limiter
}

// FallbackOptions configures a FallbackExecutor.
type FallbackOptions struct {
	Workers         int
	QueueSize       int
	RatePerSecond   float64
	Burst           int
	MetricsRegistry *metric.MetricsRegistry
}

// NewFallbackExecutor builds a FallbackExecutor. Start must be called before
// Post will accept work.
func NewFallbackExecutor(opts FallbackOptions) *FallbackExecutor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 500
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RatePerSecond)
	}

	processor := func(ctx context.Context, t Task) error {
		t(ctx)
		return nil
	}

	var poolOpts []worker.Option[Task]
	if opts.MetricsRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[Task](opts.MetricsRegistry, "asyncwork"))
	}

	return &FallbackExecutor{
		pool:    worker.NewPool(opts.Workers, opts.QueueSize, processor, poolOpts...),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
}

// Start starts the underlying worker pool.
func (e *FallbackExecutor) Start(ctx context.Context) error {
	return e.pool.Start(ctx)
}

// Stop drains and stops the underlying worker pool.
func (e *FallbackExecutor) Stop(timeout time.Duration) error {
	return e.pool.Stop(timeout)
}

// Post submits task for execution, rejecting it if the admission rate limit
// is exceeded or the pool queue is full.
func (e *FallbackExecutor) Post(task Task) error {
	if !e.limiter.Allow() {
		return fmt.Errorf("asyncwork: fallback executor rate limit exceeded")
	}
	if err := e.pool.Submit(task); err != nil {
		return fmt.Errorf("asyncwork: fallback executor: %w", err)
	}
	return nil
}

// Stats exposes the underlying pool's statistics.
func (e *FallbackExecutor) Stats() worker.PoolStats {
	return e.pool.Stats()
}

// RegistryPoster resolves the Async Work Service from the registry on every
// Post call. Bundle identifies the calling bundle for scope resolution.
type RegistryPoster struct {
	reg      *registry.Registry
	bundle   string
	fallback Poster
}

// NewRegistryPoster returns a Poster backed by reg, falling back to
// fallback when no dynsvc.asyncwork.Poster service is currently registered.
func NewRegistryPoster(reg *registry.Registry, bundle string, fallback Poster) *RegistryPoster {
	return &RegistryPoster{reg: reg, bundle: bundle, fallback: fallback}
}

// Post resolves the highest-ranked registered Poster and submits task to
// it, or to the fallback if none is registered or the registered service
// rejects the resolution.
func (p *RegistryPoster) Post(task Task) error {
	ref := p.reg.Get(ClassName, nil)
	if ref == nil {
		return p.fallback.Post(task)
	}

	svc, err := p.reg.GetService(p.bundle, ref)
	if err != nil {
		return p.fallback.Post(task)
	}
	defer p.reg.UngetService(p.bundle, ref, svc)

	poster, ok := svc.(Poster)
	if !ok {
		return fmt.Errorf("asyncwork: service %d does not implement Poster", ref.ServiceID())
	}
	return poster.Post(task)
}
