package cm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/dynsvc/asyncwork"
	"github.com/c360/dynsvc/errors"
	"github.com/c360/dynsvc/future"
	"github.com/c360/dynsvc/props"
)

// Admin is the Configuration Admin contract: a PID-keyed configuration
// store that notifies a Notifier on every change. Components obtain their
// own configuration either by reading it once at activation or by
// registering for updates through the embedded Notifier.
type Admin interface {
	// GetConfiguration returns the properties stored for pid, and whether
	// any configuration exists for it at all.
	GetConfiguration(ctx context.Context, pid string) (props.Map, bool, error)

	// UpdateConfiguration creates or replaces the configuration for pid and
	// fires ConfigUpdated to any registered listeners.
	UpdateConfiguration(ctx context.Context, pid string, properties props.Map) error

	// DeleteConfiguration removes pid's configuration and fires
	// ConfigDeleted. Deleting an already-absent PID is not an error.
	DeleteConfiguration(ctx context.Context, pid string) error

	// ListPids returns every PID with a stored configuration, sorted.
	ListPids(ctx context.Context) ([]string, error)

	// Notifier returns the Admin's notification hub, for components that
	// want to subscribe to configuration changes directly.
	Notifier() *Notifier

	// Configuration returns a handle bound to pid through which callers can
	// Update, UpdateIfDifferent or Remove that PID's configuration
	// asynchronously.
	Configuration(pid string) *Configuration

	// SetPoster installs the executor Configuration handles use to run their
	// Update/Remove calls off the caller's goroutine. A nil poster (the
	// default) runs them synchronously instead.
	SetPoster(poster asyncwork.Poster)
}

// Configuration is a handle bound to one PID, the cm analogue of OSGi's
// org.osgi.service.cm.Configuration. Every mutating call is posted through
// the owning Admin's Poster (if one was installed with SetPoster) and
// reports completion through a Future, rather than blocking the caller.
type Configuration struct {
	pid    string
	admin  Admin
	poster func() asyncwork.Poster
}

func newConfiguration(pid string, admin Admin, poster func() asyncwork.Poster) *Configuration {
	return &Configuration{pid: pid, admin: admin, poster: poster}
}

// PID returns the PID this handle is bound to.
func (c *Configuration) PID() string { return c.pid }

// Update creates or replaces the configuration unconditionally.
func (c *Configuration) Update(ctx context.Context, properties props.Map) *future.Future[struct{}] {
	return c.run(func(ctx context.Context) error {
		return c.admin.UpdateConfiguration(ctx, c.pid, properties)
	})
}

// UpdateIfDifferent creates or replaces the configuration only if properties
// differs from what is currently stored (props.Map.Equal), so that an
// identical resubmission does not fire a spurious ConfigUpdated event to
// every listener. "Different" means strict key-and-typed-value inequality,
// matching props.Map.Equal's semantics.
//
// changed is resolved synchronously (reading the current configuration is
// cheap relative to the write, and a caller deciding whether to log or
// follow up needs that answer immediately, not after waiting on the
// returned future). The future tracks only the write itself, and is
// already resolved with a nil error when changed is false.
func (c *Configuration) UpdateIfDifferent(ctx context.Context, properties props.Map) (bool, *future.Future[struct{}]) {
	current, ok, err := c.admin.GetConfiguration(ctx, c.pid)
	if err != nil {
		return false, resolved[struct{}](struct{}{}, err)
	}
	if ok && current.Equal(properties) {
		return false, resolved[struct{}](struct{}{}, nil)
	}
	return true, c.Update(ctx, properties)
}

func resolved[T any](v T, err error) *future.Future[T] {
	fut, resolve := future.New[T]()
	resolve(v, err)
	return fut
}

// Remove deletes the configuration.
func (c *Configuration) Remove(ctx context.Context) *future.Future[struct{}] {
	return c.run(func(ctx context.Context) error {
		return c.admin.DeleteConfiguration(ctx, c.pid)
	})
}

func (c *Configuration) run(work func(ctx context.Context) error) *future.Future[struct{}] {
	fut, resolve := future.New[struct{}]()
	task := func(ctx context.Context) { resolve(struct{}{}, work(ctx)) }

	var poster asyncwork.Poster
	if c.poster != nil {
		poster = c.poster()
	}
	if poster == nil {
		task(context.Background())
		return fut
	}
	if err := poster.Post(task); err != nil {
		resolve(struct{}{}, err)
	}
	return fut
}

// InMemoryAdmin is a process-local Admin backed by a plain map, suitable
// for tests and single-process deployments that don't need configuration
// to survive a restart.
type InMemoryAdmin struct {
	mu       sync.RWMutex
	configs  map[string]props.Map
	notifier *Notifier

	posterMu sync.RWMutex
	poster   asyncwork.Poster
}

// NewInMemoryAdmin returns an empty InMemoryAdmin.
func NewInMemoryAdmin() *InMemoryAdmin {
	return &InMemoryAdmin{
		configs:  make(map[string]props.Map),
		notifier: NewNotifier(),
	}
}

func (a *InMemoryAdmin) Notifier() *Notifier { return a.notifier }

// Configuration returns a handle bound to pid.
func (a *InMemoryAdmin) Configuration(pid string) *Configuration {
	return newConfiguration(pid, a, a.currentPoster)
}

// SetPoster installs the executor Configuration handles run their
// Update/Remove calls through.
func (a *InMemoryAdmin) SetPoster(poster asyncwork.Poster) {
	a.posterMu.Lock()
	defer a.posterMu.Unlock()
	a.poster = poster
}

func (a *InMemoryAdmin) currentPoster() asyncwork.Poster {
	a.posterMu.RLock()
	defer a.posterMu.RUnlock()
	return a.poster
}

func (a *InMemoryAdmin) GetConfiguration(_ context.Context, pid string) (props.Map, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.configs[pid]
	return p, ok, nil
}

func (a *InMemoryAdmin) UpdateConfiguration(_ context.Context, pid string, properties props.Map) error {
	a.mu.Lock()
	a.configs[pid] = properties
	a.mu.Unlock()
	a.notifier.NotifyAllListeners(ConfigUpdated, pid, properties)
	return nil
}

func (a *InMemoryAdmin) DeleteConfiguration(_ context.Context, pid string) error {
	a.mu.Lock()
	_, existed := a.configs[pid]
	delete(a.configs, pid)
	a.mu.Unlock()
	if existed {
		a.notifier.NotifyAllListeners(ConfigDeleted, pid, props.New())
	}
	return nil
}

func (a *InMemoryAdmin) ListPids(_ context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.configs))
	for pid := range a.configs {
		out = append(out, pid)
	}
	sort.Strings(out)
	return out, nil
}

// KVStore is the subset of natsclient.KVStore that JetStreamAdmin depends
// on, kept narrow so tests can supply an in-memory fake.
type KVStore interface {
	Get(ctx context.Context, key string) (value []byte, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// JetStreamAdmin persists configuration in a NATS JetStream key-value
// bucket, so updates survive process restarts and are visible to every
// framework instance sharing the bucket. It wraps the same natsclient
// KV primitives used by the rest of this module's NATS-backed
// infrastructure (see natsclient/kv.go).
type JetStreamAdmin struct {
	kv       KVStore
	notifier *Notifier

	posterMu sync.RWMutex
	poster   asyncwork.Poster
}

// NewJetStreamAdmin returns an Admin backed by kv.
func NewJetStreamAdmin(kv KVStore) *JetStreamAdmin {
	return &JetStreamAdmin{kv: kv, notifier: NewNotifier()}
}

func (a *JetStreamAdmin) Notifier() *Notifier { return a.notifier }

// Configuration returns a handle bound to pid.
func (a *JetStreamAdmin) Configuration(pid string) *Configuration {
	return newConfiguration(pid, a, a.currentPoster)
}

// SetPoster installs the executor Configuration handles run their
// Update/Remove calls through.
func (a *JetStreamAdmin) SetPoster(poster asyncwork.Poster) {
	a.posterMu.Lock()
	defer a.posterMu.Unlock()
	a.poster = poster
}

func (a *JetStreamAdmin) currentPoster() asyncwork.Poster {
	a.posterMu.RLock()
	defer a.posterMu.RUnlock()
	return a.poster
}

func (a *JetStreamAdmin) GetConfiguration(ctx context.Context, pid string) (props.Map, bool, error) {
	raw, err := a.kv.Get(ctx, pid)
	if err != nil {
		if isNotFound(err) {
			return props.Map{}, false, nil
		}
		return props.Map{}, false, errors.WrapTransient(err, "JetStreamAdmin", "GetConfiguration",
			fmt.Sprintf("fetching configuration for %s", pid))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return props.Map{}, false, errors.WrapInvalid(err, "JetStreamAdmin", "GetConfiguration",
			fmt.Sprintf("decoding stored configuration for %s", pid))
	}
	p, err := props.FromMap(m)
	if err != nil {
		return props.Map{}, false, errors.WrapInvalid(err, "JetStreamAdmin", "GetConfiguration",
			fmt.Sprintf("decoding stored configuration for %s", pid))
	}
	return p, true, nil
}

func (a *JetStreamAdmin) UpdateConfiguration(ctx context.Context, pid string, properties props.Map) error {
	raw, err := json.Marshal(properties.ToMap())
	if err != nil {
		return errors.WrapInvalid(err, "JetStreamAdmin", "UpdateConfiguration",
			fmt.Sprintf("encoding configuration for %s", pid))
	}
	if err := a.kv.Put(ctx, pid, raw); err != nil {
		return errors.WrapTransient(err, "JetStreamAdmin", "UpdateConfiguration",
			fmt.Sprintf("storing configuration for %s", pid))
	}
	a.notifier.NotifyAllListeners(ConfigUpdated, pid, properties)
	return nil
}

func (a *JetStreamAdmin) DeleteConfiguration(ctx context.Context, pid string) error {
	if err := a.kv.Delete(ctx, pid); err != nil {
		if isNotFound(err) {
			return nil
		}
		return errors.WrapTransient(err, "JetStreamAdmin", "DeleteConfiguration",
			fmt.Sprintf("deleting configuration for %s", pid))
	}
	a.notifier.NotifyAllListeners(ConfigDeleted, pid, props.New())
	return nil
}

func (a *JetStreamAdmin) ListPids(ctx context.Context) ([]string, error) {
	keys, err := a.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "JetStreamAdmin", "ListPids", "listing configuration keys")
	}
	sort.Strings(keys)
	return keys, nil
}

type notFounder interface {
	NotFound() bool
}

func isNotFound(err error) bool {
	nf, ok := err.(notFounder)
	return ok && nf.NotFound()
}
