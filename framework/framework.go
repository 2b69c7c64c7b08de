// Package framework ties the registry, listener set, Configuration Admin
// and Declarative Services runtime together into the single handle an
// embedding application starts: Framework. Bundles are identified by plain
// string ids rather than a loaded binary (this module has no dynamic
// loading story of its own — a "bundle" here is whatever logical unit of
// components an embedder chooses to group under one id) and each gets a
// BundleContext scoped to its own component manager.
package framework

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/dynsvc/asyncwork"
	"github.com/c360/dynsvc/cm"
	"github.com/c360/dynsvc/filter"
	"github.com/c360/dynsvc/future"
	"github.com/c360/dynsvc/health"
	"github.com/c360/dynsvc/listener"
	"github.com/c360/dynsvc/props"
	"github.com/c360/dynsvc/registry"
	"github.com/c360/dynsvc/scr"
)

// ErrorEvent reports a framework-level failure not tied to a single
// synchronous call, such as a component activation error discovered during
// an asynchronous reevaluation.
type ErrorEvent struct {
	Bundle    string
	Component string
	Err       error
	Timestamp time.Time
}

// ErrorHandler receives ErrorEvents. Implementations must not block.
type ErrorHandler func(ErrorEvent)

// BundleState is the lifecycle position of a bundle within the framework.
type BundleState int

const (
	BundleInstalled BundleState = iota
	BundleActive
	BundleStopped
	BundleUninstalled
)

func (s BundleState) String() string {
	switch s {
	case BundleInstalled:
		return "INSTALLED"
	case BundleActive:
		return "ACTIVE"
	case BundleStopped:
		return "STOPPED"
	case BundleUninstalled:
		return "UNINSTALLED"
	default:
		return "UNKNOWN"
	}
}

// Bundle is the framework's record for one installed logical unit.
type Bundle struct {
	id      string
	state   BundleState
	manager *scr.ComponentManager
}

func (b *Bundle) ID() string           { return b.id }
func (b *Bundle) State() BundleState   { return b.state }
func (b *Bundle) Components() []scr.Snapshot { return b.manager.Snapshots() }

// Options configures a Framework at construction.
type Options struct {
	// Validate gates which bundles may activate components at all; nil
	// accepts every bundle.
	Validate scr.ValidationFunc
	Admin    cm.Admin
	Poster   asyncwork.Poster
	Logger   *slog.Logger
}

// Framework is the top-level runtime handle: one service registry, one
// listener set, one Configuration Admin, and a BundleContext per installed
// bundle.
type Framework struct {
	reg      *registry.Registry
	listener *listener.Set
	admin    cm.Admin
	poster   asyncwork.Poster
	validate scr.ValidationFunc
	logger   *slog.Logger

	mu      sync.RWMutex
	bundles map[string]*Bundle

	errMu     sync.Mutex
	errSubs   map[int64]ErrorHandler
	errSeq    int64

	health *health.Monitor
}

// New constructs a Framework. A nil opts.Admin defaults to an in-memory
// Configuration Admin.
func New(opts Options) *Framework {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	admin := opts.Admin
	if admin == nil {
		admin = cm.NewInMemoryAdmin()
	}

	set := listener.NewSet()
	reg := registry.New(set)

	return &Framework{
		reg:      reg,
		listener: set,
		admin:    admin,
		poster:   opts.Poster,
		validate: opts.Validate,
		logger:   logger,
		bundles:  make(map[string]*Bundle),
		errSubs:  make(map[int64]ErrorHandler),
		health:   health.NewMonitor(),
	}
}

// Registry returns the framework's shared service registry.
func (f *Framework) Registry() *registry.Registry { return f.reg }

// Admin returns the framework's Configuration Admin.
func (f *Framework) Admin() cm.Admin { return f.admin }

// OnError subscribes handler to framework-level error events and returns a
// token for Unsubscribe.
func (f *Framework) OnError(handler ErrorHandler) int64 {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	f.errSeq++
	f.errSubs[f.errSeq] = handler
	return f.errSeq
}

// Unsubscribe removes an error handler registered with OnError.
func (f *Framework) Unsubscribe(token int64) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	delete(f.errSubs, token)
}

func (f *Framework) reportError(event ErrorEvent) {
	f.errMu.Lock()
	handlers := make([]ErrorHandler, 0, len(f.errSubs))
	for _, h := range f.errSubs {
		handlers = append(handlers, h)
	}
	f.errMu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}

// InstallBundle registers a new bundle id and returns its context. Installing
// an id twice is an error.
func (f *Framework) InstallBundle(id string) (*BundleContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.bundles[id]; exists {
		return nil, fmt.Errorf("framework: bundle %q already installed", id)
	}
	manager := scr.NewComponentManager(f.reg, f.listener, f.admin, f.poster, f.validate, f.logger)
	manager.OnError(func(component string, err error) {
		f.health.Update(id+"/"+component, health.NewUnhealthy(id+"/"+component, err.Error()))
		f.reportError(ErrorEvent{Bundle: id, Component: component, Err: err, Timestamp: time.Now()})
	})
	b := &Bundle{id: id, state: BundleInstalled, manager: manager}
	f.bundles[id] = b
	return &BundleContext{framework: f, bundle: b}, nil
}

// InstallAnonymousBundle installs a bundle under a generated UUID, for
// embedders that have no natural identity of their own to use as a bundle
// id (a one-off script, a test harness, a dynamically loaded plugin).
func (f *Framework) InstallAnonymousBundle() (*BundleContext, error) {
	return f.InstallBundle(uuid.NewString())
}

// Bundle returns the installed bundle record for id.
func (f *Framework) Bundle(id string) (*Bundle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.bundles[id]
	return b, ok
}

// Bundles returns every installed bundle.
func (f *Framework) Bundles() []*Bundle {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Bundle, 0, len(f.bundles))
	for _, b := range f.bundles {
		out = append(out, b)
	}
	return out
}

// UninstallBundle disposes every component the bundle declared and removes
// it from the framework.
func (f *Framework) UninstallBundle(id string) error {
	f.mu.Lock()
	b, ok := f.bundles[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("framework: bundle %q not installed", id)
	}
	delete(f.bundles, id)
	f.mu.Unlock()

	b.manager.DisposeAll()
	b.state = BundleUninstalled
	return nil
}

// Health returns an aggregated health status for the whole framework, one
// sub-status per bundle. A component's last reported activation error (see
// OnError) stays attached to its status until the component reaches
// StateActive again, at which point it reports healthy.
func (f *Framework) Health() health.Status {
	f.mu.RLock()
	bundles := make([]*Bundle, 0, len(f.bundles))
	for _, b := range f.bundles {
		bundles = append(bundles, b)
	}
	f.mu.RUnlock()

	subs := make([]health.Status, 0, len(bundles))
	for _, b := range bundles {
		subs = append(subs, f.bundleHealth(b))
	}
	return health.Aggregate("framework", subs)
}

func (f *Framework) bundleHealth(b *Bundle) health.Status {
	snaps := b.Components()
	componentSubs := make([]health.Status, 0, len(snaps))
	for _, snap := range snaps {
		key := b.id + "/" + snap.Name
		if snap.State == scr.StateActive {
			f.health.Remove(key)
			componentSubs = append(componentSubs, health.NewHealthy(snap.Name, snap.State.String()))
			continue
		}
		if recorded, ok := f.health.Get(key); ok {
			recorded.Component = snap.Name
			componentSubs = append(componentSubs, recorded)
			continue
		}
		if snap.State == scr.StateSatisfied {
			componentSubs = append(componentSubs, health.NewHealthy(snap.Name, snap.State.String()))
			continue
		}
		componentSubs = append(componentSubs, health.NewDegraded(snap.Name, snap.State.String()))
	}
	return health.Aggregate(b.id, componentSubs)
}

// BundleContext is the bundle-scoped API handed to embedding code: it can
// register plain services directly and declare DS components that the
// framework will drive through their lifecycle automatically.
type BundleContext struct {
	framework *Framework
	bundle    *Bundle
}

func (bc *BundleContext) BundleID() string { return bc.bundle.id }

// RegisterService publishes instance as a singleton-scoped service, the
// direct (non-declarative) registration path for bundles that don't need
// the DS state machine.
func (bc *BundleContext) RegisterService(classes []string, instance any, properties props.Map) (*registry.Registration, error) {
	return bc.framework.reg.Register(bc.bundle.id, classes, instance, properties)
}

// GetServiceReference returns the best-ranked reference implementing class
// matching filt (nil for no additional filter).
func (bc *BundleContext) GetServiceReference(class string, filt *filter.Expr) *registry.Reference {
	return bc.framework.reg.Get(class, filt)
}

// GetService resolves ref on behalf of this bundle.
func (bc *BundleContext) GetService(ref *registry.Reference) (any, error) {
	return bc.framework.reg.GetService(bc.bundle.id, ref)
}

// UngetService releases a service obtained via GetService.
func (bc *BundleContext) UngetService(ref *registry.Reference, service any) {
	bc.framework.reg.UngetService(bc.bundle.id, ref, service)
}

// AddServiceListener subscribes handler to changes on class/filt, scoped to
// this bundle's lifetime (the framework does not currently auto-remove
// listeners on uninstall; callers that need that should keep the token and
// call RemoveServiceListener from their own stop path).
func (bc *BundleContext) AddServiceListener(class string, filt *filter.Expr, handler listener.Handler) int64 {
	return bc.framework.listener.AddListener(class, filt, handler)
}

// RemoveServiceListener cancels a subscription made with AddServiceListener.
func (bc *BundleContext) RemoveServiceListener(token int64) {
	bc.framework.listener.RemoveListener(token)
}

// Declare registers and enables a Declarative Services component owned by
// this bundle.
func (bc *BundleContext) Declare(ctx context.Context, metadata scr.ComponentMetadata) (*scr.ComponentConfiguration, error) {
	cc, err := bc.bundle.manager.Declare(ctx, bc.bundle.id, metadata)
	if err != nil {
		return nil, err
	}
	bc.bundle.state = BundleActive
	return cc, nil
}

// Components returns the current state of every component this bundle
// declared.
func (bc *BundleContext) Components() []scr.Snapshot {
	return bc.bundle.manager.Snapshots()
}

// ComponentDescriptionDTO mirrors one declared component's static metadata,
// the ServiceComponentRuntime#getComponentDescriptionDTOs equivalent.
type ComponentDescriptionDTO struct {
	Bundle    string
	Name      string
	Immediate bool
	Provides  []string
}

// ComponentConfigurationDTO mirrors one live component configuration's
// runtime state, the ServiceComponentRuntime#getComponentConfigurationDTOs
// equivalent.
type ComponentConfigurationDTO struct {
	Bundle     string
	Name       string
	InstanceID string
	State      string
}

// IsComponentEnabled reports whether component, declared by bundle, is
// currently anything but disabled or disposed.
func (f *Framework) IsComponentEnabled(bundle, component string) bool {
	b, ok := f.Bundle(bundle)
	if !ok {
		return false
	}
	return b.manager.IsEnabled(component)
}

// EnableComponent asynchronously enables component. The returned future
// resolves once the attempt completes; it completes exceptionally with a
// *scr.SecurityError if bundle fails framework validation.
func (f *Framework) EnableComponent(bundle, component string) *future.Future[struct{}] {
	return f.postComponentOp(bundle, func(ctx context.Context, b *Bundle) error {
		return b.manager.Enable(ctx, component)
	})
}

// DisableComponent asynchronously disables component. The returned future
// resolves once the attempt completes.
func (f *Framework) DisableComponent(bundle, component string) *future.Future[struct{}] {
	return f.postComponentOp(bundle, func(ctx context.Context, b *Bundle) error {
		return b.manager.Disable(component)
	})
}

func (f *Framework) postComponentOp(bundle string, op func(ctx context.Context, b *Bundle) error) *future.Future[struct{}] {
	fut, resolve := future.New[struct{}]()
	task := func(ctx context.Context) {
		b, ok := f.Bundle(bundle)
		if !ok {
			resolve(struct{}{}, fmt.Errorf("framework: bundle %q not installed", bundle))
			return
		}
		resolve(struct{}{}, op(ctx, b))
	}
	if f.poster != nil {
		if err := f.poster.Post(task); err != nil {
			resolve(struct{}{}, err)
		}
		return fut
	}
	task(context.Background())
	return fut
}

// GetComponentDescriptionDTOs returns the static description of every
// component declared across every installed bundle.
func (f *Framework) GetComponentDescriptionDTOs() []ComponentDescriptionDTO {
	var out []ComponentDescriptionDTO
	for _, b := range f.Bundles() {
		for _, cc := range b.manager.Configurations() {
			md := cc.Metadata()
			out = append(out, ComponentDescriptionDTO{
				Bundle:    b.id,
				Name:      md.Name,
				Immediate: md.Immediate,
				Provides:  md.Provides,
			})
		}
	}
	return out
}

// GetComponentConfigurationDTOs returns the live runtime state of every
// component configuration across every installed bundle.
func (f *Framework) GetComponentConfigurationDTOs() []ComponentConfigurationDTO {
	var out []ComponentConfigurationDTO
	for _, b := range f.Bundles() {
		for _, cc := range b.manager.Configurations() {
			out = append(out, ComponentConfigurationDTO{
				Bundle:     b.id,
				Name:       cc.Metadata().Name,
				InstanceID: cc.InstanceID(),
				State:      cc.State().String(),
			})
		}
	}
	return out
}
