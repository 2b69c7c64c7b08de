// Package registry implements the dynamic Service Registry: the central
// table of published services that bundles register, look up, bind to, and
// unregister at run time.
//
// A service is published under one or more interface names ("object
// classes") together with a property map. Consumers look services up with
// Get/GetAll using an LDAP filter (see package filter) and resolve the
// concrete Go value with GetService, whose behavior depends on the
// service's scope:
//
//   - ScopeSingleton: one shared instance for every consumer (the default).
//   - ScopeBundle: one instance per consuming bundle, created lazily via a
//     Factory and cached until that bundle ungets its last reference.
//   - ScopePrototype: a fresh instance on every GetService call.
//
// Registrations carry a monotonically increasing service.id (R1: ids are
// never reused, even after Unregister) and are returned from Get/GetAll
// ordered by descending service.ranking, then ascending service.id (R2).
// SetProperties may not alter service.id, objectClass or service.scope —
// those are fixed at registration time (R3).
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/dynsvc/filter"
	"github.com/c360/dynsvc/props"
)

// Scope names the service scope, stored verbatim under service.scope.
type Scope string

const (
	ScopeSingleton Scope = "singleton"
	ScopeBundle    Scope = "bundle"
	ScopePrototype Scope = "prototype"
)

// Factory manufactures and releases service instances for bundle and
// prototype scoped services. Singleton registrations never call a Factory;
// they hand out the same instance to every consumer.
type Factory interface {
	GetService(bundle string, reg *Registration) (any, error)
	UngetService(bundle string, reg *Registration, service any)
}

// EventType names the kind of change a Registry reports to its notifier.
type EventType int

const (
	EventRegistered EventType = iota
	EventModified
	EventModifiedEndmatch
	EventUnregistering
)

// Notifier receives registry change events. It must not call back into the
// registry that invoked it while holding its own locks; the registry calls
// notifiers with no internal locks held.
type Notifier interface {
	ServiceChanged(event EventType, ref *Reference)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(EventType, *Reference)

func (f NotifierFunc) ServiceChanged(event EventType, ref *Reference) { f(event, ref) }

// Registration is the registry's record for one published service. Obtain
// one from Register or RegisterFactory; use its methods, or a Reference
// derived from it, to interact with the registry afterward.
type Registration struct {
	id       int64
	classes  []string
	scope    Scope
	bundle   string
	registry *Registry

	mu                 sync.RWMutex
	properties         props.Map
	unregistered       bool
	singleton          any
	factory            Factory
	perBundle          map[string]any
	useCount           map[string]int
	prototypeInstances map[string][]any
}

// ServiceID returns the immutable service.id.
func (r *Registration) ServiceID() int64 { return r.id }

// ObjectClasses returns the immutable interface names this service was
// registered under.
func (r *Registration) ObjectClasses() []string { return append([]string(nil), r.classes...) }

// Scope returns the immutable service scope.
func (r *Registration) Scope() Scope { return r.scope }

// Bundle returns the id of the bundle that registered the service.
func (r *Registration) Bundle() string { return r.bundle }

// Properties returns a snapshot of the service's current property map,
// including the immutable service.id/objectClass/service.scope entries.
func (r *Registration) Properties() props.Map {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.properties
}

// Reference returns a lightweight handle consumers use for GetService,
// UngetService and filter matching.
func (r *Registration) Reference() *Reference { return &Reference{reg: r} }

// SetProperties replaces the consumer-visible properties, preserving
// service.id, objectClass and service.scope (R3). It reports EventModified
// to the registry's notifier; a listener.Set downstream synthesizes
// EventModifiedEndmatch for subscribers whose filter the service just
// stopped matching.
func (r *Registration) SetProperties(p props.Map) error {
	r.mu.Lock()
	if r.unregistered {
		r.mu.Unlock()
		return fmt.Errorf("registry: service %d is unregistered", r.id)
	}
	merged := p.
		With(props.ServiceID, r.id).
		With(props.ServiceScope, string(r.scope)).
		With(props.ObjectClass, toAnySlice(r.classes))
	r.properties = merged
	r.mu.Unlock()

	r.registry.notify(EventModified, r.Reference())
	return nil
}

// Unregister removes the service from the registry. It is idempotent: a
// second call returns an error. EventUnregistering fires before the entry
// is removed, so listeners still find the reference during teardown, but
// the registration is already marked unregistered and GetService on it
// fails.
func (r *Registration) Unregister() error {
	r.mu.Lock()
	if r.unregistered {
		r.mu.Unlock()
		return fmt.Errorf("registry: service %d already unregistered", r.id)
	}
	r.unregistered = true
	r.mu.Unlock()

	r.registry.notify(EventUnregistering, r.Reference())

	r.registry.mu.Lock()
	delete(r.registry.byID, r.id)
	r.registry.mu.Unlock()

	r.mu.Lock()
	instances := r.perBundle
	single := r.singleton
	prototypes := r.prototypeInstances
	factory := r.factory
	r.perBundle = nil
	r.singleton = nil
	r.prototypeInstances = nil
	r.mu.Unlock()

	if factory != nil {
		for bundle, inst := range instances {
			factory.UngetService(bundle, r, inst)
		}
		for bundle, insts := range prototypes {
			for _, inst := range insts {
				factory.UngetService(bundle, r, inst)
			}
		}
		if single != nil {
			factory.UngetService(r.bundle, r, single)
		}
	}
	return nil
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// Reference is a consumer-facing handle on a Registration, used to resolve
// a service instance and to match against filters without exposing the
// mutable internals of Registration.
type Reference struct {
	reg *Registration
}

func (ref *Reference) ServiceID() int64        { return ref.reg.ServiceID() }
func (ref *Reference) Bundle() string          { return ref.reg.Bundle() }
func (ref *Reference) Scope() Scope            { return ref.reg.Scope() }
func (ref *Reference) ObjectClasses() []string { return ref.reg.ObjectClasses() }
func (ref *Reference) Properties() props.Map   { return ref.reg.Properties() }

// Registration returns the backing Registration, for callers (notably
// Registry.SetProperties callers and the DS runtime) that need to mutate or
// unregister the service.
func (ref *Reference) Registration() *Registration { return ref.reg }

// Registry is the thread-safe service table. The zero value is not usable;
// construct one with New.
type Registry struct {
	mu       sync.RWMutex
	byID     map[int64]*Registration
	nextID   atomic.Int64
	notifier Notifier
}

// New returns an empty Registry. notifier may be nil, in which case events
// are dropped (typical for tests); production callers pass a
// listener.Set.
func New(notifier Notifier) *Registry {
	return &Registry{
		byID:     make(map[int64]*Registration),
		notifier: notifier,
	}
}

func (reg *Registry) notify(event EventType, ref *Reference) {
	if reg.notifier != nil {
		reg.notifier.ServiceChanged(event, ref)
	}
}

// Register publishes instance as a singleton-scoped service under classes,
// with the given initial properties. service.id, service.scope and
// objectClass are injected automatically.
func (reg *Registry) Register(bundle string, classes []string, instance any, properties props.Map) (*Registration, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("registry: at least one object class is required")
	}
	if instance == nil {
		return nil, fmt.Errorf("registry: service instance must not be nil")
	}
	r := reg.newRegistration(bundle, classes, ScopeSingleton, properties)
	r.singleton = instance
	reg.insert(r)
	return r, nil
}

// RegisterFactory publishes a bundle- or prototype-scoped service backed by
// factory. scope must be ScopeBundle or ScopePrototype.
func (reg *Registry) RegisterFactory(bundle string, classes []string, scope Scope, factory Factory, properties props.Map) (*Registration, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("registry: at least one object class is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("registry: factory must not be nil")
	}
	if scope != ScopeBundle && scope != ScopePrototype {
		return nil, fmt.Errorf("registry: RegisterFactory requires bundle or prototype scope, got %q", scope)
	}
	r := reg.newRegistration(bundle, classes, scope, properties)
	r.factory = factory
	r.perBundle = make(map[string]any)
	r.useCount = make(map[string]int)
	if scope == ScopePrototype {
		r.prototypeInstances = make(map[string][]any)
	}
	reg.insert(r)
	return r, nil
}

// RegisterLazySingleton publishes a singleton-scoped service whose instance
// is built by factory on the first GetService call from any bundle, then
// shared with every caller after that — the registry-side half of a
// Declarative Services delayed component, which DS instantiates at most
// once, on demand, rather than per-bundle or per-call the way
// RegisterFactory's scopes do.
func (reg *Registry) RegisterLazySingleton(bundle string, classes []string, factory Factory, properties props.Map) (*Registration, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("registry: at least one object class is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("registry: factory must not be nil")
	}
	r := reg.newRegistration(bundle, classes, ScopeSingleton, properties)
	r.factory = factory
	reg.insert(r)
	return r, nil
}

func (reg *Registry) newRegistration(bundle string, classes []string, scope Scope, properties props.Map) *Registration {
	id := reg.nextID.Add(1)
	merged := properties.
		With(props.ServiceID, id).
		With(props.ServiceScope, string(scope)).
		With(props.ObjectClass, toAnySlice(classes))
	return &Registration{
		id:         id,
		classes:    append([]string(nil), classes...),
		scope:      scope,
		bundle:     bundle,
		registry:   reg,
		properties: merged,
	}
}

func (reg *Registry) insert(r *Registration) {
	reg.mu.Lock()
	reg.byID[r.id] = r
	reg.mu.Unlock()
	reg.notify(EventRegistered, r.Reference())
}

// GetAll returns references to every service implementing class (empty
// string matches any class) whose properties satisfy filt (nil matches
// everything), ordered by descending service.ranking then ascending
// service.id (R2).
func (reg *Registry) GetAll(class string, filt *filter.Expr) []*Reference {
	reg.mu.RLock()
	candidates := make([]*Registration, 0, len(reg.byID))
	for _, r := range reg.byID {
		candidates = append(candidates, r)
	}
	reg.mu.RUnlock()

	var out []*Reference
	for _, r := range candidates {
		p := r.Properties()
		if class != "" && !hasClass(p, class) {
			continue
		}
		if filt != nil && !filt.Matches(p) {
			continue
		}
		out = append(out, r.Reference())
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Properties(), out[j].Properties()
		ri, rj := pi.Ranking(), pj.Ranking()
		if ri != rj {
			return ri > rj
		}
		return out[i].ServiceID() < out[j].ServiceID()
	})
	return out
}

func hasClass(p props.Map, class string) bool {
	for _, c := range p.ObjectClasses() {
		if c == class {
			return true
		}
	}
	return false
}

// Get returns the best-ranked reference matching class and filt, or nil if
// none match.
func (reg *Registry) Get(class string, filt *filter.Expr) *Reference {
	refs := reg.GetAll(class, filt)
	if len(refs) == 0 {
		return nil
	}
	return refs[0]
}

// ByID looks up a reference by its immutable service.id.
func (reg *Registry) ByID(id int64) (*Reference, bool) {
	reg.mu.RLock()
	r, ok := reg.byID[id]
	reg.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Reference(), true
}

// GetService resolves ref to a concrete service instance for the requesting
// bundle, applying scope semantics. Every successful call must be paired
// with UngetService. A user Factory is always invoked with no Registration
// or Registry lock held, so it may safely call back into the registry —
// including another GetService, SetProperties, or Unregister on the very
// service it is constructing — without deadlocking.
func (reg *Registry) GetService(bundle string, ref *Reference) (any, error) {
	r := ref.reg

	r.mu.Lock()
	if r.unregistered {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: service %d is unregistered", r.id)
	}

	switch r.scope {
	case ScopeSingleton:
		if r.singleton != nil || r.factory == nil {
			single := r.singleton
			r.mu.Unlock()
			return single, nil
		}
		factory := r.factory
		r.mu.Unlock()

		inst, err := factory.GetService(bundle, r)
		if err != nil {
			return nil, fmt.Errorf("registry: singleton factory for service %d: %w", r.id, err)
		}

		r.mu.Lock()
		if r.unregistered {
			r.mu.Unlock()
			factory.UngetService(bundle, r, inst)
			return nil, fmt.Errorf("registry: service %d is unregistered", r.id)
		}
		if r.singleton != nil {
			existing := r.singleton
			r.mu.Unlock()
			factory.UngetService(bundle, r, inst)
			return existing, nil
		}
		r.singleton = inst
		r.mu.Unlock()
		return inst, nil

	case ScopePrototype:
		factory := r.factory
		r.mu.Unlock()

		inst, err := factory.GetService(bundle, r)
		if err != nil {
			return nil, fmt.Errorf("registry: prototype factory for service %d: %w", r.id, err)
		}

		r.mu.Lock()
		if r.unregistered {
			r.mu.Unlock()
			factory.UngetService(bundle, r, inst)
			return nil, fmt.Errorf("registry: service %d is unregistered", r.id)
		}
		r.prototypeInstances[bundle] = append(r.prototypeInstances[bundle], inst)
		r.mu.Unlock()
		return inst, nil

	case ScopeBundle:
		if inst, ok := r.perBundle[bundle]; ok {
			r.useCount[bundle]++
			r.mu.Unlock()
			return inst, nil
		}
		factory := r.factory
		r.mu.Unlock()

		inst, err := factory.GetService(bundle, r)
		if err != nil {
			return nil, fmt.Errorf("registry: bundle factory for service %d: %w", r.id, err)
		}

		r.mu.Lock()
		if r.unregistered {
			r.mu.Unlock()
			factory.UngetService(bundle, r, inst)
			return nil, fmt.Errorf("registry: service %d is unregistered", r.id)
		}
		if existing, ok := r.perBundle[bundle]; ok {
			// Lost the race with a concurrent first caller for this bundle:
			// keep its instance, release ours.
			r.useCount[bundle]++
			r.mu.Unlock()
			factory.UngetService(bundle, r, inst)
			return existing, nil
		}
		r.perBundle[bundle] = inst
		r.useCount[bundle] = 1
		r.mu.Unlock()
		return inst, nil

	default:
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: unknown scope %q", r.scope)
	}
}

// UngetService releases a service instance obtained via GetService. For
// bundle scope, the cached instance is released back to the factory once
// the requesting bundle's use count reaches zero; prototype instances are
// released and forgotten unconditionally since each GetService call
// produced a fresh one — Unregister also ungets any prototype instance a
// caller never released itself. The factory is invoked with no lock held,
// for the same reentrancy reason as GetService.
func (reg *Registry) UngetService(bundle string, ref *Reference, service any) {
	r := ref.reg
	r.mu.Lock()

	switch r.scope {
	case ScopeSingleton:
		r.mu.Unlock()
	case ScopePrototype:
		instances := r.prototypeInstances[bundle]
		idx := -1
		for i, inst := range instances {
			if inst == service {
				idx = i
				break
			}
		}
		if idx == -1 {
			r.mu.Unlock()
			return
		}
		r.prototypeInstances[bundle] = append(instances[:idx:idx], instances[idx+1:]...)
		factory := r.factory
		r.mu.Unlock()
		if factory != nil {
			factory.UngetService(bundle, r, service)
		}
	case ScopeBundle:
		r.useCount[bundle]--
		if r.useCount[bundle] > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.useCount, bundle)
		inst, ok := r.perBundle[bundle]
		if !ok {
			r.mu.Unlock()
			return
		}
		delete(r.perBundle, bundle)
		factory := r.factory
		r.mu.Unlock()
		if factory != nil {
			factory.UngetService(bundle, r, inst)
		}
	default:
		r.mu.Unlock()
	}
}
