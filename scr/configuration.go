package scr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/dynsvc/asyncwork"
	"github.com/c360/dynsvc/cm"
	"github.com/c360/dynsvc/listener"
	"github.com/c360/dynsvc/props"
	"github.com/c360/dynsvc/registry"
)

// State is a component configuration's position in the DS lifecycle.
type State int32

const (
	StateDisabled State = iota
	StateUnsatisfiedReference
	StateUnsatisfiedConfiguration
	StateSatisfied
	StateActive
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "DISABLED"
	case StateUnsatisfiedReference:
		return "UNSATISFIED_REFERENCE"
	case StateUnsatisfiedConfiguration:
		return "UNSATISFIED_CONFIGURATION"
	case StateSatisfied:
		return "SATISFIED"
	case StateActive:
		return "ACTIVE"
	case StateDisposed:
		return "DISPOSED"
	default:
		return "UNKNOWN"
	}
}

// allowedTransition is the pure state-transition predicate: given the
// current state and a candidate next state, reports whether moving there is
// legal. Kept free of any ComponentConfiguration so the table itself can be
// exercised directly in tests.
func allowedTransition(from, to State) bool {
	if from == StateDisposed {
		return false
	}
	if to == StateDisposed {
		return true
	}
	switch from {
	case StateDisabled:
		return to == StateUnsatisfiedReference || to == StateUnsatisfiedConfiguration || to == StateSatisfied
	case StateUnsatisfiedReference:
		return to == StateDisabled || to == StateUnsatisfiedConfiguration || to == StateSatisfied
	case StateUnsatisfiedConfiguration:
		return to == StateDisabled || to == StateUnsatisfiedReference || to == StateSatisfied
	case StateSatisfied:
		return to == StateDisabled || to == StateUnsatisfiedReference || to == StateUnsatisfiedConfiguration || to == StateActive
	case StateActive:
		return to == StateDisabled || to == StateUnsatisfiedReference || to == StateUnsatisfiedConfiguration || to == StateSatisfied
	default:
		return false
	}
}

// ComponentConfiguration drives one component instance through the DS state
// machine. Bundle validation, reference satisfaction and (if declared)
// configuration availability gate the DISABLED -> ... -> ACTIVE path;
// losing any of those drops it back down without necessarily disposing it.
type ComponentConfiguration struct {
	instanceID string
	metadata   ComponentMetadata
	bundle     string
	reg      *registry.Registry
	listener *listener.Set
	admin    cm.Admin
	poster   asyncwork.Poster
	logger   *slog.Logger
	onError  func(component string, err error)

	state atomic.Int32

	mu               sync.Mutex
	refManagers      map[string]*ReferenceManager
	instance         any
	registration     *registry.Registration
	lazyRegistration *registry.Registration
	boundRefs        map[string][]*registry.Reference
	boundServices    map[string]any
	configToken      cm.ListenerToken
	configuration    props.Map
	hasConfig        bool
	configDirty      bool
	ctx              context.Context
	cancel           context.CancelFunc
}

// SecurityError reports that a component could not be enabled because its
// owning bundle failed framework validation (see ValidationFunc). It is a
// distinct type, rather than a plain fmt.Errorf, so ServiceComponentRuntime
// callers (framework.EnableComponent) can report it to a caller as the
// specific failure mode it is, not a generic activation error.
type SecurityError struct {
	Bundle    string
	Component string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("scr: component %q: bundle %q failed validation", e.Component, e.Bundle)
}

// ValidationFunc decides whether a bundle is presently allowed to run
// components at all (e.g. a feature flag, a license check, or a dependency
// on the host process having finished its own startup). A component whose
// bundle fails validation is held in StateDisabled regardless of reference
// or configuration satisfaction.
type ValidationFunc func(bundle string) bool

// NewComponentConfiguration builds a configuration in StateDisabled. Call
// Enable to start tracking references and configuration.
func NewComponentConfiguration(metadata ComponentMetadata, bundle string, reg *registry.Registry, set *listener.Set, admin cm.Admin, poster asyncwork.Poster, logger *slog.Logger) *ComponentConfiguration {
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := uuid.NewString()
	cc := &ComponentConfiguration{
		instanceID: instanceID,
		metadata:   metadata,
		bundle:     bundle,
		reg:        reg,
		listener:   set,
		admin:      admin,
		poster:     poster,
		logger:     logger.With("component", metadata.Name, "bundle", bundle, "instance_id", instanceID),
	}
	cc.state.Store(int32(StateDisabled))
	return cc
}

// InstanceID uniquely identifies this configuration instance, distinct
// from the component name it was declared under (multiple configurations
// of a factory component share a name but never an instance id).
func (cc *ComponentConfiguration) InstanceID() string { return cc.instanceID }

// WithErrorHandler installs a callback invoked whenever a reevaluation fails
// to activate the component, including the first evaluation run inside
// Enable (Enable still returns nil in that case; only validation and setup
// errors are returned from Enable itself). Returns cc for chaining at
// construction time.
func (cc *ComponentConfiguration) WithErrorHandler(fn func(component string, err error)) *ComponentConfiguration {
	cc.onError = fn
	return cc
}

func (cc *ComponentConfiguration) State() State { return State(cc.state.Load()) }

func (cc *ComponentConfiguration) transition(to State) bool {
	for {
		cur := State(cc.state.Load())
		if !allowedTransition(cur, to) {
			return false
		}
		if cc.state.CompareAndSwap(int32(cur), int32(to)) {
			cc.logger.Debug("state transition", "from", cur, "to", to)
			return true
		}
	}
}

// Enable starts the configuration: it creates reference managers for every
// declared reference, subscribes to configuration changes if declared, and
// evaluates whether the component can already become satisfied.
func (cc *ComponentConfiguration) Enable(ctx context.Context, validate ValidationFunc) error {
	if cc.State() == StateDisposed {
		return fmt.Errorf("scr: component %q: disposed configurations cannot be re-enabled", cc.metadata.Name)
	}
	if validate != nil && !validate(cc.bundle) {
		return &SecurityError{Bundle: cc.bundle, Component: cc.metadata.Name}
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.refManagers = make(map[string]*ReferenceManager, len(cc.metadata.References))
	for _, refMeta := range cc.metadata.References {
		rm, err := NewReferenceManager(cc.reg, cc.listener, refMeta, cc.onCandidatesChanged)
		if err != nil {
			return fmt.Errorf("scr: component %q: %w", cc.metadata.Name, err)
		}
		cc.refManagers[refMeta.Name] = rm
	}

	if cc.metadata.configPolicy() != ConfigIgnore && cc.admin != nil {
		pid := cc.metadata.ConfigurationPID
		p, ok, err := cc.admin.GetConfiguration(ctx, pid)
		if err != nil {
			return fmt.Errorf("scr: component %q: loading configuration %q: %w", cc.metadata.Name, pid, err)
		}
		cc.configuration, cc.hasConfig = p, ok
		cc.configToken = cc.admin.Notifier().RegisterListener(pid, cc.onConfigChanged)
	}

	cc.state.CompareAndSwap(int32(StateDisabled), int32(StateUnsatisfiedReference))
	cc.reevaluateLocked(ctx)
	return nil
}

func (cc *ComponentConfiguration) onCandidatesChanged() {
	if cc.poster != nil {
		_ = cc.poster.Post(func(ctx context.Context) { cc.reevaluate(ctx) })
		return
	}
	cc.reevaluate(context.Background())
}

func (cc *ComponentConfiguration) onConfigChanged(event cm.EventType, pid string, properties props.Map) {
	cc.mu.Lock()
	switch event {
	case cm.ConfigUpdated:
		cc.configuration, cc.hasConfig = properties, true
	case cm.ConfigDeleted:
		cc.configuration, cc.hasConfig = props.New(), false
	}
	cc.configDirty = true
	cc.mu.Unlock()

	if cc.poster != nil {
		_ = cc.poster.Post(func(ctx context.Context) { cc.reevaluate(ctx) })
		return
	}
	cc.reevaluate(context.Background())
}

func (cc *ComponentConfiguration) reevaluate(ctx context.Context) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.reevaluateLocked(ctx)
}

// reevaluateLocked recomputes satisfaction and drives the state machine to
// match it. Callers must hold cc.mu.
func (cc *ComponentConfiguration) reevaluateLocked(ctx context.Context) {
	if cc.State() == StateDisabled || cc.State() == StateDisposed {
		return
	}

	refsSatisfied := true
	for _, rm := range cc.refManagers {
		if !rm.Satisfied() {
			refsSatisfied = false
			break
		}
	}

	configSatisfied := cc.metadata.configPolicy() != ConfigRequire || cc.hasConfig

	switch {
	case !refsSatisfied:
		cc.deactivateLocked()
		cc.transition(StateUnsatisfiedReference)
	case !configSatisfied:
		cc.deactivateLocked()
		cc.transition(StateUnsatisfiedConfiguration)
	case cc.State() == StateActive:
		if cc.configDirty {
			cc.configDirty = false
			cc.applyConfigUpdateLocked(ctx)
		} else {
			// Reference candidates changed while still satisfied: resolve
			// the new binding per policy rather than tearing the component
			// down unconditionally.
			cc.rebindDynamicLocked(ctx)
		}
	default:
		cc.transition(StateSatisfied)
		if cc.State() != StateSatisfied {
			return
		}
		switch {
		case cc.metadata.Immediate || len(cc.metadata.Provides) == 0:
			if err := cc.activateLocked(ctx); err != nil {
				cc.logger.Error("activation failed", "error", err)
				if cc.onError != nil {
					cc.onError(cc.metadata.Name, err)
				}
			}
		case cc.lazyRegistration == nil:
			// Delayed component providing a service: publish a placeholder
			// registration now and defer real activation to the first
			// consumer GetService call.
			cc.publishLazyLocked()
		}
	}
}

// publishLazyLocked registers a lazily-activating service factory for a
// delayed component that has just become SATISFIED. The registration's
// GetService callback is the only path that triggers activateFromLazyGet;
// nothing else moves a delayed component from SATISFIED to ACTIVE.
func (cc *ComponentConfiguration) publishLazyLocked() {
	reg, err := cc.reg.RegisterLazySingleton(cc.bundle, cc.metadata.Provides, &lazyComponentFactory{cc: cc}, cc.metadata.Properties)
	if err != nil {
		cc.logger.Error("publishing lazy service factory failed", "error", err)
		if cc.onError != nil {
			cc.onError(cc.metadata.Name, err)
		}
		return
	}
	cc.lazyRegistration = reg
}

// lazyComponentFactory backs the placeholder registration a delayed
// component publishes while SATISFIED. The first GetService call from any
// consumer triggers real activation; later callers see the same cached
// singleton instance, same as any other lazily-built singleton service.
type lazyComponentFactory struct {
	cc *ComponentConfiguration
}

func (f *lazyComponentFactory) GetService(bundle string, reg *registry.Registration) (any, error) {
	return f.cc.activateFromLazyGet(context.Background())
}

func (f *lazyComponentFactory) UngetService(bundle string, reg *registry.Registration, service any) {}

// activateFromLazyGet runs the component's Factory on the first GetService
// of its published lazy registration, transitioning SATISFIED -> ACTIVE.
func (cc *ComponentConfiguration) activateFromLazyGet(ctx context.Context) (any, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.State() == StateActive {
		return cc.instance, nil
	}
	if cc.State() != StateSatisfied {
		return nil, fmt.Errorf("scr: component %q: not satisfied", cc.metadata.Name)
	}

	if err := cc.instantiateLocked(ctx); err != nil {
		cc.logger.Error("lazy activation failed", "error", err)
		if cc.onError != nil {
			cc.onError(cc.metadata.Name, err)
		}
		return nil, err
	}
	cc.registration = cc.lazyRegistration
	cc.transition(StateActive)
	return cc.instance, nil
}

// rebindDynamicLocked recomputes each reference's desired binding against
// its current candidates. A static reference whose desired binding changed
// forces a full deactivate/reactivate; dynamic references rebind live,
// notifying an instance that implements Binder.
func (cc *ComponentConfiguration) rebindDynamicLocked(ctx context.Context) {
	type delta struct {
		name           string
		added, removed []*registry.Reference
	}
	var deltas []delta
	restart := false

	for name, rm := range cc.refManagers {
		meta := cc.metadata.referenceFor(name)
		current := cc.boundRefs[name]
		desired := desiredBind(meta, rm.Candidates(), current)
		added, removed := diffRefs(current, desired)
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		if meta.policy() == PolicyStatic {
			restart = true
			continue
		}
		deltas = append(deltas, delta{name: name, added: added, removed: removed})
	}

	if restart {
		cc.deactivateLocked()
		if err := cc.activateLocked(ctx); err != nil {
			cc.logger.Error("reactivation after static reference change failed", "error", err)
			if cc.onError != nil {
				cc.onError(cc.metadata.Name, err)
			}
		}
		return
	}
	if len(deltas) == 0 {
		return
	}

	binder, hasBinder := cc.instance.(Binder)
	if cc.boundRefs == nil {
		cc.boundRefs = make(map[string][]*registry.Reference)
	}
	if cc.boundServices == nil {
		cc.boundServices = make(map[string]any)
	}
	for _, d := range deltas {
		for _, ref := range d.removed {
			key := refKey(d.name, ref.ServiceID())
			svc, ok := cc.boundServices[key]
			if !ok {
				continue
			}
			if hasBinder {
				binder.UnbindRef(d.name, svc)
			}
			cc.reg.UngetService(cc.bundle, ref, svc)
			delete(cc.boundServices, key)
		}
		for _, ref := range d.added {
			svc, err := cc.reg.GetService(cc.bundle, ref)
			if err != nil {
				cc.logger.Error("resolving rebound reference", "reference", d.name, "error", err)
				continue
			}
			cc.boundServices[refKey(d.name, ref.ServiceID())] = svc
			if hasBinder {
				binder.BindRef(d.name, svc)
			}
		}
		cc.boundRefs[d.name] = applyRefDelta(cc.boundRefs[d.name], d.added, d.removed)
	}
}

func refKey(name string, id int64) string {
	return fmt.Sprintf("%s#%d", name, id)
}

func applyRefDelta(current, added, removed []*registry.Reference) []*registry.Reference {
	removedIDs := make(map[int64]bool, len(removed))
	for _, r := range removed {
		removedIDs[r.ServiceID()] = true
	}
	out := make([]*registry.Reference, 0, len(current)+len(added))
	for _, r := range current {
		if !removedIDs[r.ServiceID()] {
			out = append(out, r)
		}
	}
	return append(out, added...)
}

// applyConfigUpdateLocked handles a configuration change observed while the
// component is ACTIVE. An instance implementing Modifier is updated in
// place; otherwise the component is deactivated and reactivated with the
// new configuration.
func (cc *ComponentConfiguration) applyConfigUpdateLocked(ctx context.Context) {
	if modifier, ok := cc.instance.(Modifier); ok {
		if err := modifier.Modified(cc.currentDependenciesLocked()); err == nil {
			return
		} else {
			cc.logger.Warn("Modified callback failed, restarting component", "error", err)
		}
	}
	cc.deactivateLocked()
	if err := cc.activateLocked(ctx); err != nil {
		cc.logger.Error("reactivation after configuration change failed", "error", err)
		if cc.onError != nil {
			cc.onError(cc.metadata.Name, err)
		}
	}
}

func (cc *ComponentConfiguration) currentDependenciesLocked() Dependencies {
	refs := make(map[string]any, len(cc.boundRefs))
	for name, bound := range cc.boundRefs {
		meta := cc.metadata.referenceFor(name)
		if meta.Cardinality.Multiple() {
			services := make([]any, 0, len(bound))
			for _, ref := range bound {
				if svc, ok := cc.boundServices[refKey(name, ref.ServiceID())]; ok {
					services = append(services, svc)
				}
			}
			refs[name] = services
		} else if len(bound) == 1 {
			if svc, ok := cc.boundServices[refKey(name, bound[0].ServiceID())]; ok {
				refs[name] = svc
			}
		}
	}
	return Dependencies{
		Bundle:        cc.bundle,
		Properties:    cc.metadata.Properties,
		Configuration: cc.configuration,
		Refs:          refs,
	}
}

// activateLocked instantiates the component (if not already instantiated)
// and publishes its service, transitioning SATISFIED -> ACTIVE. It is used
// by both the immediate-activation path and restart paths (reactivation
// after a static rebind or a configuration change without a Modifier).
func (cc *ComponentConfiguration) activateLocked(ctx context.Context) error {
	if err := cc.instantiateLocked(ctx); err != nil {
		return err
	}
	if len(cc.metadata.Provides) > 0 {
		reg, err := cc.reg.Register(cc.bundle, cc.metadata.Provides, cc.instance, cc.metadata.Properties)
		if err != nil {
			cc.teardownFailedInstantiationLocked()
			return fmt.Errorf("registering service: %w", err)
		}
		cc.registration = reg
	}
	cc.transition(StateActive)
	return nil
}

// instantiateLocked resolves every declared reference's bound service,
// calls the component Factory, and records the bound state so later
// rebinds and Modified calls can see what is currently held. It does not
// register a service or transition state; callers do that afterward
// (directly for an immediate activation, or by reusing the already
// published lazy registration for a delayed one).
func (cc *ComponentConfiguration) instantiateLocked(ctx context.Context) error {
	deps := Dependencies{
		Bundle:        cc.bundle,
		Properties:    cc.metadata.Properties,
		Configuration: cc.configuration,
		Refs:          make(map[string]any, len(cc.refManagers)),
	}
	boundRefs := make(map[string][]*registry.Reference, len(cc.refManagers))
	boundServices := make(map[string]any, len(cc.refManagers))

	for name, rm := range cc.refManagers {
		bound := rm.Bound()
		boundRefs[name] = bound
		meta := cc.metadata.referenceFor(name)
		if meta.Cardinality.Multiple() {
			services := make([]any, 0, len(bound))
			for _, ref := range bound {
				svc, err := cc.reg.GetService(cc.bundle, ref)
				if err != nil {
					releaseBound(cc.reg, cc.bundle, boundRefs, boundServices)
					return fmt.Errorf("resolving reference %q: %w", name, err)
				}
				boundServices[refKey(name, ref.ServiceID())] = svc
				services = append(services, svc)
			}
			deps.Refs[name] = services
		} else if len(bound) == 1 {
			svc, err := cc.reg.GetService(cc.bundle, bound[0])
			if err != nil {
				releaseBound(cc.reg, cc.bundle, boundRefs, boundServices)
				return fmt.Errorf("resolving reference %q: %w", name, err)
			}
			boundServices[refKey(name, bound[0].ServiceID())] = svc
			deps.Refs[name] = svc
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	instance, err := cc.metadata.Factory(runCtx, deps)
	if err != nil {
		cancel()
		releaseBound(cc.reg, cc.bundle, boundRefs, boundServices)
		return fmt.Errorf("factory: %w", err)
	}

	cc.instance = instance
	cc.ctx, cc.cancel = runCtx, cancel
	cc.boundRefs = boundRefs
	cc.boundServices = boundServices
	return nil
}

func (cc *ComponentConfiguration) teardownFailedInstantiationLocked() {
	if cc.cancel != nil {
		cc.cancel()
		cc.cancel = nil
	}
	releaseBound(cc.reg, cc.bundle, cc.boundRefs, cc.boundServices)
	cc.boundRefs, cc.boundServices, cc.instance = nil, nil, nil
}

func releaseBound(reg *registry.Registry, bundle string, boundRefs map[string][]*registry.Reference, boundServices map[string]any) {
	for name, refs := range boundRefs {
		for _, ref := range refs {
			if svc, ok := boundServices[refKey(name, ref.ServiceID())]; ok {
				reg.UngetService(bundle, ref, svc)
			}
		}
	}
}

func (cc *ComponentConfiguration) deactivateLocked() {
	reg := cc.registration
	lazy := cc.lazyRegistration
	cc.registration = nil
	cc.lazyRegistration = nil
	if reg != nil {
		_ = reg.Unregister()
	}
	if lazy != nil && lazy != reg {
		_ = lazy.Unregister()
	}

	if cc.State() != StateActive {
		return
	}
	if cc.cancel != nil {
		cc.cancel()
		cc.cancel = nil
	}
	if deactivator, ok := cc.instance.(interface{ Deactivate() }); ok {
		deactivator.Deactivate()
	}
	releaseBound(cc.reg, cc.bundle, cc.boundRefs, cc.boundServices)
	cc.boundRefs = nil
	cc.boundServices = nil
	cc.instance = nil
}

// Disable tears the component down and returns it to StateDisabled. It may
// be re-enabled afterward with Enable.
func (cc *ComponentConfiguration) Disable() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.deactivateLocked()
	for _, rm := range cc.refManagers {
		rm.Close(cc.listener)
	}
	cc.refManagers = nil
	if cc.admin != nil && cc.metadata.ConfigurationPID != "" {
		cc.admin.Notifier().UnregisterListener(cc.metadata.ConfigurationPID, cc.configToken)
	}
	cc.transition(StateDisabled)
}

// Dispose permanently tears the component down; it cannot be re-enabled.
func (cc *ComponentConfiguration) Dispose() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.deactivateLocked()
	for _, rm := range cc.refManagers {
		rm.Close(cc.listener)
	}
	cc.refManagers = nil
	if cc.admin != nil && cc.metadata.ConfigurationPID != "" {
		cc.admin.Notifier().UnregisterListener(cc.metadata.ConfigurationPID, cc.configToken)
	}
	cc.transition(StateDisposed)
}

// Instance returns the currently activated instance, or nil if the
// component is not ACTIVE.
func (cc *ComponentConfiguration) Instance() any {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.instance
}

// Metadata returns the immutable metadata this configuration was declared
// with, the ServiceComponentRuntime description-DTO source.
func (cc *ComponentConfiguration) Metadata() ComponentMetadata { return cc.metadata }

func (m ComponentMetadata) referenceFor(name string) ReferenceMetadata {
	for _, r := range m.References {
		if r.Name == name {
			return r
		}
	}
	return ReferenceMetadata{}
}
