package scr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/dynsvc/asyncwork"
	"github.com/c360/dynsvc/cm"
	"github.com/c360/dynsvc/listener"
	"github.com/c360/dynsvc/registry"
)

// ComponentManager owns every ComponentConfiguration declared by a bundle
// and drives them through Enable/Disable/Dispose as a unit. The framework
// creates one manager per installed bundle (framework.InstallBundle) and
// routes its ServiceComponentRuntime-equivalent operations through it.
type ComponentManager struct {
	reg      *registry.Registry
	listener *listener.Set
	admin    cm.Admin
	poster   asyncwork.Poster
	validate ValidationFunc
	logger   *slog.Logger
	onError  func(component string, err error)

	mu      sync.RWMutex
	configs map[string]*ComponentConfiguration
}

// NewComponentManager builds a manager. validate may be nil to accept every
// bundle.
func NewComponentManager(reg *registry.Registry, set *listener.Set, admin cm.Admin, poster asyncwork.Poster, validate ValidationFunc, logger *slog.Logger) *ComponentManager {
	return &ComponentManager{
		reg:      reg,
		listener: set,
		admin:    admin,
		poster:   poster,
		validate: validate,
		logger:   logger,
		configs:  make(map[string]*ComponentConfiguration),
	}
}

// OnError installs a callback invoked when any managed component fails an
// asynchronous activation attempt.
func (m *ComponentManager) OnError(fn func(component string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// Declare registers metadata with the manager and enables it immediately.
// A component name must be unique within the manager. If the bundle fails
// validation, the component stays declared in StateDisabled and the
// *SecurityError is returned; any other Enable error removes the
// declaration again.
func (m *ComponentManager) Declare(ctx context.Context, bundle string, metadata ComponentMetadata) (*ComponentConfiguration, error) {
	m.mu.Lock()
	if _, exists := m.configs[metadata.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("scr: component %q already declared", metadata.Name)
	}
	cc := NewComponentConfiguration(metadata, bundle, m.reg, m.listener, m.admin, m.poster, m.logger).WithErrorHandler(m.onError)
	m.configs[metadata.Name] = cc
	m.mu.Unlock()

	if err := cc.Enable(ctx, m.validate); err != nil {
		if _, isSecurity := err.(*SecurityError); !isSecurity {
			m.mu.Lock()
			delete(m.configs, metadata.Name)
			m.mu.Unlock()
		}
		return nil, err
	}
	return cc, nil
}

// Get returns the configuration registered under name.
func (m *ComponentManager) Get(name string) (*ComponentConfiguration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cc, ok := m.configs[name]
	return cc, ok
}

// Names returns every declared component name, sorted.
func (m *ComponentManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.configs))
	for name := range m.configs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Undeclare disposes and removes a component configuration.
func (m *ComponentManager) Undeclare(name string) {
	m.mu.Lock()
	cc, ok := m.configs[name]
	delete(m.configs, name)
	m.mu.Unlock()
	if ok {
		cc.Dispose()
	}
}

// DisposeAll tears down every managed component concurrently, typically
// called while stopping the bundle(s) that declared them. Components are
// independent once unregistered from the manager, so disposal fans out
// across a bundle's component set instead of serializing it.
func (m *ComponentManager) DisposeAll() {
	m.mu.Lock()
	configs := make([]*ComponentConfiguration, 0, len(m.configs))
	for _, cc := range m.configs {
		configs = append(configs, cc)
	}
	m.configs = make(map[string]*ComponentConfiguration)
	m.mu.Unlock()

	var g errgroup.Group
	for _, cc := range configs {
		cc := cc
		g.Go(func() error {
			cc.Dispose()
			return nil
		})
	}
	_ = g.Wait()
}

// Configurations returns every managed ComponentConfiguration, for callers
// (the ServiceComponentRuntime-equivalent API in framework) that need more
// than the name/state Snapshot exposes.
func (m *ComponentManager) Configurations() []*ComponentConfiguration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ComponentConfiguration, 0, len(m.configs))
	for _, cc := range m.configs {
		out = append(out, cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata().Name < out[j].Metadata().Name })
	return out
}

// Enable re-enables a previously declared component that is currently
// disabled (or enables it for the first time, if called right after
// Declare raced it into StateDisabled by validation).
func (m *ComponentManager) Enable(ctx context.Context, name string) error {
	cc, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("scr: component %q not declared", name)
	}
	return cc.Enable(ctx, m.validate)
}

// Disable disables a declared component without removing its declaration;
// Enable can bring it back.
func (m *ComponentManager) Disable(name string) error {
	cc, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("scr: component %q not declared", name)
	}
	cc.Disable()
	return nil
}

// IsEnabled reports whether the named component is currently anything but
// disabled or disposed.
func (m *ComponentManager) IsEnabled(name string) bool {
	cc, ok := m.Get(name)
	if !ok {
		return false
	}
	s := cc.State()
	return s != StateDisabled && s != StateDisposed
}

// Snapshot is a point-in-time view of one component's runtime state,
// equivalent to what a ServiceComponentRuntime query returns.
type Snapshot struct {
	Name       string
	InstanceID string
	State      State
}

// Snapshots returns the current state of every managed component, ordered
// by name.
func (m *ComponentManager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.configs))
	for name, cc := range m.configs {
		out = append(out, Snapshot{Name: name, InstanceID: cc.InstanceID(), State: cc.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
