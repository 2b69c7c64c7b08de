package scr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dynsvc/cm"
	"github.com/c360/dynsvc/listener"
	"github.com/c360/dynsvc/props"
	"github.com/c360/dynsvc/registry"
)

func TestAllowedTransition_Table(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDisabled, StateSatisfied, true},
		{StateDisabled, StateActive, false},
		{StateSatisfied, StateActive, true},
		{StateActive, StateUnsatisfiedReference, true},
		{StateUnsatisfiedReference, StateActive, false},
		{StateDisposed, StateDisabled, false},
		{StateActive, StateDisposed, true},
		{StateDisposed, StateDisposed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, allowedTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func newEnv() (*registry.Registry, *listener.Set, *cm.InMemoryAdmin) {
	set := listener.NewSet()
	reg := registry.New(set)
	admin := cm.NewInMemoryAdmin()
	return reg, set, admin
}

func TestComponentConfiguration_NoReferencesActivatesImmediately(t *testing.T) {
	reg, set, admin := newEnv()
	activated := false
	meta := ComponentMetadata{
		Name:      "simple",
		Immediate: true,
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			activated = true
			return struct{}{}, nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))

	assert.Equal(t, StateActive, cc.State())
	assert.True(t, activated)
}

func TestComponentConfiguration_ValidationRejectsImmediateActivation(t *testing.T) {
	reg, set, admin := newEnv()
	meta := ComponentMetadata{
		Name:      "guarded",
		Immediate: true,
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			t.Fatal("factory should not run when bundle validation fails")
			return nil, nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-untrusted", reg, set, admin, nil, nil)
	err := cc.Enable(context.Background(), func(bundle string) bool { return bundle != "bundle-untrusted" })

	assert.Error(t, err)
	assert.Equal(t, StateDisabled, cc.State())
}

func TestComponentConfiguration_RequiredReferenceGatesActivation(t *testing.T) {
	reg, set, admin := newEnv()
	meta := ComponentMetadata{
		Name:      "needs-dep",
		Immediate: true,
		References: []ReferenceMetadata{
			{Name: "dep", Interface: "com.example.Dep", Cardinality: Cardinality1_1, Policy: PolicyStatic},
		},
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			return deps.Refs["dep"], nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, StateUnsatisfiedReference, cc.State())

	_, err := reg.Register("provider", []string{"com.example.Dep"}, "dep-instance", props.New())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return cc.State() == StateActive }, time.Second, time.Millisecond)
	assert.Equal(t, "dep-instance", cc.Instance())
}

func TestComponentConfiguration_LosingRequiredReferenceDeactivates(t *testing.T) {
	reg, set, admin := newEnv()
	meta := ComponentMetadata{
		Name:      "needs-dep",
		Immediate: true,
		References: []ReferenceMetadata{
			{Name: "dep", Interface: "com.example.Dep", Cardinality: Cardinality1_1, Policy: PolicyStatic},
		},
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			return deps.Refs["dep"], nil
		},
	}
	provider, err := reg.Register("provider", []string{"com.example.Dep"}, "dep-instance", props.New())
	require.NoError(t, err)

	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, StateActive, cc.State())

	require.NoError(t, provider.Unregister())

	require.Eventually(t, func() bool { return cc.State() == StateUnsatisfiedReference }, time.Second, time.Millisecond)
	assert.Nil(t, cc.Instance())
}

func TestComponentConfiguration_RequiredConfigurationGatesActivation(t *testing.T) {
	reg, set, admin := newEnv()
	meta := ComponentMetadata{
		Name:                "configured",
		Immediate:           true,
		ConfigurationPID:    "pid.configured",
		ConfigurationPolicy: ConfigRequire,
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			return deps.Configuration.StringOr("greeting", ""), nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, StateUnsatisfiedConfiguration, cc.State())

	require.NoError(t, admin.UpdateConfiguration(context.Background(), "pid.configured", props.New().With("greeting", "hi")))

	require.Eventually(t, func() bool { return cc.State() == StateActive }, time.Second, time.Millisecond)
	assert.Equal(t, "hi", cc.Instance())
}

func TestComponentConfiguration_OptionalConfigurationActivatesWithoutIt(t *testing.T) {
	reg, set, admin := newEnv()
	meta := ComponentMetadata{
		Name:             "optional-config",
		Immediate:        true,
		ConfigurationPID: "pid.optional",
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			return deps.Configuration.StringOr("greeting", "default"), nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))

	assert.Equal(t, StateActive, cc.State())
	assert.Equal(t, "default", cc.Instance())
}

func TestComponentConfiguration_MultipleCardinalityBindsAll(t *testing.T) {
	reg, set, admin := newEnv()
	_, _ = reg.Register("p1", []string{"com.example.Plugin"}, "a", props.New())
	_, _ = reg.Register("p2", []string{"com.example.Plugin"}, "b", props.New())

	var got []any
	meta := ComponentMetadata{
		Name:      "multi",
		Immediate: true,
		References: []ReferenceMetadata{
			{Name: "plugins", Interface: "com.example.Plugin", Cardinality: Cardinality0_N, Policy: PolicyStatic},
		},
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			got = deps.Refs["plugins"].([]any)
			return struct{}{}, nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))

	assert.Equal(t, StateActive, cc.State())
	assert.ElementsMatch(t, []any{"a", "b"}, got)
}

func TestComponentConfiguration_DisableThenReEnable(t *testing.T) {
	reg, set, admin := newEnv()
	meta := ComponentMetadata{
		Name:      "toggle",
		Immediate: true,
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			return "up", nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, StateActive, cc.State())

	cc.Disable()
	assert.Equal(t, StateDisabled, cc.State())

	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, StateActive, cc.State())
}

func TestComponentConfiguration_DisposeIsTerminal(t *testing.T) {
	reg, set, admin := newEnv()
	meta := ComponentMetadata{
		Name:      "final",
		Immediate: true,
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			return "x", nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))

	cc.Dispose()
	assert.Equal(t, StateDisposed, cc.State())
	assert.Error(t, cc.Enable(context.Background(), nil))
}

func TestComponentConfiguration_ValidationFailureReturnsSecurityError(t *testing.T) {
	reg, set, admin := newEnv()
	meta := ComponentMetadata{
		Name:      "guarded",
		Immediate: true,
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			t.Fatal("factory should not run when bundle validation fails")
			return nil, nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-untrusted", reg, set, admin, nil, nil)
	err := cc.Enable(context.Background(), func(bundle string) bool { return false })

	var secErr *SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Equal(t, "bundle-untrusted", secErr.Bundle)
	assert.Equal(t, "guarded", secErr.Component)
}

func TestComponentConfiguration_DelayedComponentActivatesOnFirstGetService(t *testing.T) {
	reg, set, admin := newEnv()
	activations := 0
	meta := ComponentMetadata{
		Name:     "lazy-greeter",
		Provides: []string{"com.example.Greeter"},
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			activations++
			return "hello", nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))

	assert.Equal(t, StateSatisfied, cc.State(), "delayed component publishes a lazy factory but doesn't instantiate yet")
	assert.Equal(t, 0, activations)

	ref := reg.Get("com.example.Greeter", nil)
	require.NotNil(t, ref)

	svc, err := reg.GetService("consumer", ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", svc)
	assert.Equal(t, 1, activations)
	assert.Equal(t, StateActive, cc.State())

	svc2, err := reg.GetService("consumer", ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", svc2)
	assert.Equal(t, 1, activations, "second GetService reuses the already-activated instance")
}

func TestComponentConfiguration_DelayedComponentDisposedBeforeFirstGetServiceUnregisters(t *testing.T) {
	reg, set, admin := newEnv()
	meta := ComponentMetadata{
		Name:     "lazy-never-used",
		Provides: []string{"com.example.Unused"},
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			t.Fatal("factory should not run; nothing ever called GetService")
			return nil, nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, StateSatisfied, cc.State())

	cc.Dispose()
	assert.Nil(t, reg.Get("com.example.Unused", nil), "the placeholder registration must not leak past Dispose")
}

type modifiableInstance struct {
	mu            sync.Mutex
	greeting      string
	modifiedCalls int
}

func (m *modifiableInstance) Modified(deps Dependencies) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.greeting = deps.Configuration.StringOr("greeting", "")
	m.modifiedCalls++
	return nil
}

func TestComponentConfiguration_ModifiedUpdatesInPlaceWithoutRestart(t *testing.T) {
	reg, set, admin := newEnv()
	require.NoError(t, admin.UpdateConfiguration(context.Background(), "pid.mod", props.New().With("greeting", "hi")))

	var instance *modifiableInstance
	activations := 0
	meta := ComponentMetadata{
		Name:             "modifiable",
		Immediate:        true,
		ConfigurationPID: "pid.mod",
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			activations++
			instance = &modifiableInstance{greeting: deps.Configuration.StringOr("greeting", "")}
			return instance, nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, StateActive, cc.State())
	assert.Equal(t, 1, activations)

	require.NoError(t, admin.UpdateConfiguration(context.Background(), "pid.mod", props.New().With("greeting", "hello again")))

	require.Eventually(t, func() bool {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		return instance.modifiedCalls == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, StateActive, cc.State())
	assert.Equal(t, 1, activations, "Modified updates in place instead of restarting the component")
	instance.mu.Lock()
	assert.Equal(t, "hello again", instance.greeting)
	instance.mu.Unlock()
}

func TestComponentConfiguration_ConfigUpdateWithoutModifierRestartsComponent(t *testing.T) {
	reg, set, admin := newEnv()
	require.NoError(t, admin.UpdateConfiguration(context.Background(), "pid.restart", props.New().With("greeting", "hi")))

	activations := 0
	meta := ComponentMetadata{
		Name:             "plain",
		Immediate:        true,
		ConfigurationPID: "pid.restart",
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			activations++
			return deps.Configuration.StringOr("greeting", ""), nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, 1, activations)

	require.NoError(t, admin.UpdateConfiguration(context.Background(), "pid.restart", props.New().With("greeting", "hello again")))

	require.Eventually(t, func() bool { return activations == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateActive, cc.State())
	assert.Equal(t, "hello again", cc.Instance())
}

type bindRecorder struct {
	mu      sync.Mutex
	bound   []any
	unbound []any
}

func (b *bindRecorder) BindRef(name string, service any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bound = append(b.bound, service)
}

func (b *bindRecorder) UnbindRef(name string, service any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbound = append(b.unbound, service)
}

func TestComponentConfiguration_DynamicGreedyRebindsLiveWithoutRestart(t *testing.T) {
	reg, set, admin := newEnv()
	_, err := reg.Register("p", []string{"com.example.Dep"}, "low", props.New().With(props.ServiceRanking, int64(0)))
	require.NoError(t, err)

	recorder := &bindRecorder{}
	activations := 0
	meta := ComponentMetadata{
		Name:      "dynamic-greedy",
		Immediate: true,
		References: []ReferenceMetadata{
			{Name: "dep", Interface: "com.example.Dep", Cardinality: Cardinality1_1, Policy: PolicyDynamic, PolicyOption: PolicyOptionGreedy},
		},
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			activations++
			return recorder, nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, StateActive, cc.State())
	assert.Equal(t, 1, activations)

	_, err = reg.Register("p", []string{"com.example.Dep"}, "high", props.New().With(props.ServiceRanking, int64(10)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		return len(recorder.bound) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, StateActive, cc.State())
	assert.Equal(t, 1, activations, "dynamic greedy rebinds live, never deactivating the component")
	recorder.mu.Lock()
	assert.Equal(t, []any{"high"}, recorder.bound)
	assert.Equal(t, []any{"low"}, recorder.unbound)
	recorder.mu.Unlock()
}

func TestComponentConfiguration_StaticReferenceRebindRestartsComponent(t *testing.T) {
	reg, set, admin := newEnv()
	_, err := reg.Register("p", []string{"com.example.Dep"}, "low", props.New().With(props.ServiceRanking, int64(0)))
	require.NoError(t, err)

	activations := 0
	var boundVal any
	meta := ComponentMetadata{
		Name:      "static-dep",
		Immediate: true,
		References: []ReferenceMetadata{
			{Name: "dep", Interface: "com.example.Dep", Cardinality: Cardinality1_1, Policy: PolicyStatic},
		},
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			activations++
			boundVal = deps.Refs["dep"]
			return struct{}{}, nil
		},
	}
	cc := NewComponentConfiguration(meta, "bundle-1", reg, set, admin, nil, nil)
	require.NoError(t, cc.Enable(context.Background(), nil))
	assert.Equal(t, 1, activations)
	assert.Equal(t, "low", boundVal)

	_, err = reg.Register("p", []string{"com.example.Dep"}, "high", props.New().With(props.ServiceRanking, int64(10)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return activations == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateActive, cc.State())
	assert.Equal(t, "high", boundVal, "a static reference rebinds via a full restart, picking up the new top-ranked candidate")
}
