package scr

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentManager_DeclareRejectsDuplicateNames(t *testing.T) {
	reg, set, admin := newEnv()
	m := NewComponentManager(reg, set, admin, nil, nil, nil)

	meta := ComponentMetadata{Name: "dup", Immediate: true, Factory: func(ctx context.Context, deps Dependencies) (any, error) {
		return "x", nil
	}}

	_, err := m.Declare(context.Background(), "b", meta)
	require.NoError(t, err)

	_, err = m.Declare(context.Background(), "b", meta)
	assert.Error(t, err)
}

func TestComponentManager_SnapshotsReflectState(t *testing.T) {
	reg, set, admin := newEnv()
	m := NewComponentManager(reg, set, admin, nil, nil, nil)

	_, err := m.Declare(context.Background(), "b", ComponentMetadata{
		Name: "needs-dep", Immediate: true,
		References: []ReferenceMetadata{{Name: "dep", Interface: "com.example.Dep", Cardinality: Cardinality1_1}},
		Factory: func(ctx context.Context, deps Dependencies) (any, error) { return deps.Refs["dep"], nil },
	})
	require.NoError(t, err)

	_, err = m.Declare(context.Background(), "b", ComponentMetadata{
		Name: "standalone", Immediate: true,
		Factory: func(ctx context.Context, deps Dependencies) (any, error) { return "ok", nil },
	})
	require.NoError(t, err)

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "needs-dep", snaps[0].Name)
	assert.Equal(t, StateUnsatisfiedReference, snaps[0].State)
	assert.Equal(t, "standalone", snaps[1].Name)
	assert.Equal(t, StateActive, snaps[1].State)
}

func TestComponentManager_DisposeAllTearsDownEverything(t *testing.T) {
	reg, set, admin := newEnv()
	m := NewComponentManager(reg, set, admin, nil, nil, nil)

	var mu sync.Mutex
	deactivations := 0
	for i := 0; i < 3; i++ {
		_, err := m.Declare(context.Background(), "b", ComponentMetadata{
			Name: "c" + string(rune('a'+i)), Immediate: true,
			Factory: func(ctx context.Context, deps Dependencies) (any, error) {
				return onDeactivate(func() {
					mu.Lock()
					deactivations++
					mu.Unlock()
				}), nil
			},
		})
		require.NoError(t, err)
	}

	m.DisposeAll()

	assert.Empty(t, m.Snapshots())
	mu.Lock()
	assert.Equal(t, 3, deactivations)
	mu.Unlock()
}

type onDeactivate func()

func (f onDeactivate) Deactivate() { f() }

func TestComponentManager_DisableThenEnableRestoresComponent(t *testing.T) {
	reg, set, admin := newEnv()
	m := NewComponentManager(reg, set, admin, nil, nil, nil)

	activations := 0
	_, err := m.Declare(context.Background(), "b", ComponentMetadata{
		Name:      "greeter",
		Immediate: true,
		Factory: func(ctx context.Context, deps Dependencies) (any, error) {
			activations++
			return "hello", nil
		},
	})
	require.NoError(t, err)
	assert.True(t, m.IsEnabled("greeter"))

	require.NoError(t, m.Disable("greeter"))
	assert.False(t, m.IsEnabled("greeter"))

	cc, ok := m.Get("greeter")
	require.True(t, ok)
	assert.Equal(t, StateDisabled, cc.State())

	require.NoError(t, m.Enable(context.Background(), "greeter"))
	assert.True(t, m.IsEnabled("greeter"))
	assert.Equal(t, StateActive, cc.State())
	assert.Equal(t, 2, activations)
}

func TestComponentManager_EnableDisableUnknownComponentErrors(t *testing.T) {
	reg, set, admin := newEnv()
	m := NewComponentManager(reg, set, admin, nil, nil, nil)

	assert.Error(t, m.Enable(context.Background(), "nope"))
	assert.Error(t, m.Disable("nope"))
	assert.False(t, m.IsEnabled("nope"))
}

func TestComponentManager_ConfigurationsSortedByName(t *testing.T) {
	reg, set, admin := newEnv()
	m := NewComponentManager(reg, set, admin, nil, nil, nil)

	for _, name := range []string{"zebra", "alpha", "mid"} {
		_, err := m.Declare(context.Background(), "b", ComponentMetadata{
			Name:      name,
			Immediate: true,
			Factory: func(ctx context.Context, deps Dependencies) (any, error) {
				return "x", nil
			},
		})
		require.NoError(t, err)
	}

	configs := m.Configurations()
	require.Len(t, configs, 3)
	assert.Equal(t, []string{"alpha", "mid", "zebra"}, []string{
		configs[0].Metadata().Name, configs[1].Metadata().Name, configs[2].Metadata().Name,
	})
}
