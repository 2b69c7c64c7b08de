package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dynsvc/filter"
	"github.com/c360/dynsvc/props"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []EventType
}

func (n *recordingNotifier) ServiceChanged(event EventType, ref *Reference) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func TestRegister_AssignsMonotonicIDs(t *testing.T) {
	reg := New(nil)
	a, err := reg.Register("bundle-1", []string{"com.example.Foo"}, "a", props.New())
	require.NoError(t, err)
	b, err := reg.Register("bundle-1", []string{"com.example.Foo"}, "b", props.New())
	require.NoError(t, err)

	assert.Less(t, a.ServiceID(), b.ServiceID())
}

func TestRegister_RejectsNilInstanceAndEmptyClasses(t *testing.T) {
	reg := New(nil)
	_, err := reg.Register("b", nil, "x", props.New())
	assert.Error(t, err)

	_, err = reg.Register("b", []string{"Foo"}, nil, props.New())
	assert.Error(t, err)
}

func TestGetAll_OrdersByRankingThenServiceID(t *testing.T) {
	reg := New(nil)
	low, _ := reg.Register("b", []string{"Foo"}, "low", props.New().With(props.ServiceRanking, int64(0)))
	high, _ := reg.Register("b", []string{"Foo"}, "high", props.New().With(props.ServiceRanking, int64(10)))
	mid, _ := reg.Register("b", []string{"Foo"}, "mid", props.New().With(props.ServiceRanking, int64(10)))

	refs := reg.GetAll("Foo", nil)
	require.Len(t, refs, 3)
	assert.Equal(t, high.ServiceID(), refs[0].ServiceID())
	assert.Equal(t, mid.ServiceID(), refs[1].ServiceID())
	assert.Equal(t, low.ServiceID(), refs[2].ServiceID())
}

func TestGetAll_FiltersByClassAndFilter(t *testing.T) {
	reg := New(nil)
	_, _ = reg.Register("b", []string{"Foo"}, "f1", props.New().With("tier", "gold"))
	_, _ = reg.Register("b", []string{"Bar"}, "f2", props.New().With("tier", "gold"))
	_, _ = reg.Register("b", []string{"Foo"}, "f3", props.New().With("tier", "silver"))

	expr, err := filter.Parse("(tier=gold)")
	require.NoError(t, err)

	refs := reg.GetAll("Foo", expr)
	require.Len(t, refs, 1)
}

func TestGet_ReturnsNilWhenNoneMatch(t *testing.T) {
	reg := New(nil)
	assert.Nil(t, reg.Get("Nonexistent", nil))
}

func TestSetProperties_PreservesImmutableKeys(t *testing.T) {
	reg := New(nil)
	r, err := reg.Register("b", []string{"Foo"}, "x", props.New())
	require.NoError(t, err)
	id := r.ServiceID()

	err = r.SetProperties(props.New().With("color", "blue"))
	require.NoError(t, err)

	p := r.Properties()
	assert.Equal(t, id, p.Int64Or(props.ServiceID, -1))
	assert.Equal(t, string(ScopeSingleton), p.StringOr(props.ServiceScope, ""))
	assert.Equal(t, []string{"Foo"}, p.ObjectClasses())
	assert.Equal(t, "blue", p.StringOr("color", ""))
}

func TestUnregister_RemovesFromRegistryAndIsIdempotent(t *testing.T) {
	reg := New(nil)
	r, _ := reg.Register("b", []string{"Foo"}, "x", props.New())

	require.NoError(t, r.Unregister())
	assert.Nil(t, reg.Get("Foo", nil))
	assert.Error(t, r.Unregister())
}

func TestNotifier_ReceivesLifecycleEvents(t *testing.T) {
	n := &recordingNotifier{}
	reg := New(n)

	r, _ := reg.Register("b", []string{"Foo"}, "x", props.New())
	_ = r.SetProperties(props.New().With("a", int64(1)))
	_ = r.Unregister()

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, []EventType{EventRegistered, EventModified, EventUnregistering}, n.events)
}

type countingFactory struct {
	mu      sync.Mutex
	created int
	live    map[string]bool
}

func newCountingFactory() *countingFactory {
	return &countingFactory{live: make(map[string]bool)}
}

func (f *countingFactory) GetService(bundle string, reg *Registration) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	inst := fmt.Sprintf("instance-%d", f.created)
	f.live[inst] = true
	return inst, nil
}

func (f *countingFactory) UngetService(bundle string, reg *Registration, service any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, service.(string))
}

func TestGetService_PrototypeScopeCreatesFreshInstanceEveryCall(t *testing.T) {
	reg := New(nil)
	factory := newCountingFactory()
	r, err := reg.RegisterFactory("b", []string{"Foo"}, ScopePrototype, factory, props.New())
	require.NoError(t, err)

	ref := r.Reference()
	a, err := reg.GetService("consumer-1", ref)
	require.NoError(t, err)
	b, err := reg.GetService("consumer-1", ref)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, factory.created)
}

func TestGetService_BundleScopeCachesPerBundle(t *testing.T) {
	reg := New(nil)
	factory := newCountingFactory()
	r, err := reg.RegisterFactory("b", []string{"Foo"}, ScopeBundle, factory, props.New())
	require.NoError(t, err)
	ref := r.Reference()

	a1, err := reg.GetService("consumer-1", ref)
	require.NoError(t, err)
	a2, err := reg.GetService("consumer-1", ref)
	require.NoError(t, err)
	assert.Equal(t, a1, a2, "same bundle should get the cached instance")

	b1, err := reg.GetService("consumer-2", ref)
	require.NoError(t, err)
	assert.NotEqual(t, a1, b1, "different bundles get distinct instances")

	assert.Equal(t, 2, factory.created)
}

func TestUngetService_BundleScopeReleasesOnLastUse(t *testing.T) {
	reg := New(nil)
	factory := newCountingFactory()
	r, err := reg.RegisterFactory("b", []string{"Foo"}, ScopeBundle, factory, props.New())
	require.NoError(t, err)
	ref := r.Reference()

	inst, err := reg.GetService("consumer-1", ref)
	require.NoError(t, err)
	inst2, err := reg.GetService("consumer-1", ref)
	require.NoError(t, err)

	reg.UngetService("consumer-1", ref, inst)
	factory.mu.Lock()
	assert.True(t, factory.live[inst.(string)], "still in use after first unget")
	factory.mu.Unlock()

	reg.UngetService("consumer-1", ref, inst2)
	factory.mu.Lock()
	assert.False(t, factory.live[inst.(string)], "released after last unget")
	factory.mu.Unlock()
}

func TestRegisterFactory_RejectsSingletonScope(t *testing.T) {
	reg := New(nil)
	_, err := reg.RegisterFactory("b", []string{"Foo"}, ScopeSingleton, newCountingFactory(), props.New())
	assert.Error(t, err)
}

type lazySingletonFactory struct {
	mu      sync.Mutex
	created int
}

func (f *lazySingletonFactory) GetService(bundle string, reg *Registration) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return fmt.Sprintf("instance-%d", f.created), nil
}

func (f *lazySingletonFactory) UngetService(bundle string, reg *Registration, service any) {}

func TestRegisterLazySingleton_BuildsOnceAndCachesAcrossCallers(t *testing.T) {
	reg := New(nil)
	factory := &lazySingletonFactory{}
	r, err := reg.RegisterLazySingleton("b", []string{"Foo"}, factory, props.New())
	require.NoError(t, err)
	ref := r.Reference()

	a, err := reg.GetService("consumer-1", ref)
	require.NoError(t, err)
	b, err := reg.GetService("consumer-2", ref)
	require.NoError(t, err)

	assert.Equal(t, a, b, "every caller shares the single lazily built instance")
	assert.Equal(t, 1, factory.created)
}

func TestUnregister_ReleasesOutstandingPrototypeInstances(t *testing.T) {
	reg := New(nil)
	factory := newCountingFactory()
	r, err := reg.RegisterFactory("b", []string{"Foo"}, ScopePrototype, factory, props.New())
	require.NoError(t, err)
	ref := r.Reference()

	inst, err := reg.GetService("consumer-1", ref)
	require.NoError(t, err)
	factory.mu.Lock()
	assert.True(t, factory.live[inst.(string)])
	factory.mu.Unlock()

	require.NoError(t, r.Unregister())

	factory.mu.Lock()
	defer factory.mu.Unlock()
	assert.False(t, factory.live[inst.(string)], "Unregister must release every outstanding prototype instance")
}

// reentrantFactory calls back into the registry from inside GetService, the
// way a component's lazy activation does when it resolves its own
// just-published reference during its first real GetService call. It must
// not deadlock against the Registration lock GetService holds.
type reentrantFactory struct {
	reg       *Registry
	otherRef  *Reference
	sawOthers int
}

func (f *reentrantFactory) GetService(bundle string, reg *Registration) (any, error) {
	if f.otherRef != nil {
		if _, err := f.reg.GetService(bundle, f.otherRef); err != nil {
			return nil, err
		}
		f.sawOthers++
	}
	return "built", nil
}

func (f *reentrantFactory) UngetService(bundle string, reg *Registration, service any) {}

func TestGetService_FactoryMayReentrantlyCallGetServiceWithoutDeadlock(t *testing.T) {
	reg := New(nil)
	other, err := reg.Register("b", []string{"Bar"}, "other-instance", props.New())
	require.NoError(t, err)

	factory := &reentrantFactory{reg: reg, otherRef: other.Reference()}
	r, err := reg.RegisterFactory("b", []string{"Foo"}, ScopeBundle, factory, props.New())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		inst, err := reg.GetService("consumer-1", r.Reference())
		require.NoError(t, err)
		assert.Equal(t, "built", inst)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetService deadlocked on a reentrant factory call")
	}
	assert.Equal(t, 1, factory.sawOthers)
}

func TestConcurrentRegisterAndGetAll(t *testing.T) {
	reg := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = reg.Register("b", []string{"Foo"}, i, props.New().With(props.ServiceRanking, int64(i)))
		}(i)
	}
	wg.Wait()

	refs := reg.GetAll("Foo", nil)
	assert.Len(t, refs, 50)
}
