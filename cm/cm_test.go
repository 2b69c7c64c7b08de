package cm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dynsvc/asyncwork"
	"github.com/c360/dynsvc/props"
)

func TestNotifier_DeliversToRegisteredListener(t *testing.T) {
	n := NewNotifier()
	var got EventType
	var gotPid string
	var gotProps props.Map
	n.RegisterListener("pid.a", func(event EventType, pid string, properties props.Map) {
		got, gotPid, gotProps = event, pid, properties
	})

	n.NotifyAllListeners(ConfigUpdated, "pid.a", props.New().With("x", int64(1)))

	assert.Equal(t, ConfigUpdated, got)
	assert.Equal(t, "pid.a", gotPid)
	assert.Equal(t, int64(1), gotProps.Int64Or("x", 0))
}

func TestNotifier_DoesNotDeliverToOtherPid(t *testing.T) {
	n := NewNotifier()
	called := false
	n.RegisterListener("pid.a", func(EventType, string, props.Map) { called = true })

	n.NotifyAllListeners(ConfigUpdated, "pid.b", props.New())

	assert.False(t, called)
}

func TestNotifier_UnregisterStopsDelivery(t *testing.T) {
	n := NewNotifier()
	called := false
	token := n.RegisterListener("pid.a", func(EventType, string, props.Map) { called = true })
	n.UnregisterListener("pid.a", token)

	n.NotifyAllListeners(ConfigUpdated, "pid.a", props.New())

	assert.False(t, called)
	assert.False(t, n.AnyListenersForPid("pid.a"))
}

func TestNotifier_AnyListenersForPid(t *testing.T) {
	n := NewNotifier()
	assert.False(t, n.AnyListenersForPid("pid.a"))
	n.RegisterListener("pid.a", func(EventType, string, props.Map) {})
	assert.True(t, n.AnyListenersForPid("pid.a"))
}

func TestInMemoryAdmin_RoundTrip(t *testing.T) {
	admin := NewInMemoryAdmin()
	ctx := context.Background()

	_, ok, err := admin.GetConfiguration(ctx, "pid.a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, admin.UpdateConfiguration(ctx, "pid.a", props.New().With("port", int64(8080))))

	p, ok, err := admin.GetConfiguration(ctx, "pid.a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(8080), p.Int64Or("port", 0))

	require.NoError(t, admin.DeleteConfiguration(ctx, "pid.a"))
	_, ok, err = admin.GetConfiguration(ctx, "pid.a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryAdmin_NotifiesOnUpdateAndDelete(t *testing.T) {
	admin := NewInMemoryAdmin()
	ctx := context.Background()

	var mu sync.Mutex
	var events []EventType
	admin.Notifier().RegisterListener("pid.a", func(event EventType, pid string, properties props.Map) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	require.NoError(t, admin.UpdateConfiguration(ctx, "pid.a", props.New()))
	require.NoError(t, admin.DeleteConfiguration(ctx, "pid.a"))
	require.NoError(t, admin.DeleteConfiguration(ctx, "pid.a")) // idempotent, no second delete event

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{ConfigUpdated, ConfigDeleted}, events)
}

func TestInMemoryAdmin_ListPidsSorted(t *testing.T) {
	admin := NewInMemoryAdmin()
	ctx := context.Background()
	require.NoError(t, admin.UpdateConfiguration(ctx, "pid.b", props.New()))
	require.NoError(t, admin.UpdateConfiguration(ctx, "pid.a", props.New()))

	pids, err := admin.ListPids(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pid.a", "pid.b"}, pids)
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

type kvNotFound struct{}

func (kvNotFound) Error() string  { return "key not found" }
func (kvNotFound) NotFound() bool { return true }

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, kvNotFound{}
	}
	return v, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return kvNotFound{}
	}
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Keys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	return out, nil
}

func TestJetStreamAdmin_RoundTrip(t *testing.T) {
	admin := NewJetStreamAdmin(newFakeKV())
	ctx := context.Background()

	require.NoError(t, admin.UpdateConfiguration(ctx, "pid.a", props.New().With("name", "widget")))

	p, ok, err := admin.GetConfiguration(ctx, "pid.a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "widget", p.StringOr("name", ""))

	require.NoError(t, admin.DeleteConfiguration(ctx, "pid.a"))
	_, ok, err = admin.GetConfiguration(ctx, "pid.a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJetStreamAdmin_DeleteMissingIsNotAnError(t *testing.T) {
	admin := NewJetStreamAdmin(newFakeKV())
	assert.NoError(t, admin.DeleteConfiguration(context.Background(), "pid.missing"))
}

func TestConfiguration_UpdateRunsSynchronouslyWithoutPoster(t *testing.T) {
	admin := NewInMemoryAdmin()
	ctx := context.Background()

	_, err := admin.Configuration("pid.a").Update(ctx, props.New().With("port", int64(8080))).Wait(ctx)
	require.NoError(t, err)

	p, ok, err := admin.GetConfiguration(ctx, "pid.a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(8080), p.Int64Or("port", 0))
}

func TestConfiguration_RemoveDeletesStoredConfiguration(t *testing.T) {
	admin := NewInMemoryAdmin()
	ctx := context.Background()
	require.NoError(t, admin.UpdateConfiguration(ctx, "pid.a", props.New()))

	_, err := admin.Configuration("pid.a").Remove(ctx).Wait(ctx)
	require.NoError(t, err)

	_, ok, err := admin.GetConfiguration(ctx, "pid.a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfiguration_UpdateIfDifferentSkipsIdenticalResubmission(t *testing.T) {
	admin := NewInMemoryAdmin()
	ctx := context.Background()

	var events []EventType
	admin.Notifier().RegisterListener("pid.a", func(event EventType, _ string, _ props.Map) {
		events = append(events, event)
	})

	same := props.New().With("port", int64(8080))
	changed, fut := admin.Configuration("pid.a").UpdateIfDifferent(ctx, same)
	require.True(t, changed)
	_, err := fut.Wait(ctx)
	require.NoError(t, err)

	changed, fut = admin.Configuration("pid.a").UpdateIfDifferent(ctx, same)
	assert.False(t, changed, "identical resubmission reports no change")
	_, err = fut.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, []EventType{ConfigUpdated}, events, "identical resubmission must not fire a second ConfigUpdated")
}

func TestConfiguration_UpdateIfDifferentAppliesChangedValue(t *testing.T) {
	admin := NewInMemoryAdmin()
	ctx := context.Background()
	require.NoError(t, admin.UpdateConfiguration(ctx, "pid.a", props.New().With("port", int64(8080))))

	changed, fut := admin.Configuration("pid.a").UpdateIfDifferent(ctx, props.New().With("port", int64(9090)))
	require.True(t, changed)
	_, err := fut.Wait(ctx)
	require.NoError(t, err)

	p, ok, err := admin.GetConfiguration(ctx, "pid.a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9090), p.Int64Or("port", 0))
}

func TestNotifier_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	n := NewNotifier()
	var mu sync.Mutex
	delivered := 0

	n.RegisterListener("pid.a", func(EventType, string, props.Map) {
		panic("listener blew up")
	})
	n.RegisterListener("pid.a", func(EventType, string, props.Map) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NotPanics(t, func() {
		n.NotifyAllListeners(ConfigUpdated, "pid.a", props.New())
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered, "the non-panicking listener must still be called")
}

type recordingPoster struct {
	mu    sync.Mutex
	posts int
}

func (p *recordingPoster) Post(task asyncwork.Task) error {
	p.mu.Lock()
	p.posts++
	p.mu.Unlock()
	task(context.Background())
	return nil
}

func TestConfiguration_UsesInstalledPoster(t *testing.T) {
	admin := NewInMemoryAdmin()
	poster := &recordingPoster{}
	admin.SetPoster(poster)

	ctx := context.Background()
	_, err := admin.Configuration("pid.a").Update(ctx, props.New()).Wait(ctx)
	require.NoError(t, err)

	poster.mu.Lock()
	defer poster.mu.Unlock()
	assert.Equal(t, 1, poster.posts)
}
