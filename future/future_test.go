package future

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_ResolveThenWait(t *testing.T) {
	f, resolve := New[int]()
	resolve(42, nil)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFuture_WaitBeforeResolve(t *testing.T) {
	f, resolve := New[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		resolve("done", nil)
	}()

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestFuture_ContextCancelledBeforeResolve(t *testing.T) {
	f, _ := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.Error(t, err)
}

func TestFuture_OnlyFirstResolveWins(t *testing.T) {
	f, resolve := New[int]()
	resolve(1, nil)
	resolve(2, nil)

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_DoneReportsWithoutBlocking(t *testing.T) {
	f, resolve := New[int]()
	assert.False(t, f.Done())
	resolve(1, nil)
	assert.True(t, f.Done())
}
