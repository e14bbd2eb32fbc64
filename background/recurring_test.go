package background

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/store"
	"github.com/glimte/mmate-bus/store/memory"
)

func counterTask(n *atomic.Int32) Task {
	return func(ctx context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestRecurringService_RunsRepeatedly(t *testing.T) {
	var runs atomic.Int32
	s := NewRecurringService("cleanup", 5*time.Millisecond, counterTask(&runs))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return runs.Load() > 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())

	stopped := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load(), "no runs after Stop")
}

func TestRecurringService_OnlyOneInstanceRuns(t *testing.T) {
	locks := memory.NewLockManager()
	settings := store.LockSettings{Resource: "chunk-cleaner", TTL: time.Second}

	var first, second atomic.Int32
	s1 := NewRecurringService("cleanup", 5*time.Millisecond, counterTask(&first), WithLockManager(locks, settings))
	s2 := NewRecurringService("cleanup", 5*time.Millisecond, counterTask(&second), WithLockManager(locks, settings))

	require.NoError(t, s1.Start(context.Background()))
	assert.Eventually(t, func() bool { return first.Load() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s2.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, second.Load(), "the lock is held by the first instance")

	require.NoError(t, s1.Stop(context.Background()))
	assert.Eventually(t, func() bool { return second.Load() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s2.Stop(context.Background()))
}

func TestRecurringService_TaskSeesLock(t *testing.T) {
	locks := memory.NewLockManager()
	tokens := make(chan int64, 1)
	s := NewRecurringService("cleanup", time.Hour, func(ctx context.Context) error {
		lock := LockFromContext(ctx)
		if lock != nil {
			select {
			case tokens <- lock.Token():
			default:
			}
		}
		return nil
	}, WithLockManager(locks, store.LockSettings{TTL: time.Second}))

	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	select {
	case token := <-tokens:
		assert.Equal(t, int64(1), token)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestRecurringService_StartStopErrors(t *testing.T) {
	var runs atomic.Int32
	s := NewRecurringService("x", time.Hour, counterTask(&runs))
	assert.Error(t, s.Stop(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestRecurringService_RunOnce(t *testing.T) {
	ctx := context.Background()
	locks := memory.NewLockManager()
	settings := store.LockSettings{Resource: "outbox", TTL: time.Second}

	var runs atomic.Int32
	s := NewRecurringService("outbox", time.Hour, func(ctx context.Context) error {
		assert.NotNil(t, LockFromContext(ctx))
		runs.Add(1)
		return nil
	}, WithLockManager(locks, settings))

	ran, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), runs.Load())

	held, err := locks.TryAcquire(ctx, store.LockSettings{Resource: "outbox", Owner: "other", TTL: time.Minute})
	require.NoError(t, err, "the lock is released after the run")

	ran, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(1), runs.Load(), "nothing runs while another owner holds the lock")

	require.NoError(t, held.Release(ctx))
	ran, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(2), runs.Load())
}
