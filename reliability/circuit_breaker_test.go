package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateRecorder struct {
	changes chan State
}

func (r *stateRecorder) OnStateChange(_ string, _, to State, _ string) {
	r.changes <- to
}

func failing(context.Context) error   { return errors.New("test error") }
func succeeding(context.Context) error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("opens after failure threshold and rejects", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("orders"))

		for i := 0; i < 3; i++ {
			assert.Error(t, cb.Execute(ctx, failing))
		}
		assert.Equal(t, StateOpen, cb.GetState())

		executed := false
		err := cb.Execute(ctx, func(context.Context) error {
			executed = true
			return nil
		})
		assert.False(t, executed)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, "orders", cbErr.Name)
	})

	t.Run("half-open after timeout then closes on success threshold", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		recorder := &stateRecorder{changes: make(chan State, 4)}
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithTimeout(time.Minute),
			WithStateListener(recorder),
		)
		cb.now = func() time.Time { return now }

		assert.Error(t, cb.Execute(ctx, failing))
		assert.Equal(t, StateOpen, <-recorder.changes)

		now = now.Add(2 * time.Minute)
		require.NoError(t, cb.Execute(ctx, succeeding))
		assert.Equal(t, StateHalfOpen, cb.GetState())
		assert.Equal(t, StateHalfOpen, <-recorder.changes)

		require.NoError(t, cb.Execute(ctx, succeeding))
		assert.Equal(t, StateClosed, cb.GetState())
		assert.Equal(t, StateClosed, <-recorder.changes)
	})

	t.Run("failure while half-open reopens", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(time.Minute))
		cb.now = func() time.Time { return now }

		assert.Error(t, cb.Execute(ctx, failing))
		now = now.Add(2 * time.Minute)
		assert.Error(t, cb.Execute(ctx, failing))
		assert.Equal(t, StateOpen, cb.GetState())
	})

	t.Run("cancelled calls are not failures", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		cctx, cancel := context.WithCancel(ctx)

		err := cb.Execute(cctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("metrics", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(10))
		_ = cb.Execute(ctx, succeeding)
		_ = cb.Execute(ctx, failing)

		m := cb.GetMetrics()
		assert.Equal(t, int64(2), m.TotalRequests)
		assert.Equal(t, int64(1), m.TotalFailures)
		assert.Equal(t, int64(1), m.TotalSuccesses)

		cb.Reset()
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("non-retryable errors do not count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		unroutable := fmt.Errorf("publish returned: %w", ErrNonRetryable)

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return unroutable }), ErrNonRetryable)
		}
		assert.Equal(t, StateClosed, cb.GetState())
		assert.Zero(t, cb.GetMetrics().TotalFailures)
	})

	t.Run("custom failure filter", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithFailureFilter(func(error) bool { return true }))
		_ = cb.Execute(ctx, func(context.Context) error { return ErrNonRetryable })
		assert.Equal(t, StateOpen, cb.GetState())

		cb.Reset()
		assert.Equal(t, StateClosed, cb.GetState())
		require.NoError(t, cb.Execute(ctx, succeeding))
	})
}
