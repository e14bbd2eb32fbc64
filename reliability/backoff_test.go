package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("gives up after max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			delay, again := eb.Next(i, errors.New("test"))
			assert.True(t, again)
			assert.Greater(t, delay, time.Duration(0))
		}

		delay, again := eb.Next(3, errors.New("test"))
		assert.False(t, again)
		assert.Zero(t, delay)
		assert.Equal(t, 3, eb.Limit())
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
		assert.Equal(t, 400*time.Millisecond, eb.NextDelay(2))
		assert.Equal(t, 10*time.Second, eb.NextDelay(10))
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, time.Minute, 1, 0)
		for i := 0; i < 50; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("non retryable errors stop", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 0)
		_, again := eb.Next(0, RetryableError{Err: errors.New("bad input"), Retryable: false})
		assert.False(t, again)
	})
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(ctx, NewFixedDelay(time.Millisecond, 5), "connect", func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns a retry error when exhausted", func(t *testing.T) {
		err := Do(ctx, NewFixedDelay(0, 2), "connect", func(context.Context) error {
			return errors.New("down")
		})
		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := Do(cctx, NewFixedDelay(time.Hour, 0), "connect", func(context.Context) error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
