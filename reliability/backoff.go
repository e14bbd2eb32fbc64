package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy spaces the attempts of an operation run by Do. It is used
// for broker level operations (connecting, publishing, webhooks); message
// level failures go through the error policy chain instead.
type BackoffPolicy interface {
	// Next reports the wait before attempt+1 after attempt (zero based)
	// failed with err, or false to give up
	Next(attempt int, err error) (time.Duration, bool)
	// Limit is the number of retries, zero meaning unbounded
	Limit() int
}

// ExponentialBackoff multiplies the delay after every attempt, capped at
// MaxInterval, with up to 15% jitter either way
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff returns a jittered policy; maxRetries of zero
// retries until the context ends
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

func (e *ExponentialBackoff) Next(attempt int, err error) (time.Duration, bool) {
	if exhausted(attempt, e.MaxAttempts, err) {
		return 0, false
	}
	return e.NextDelay(attempt), true
}

func (e *ExponentialBackoff) Limit() int { return e.MaxAttempts }

// NextDelay is the wait after the given zero based attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	d := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if e.MaxInterval > 0 {
		d = math.Min(d, float64(e.MaxInterval))
	}
	if e.Jitter {
		d *= 0.85 + 0.3*rand.Float64()
	}
	return time.Duration(d)
}

// FixedDelay waits Delay between attempts
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxRetries}
}

func (f *FixedDelay) Next(attempt int, err error) (time.Duration, bool) {
	if exhausted(attempt, f.MaxAttempts, err) {
		return 0, false
	}
	return f.Delay, true
}

func (f *FixedDelay) Limit() int { return f.MaxAttempts }

func exhausted(attempt, limit int, err error) bool {
	return (limit > 0 && attempt >= limit) || !IsRetryableError(err)
}

// Do calls fn until it succeeds or ctx ends. Once the policy gives up on a
// retryable error the result is a *RetryError; non-retryable errors are
// returned as they are.
func Do(ctx context.Context, policy BackoffPolicy, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}

		delay, again := policy.Next(attempt, err)
		if !again {
			if !IsRetryableError(err) {
				return err
			}
			return &RetryError{
				Op:          op,
				Attempts:    attempt + 1,
				MaxAttempts: policy.Limit(),
				LastError:   err,
				Duration:    time.Since(start),
			}
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
		attempt++
	}
}

// Sleep waits for d unless ctx ends first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
