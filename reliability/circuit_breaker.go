package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(name string, from, to State, reason string)
}

// FailureFilter decides whether an error counts against the circuit
type FailureFilter func(err error) bool

// BrokerFailure is the default FailureFilter. Non-retryable errors, such as
// an unroutable message, describe the message rather than the broker and are
// not counted.
func BrokerFailure(err error) bool {
	return IsRetryableError(err)
}

type breakerCounts struct {
	requests  int64
	failures  int64
	successes int64

	consecutiveFailures  int
	consecutiveSuccesses int
	probes               int
}

// CircuitBreaker stops producing to a failing broker until it had time to
// recover. While half-open a limited number of probes go through.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	maxProbes        int
	countable        FailureFilter
	listeners        []StateChangeListener
	now              func() time.Time

	mu          sync.RWMutex
	state       State
	openedAt    time.Time
	lastFailure time.Time
	counts      breakerCounts
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successful probes that close a half-open
// circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests bounds the concurrent probes while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxProbes = requests
	}
}

// WithName sets the circuit breaker name
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureFilter replaces BrokerFailure
func WithFailureFilter(filter FailureFilter) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.countable = filter
	}
}

// WithStateListener registers a state change listener
func WithStateListener(listener StateChangeListener) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.listeners = append(cb.listeners, listener)
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		successThreshold: 3,
		openTimeout:      30 * time.Second,
		maxProbes:        3,
		countable:        BrokerFailure,
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the circuit rejects it. Cancellations and errors
// the failure filter ignores leave the circuit untouched.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		cb.settle(probe, nil, false)
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		cb.settle(probe, nil, true)
	case ctx.Err() != nil || !cb.countable(err):
		cb.settle(probe, nil, false)
	default:
		cb.settle(probe, err, true)
	}
	return err
}

// admit reports whether the call is a half-open probe
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.requests++
	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		retryAt := cb.openedAt.Add(cb.openTimeout)
		if !cb.now().After(retryAt) {
			return false, cb.rejection(retryAt)
		}
		cb.transition(StateHalfOpen, "open timeout expired")
		cb.counts.consecutiveSuccesses = 0
		cb.counts.probes = 1
		return true, nil

	case StateHalfOpen:
		if cb.counts.probes >= cb.maxProbes {
			return false, cb.rejection(cb.now().Add(time.Second))
		}
		cb.counts.probes++
		return true, nil
	}
	return false, ErrUnknownState
}

// settle records the outcome of an admitted call; counted is false for
// calls that say nothing about the broker
func (cb *CircuitBreaker) settle(probe bool, err error, counted bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe && cb.state == StateHalfOpen && cb.counts.probes > 0 {
		cb.counts.probes--
	}
	if !counted {
		return
	}
	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure() {
	cb.counts.failures++
	cb.counts.consecutiveFailures++
	cb.counts.consecutiveSuccesses = 0
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.counts.consecutiveFailures >= cb.failureThreshold {
			cb.open(fmt.Sprintf("failure threshold reached (%d/%d)", cb.counts.consecutiveFailures, cb.failureThreshold))
		}
	case StateHalfOpen:
		cb.open("probe failed")
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.counts.successes++
	cb.counts.consecutiveSuccesses++

	switch cb.state {
	case StateClosed:
		cb.counts.consecutiveFailures = 0
	case StateHalfOpen:
		if cb.counts.consecutiveSuccesses >= cb.successThreshold {
			cb.transition(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.counts.consecutiveSuccesses, cb.successThreshold))
			cb.counts.consecutiveFailures = 0
			cb.counts.probes = 0
		}
	}
}

// open must be called with mu held
func (cb *CircuitBreaker) open(reason string) {
	cb.transition(StateOpen, reason)
	cb.openedAt = cb.now()
	cb.counts.probes = 0
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	for _, listener := range cb.listeners {
		go listener.OnStateChange(cb.name, from, to, reason)
	}
}

func (cb *CircuitBreaker) rejection(retryAt time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Op:               "execute",
		Failures:         cb.counts.consecutiveFailures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailure,
		NextRetry:        retryAt,
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transition(StateClosed, "reset")
	}
	cb.counts.consecutiveFailures = 0
	cb.counts.consecutiveSuccesses = 0
	cb.counts.probes = 0
}

// CircuitBreakerMetrics is a snapshot of the breaker counters
type CircuitBreakerMetrics struct {
	Name             string
	State            State
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	CurrentFailures  int
	CurrentSuccesses int
	LastFailureTime  time.Time
	OpenedAt         time.Time
	Timestamp        time.Time
}

// GetMetrics returns a snapshot of the counters
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerMetrics{
		Name:             cb.name,
		State:            cb.state,
		TotalRequests:    cb.counts.requests,
		TotalFailures:    cb.counts.failures,
		TotalSuccesses:   cb.counts.successes,
		CurrentFailures:  cb.counts.consecutiveFailures,
		CurrentSuccesses: cb.counts.consecutiveSuccesses,
		LastFailureTime:  cb.lastFailure,
		OpenedAt:         cb.openedAt,
		Timestamp:        cb.now(),
	}
}
