package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/reliability"
	"github.com/glimte/mmate-bus/store"
)

// ConnectionProbe reports whether a broker connection is up
type ConnectionProbe interface {
	IsConnected() bool
}

// QueueDepthProbe reports how many messages wait on an endpoint
type QueueDepthProbe interface {
	QueueDepth(ctx context.Context, endpoint contracts.Endpoint) (int, error)
}

// ConsumerProbe exposes the state of a running consumer
type ConsumerProbe interface {
	Endpoint() contracts.Endpoint
	Running() bool
	Err() error
}

// EnvelopeProducer produces a single envelope
type EnvelopeProducer interface {
	Produce(ctx context.Context, env *contracts.OutboundEnvelope) error
}

func begin(name string) (CheckResult, time.Time) {
	start := time.Now()
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}, start
}

// ConnectionChecker checks a transport connection
type ConnectionChecker struct {
	name  string
	probe ConnectionProbe
}

// NewConnectionChecker creates a connection checker, e.g. for the RabbitMQ transport
func NewConnectionChecker(name string, probe ConnectionProbe) *ConnectionChecker {
	return &ConnectionChecker{name: name, probe: probe}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result, start := begin(c.Name())

	connected := c.probe.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "connection is down"
	}
	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks the backlog of an endpoint
type QueueChecker struct {
	endpoint contracts.Endpoint
	probe    QueueDepthProbe
	warning  int
}

// NewQueueChecker creates a queue checker that degrades above warning
// pending messages
func NewQueueChecker(endpoint contracts.Endpoint, probe QueueDepthProbe, warning int) *QueueChecker {
	if warning <= 0 {
		warning = 10000
	}
	return &QueueChecker{endpoint: endpoint, probe: probe, warning: warning}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.endpoint.Name)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result, start := begin(c.Name())

	depth, err := c.probe.QueueDepth(ctx, c.endpoint)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.endpoint.Name)
		result.Error = err.Error()
		return result
	}

	result.Details["message_count"] = depth
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.endpoint.Name)
	if depth > c.warning {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has high message count", c.endpoint.Name)
	}
	return result
}

// OutboxChecker checks the outbox backlog and the age of its oldest message
type OutboxChecker struct {
	outbox    store.Outbox
	maxLength int
	maxAge    time.Duration
	now       func() time.Time
}

// NewOutboxChecker creates an outbox checker. A zero limit disables that check.
func NewOutboxChecker(outbox store.Outbox, maxLength int, maxAge time.Duration) *OutboxChecker {
	return &OutboxChecker{outbox: outbox, maxLength: maxLength, maxAge: maxAge, now: time.Now}
}

func (c *OutboxChecker) Name() string {
	return "outbox"
}

func (c *OutboxChecker) Check(ctx context.Context) CheckResult {
	result, start := begin(c.Name())

	stats, err := c.outbox.Stats(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "outbox not accessible"
		result.Error = err.Error()
		return result
	}

	result.Details["length"] = stats.Length
	result.Status = StatusHealthy
	result.Message = "outbox is draining"

	if c.maxLength > 0 && stats.Length > c.maxLength {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("outbox holds %d messages", stats.Length)
	}
	if !stats.Oldest.IsZero() {
		age := c.now().Sub(stats.Oldest)
		result.Details["oldest_age_ms"] = age.Milliseconds()
		if c.maxAge > 0 && age > c.maxAge {
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("oldest outbox message is %s old", age.Round(time.Second))
		}
	}
	return result
}

// ConsumerChecker reports consumers that stopped
type ConsumerChecker struct {
	consumers []ConsumerProbe
}

// NewConsumerChecker creates a checker over the given consumers
func NewConsumerChecker(consumers ...ConsumerProbe) *ConsumerChecker {
	return &ConsumerChecker{consumers: consumers}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	result, start := begin(c.Name())
	result.Status = StatusHealthy
	result.Message = "all consumers running"

	stopped := 0
	for _, consumer := range c.consumers {
		name := consumer.Endpoint().Name
		if consumer.Running() {
			result.Details[name] = "running"
			continue
		}
		stopped++
		if err := consumer.Err(); err != nil {
			result.Details[name] = "failed: " + err.Error()
		} else {
			result.Details[name] = "stopped"
		}
	}

	if stopped > 0 {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d of %d consumers stopped", stopped, len(c.consumers))
	}
	result.Duration = time.Since(start)
	return result
}

// EndpointPingChecker produces a PingMessage to every outbound endpoint
type EndpointPingChecker struct {
	producer  EnvelopeProducer
	endpoints []contracts.Endpoint
}

// NewEndpointPingChecker creates a ping checker for endpoints
func NewEndpointPingChecker(producer EnvelopeProducer, endpoints ...contracts.Endpoint) *EndpointPingChecker {
	return &EndpointPingChecker{producer: producer, endpoints: endpoints}
}

func (c *EndpointPingChecker) Name() string {
	return "outbound_endpoints"
}

func (c *EndpointPingChecker) Check(ctx context.Context) CheckResult {
	result, start := begin(c.Name())

	failed := 0
	for _, endpoint := range c.endpoints {
		ping := contracts.NewOutboundEnvelope(contracts.PingMessage{Timestamp: time.Now().UTC()}, nil, endpoint)
		if err := c.producer.Produce(ctx, ping); err != nil {
			failed++
			result.Details[endpoint.Name] = err.Error()
			continue
		}
		result.Details[endpoint.Name] = "ok"
	}

	switch {
	case failed == 0:
		result.Status = StatusHealthy
		result.Message = "all endpoints reachable"
	case failed < len(c.endpoints):
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d endpoints unreachable", failed, len(c.endpoints))
	default:
		result.Status = StatusUnhealthy
		result.Message = "no endpoint reachable"
	}
	result.Duration = time.Since(start)
	return result
}

// CircuitBreakerChecker reports the state of a producer circuit breaker:
// open is unhealthy, half-open degraded
type CircuitBreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerChecker creates a checker for breaker
func NewCircuitBreakerChecker(breaker *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{breaker: breaker}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_breaker_" + c.breaker.Name()
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	result, start := begin(c.Name())

	m := c.breaker.GetMetrics()
	result.Details["state"] = m.State.String()
	result.Details["consecutive_failures"] = m.CurrentFailures
	result.Details["total_failures"] = m.TotalFailures

	switch m.State {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("circuit open since %s", m.OpenedAt.Format(time.RFC3339))
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "circuit half-open, probing"
	default:
		result.Status = StatusHealthy
		result.Message = "circuit closed"
	}
	result.Duration = time.Since(start)
	return result
}

// MemoryChecker degrades on runaway goroutine counts
type MemoryChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewMemoryChecker creates a new memory checker
func NewMemoryChecker(warningGoroutines, criticalGoroutines int) *MemoryChecker {
	return &MemoryChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	result, start := begin(c.Name())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "memory usage is normal"
	}
	result.Duration = time.Since(start)
	return result
}
