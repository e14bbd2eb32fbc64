package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/reliability"
	"github.com/glimte/mmate-bus/store"
	"github.com/glimte/mmate-bus/store/memory"
	"github.com/glimte/mmate-bus/transports/inmemory"
)

type connection bool

func (c connection) IsConnected() bool { return bool(c) }

type fakeConsumer struct {
	name    string
	running bool
	err     error
}

func (c fakeConsumer) Endpoint() contracts.Endpoint { return contracts.NewEndpoint(c.name) }
func (c fakeConsumer) Running() bool                { return c.running }
func (c fakeConsumer) Err() error                   { return c.err }

type mockProducer struct {
	mock.Mock
}

func (m *mockProducer) Produce(ctx context.Context, env *contracts.OutboundEnvelope) error {
	args := m.Called(env.Endpoint.Name)
	return args.Error(0)
}

func TestConnectionChecker(t *testing.T) {
	up := NewConnectionChecker("rabbitmq", connection(true)).Check(context.Background())
	assert.Equal(t, StatusHealthy, up.Status)
	assert.Equal(t, "rabbitmq", up.Name)

	down := NewConnectionChecker("rabbitmq", connection(false)).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, down.Status)
	assert.Equal(t, false, down.Details["connected"])
}

func TestQueueChecker(t *testing.T) {
	ctx := context.Background()
	transport := inmemory.New()
	endpoint := contracts.NewEndpoint("orders")

	checker := NewQueueChecker(endpoint, transport, 1)
	assert.Equal(t, "queue_orders", checker.Name())

	result := checker.Check(ctx)
	assert.Equal(t, StatusHealthy, result.Status)

	for i := 0; i < 2; i++ {
		_, err := transport.Produce(ctx, endpoint, []byte("{}"), nil)
		require.NoError(t, err)
	}

	result = checker.Check(ctx)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 2, result.Details["message_count"])
}

func TestOutboxChecker(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutbox()
	checker := NewOutboxChecker(outbox, 1, time.Minute)

	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	enqueuedAt := time.Now().Add(-10 * time.Second)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, outbox.Enqueue(ctx, store.QueuedMessage{ID: id, Endpoint: contracts.NewEndpoint("orders"), EnqueuedAt: enqueuedAt}))
	}

	result := checker.Check(ctx)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 2, result.Details["length"])

	checker.now = func() time.Time { return enqueuedAt.Add(2 * time.Minute) }
	result = checker.Check(ctx)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "oldest outbox message")
}

func TestConsumerChecker(t *testing.T) {
	ctx := context.Background()

	healthy := NewConsumerChecker(fakeConsumer{name: "orders", running: true}).Check(ctx)
	assert.Equal(t, StatusHealthy, healthy.Status)
	assert.Equal(t, "running", healthy.Details["orders"])

	result := NewConsumerChecker(
		fakeConsumer{name: "orders", running: true},
		fakeConsumer{name: "invoices", err: errors.New("commit failed")},
	).Check(ctx)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "1 of 2 consumers stopped", result.Message)
	assert.Equal(t, "failed: commit failed", result.Details["invoices"])
}

func TestEndpointPingChecker(t *testing.T) {
	ctx := context.Background()
	producer := &mockProducer{}
	producer.On("Produce", "orders").Return(nil)
	producer.On("Produce", "invoices").Return(errors.New("unroutable"))

	all := NewEndpointPingChecker(producer, contracts.NewEndpoint("orders")).Check(ctx)
	assert.Equal(t, StatusHealthy, all.Status)

	some := NewEndpointPingChecker(producer, contracts.NewEndpoint("orders"), contracts.NewEndpoint("invoices")).Check(ctx)
	assert.Equal(t, StatusDegraded, some.Status)
	assert.Equal(t, "unroutable", some.Details["invoices"])

	none := NewEndpointPingChecker(producer, contracts.NewEndpoint("invoices")).Check(ctx)
	assert.Equal(t, StatusUnhealthy, none.Status)

	producer.AssertNumberOfCalls(t, "Produce", 4)
}

func TestMemoryChecker(t *testing.T) {
	result := NewMemoryChecker(100000, 200000).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "goroutines")
}

func TestCircuitBreakerChecker(t *testing.T) {
	ctx := context.Background()
	breaker := reliability.NewCircuitBreaker(reliability.WithName("rabbitmq"), reliability.WithFailureThreshold(1))
	checker := NewCircuitBreakerChecker(breaker)
	assert.Equal(t, "circuit_breaker_rabbitmq", checker.Name())

	result := checker.Check(ctx)
	assert.Equal(t, StatusHealthy, result.Status)

	_ = breaker.Execute(ctx, func(context.Context) error { return errors.New("connection reset") })
	result = checker.Check(ctx)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "open", result.Details["state"])
}
