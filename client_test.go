package mmate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/encryption"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/store/memory"
	"github.com/glimte/mmate-bus/transports/inmemory"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Notes   string `json:"notes"`
}

func (o orderPlaced) MessageKey() string { return o.OrderID }

type auditEntry struct {
	Text string
}

type inbox struct {
	mu     sync.Mutex
	orders []*orderPlaced
}

func (i *inbox) handle(_ context.Context, o *orderPlaced) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.orders = append(i.orders, o)
	return nil
}

func (i *inbox) ids() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	ids := make([]string, 0, len(i.orders))
	for _, o := range i.orders {
		ids = append(ids, o.OrderID)
	}
	return ids
}

type eventLog struct {
	mu     sync.Mutex
	events []messaging.EventType
}

func (l *eventLog) OnEvent(_ context.Context, e messaging.LifecycleEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e.Type)
}

func (l *eventLog) count(t messaging.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == t {
			n++
		}
	}
	return n
}

func newTestBus(t *testing.T, cfg Config, opts ...BusOption) *Bus {
	t.Helper()
	bus, err := NewBus(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, Register[orderPlaced](bus, "OrderPlaced"))
	t.Cleanup(func() { bus.Close(context.Background()) })
	return bus
}

func TestNewBus_RequiresTransport(t *testing.T) {
	_, err := NewBus(Config{})
	assert.ErrorContains(t, err, "transport is required")
}

func TestNewBus_UnknownGuard(t *testing.T) {
	_, err := NewBus(Config{
		Transport: inmemory.New(),
		Consumers: []ConsumerConfig{{Endpoint: contracts.NewEndpoint("orders"), Guard: "twice"}},
	})
	assert.ErrorContains(t, err, `unknown exactly-once guard "twice"`)
}

func TestBus_PublishConsumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	transport := inmemory.New(inmemory.WithPartitions(2))

	keys := encryption.NewStaticKeyRing()
	key, err := encryption.DeriveKey([]byte("secret"), nil, "orders-key")
	require.NoError(t, err)
	require.NoError(t, keys.Add("orders-key", key))

	orders := contracts.NewEndpoint("orders").WithGroup("billing").WithChunking(32).WithEncryption("orders-key")
	events := &eventLog{}

	bus := newTestBus(t, Config{
		ServiceName: "billing",
		Transport:   transport,
		Routes:      []messaging.Route{RouteTo[*orderPlaced](orders)},
		Consumers:   []ConsumerConfig{{Endpoint: orders, Guard: GuardInboundLog}},
	}, WithKeyRing(keys), WithListener(events), WithTracing())

	got := &inbox{}
	Subscribe(bus, got.handle)
	require.NoError(t, bus.Start(ctx))

	notes := strings.Repeat("fragile;", 12)
	require.NoError(t, bus.Publish(ctx, &orderPlaced{OrderID: "o-1", Notes: notes}))
	require.NoError(t, bus.Publish(ctx, &orderPlaced{OrderID: "o-2"}))

	assert.Greater(t, transport.Len("orders"), 2, "large orders are chunked")
	for _, body := range transport.Messages("orders") {
		assert.NotContains(t, string(body), "o-1", "bodies are encrypted")
	}

	require.Eventually(t, func() bool { return len(got.ids()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"o-1", "o-2"}, got.ids())
	require.Eventually(t, func() bool { return transport.Lag(orders) == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.Positive(t, events.count(messaging.EventProduced))
	assert.Positive(t, events.count(messaging.EventCommitted))

	require.NoError(t, bus.Stop(ctx))
	assert.False(t, bus.Consumers()[0].Running())
}

func TestBus_UnroutedMessagesStayLocal(t *testing.T) {
	ctx := context.Background()
	transport := inmemory.New()
	bus := newTestBus(t, Config{Transport: transport})

	var got []string
	Subscribe(bus, func(_ context.Context, a auditEntry) error {
		got = append(got, a.Text)
		return nil
	})

	require.NoError(t, bus.PublishMany(ctx, auditEntry{Text: "a"}, auditEntry{Text: "b"}))
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Zero(t, transport.Len("audit"))
}

func TestBus_OutboxDefersProduction(t *testing.T) {
	ctx := context.Background()
	transport := inmemory.New()
	outbox := memory.NewOutbox()
	orders := contracts.NewEndpoint("orders")

	bus := newTestBus(t, Config{
		Transport: transport,
		Routes:    []messaging.Route{RouteTo[*orderPlaced](orders)},
		Stores:    Stores{Outbox: outbox},
		Outbox:    OutboxSettings{Interval: 20 * time.Millisecond},
	})

	err := bus.PublishInTransaction(ctx, func(ctx context.Context) error {
		return bus.Publish(ctx, &orderPlaced{OrderID: "o-1"})
	})
	require.NoError(t, err)

	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Length)
	assert.Zero(t, transport.Len("orders"))

	require.NoError(t, bus.Start(ctx))
	require.Eventually(t, func() bool { return transport.Len("orders") == 1 }, 2*time.Second, 10*time.Millisecond)

	stats, err = outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Length)
}

func TestBus_RolledBackTransactionLeavesOutboxEmpty(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutbox()

	bus := newTestBus(t, Config{
		Transport: inmemory.New(),
		Routes:    []messaging.Route{RouteTo[*orderPlaced](contracts.NewEndpoint("orders"))},
		Stores:    Stores{Outbox: outbox},
	})

	boom := errors.New("boom")
	err := bus.PublishInTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, bus.Publish(ctx, &orderPlaced{OrderID: "o-1"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Length)
}

func TestBus_ConfiguredConsumerMovesFailures(t *testing.T) {
	ctx := context.Background()
	transport := inmemory.New()
	orders := contracts.NewEndpoint("orders")

	bus := newTestBus(t, Config{
		Transport: transport,
		Routes:    []messaging.Route{RouteTo[*orderPlaced](orders)},
	})
	require.NoError(t, bus.AddConfiguredConsumer(config.EndpointConfig{
		Endpoint:      orders,
		ErrorPolicies: []config.PolicyConfig{{Type: config.PolicyMove, Target: "orders-dead"}},
	}))

	Subscribe(bus, func(context.Context, *orderPlaced) error {
		return errors.New("rejected")
	})
	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Publish(ctx, &orderPlaced{OrderID: "o-1"}))

	require.Eventually(t, func() bool { return transport.Len("orders-dead") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return transport.Lag(orders) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, bus.Consumers()[0].Running())
}

func TestBus_Health(t *testing.T) {
	ctx := context.Background()
	transport := inmemory.New()
	orders := contracts.NewEndpoint("orders")

	bus := newTestBus(t, Config{
		ServiceName: "billing",
		Transport:   transport,
		Routes:      []messaging.Route{RouteTo[*orderPlaced](orders)},
		Consumers:   []ConsumerConfig{{Endpoint: orders}},
	})
	require.NoError(t, bus.Start(ctx))

	overall := bus.Health().CheckAll(ctx)
	assert.Equal(t, health.StatusHealthy, overall.Status)
	assert.Contains(t, overall.Checks, "consumers")
	assert.Equal(t, 1, transport.Len("orders"), "the ping reached the routed endpoint")
}

func TestBus_RestartKeepsOneConsumerCheck(t *testing.T) {
	ctx := context.Background()
	orders := contracts.NewEndpoint("orders")
	bus := newTestBus(t, Config{
		ServiceName: "billing",
		Transport:   inmemory.New(),
		Routes:      []messaging.Route{RouteTo[*orderPlaced](orders)},
		Consumers:   []ConsumerConfig{{Endpoint: orders}},
	})

	require.NoError(t, bus.Start(ctx))
	first := bus.Health().CheckAll(ctx)
	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Start(ctx))
	defer bus.Stop(ctx)

	again := bus.Health().CheckAll(ctx)
	assert.Equal(t, health.StatusHealthy, again.Status)
	assert.Len(t, again.Checks, len(first.Checks))
	assert.Contains(t, again.Checks, "consumers")
}

func TestBus_StartTwice(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t, Config{Transport: inmemory.New()})

	require.NoError(t, bus.Start(ctx))
	assert.ErrorContains(t, bus.Start(ctx), "already started")
	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))
}
