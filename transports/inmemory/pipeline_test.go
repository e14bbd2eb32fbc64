package inmemory_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/chunking"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/encryption"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/reliability"
	"github.com/glimte/mmate-bus/serialization"
	"github.com/glimte/mmate-bus/store/memory"
	"github.com/glimte/mmate-bus/transports/inmemory"
)

type shipment struct {
	ID       string `json:"id"`
	Manifest string `json:"manifest"`
}

func (s shipment) MessageKey() string { return s.ID }

type received struct {
	mu        sync.Mutex
	shipments []*shipment
	got       chan struct{}
}

func (r *received) handle(_ context.Context, s *shipment) error {
	r.mu.Lock()
	r.shipments = append(r.shipments, s)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func TestPipeline_PublishToConsumeThroughTransport(t *testing.T) {
	ctx := context.Background()
	transport := inmemory.New(inmemory.WithPartitions(2))

	registry := serialization.NewTypeRegistry()
	serialization.MustRegister[shipment](registry, "Shipment")
	serializers := serialization.NewSerializers(registry)

	keys := encryption.NewStaticKeyRing()
	key, err := encryption.DeriveKey([]byte("secret"), nil, "k1")
	require.NoError(t, err)
	require.NoError(t, keys.Add("k1", key))

	endpoint := contracts.NewEndpoint("shipments").WithChunking(16).WithEncryption("k1").WithGroup("warehouse")

	producer := messaging.NewProducer(transport, messaging.WithProducerBehaviors(
		interceptors.KeyInitializerBehavior{},
		interceptors.NewSerializerBehavior(serializers),
		encryption.NewEncryptorBehavior(keys),
		chunking.NewSplitterBehavior(),
	))
	routing := &messaging.RoutingConfig{Routes: []messaging.Route{
		messaging.ForMessage[*shipment](messaging.NewStaticRouter(endpoint), messaging.NewDirectConnector(producer)),
	}}
	publisher := messaging.NewPublisher(routing, nil)

	dispatcher := messaging.NewDispatcher()
	got := &received{got: make(chan struct{}, 8)}
	messaging.Subscribe(dispatcher, got.handle)

	consumer, err := messaging.NewConsumer(transport, messaging.ConsumerConfig{
		Endpoint: endpoint,
		Behaviors: []interceptors.ConsumerBehavior{
			chunking.NewAggregatorBehavior(memory.NewChunkStore(), nil),
			encryption.NewDecryptorBehavior(keys),
			interceptors.NewDeserializerBehavior(serializers),
		},
		ExactlyOnce: messaging.NewInboundLogGuard(memory.NewInboundLog()),
		Handler:     messaging.DispatchTo(dispatcher),
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)

	manifest := strings.Repeat("crate;", 20)
	require.NoError(t, publisher.Publish(ctx, &shipment{ID: "s-1", Manifest: manifest}))
	require.NoError(t, publisher.Publish(ctx, &shipment{ID: "s-2", Manifest: "pallet"}))

	assert.Greater(t, transport.Len("shipments"), 2, "large payloads are split into chunks")

	for i := 0; i < 2; i++ {
		select {
		case <-got.got:
		case <-time.After(2 * time.Second):
			t.Fatal("shipment not consumed")
		}
	}

	got.mu.Lock()
	defer got.mu.Unlock()
	byID := make(map[string]string)
	for _, s := range got.shipments {
		byID[s.ID] = s.Manifest
	}
	assert.Equal(t, map[string]string{"s-1": manifest, "s-2": "pallet"}, byID)

	require.Eventually(t, func() bool { return transport.Lag(endpoint) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPipeline_MoveForwardsReassembledChunkedMessage(t *testing.T) {
	ctx := context.Background()
	transport := inmemory.New(inmemory.WithPartitions(3))

	registry := serialization.NewTypeRegistry()
	serialization.MustRegister[shipment](registry, "Shipment")
	serializers := serialization.NewSerializers(registry)

	endpoint := contracts.NewEndpoint("shipments").WithChunking(10).WithGroup("warehouse")
	dlq := contracts.NewEndpoint("shipments-dlq")

	producer := messaging.NewProducer(transport, messaging.WithProducerBehaviors(
		interceptors.KeyInitializerBehavior{},
		interceptors.NewSerializerBehavior(serializers),
		chunking.NewSplitterBehavior(),
	))

	chunks := memory.NewChunkStore()
	handled := make(chan struct{}, 8)
	consumer, err := messaging.NewConsumer(transport, messaging.ConsumerConfig{
		Endpoint: endpoint,
		Behaviors: []interceptors.ConsumerBehavior{
			chunking.NewAggregatorBehavior(chunks, nil),
			interceptors.NewDeserializerBehavior(serializers),
		},
		ErrorPolicy: reliability.NewChain(reliability.Move(producer, dlq)),
		Handler: func(context.Context, *interceptors.ConsumerContext) error {
			handled <- struct{}{}
			return errors.New("warehouse closed")
		},
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop(ctx)

	sent := &shipment{ID: "s-9", Manifest: strings.Repeat("crate;", 8)}
	require.NoError(t, producer.Produce(ctx, contracts.NewOutboundEnvelope(sent, nil, endpoint)))
	require.Greater(t, transport.Len("shipments"), 2)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("chunked shipment never reached the handler")
	}
	require.Eventually(t, func() bool { return transport.Lag(endpoint) == 0 }, 2*time.Second, 10*time.Millisecond)

	moved := transport.Messages("shipments-dlq")
	require.Len(t, moved, 1, "the whole message is moved once, not its last chunk")
	var got shipment
	require.NoError(t, json.Unmarshal(moved[0], &got))
	assert.Equal(t, *sent, got)

	left, err := chunks.CleanupOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, left, "the chunks of a moved message are purged")
}
