package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
)

func newTestPublisher(t *testing.T, routing *RoutingConfig) (*Publisher, *fakeTransport, *Dispatcher) {
	t.Helper()
	transport := newFakeTransport()
	dispatcher := NewDispatcher()
	return NewPublisher(routing, dispatcher), transport, dispatcher
}

func TestPublisher_RoutesToEveryEndpoint(t *testing.T) {
	transport := newFakeTransport()
	producer := NewProducer(transport, WithProducerBehaviors(rawBodyBehavior{}))
	endpoints := []contracts.Endpoint{
		contracts.NewEndpoint("orders-eu"),
		contracts.NewEndpoint("orders-us"),
		contracts.NewEndpoint("orders-audit"),
	}
	routing := &RoutingConfig{Routes: []Route{
		ForMessage[*orderPlaced](NewStaticRouter(endpoints...), NewDirectConnector(producer)),
	}}
	dispatcher := NewDispatcher()
	localCalls := 0
	Subscribe(dispatcher, func(ctx context.Context, msg *orderPlaced) error {
		localCalls++
		return nil
	})
	publisher := NewPublisher(routing, dispatcher)

	require.NoError(t, publisher.Publish(context.Background(), &orderPlaced{OrderID: "o-1"}))

	produced := transport.Produced()
	require.Len(t, produced, 3)
	ids := make(map[string]struct{})
	for i, p := range produced {
		assert.Equal(t, endpoints[i], p.Endpoint)
		assert.Equal(t, []byte("o-1"), p.Body)
		ids[p.Headers.MessageID()] = struct{}{}
	}
	assert.Len(t, ids, 3, "every routed envelope gets its own message id")
	assert.Zero(t, localCalls, "routed messages are not delivered locally by default")
}

func TestPublisher_PublishOutboundToInternalBus(t *testing.T) {
	transport := newFakeTransport()
	producer := NewProducer(transport, WithProducerBehaviors(rawBodyBehavior{}))
	routing := &RoutingConfig{
		Routes: []Route{
			ForMessage[*orderPlaced](
				NewStaticRouter(contracts.NewEndpoint("a"), contracts.NewEndpoint("b")),
				NewDirectConnector(producer)),
		},
		PublishOutboundToInternalBus: true,
	}
	dispatcher := NewDispatcher()
	var messages []*orderPlaced
	var envelopes []*contracts.OutboundEnvelope
	Subscribe(dispatcher, func(ctx context.Context, msg *orderPlaced) error {
		messages = append(messages, msg)
		return nil
	})
	Subscribe(dispatcher, func(ctx context.Context, env *contracts.OutboundEnvelope) error {
		envelopes = append(envelopes, env)
		return nil
	})
	publisher := NewPublisher(routing, dispatcher)

	require.NoError(t, publisher.Publish(context.Background(), &orderPlaced{OrderID: "o-2"}))

	assert.Len(t, transport.Produced(), 2)
	assert.Len(t, messages, 2)
	require.Len(t, envelopes, 2)
	assert.Equal(t, "a", envelopes[0].Endpoint.Name)
	assert.Equal(t, "b", envelopes[1].Endpoint.Name)
}

func TestPublisher_UnroutedMessagesAreDeliveredLocally(t *testing.T) {
	publisher, transport, dispatcher := newTestPublisher(t, &RoutingConfig{})
	var got []int
	Subscribe(dispatcher, func(ctx context.Context, msg *invoiceIssued) error {
		got = append(got, msg.Number)
		return nil
	})

	require.NoError(t, publisher.PublishMany(context.Background(), &invoiceIssued{Number: 1}, &invoiceIssued{Number: 2}))

	assert.Equal(t, []int{1, 2}, got)
	assert.Empty(t, transport.Produced())
}

func TestPublisher_RoutingErrorIsFatal(t *testing.T) {
	transport := newFakeTransport()
	producer := NewProducer(transport, WithProducerBehaviors(rawBodyBehavior{}))
	boom := errors.New("no region")
	routing := &RoutingConfig{Routes: []Route{
		ForMessage[*orderPlaced](RouterFunc(func(any) ([]contracts.Endpoint, error) {
			return nil, boom
		}), NewDirectConnector(producer)),
	}}
	publisher := NewPublisher(routing, NewDispatcher())

	err := publisher.Publish(context.Background(), &orderPlaced{OrderID: "o-3"})

	assert.ErrorIs(t, err, ErrRouting)
	assert.ErrorIs(t, err, boom)
	var routingErr *RoutingError
	require.ErrorAs(t, err, &routingErr)
	assert.Contains(t, routingErr.MessageType, "orderPlaced")
	assert.Empty(t, transport.Produced())
}

func TestPublisher_ContentBasedRouting(t *testing.T) {
	transport := newFakeTransport()
	producer := NewProducer(transport, WithProducerBehaviors(rawBodyBehavior{}))
	router := RouterFunc(func(msg any) ([]contracts.Endpoint, error) {
		if msg.(*invoiceIssued).Number%2 == 0 {
			return []contracts.Endpoint{contracts.NewEndpoint("even")}, nil
		}
		return []contracts.Endpoint{contracts.NewEndpoint("odd")}, nil
	})
	publisher := NewPublisher(&RoutingConfig{Routes: []Route{
		ForMessage[*invoiceIssued](router, NewDirectConnector(producer)),
	}}, nil)

	require.NoError(t, publisher.PublishMany(context.Background(), &invoiceIssued{Number: 1}, &invoiceIssued{Number: 4}))

	produced := transport.Produced()
	require.Len(t, produced, 2)
	assert.Equal(t, "odd", produced[0].Endpoint.Name)
	assert.Equal(t, "even", produced[1].Endpoint.Name)
}

func TestPublisher_NilMessage(t *testing.T) {
	publisher, _, _ := newTestPublisher(t, nil)
	assert.ErrorIs(t, publisher.Publish(context.Background(), nil), ErrNilMessage)
}

func TestPublisher_ProducerChainRunsPerEnvelope(t *testing.T) {
	transport := newFakeTransport()
	var seen []string
	recorder := interceptors.NewBehaviorFunc[*interceptors.ProducerContext]("recorder", interceptors.ProducerChunkingIndex,
		func(ctx context.Context, c *interceptors.ProducerContext, next interceptors.ProducerHandler) error {
			seen = append(seen, c.Envelope.Endpoint.Name)
			return next(ctx, c)
		})
	producer := NewProducer(transport, WithProducerBehaviors(recorder, rawBodyBehavior{}))
	publisher := NewPublisher(&RoutingConfig{Routes: []Route{
		ForMessage[*orderPlaced](NewStaticRouter(contracts.NewEndpoint("x"), contracts.NewEndpoint("y")), NewDirectConnector(producer)),
	}}, nil)

	require.NoError(t, publisher.Publish(context.Background(), &orderPlaced{OrderID: "o-4"}))
	assert.Equal(t, []string{"x", "y"}, seen)
}

func TestProducer_ProduceFailure(t *testing.T) {
	transport := &mockTransport{}
	boom := errors.New("broker down")
	transport.On("Produce", context.Background(), contracts.NewEndpoint("orders"), []byte("o-5"), contracts.NewHeaders(contracts.HeaderMessageID, "m-5")).
		Return(nil, boom)
	events := &eventRecorder{}
	producer := NewProducer(transport, WithProducerListener(events))

	env := contracts.NewRawOutboundEnvelope([]byte("o-5"), contracts.NewHeaders(contracts.HeaderMessageID, "m-5"), contracts.NewEndpoint("orders"))
	err := producer.Produce(context.Background(), env)

	var produceErr *ProduceError
	require.ErrorAs(t, err, &produceErr)
	assert.Equal(t, "m-5", produceErr.MessageID)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []EventType{EventProduceFailed}, events.types())
	transport.AssertExpectations(t)
}
