package rabbitmq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
)

func TestTopology_DefaultExchange(t *testing.T) {
	endpoint := contracts.NewEndpoint("orders").WithGroup("billing")

	assert.Equal(t, Address{RoutingKey: "orders"}, AddressOf(endpoint))
	assert.Equal(t, "orders", QueueName(endpoint))

	producer := ProducerTopology(endpoint)
	require.Len(t, producer.Queues, 1)
	assert.Equal(t, "orders", producer.Queues[0].Name)
	assert.Empty(t, producer.Exchanges)

	consumer := ConsumerTopology(endpoint)
	assert.Empty(t, consumer.Bindings)
	assert.Equal(t, "orders", consumer.Queues[0].Name)
}

func TestTopology_Exchange(t *testing.T) {
	endpoint := contracts.NewEndpoint("orders").WithGroup("billing")
	endpoint.Broker.Exchange = "mmate.events"

	assert.Equal(t, Address{Exchange: "mmate.events", RoutingKey: "orders"}, AddressOf(endpoint))
	assert.Equal(t, "orders|billing", QueueName(endpoint))

	producer := ProducerTopology(endpoint)
	assert.Empty(t, producer.Queues)
	require.Len(t, producer.Exchanges, 1)
	assert.Equal(t, ExchangeDeclaration{Name: "mmate.events", Type: "topic", Durable: true}, producer.Exchanges[0])

	consumer := ConsumerTopology(endpoint)
	require.Len(t, consumer.Bindings, 1)
	assert.Equal(t, Binding{Queue: "orders|billing", Exchange: "mmate.events", RoutingKey: "orders"}, consumer.Bindings[0])
}

func TestTopology_RoutingKeyAndType(t *testing.T) {
	endpoint := contracts.NewEndpoint("orders")
	endpoint.Broker = contracts.BrokerSettings{Exchange: "mmate.commands", ExchangeType: "direct", RoutingKey: "orders.placed"}

	assert.Equal(t, "orders.placed", AddressOf(endpoint).RoutingKey)
	assert.Equal(t, "direct", ConsumerTopology(endpoint).Exchanges[0].Type)
	assert.Equal(t, "orders.placed", ConsumerTopology(endpoint).Bindings[0].RoutingKey)
}
