package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
)

const defaultExchangeType = amqp.ExchangeTopic

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Address is where a message for an endpoint is published
type Address struct {
	Exchange   string
	RoutingKey string
}

// AddressOf resolves the publish address of an endpoint. Without an exchange
// the message goes through the default exchange straight to the queue named
// after the endpoint.
func AddressOf(endpoint contracts.Endpoint) Address {
	key := endpoint.Broker.RoutingKey
	if key == "" {
		key = endpoint.Name
	}
	return Address{Exchange: endpoint.Broker.Exchange, RoutingKey: key}
}

// QueueName is the queue a consumer of endpoint reads. Consumer groups only
// get their own queue when the endpoint publishes through an exchange.
func QueueName(endpoint contracts.Endpoint) string {
	if endpoint.Broker.Exchange == "" {
		return endpoint.Name
	}
	return endpoint.ConsumerGroupName()
}

// ProducerTopology declares what a producer of endpoint needs
func ProducerTopology(endpoint contracts.Endpoint) Topology {
	if endpoint.Broker.Exchange == "" {
		return Topology{Queues: []QueueDeclaration{{Name: endpoint.Name, Durable: true}}}
	}
	return Topology{Exchanges: []ExchangeDeclaration{exchangeOf(endpoint)}}
}

// ConsumerTopology declares the queue a consumer of endpoint reads and, when
// the endpoint has an exchange, binds it
func ConsumerTopology(endpoint contracts.Endpoint) Topology {
	queue := QueueDeclaration{Name: QueueName(endpoint), Durable: true}
	if endpoint.Broker.Exchange == "" {
		return Topology{Queues: []QueueDeclaration{queue}}
	}
	address := AddressOf(endpoint)
	return Topology{
		Exchanges: []ExchangeDeclaration{exchangeOf(endpoint)},
		Queues:    []QueueDeclaration{queue},
		Bindings: []Binding{{
			Queue:      queue.Name,
			Exchange:   address.Exchange,
			RoutingKey: address.RoutingKey,
		}},
	}
}

func exchangeOf(endpoint contracts.Endpoint) ExchangeDeclaration {
	kind := endpoint.Broker.ExchangeType
	if kind == "" {
		kind = defaultExchangeType
	}
	return ExchangeDeclaration{Name: endpoint.Broker.Exchange, Type: kind, Durable: true}
}

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// Declare applies the complete topology
func (tm *TopologyManager) Declare(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return declare(ch, topology)
	})
}

func declare(ch *amqp.Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Err: err}
		}
	}

	for _, queue := range topology.Queues {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		if err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Err: err}
		}
	}

	for _, binding := range topology.Bindings {
		err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
		if err != nil {
			return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Err: err}
		}
	}

	return nil
}

// QueueDepth returns the number of ready messages in a queue
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return err
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}
