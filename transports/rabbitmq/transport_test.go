package rabbitmq

import (
	"context"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
)

func TestHeaders_RoundTrip(t *testing.T) {
	headers := contracts.NewHeaders(
		contracts.HeaderMessageID, "m-1",
		"x-tag", "a",
		"x-tag", "b",
	)

	table := toTable(headers)
	assert.Equal(t, "m-1", table[contracts.HeaderMessageID])
	assert.Equal(t, []interface{}{"a", "b"}, table["x-tag"])

	back := fromDelivery(amqp.Delivery{Headers: table})
	assert.Equal(t, "m-1", back.MessageID())
	assert.Equal(t, []string{"a", "b"}, back.GetAll("x-tag"))
	assert.Nil(t, toTable(nil))
}

func TestHeaders_FromForeignProducer(t *testing.T) {
	d := amqp.Delivery{
		MessageId:   "m-9",
		ContentType: "application/json",
		Headers:     amqp.Table{"x-failed-attempts": int32(2), "x-raw": []byte("raw")},
	}

	headers := fromDelivery(d)
	assert.Equal(t, "m-9", headers.MessageID())
	assert.Equal(t, "application/json", headers.Value(contracts.HeaderContentType))
	assert.Equal(t, 2, headers.FailedAttempts())
	assert.Equal(t, "raw", headers.Value("x-raw"))
}

func TestHeaders_TableWins(t *testing.T) {
	d := amqp.Delivery{MessageId: "property", Headers: amqp.Table{contracts.HeaderMessageID: "header"}}
	assert.Equal(t, []string{"header"}, fromDelivery(d).GetAll(contracts.HeaderMessageID))
}

func newTestConsumer(endpoint contracts.Endpoint) *consumer {
	manager := rabbitmq.NewConnectionManager("amqp://localhost:5672")
	return &consumer{
		endpoint: endpoint,
		inner:    rabbitmq.NewConsumer(manager, rabbitmq.QueueName(endpoint), rabbitmq.WithConsumerTag("c1")),
		logger:   slog.Default(),
	}
}

func TestConsumer_ToDelivery(t *testing.T) {
	c := newTestConsumer(contracts.NewEndpoint("orders"))

	delivery := c.toDelivery(amqp.Delivery{DeliveryTag: 7, Body: []byte("{}"), RoutingKey: "orders"})
	assert.Equal(t, contracts.DeliveryTagOffset{ConsumerTag: "c1", DeliveryTag: 7}, delivery.Offset)
	assert.Equal(t, "c1", delivery.PartitionKey())
	assert.Empty(t, delivery.ActualEndpointName)

	routed := c.toDelivery(amqp.Delivery{DeliveryTag: 8, Exchange: "mmate.events", RoutingKey: "orders.eu"})
	assert.Equal(t, "orders.eu", routed.ActualEndpointName)
}

func TestConsumer_DeliveryTag(t *testing.T) {
	c := newTestConsumer(contracts.NewEndpoint("orders"))

	tag, err := c.deliveryTag(contracts.DeliveryTagOffset{ConsumerTag: "c1", DeliveryTag: 12})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), tag)

	tag, err = c.deliveryTag(contracts.StoredOffset{PartitionKey: "c1", OffsetValue: "13"})
	require.NoError(t, err)
	assert.Equal(t, uint64(13), tag)

	_, err = c.deliveryTag(contracts.DeliveryTagOffset{ConsumerTag: "other", DeliveryTag: 1})
	assert.ErrorIs(t, err, contracts.ErrOffsetMismatch)
}

func TestConsumer_CommitWithoutConnection(t *testing.T) {
	c := newTestConsumer(contracts.NewEndpoint("orders"))

	err := c.Commit(context.Background(), []contracts.Offset{contracts.DeliveryTagOffset{ConsumerTag: "c1", DeliveryTag: 1}})
	assert.ErrorIs(t, err, rabbitmq.ErrConsumerClosed)
	assert.NoError(t, c.Disconnect(context.Background()))
}

func TestNewTransport_ConnectFailure(t *testing.T) {
	_, err := NewTransport(context.Background(), "invalid://broker")

	var connErr *rabbitmq.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}
