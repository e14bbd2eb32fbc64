package rabbitmq

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumer(t *testing.T) {
	manager := NewConnectionManager("amqp://localhost:5672")

	t.Run("defaults", func(t *testing.T) {
		consumer := NewConsumer(manager, "orders")

		assert.Equal(t, "orders", consumer.Queue())
		assert.Equal(t, 10, consumer.prefetchCount)
		assert.True(t, strings.HasPrefix(consumer.Tag(), "mmate-"))
	})

	t.Run("options", func(t *testing.T) {
		consumer := NewConsumer(manager, "orders",
			WithPrefetchCount(20),
			WithExclusive(true),
			WithConsumerTag("billing-1"),
		)

		assert.Equal(t, 20, consumer.prefetchCount)
		assert.True(t, consumer.exclusive)
		assert.Equal(t, "billing-1", consumer.Tag())
	})

	t.Run("consume without connection", func(t *testing.T) {
		consumer := NewConsumer(manager, "orders", WithConsumerTag("c1"))
		_, err := consumer.Consume(context.Background())

		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "c1", consumerErr.ConsumerTag)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("acknowledge before consume", func(t *testing.T) {
		consumer := NewConsumer(manager, "orders")

		assert.ErrorIs(t, consumer.Ack(1, true), ErrConsumerClosed)
		assert.ErrorIs(t, consumer.Nack(1, true, true), ErrConsumerClosed)
		assert.NoError(t, consumer.Close())
	})
}
