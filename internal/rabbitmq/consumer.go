package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer reads one queue on a dedicated channel. Delivery tags are scoped
// to that channel, so acknowledgements must go through the same Consumer.
type Consumer struct {
	manager       *ConnectionManager
	queue         string
	topology      Topology
	consumerTag   string
	prefetchCount int
	exclusive     bool
	logger        *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive makes the consumer the only reader of its queue
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithTopology declares topology before consuming
func WithTopology(topology Topology) ConsumerOption {
	return func(c *Consumer) {
		c.topology = topology
	}
}

// NewConsumer creates a consumer for queue
func NewConsumer(manager *ConnectionManager, queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		queue:         queue,
		prefetchCount: 10,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.consumerTag == "" {
		c.consumerTag = "mmate-" + uuid.New().String()
	}
	return c
}

// Tag returns the consumer tag
func (c *Consumer) Tag() string {
	return c.consumerTag
}

// Queue returns the consumed queue
func (c *Consumer) Queue() string {
	return c.queue
}

// Consume opens the channel and starts the broker consumer. The returned
// channel is closed when the consumer is cancelled or the connection drops.
func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		return nil, c.fail("consume", ErrConsumerConnected)
	}
	if err := ctx.Err(); err != nil {
		return nil, c.fail("consume", err)
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		return nil, c.fail("consume", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, c.fail("open channel", err)
	}

	if err := declare(ch, c.topology); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, c.fail("set qos", err)
	}

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, c.fail("consume", err)
	}

	c.ch = ch
	c.logger.Info("subscribed to queue",
		"queue", c.queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)
	return deliveries, nil
}

// Ack acknowledges tag, and every earlier tag when multiple is set
func (c *Consumer) Ack(tag uint64, multiple bool) error {
	ch, err := c.channel("ack")
	if err != nil {
		return err
	}
	if err := ch.Ack(tag, multiple); err != nil {
		return c.fail("ack", err)
	}
	return nil
}

// Nack rejects tag, and every earlier unacknowledged tag when multiple is set
func (c *Consumer) Nack(tag uint64, multiple, requeue bool) error {
	ch, err := c.channel("nack")
	if err != nil {
		return err
	}
	if err := ch.Nack(tag, multiple, requeue); err != nil {
		return c.fail("nack", err)
	}
	return nil
}

// Close cancels the broker consumer and closes its channel. Unacknowledged
// deliveries are requeued by the broker.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return nil
	}
	ch := c.ch
	c.ch = nil

	if err := ch.Cancel(c.consumerTag, false); err != nil && err != amqp.ErrClosed {
		c.logger.Warn("failed to cancel consumer", "queue", c.queue, "error", err)
	}
	if err := ch.Close(); err != nil && err != amqp.ErrClosed {
		return c.fail("close", err)
	}
	c.logger.Info("consumer stopped", "queue", c.queue)
	return nil
}

func (c *Consumer) channel(op string) (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil, c.fail(op, ErrConsumerClosed)
	}
	return c.ch, nil
}

func (c *Consumer) fail(op string, err error) error {
	return &ConsumerError{Queue: c.queue, ConsumerTag: c.consumerTag, Op: op, Err: err}
}
