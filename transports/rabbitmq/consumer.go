package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/messaging"
)

// consumer adapts a queue consumer to messaging.TransportConsumer. All
// deliveries share the consumer tag as partition key, so they are processed
// in arrival order and a multiple ack covers exactly the committed batch.
type consumer struct {
	endpoint contracts.Endpoint
	inner    *rabbitmq.Consumer
	logger   *slog.Logger

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

func (c *consumer) Connect(ctx context.Context) (<-chan messaging.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return nil, rabbitmq.ErrConsumerConnected
	}
	deliveries, err := c.inner.Consume(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan messaging.Delivery)
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.forward(deliveries, out, c.done)
	return out, nil
}

func (c *consumer) forward(deliveries <-chan amqp.Delivery, out chan<- messaging.Delivery, done <-chan struct{}) {
	defer c.wg.Done()
	defer close(out)

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", c.inner.Queue())
				return
			}
			select {
			case out <- c.toDelivery(d):
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

func (c *consumer) toDelivery(d amqp.Delivery) messaging.Delivery {
	delivery := messaging.Delivery{
		Body:    d.Body,
		Headers: fromDelivery(d),
		Offset:  contracts.DeliveryTagOffset{ConsumerTag: c.inner.Tag(), DeliveryTag: d.DeliveryTag},
	}
	if d.Exchange != "" && d.RoutingKey != c.endpoint.Name {
		delivery.ActualEndpointName = d.RoutingKey
	}
	return delivery
}

func (c *consumer) Disconnect(context.Context) error {
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	close(done)
	err := c.inner.Close()
	c.wg.Wait()
	return err
}

func (c *consumer) Commit(_ context.Context, offsets []contracts.Offset) error {
	for _, offset := range offsets {
		tag, err := c.deliveryTag(offset)
		if err != nil {
			return err
		}
		if err := c.inner.Ack(tag, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *consumer) Rollback(_ context.Context, offsets []contracts.Offset) error {
	for _, offset := range offsets {
		tag, err := c.deliveryTag(offset)
		if err != nil {
			return err
		}
		if err := c.inner.Nack(tag, true, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *consumer) deliveryTag(offset contracts.Offset) (uint64, error) {
	if offset == nil || offset.Key() != c.inner.Tag() {
		return 0, fmt.Errorf("%w: offset %v does not belong to consumer %s", contracts.ErrOffsetMismatch, offset, c.inner.Tag())
	}
	if o, ok := offset.(contracts.DeliveryTagOffset); ok {
		return o.DeliveryTag, nil
	}
	tag, err := strconv.ParseUint(offset.Value(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", contracts.ErrOffsetMismatch, err)
	}
	return tag, nil
}
