package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/reliability"
)

// Publisher publishes with publisher confirms on pooled channels
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	retry          reliability.BackoffPolicy
	mandatory      bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a publish waits for the broker ack
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.retry = reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, retries)
	}
}

// WithMandatory makes unroutable messages fail instead of being dropped
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		retry:          reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 3),
		mandatory:      true,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg and waits until the broker confirms it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return reliability.Do(ctx, p.retry, "publish", func(ctx context.Context) error {
		if err := p.publishWithConfirm(ctx, exchange, routingKey, msg); err != nil {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
		}
		return nil
	})
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
		p.pool.Discard(ch)
		return err
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	var returned bool
	for {
		select {
		case <-ch.returns:
			// the broker sends basic.return before the ack of the same message
			returned = true

		case confirm, ok := <-ch.confirms:
			if !ok {
				p.pool.Discard(ch)
				return ErrConnectionClosed
			}
			p.pool.Put(ch)
			switch {
			case returned:
				return ErrPublishReturned
			case !confirm.Ack:
				return ErrPublishNacked
			}
			return nil

		case <-timer.C:
			// a late confirm would be read by the next publisher on this channel
			p.pool.Discard(ch)
			return ErrPublishUnconfirmed

		case <-ctx.Done():
			p.pool.Discard(ch)
			return ctx.Err()
		}
	}
}
