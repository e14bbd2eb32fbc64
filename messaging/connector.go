package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/store"
)

// Connector binds routed envelopes to physical production
type Connector interface {
	Relay(ctx context.Context, env *contracts.OutboundEnvelope) error
}

// DirectConnector produces envelopes immediately
type DirectConnector struct {
	producer *Producer
}

// NewDirectConnector creates a connector producing through producer
func NewDirectConnector(producer *Producer) *DirectConnector {
	return &DirectConnector{producer: producer}
}

// Relay implements Connector
func (c *DirectConnector) Relay(ctx context.Context, env *contracts.OutboundEnvelope) error {
	return c.producer.Produce(ctx, env)
}

// OutboxConnector runs the producer pipeline and stores the resulting
// physical messages in the outbox, inside the unit of work carried by ctx
type OutboxConnector struct {
	producer *Producer
	outbox   store.Outbox
	events   eventEmitter
	logger   *slog.Logger
}

// OutboxConnectorOption configures the OutboxConnector
type OutboxConnectorOption func(*OutboxConnector)

// WithOutboxConnectorLogger sets the logger
func WithOutboxConnectorLogger(logger *slog.Logger) OutboxConnectorOption {
	return func(c *OutboxConnector) {
		c.logger = logger
	}
}

// WithOutboxConnectorListener registers a lifecycle event listener
func WithOutboxConnectorListener(listener EventListener) OutboxConnectorOption {
	return func(c *OutboxConnector) {
		c.events.listeners = append(c.events.listeners, listener)
	}
}

// NewOutboxConnector creates a deferred connector
func NewOutboxConnector(producer *Producer, outbox store.Outbox, options ...OutboxConnectorOption) *OutboxConnector {
	c := &OutboxConnector{
		producer: producer,
		outbox:   outbox,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.events.logger = c.logger
	return c
}

// Relay implements Connector
func (c *OutboxConnector) Relay(ctx context.Context, env *contracts.OutboundEnvelope) error {
	return c.producer.ProduceWith(ctx, env, c.enqueue)
}

func (c *OutboxConnector) enqueue(ctx context.Context, pc *interceptors.ProducerContext) error {
	env := pc.Envelope
	msg := store.QueuedMessage{
		Endpoint: env.Endpoint,
		RawBody:  env.RawBody,
		Headers:  env.Headers.Clone(),
	}
	if err := c.outbox.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue message %s to outbox: %w", env.Headers.MessageID(), err)
	}

	c.events.emit(ctx, LifecycleEvent{
		Type:       EventOutboxEnqueued,
		Endpoint:   env.Endpoint.Name,
		MessageIDs: []string{env.Headers.MessageID()},
		Count:      1,
	})
	c.logger.Debug("message stored in outbox",
		"messageId", env.Headers.MessageID(),
		"endpoint", env.Endpoint.Name,
	)
	return nil
}

var (
	_ Connector = (*DirectConnector)(nil)
	_ Connector = (*OutboxConnector)(nil)
)
