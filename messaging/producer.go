package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/reliability"
)

// Producer runs outbound envelopes through the producer pipeline and hands
// the resulting physical messages to the transport
type Producer struct {
	transport Transport
	pipeline  *interceptors.ProducerPipeline
	breaker   *reliability.CircuitBreaker
	events    eventEmitter
	logger    *slog.Logger
}

// ProducerOption configures the Producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithProducerBehaviors adds behaviors to the producer pipeline
func WithProducerBehaviors(behaviors ...interceptors.ProducerBehavior) ProducerOption {
	return func(p *Producer) {
		p.pipeline = p.pipeline.With(behaviors...)
	}
}

// WithCircuitBreaker guards transport production with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) ProducerOption {
	return func(p *Producer) {
		p.breaker = cb
	}
}

// WithProducerListener registers a lifecycle event listener
func WithProducerListener(listener EventListener) ProducerOption {
	return func(p *Producer) {
		p.events.listeners = append(p.events.listeners, listener)
	}
}

// NewProducer creates a new producer. Without behaviors the envelopes must
// already carry a raw body.
func NewProducer(transport Transport, options ...ProducerOption) *Producer {
	p := &Producer{
		transport: transport,
		pipeline:  interceptors.NewPipeline[*interceptors.ProducerContext](),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.events.logger = p.logger
	return p
}

// Pipeline returns the producer pipeline
func (p *Producer) Pipeline() *interceptors.ProducerPipeline {
	return p.pipeline
}

// Produce runs env through the producer pipeline and produces every
// resulting physical message
func (p *Producer) Produce(ctx context.Context, env *contracts.OutboundEnvelope) error {
	return p.pipeline.Execute(ctx, interceptors.NewProducerContext(env), p.produceTerminal)
}

// ProduceWith runs env through the producer pipeline with a custom terminal
func (p *Producer) ProduceWith(ctx context.Context, env *contracts.OutboundEnvelope, terminal interceptors.ProducerHandler) error {
	return p.pipeline.Execute(ctx, interceptors.NewProducerContext(env), terminal)
}

func (p *Producer) produceTerminal(ctx context.Context, c *interceptors.ProducerContext) error {
	env := c.Envelope
	offset, err := p.ProduceRaw(ctx, env.Endpoint, env.RawBody, env.Headers)
	if err != nil {
		return err
	}
	env.Offset = offset
	return nil
}

// ProduceRaw sends an already processed physical message to the transport
func (p *Producer) ProduceRaw(ctx context.Context, endpoint contracts.Endpoint, body []byte, headers contracts.Headers) (contracts.Offset, error) {
	start := time.Now()
	var offset contracts.Offset

	produce := func(ctx context.Context) error {
		var err error
		offset, err = p.transport.Produce(ctx, endpoint, body, headers)
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, produce)
	} else {
		err = produce(ctx)
	}

	messageID := headers.MessageID()
	event := LifecycleEvent{
		Type:       EventProduced,
		Endpoint:   endpoint.Name,
		MessageIDs: []string{messageID},
		Count:      1,
		Duration:   time.Since(start),
	}

	if err != nil {
		event.Type = EventProduceFailed
		event.Err = err
		p.events.emit(ctx, event)
		p.logger.Error("failed to produce message",
			"messageId", messageID,
			"endpoint", endpoint.Name,
			"error", err,
		)
		return nil, &ProduceError{Endpoint: endpoint.Name, MessageID: messageID, Err: err}
	}

	p.events.emit(ctx, event)
	p.logger.Debug("message produced",
		"messageId", messageID,
		"endpoint", endpoint.Name,
		"offset", offset,
	)
	return offset, nil
}

var _ reliability.EnvelopeProducer = (*Producer)(nil)
