package messaging

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
)

// Publisher is the entry point for publishing messages. Messages run through
// the publish pipeline: the outbound router turns them into envelopes that
// are relayed to their connectors, and whatever is left is delivered to the
// local subscribers.
type Publisher struct {
	pipeline   *interceptors.PublishPipeline
	dispatcher *Dispatcher
	logger     *slog.Logger
	extra      []interceptors.PublishBehavior
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublishBehaviors adds behaviors to the publish pipeline
func WithPublishBehaviors(behaviors ...interceptors.PublishBehavior) PublisherOption {
	return func(p *Publisher) {
		p.extra = append(p.extra, behaviors...)
	}
}

// NewPublisher creates a publisher. A nil dispatcher disables local delivery.
func NewPublisher(routing *RoutingConfig, dispatcher *Dispatcher, options ...PublisherOption) *Publisher {
	p := &Publisher{
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}

	behaviors := []interceptors.PublishBehavior{
		NewOutboundRouterBehavior(routing, p),
		OutboundProducingBehavior{},
	}
	p.pipeline = interceptors.NewPipeline(append(behaviors, p.extra...)...)
	return p
}

// Publish publishes a single message
func (p *Publisher) Publish(ctx context.Context, msg any) error {
	if msg == nil {
		return ErrNilMessage
	}
	return p.PublishMany(ctx, msg)
}

// PublishMany publishes messages as one publish context
func (p *Publisher) PublishMany(ctx context.Context, messages ...any) error {
	if len(messages) == 0 {
		return nil
	}
	return p.pipeline.Execute(ctx, &interceptors.PublishContext{Messages: messages}, p.deliverLocally)
}

func (p *Publisher) deliverLocally(ctx context.Context, c *interceptors.PublishContext) error {
	if p.dispatcher == nil {
		return nil
	}

	local := make([]any, 0, len(c.Messages))
	for _, msg := range c.Messages {
		switch m := msg.(type) {
		case *routedEnvelope:
			local = appendEnvelope(local, m.envelope)
		case *contracts.OutboundEnvelope:
			local = appendEnvelope(local, m)
		default:
			local = append(local, msg)
		}
	}
	return p.dispatcher.Dispatch(ctx, local)
}

// appendEnvelope exposes the envelope to envelope subscribers and, when
// requested, its message to message subscribers
func appendEnvelope(local []any, env *contracts.OutboundEnvelope) []any {
	local = append(local, env)
	if env.PublishToInternalBus && env.Message != nil {
		local = append(local, env.Message)
	}
	return local
}
