package interceptors

import (
	"context"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
)

// Items holds values shared between behaviors of one pipeline run
type Items struct {
	values map[string]any
	mu     sync.RWMutex
}

// Set stores a value
func (i *Items) Set(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.values == nil {
		i.values = make(map[string]any)
	}
	i.values[key] = value
}

// Get retrieves a value
func (i *Items) Get(key string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	value, exists := i.values[key]
	return value, exists
}

// GetString retrieves a string value
func (i *Items) GetString(key string) (string, bool) {
	value, exists := i.Get(key)
	if !exists {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// ProducerContext is passed through the producer pipeline
type ProducerContext struct {
	Items
	Envelope *contracts.OutboundEnvelope
}

// NewProducerContext creates a producer context for envelope
func NewProducerContext(envelope *contracts.OutboundEnvelope) *ProducerContext {
	return &ProducerContext{Envelope: envelope}
}

// ConsumerContext is passed through the consumer pipeline. The same context
// is used for single messages and batches.
type ConsumerContext struct {
	Items
	Endpoint  contracts.Endpoint
	BatchID   string
	Envelopes []*contracts.InboundEnvelope
	// Offsets covers every consumed message, including the ones a behavior
	// removed from Envelopes (duplicates, partial chunks).
	Offsets []contracts.Offset

	settle []func(ctx context.Context) error
}

// OnSettled registers fn to run when a failed attempt is settled by an
// error policy (skipped or moved) instead of being processed again. The
// functions run in order, inside one new unit of work.
func (c *ConsumerContext) OnSettled(fn func(ctx context.Context) error) {
	c.settle = append(c.settle, fn)
}

// Settle runs the functions registered with OnSettled
func (c *ConsumerContext) Settle(ctx context.Context) error {
	for _, fn := range c.settle {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// NewConsumerContext creates a consumer context for a set of envelopes
func NewConsumerContext(endpoint contracts.Endpoint, envelopes []*contracts.InboundEnvelope) *ConsumerContext {
	offsets := make([]contracts.Offset, 0, len(envelopes))
	for _, env := range envelopes {
		if env.Offset != nil {
			offsets = append(offsets, env.Offset)
		}
	}
	return &ConsumerContext{
		Endpoint:  endpoint,
		Envelopes: envelopes,
		Offsets:   offsets,
	}
}

// Messages returns the deserialized messages of the context
func (c *ConsumerContext) Messages() []any {
	messages := make([]any, 0, len(c.Envelopes))
	for _, env := range c.Envelopes {
		if env.Message != nil {
			messages = append(messages, env.Message)
		}
	}
	return messages
}

// PublishContext is passed through the publish pipeline. Messages can be
// plain payloads or outbound envelopes created by the router.
type PublishContext struct {
	Items
	Messages []any
}

// Aliases for the three pipelines
type (
	ProducerBehavior = Behavior[*ProducerContext]
	ProducerHandler  = Handler[*ProducerContext]
	ProducerPipeline = Pipeline[*ProducerContext]

	ConsumerBehavior = Behavior[*ConsumerContext]
	ConsumerHandler  = Handler[*ConsumerContext]
	ConsumerPipeline = Pipeline[*ConsumerContext]

	PublishBehavior = Behavior[*PublishContext]
	PublishHandler  = Handler[*PublishContext]
	PublishPipeline = Pipeline[*PublishContext]
)

// RunProducerPipeline runs a single envelope through behaviors
func RunProducerPipeline(ctx context.Context, envelope *contracts.OutboundEnvelope, behaviors []ProducerBehavior, terminal ProducerHandler) error {
	return NewPipeline(behaviors...).Execute(ctx, NewProducerContext(envelope), terminal)
}

// RunConsumerPipeline runs a batch of envelopes through behaviors
func RunConsumerPipeline(ctx context.Context, endpoint contracts.Endpoint, envelopes []*contracts.InboundEnvelope, behaviors []ConsumerBehavior, terminal ConsumerHandler) error {
	return NewPipeline(behaviors...).Execute(ctx, NewConsumerContext(endpoint, envelopes), terminal)
}
