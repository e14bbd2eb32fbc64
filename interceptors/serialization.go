package interceptors

import (
	"context"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/serialization"
)

// SerializerBehavior serializes the outbound message with the endpoint's
// serializer. Binary messages always use the binary serializer.
type SerializerBehavior struct {
	serializers *serialization.Serializers
}

// NewSerializerBehavior creates a new serializer behavior
func NewSerializerBehavior(serializers *serialization.Serializers) *SerializerBehavior {
	return &SerializerBehavior{serializers: serializers}
}

// SortIndex implements Behavior
func (b *SerializerBehavior) SortIndex() int {
	return ProducerSerializerIndex
}

// Handle implements Behavior
func (b *SerializerBehavior) Handle(ctx context.Context, c *ProducerContext, next ProducerHandler) error {
	env := c.Envelope
	if env.RawBody == nil && env.Message != nil {
		serializer, err := b.serializerFor(env)
		if err != nil {
			return err
		}
		body, err := serializer.Serialize(env.Message, &env.Headers)
		if err != nil {
			return err
		}
		env.RawBody = body
	}
	return next(ctx, c)
}

func (b *SerializerBehavior) serializerFor(env *contracts.OutboundEnvelope) (serialization.Serializer, error) {
	if _, ok := env.Message.(*contracts.BinaryMessage); ok {
		return b.serializers.Binary(), nil
	}
	return b.serializers.For(env.Endpoint)
}

// DeserializerBehavior deserializes every raw envelope of the batch
type DeserializerBehavior struct {
	serializers *serialization.Serializers
}

// NewDeserializerBehavior creates a new deserializer behavior
func NewDeserializerBehavior(serializers *serialization.Serializers) *DeserializerBehavior {
	return &DeserializerBehavior{serializers: serializers}
}

// SortIndex implements Behavior
func (b *DeserializerBehavior) SortIndex() int {
	return ConsumerDeserializerIndex
}

// Handle implements Behavior
func (b *DeserializerBehavior) Handle(ctx context.Context, c *ConsumerContext, next ConsumerHandler) error {
	for _, env := range c.Envelopes {
		if env.IsDeserialized() {
			continue
		}
		serializer, err := b.serializers.For(env.Endpoint)
		if err != nil {
			return err
		}
		msg, err := serializer.Deserialize(env.RawBody, env.Headers)
		if err != nil {
			return err
		}
		env.Message = msg
	}
	return next(ctx, c)
}

// KeyInitializerBehavior copies the key of KeyedMessage payloads into the
// x-message-key header used by transports for partitioning and routing.
type KeyInitializerBehavior struct{}

// SortIndex implements Behavior
func (KeyInitializerBehavior) SortIndex() int {
	return ProducerKeyInitializerIndex
}

// Handle implements Behavior
func (KeyInitializerBehavior) Handle(ctx context.Context, c *ProducerContext, next ProducerHandler) error {
	if keyed, ok := c.Envelope.Message.(contracts.KeyedMessage); ok {
		if key := keyed.MessageKey(); key != "" {
			c.Envelope.Headers.AddOrReplace(contracts.HeaderMessageKey, key)
		}
	}
	return next(ctx, c)
}
