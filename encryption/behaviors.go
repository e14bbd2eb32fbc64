package encryption

import (
	"context"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
)

// EncryptorBehavior encrypts the serialized body when the endpoint names an
// encryption key. The message id is authenticated along with the body.
type EncryptorBehavior struct {
	keys KeyRing
}

// NewEncryptorBehavior creates the producer side behavior
func NewEncryptorBehavior(keys KeyRing) *EncryptorBehavior {
	return &EncryptorBehavior{keys: keys}
}

// SortIndex implements interceptors.Behavior
func (b *EncryptorBehavior) SortIndex() int {
	return interceptors.ProducerEncryptionIndex
}

// Handle implements interceptors.Behavior
func (b *EncryptorBehavior) Handle(ctx context.Context, c *interceptors.ProducerContext, next interceptors.ProducerHandler) error {
	env := c.Envelope
	settings := env.Endpoint.Encryption
	if !settings.Enabled() || env.RawBody == nil || env.Headers.Contains(contracts.HeaderEncryptionKeyID) {
		return next(ctx, c)
	}

	key, err := b.keys.Key(settings.KeyID)
	if err != nil {
		return err
	}
	sealed, err := Seal(key, env.RawBody, []byte(env.Headers.MessageID()))
	if err != nil {
		return err
	}
	env.RawBody = sealed
	env.Headers.AddOrReplace(contracts.HeaderEncryptionKeyID, settings.KeyID)
	return next(ctx, c)
}

// DecryptorBehavior decrypts bodies carrying the x-encryption-key-id header
type DecryptorBehavior struct {
	keys KeyRing
}

// NewDecryptorBehavior creates the consumer side behavior
func NewDecryptorBehavior(keys KeyRing) *DecryptorBehavior {
	return &DecryptorBehavior{keys: keys}
}

// SortIndex implements interceptors.Behavior
func (b *DecryptorBehavior) SortIndex() int {
	return interceptors.ConsumerDecryptionIndex
}

// Handle implements interceptors.Behavior
func (b *DecryptorBehavior) Handle(ctx context.Context, c *interceptors.ConsumerContext, next interceptors.ConsumerHandler) error {
	for _, env := range c.Envelopes {
		keyID, ok := env.Headers.Get(contracts.HeaderEncryptionKeyID)
		if !ok || env.RawBody == nil {
			continue
		}
		key, err := b.keys.Key(keyID)
		if err != nil {
			return err
		}
		plain, err := Open(key, env.RawBody, []byte(env.Headers.MessageID()))
		if err != nil {
			return err
		}
		env.RawBody = plain
		env.Headers.Remove(contracts.HeaderEncryptionKeyID)
	}
	return next(ctx, c)
}
