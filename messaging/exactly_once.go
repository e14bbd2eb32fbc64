package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/store"
)

// ExactlyOnceGuard decides whether an inbound message was already processed
// by the consumer group
type ExactlyOnceGuard interface {
	// MustProcess reports whether env still has to be handled
	MustProcess(ctx context.Context, env *contracts.InboundEnvelope) (bool, error)
	// Processed records env as handled inside the unit of work carried by ctx
	Processed(ctx context.Context, env *contracts.InboundEnvelope) error
}

// InboundLogGuard detects duplicates by message id through an inbound log
type InboundLogGuard struct {
	log store.InboundLog
}

// NewInboundLogGuard creates a guard backed by log
func NewInboundLogGuard(log store.InboundLog) *InboundLogGuard {
	return &InboundLogGuard{log: log}
}

func (g *InboundLogGuard) entry(env *contracts.InboundEnvelope) (store.InboundLogEntry, error) {
	id := env.Headers.MessageID()
	if id == "" {
		return store.InboundLogEntry{}, ErrMissingMessageID
	}
	return store.InboundLogEntry{
		MessageID:         id,
		EndpointName:      env.EndpointName(),
		ConsumerGroupName: env.Endpoint.ConsumerGroupName(),
	}, nil
}

// MustProcess implements ExactlyOnceGuard
func (g *InboundLogGuard) MustProcess(ctx context.Context, env *contracts.InboundEnvelope) (bool, error) {
	entry, err := g.entry(env)
	if err != nil {
		return false, err
	}
	exists, err := g.log.Exists(ctx, entry)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// Processed implements ExactlyOnceGuard
func (g *InboundLogGuard) Processed(ctx context.Context, env *contracts.InboundEnvelope) error {
	entry, err := g.entry(env)
	if err != nil {
		return err
	}
	entry.ConsumedAt = time.Now().UTC()
	return g.log.Add(ctx, entry)
}

// OffsetStoreGuard detects duplicates by comparing the broker offset with the
// last stored offset of the partition
type OffsetStoreGuard struct {
	offsets store.OffsetStore
}

// NewOffsetStoreGuard creates a guard backed by offsets
func NewOffsetStoreGuard(offsets store.OffsetStore) *OffsetStoreGuard {
	return &OffsetStoreGuard{offsets: offsets}
}

// MustProcess implements ExactlyOnceGuard. Envelopes without an offset are
// always processed.
func (g *OffsetStoreGuard) MustProcess(ctx context.Context, env *contracts.InboundEnvelope) (bool, error) {
	if env.Offset == nil {
		return true, nil
	}
	latest, err := g.offsets.GetLatestValue(ctx, env.Offset.Key(), env.Endpoint.ConsumerGroupName())
	if err != nil {
		return false, err
	}
	if latest == nil {
		return true, nil
	}
	cmp, err := env.Offset.CompareTo(latest)
	if err != nil {
		return false, fmt.Errorf("compare offset %v: %w", env.Offset, err)
	}
	return cmp > 0, nil
}

// Processed implements ExactlyOnceGuard
func (g *OffsetStoreGuard) Processed(ctx context.Context, env *contracts.InboundEnvelope) error {
	if env.Offset == nil {
		return nil
	}
	return g.offsets.Store(ctx, env.Offset, env.Endpoint.ConsumerGroupName())
}

// ExactlyOnceBehavior drops the envelopes already processed by the consumer
// group and records the remaining ones. It must run inside the unit of work
// of the batch so the records roll back with a failed attempt.
type ExactlyOnceBehavior struct {
	guard  ExactlyOnceGuard
	events *eventEmitter
	logger *slog.Logger
}

// NewExactlyOnceBehavior creates the guard behavior
func NewExactlyOnceBehavior(guard ExactlyOnceGuard, logger *slog.Logger) *ExactlyOnceBehavior {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExactlyOnceBehavior{guard: guard, logger: logger}
}

// SortIndex implements interceptors.Behavior
func (b *ExactlyOnceBehavior) SortIndex() int {
	return interceptors.ConsumerExactlyOnceIndex
}

// Handle implements interceptors.Behavior
func (b *ExactlyOnceBehavior) Handle(ctx context.Context, c *interceptors.ConsumerContext, next interceptors.ConsumerHandler) error {
	remaining := c.Envelopes[:0:0]
	for _, env := range c.Envelopes {
		process, err := b.guard.MustProcess(ctx, env)
		if err != nil {
			return err
		}
		if !process {
			b.logger.Debug("Message already processed, skipping",
				"messageId", env.Headers.MessageID(),
				"endpoint", env.EndpointName(),
				"consumerGroup", env.Endpoint.ConsumerGroupName())
			if b.events != nil {
				b.events.emit(ctx, LifecycleEvent{
					Type:          EventDuplicateSkipped,
					Endpoint:      env.EndpointName(),
					ConsumerGroup: env.Endpoint.ConsumerGroupName(),
					BatchID:       c.BatchID,
					MessageIDs:    []string{env.Headers.MessageID()},
					Count:         1,
				})
			}
			continue
		}
		if err := b.guard.Processed(ctx, env); err != nil {
			return err
		}
		remaining = append(remaining, env)
	}

	if len(remaining) == 0 {
		return nil
	}
	c.Envelopes = remaining
	return next(ctx, c)
}
