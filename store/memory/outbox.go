package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-bus/store"
)

// Outbox is an in-memory transactional outbox
type Outbox struct {
	messages *overlay[string, store.QueuedMessage]
}

// NewOutbox creates an empty outbox
func NewOutbox() *Outbox {
	return &Outbox{messages: newOverlay[string, store.QueuedMessage]()}
}

func (o *Outbox) Enqueue(ctx context.Context, msg store.QueuedMessage) error {
	uow, err := enlist(ctx, o)
	if err != nil {
		return store.Wrap("memory outbox", "enqueue", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	msg.Headers = msg.Headers.Clone()
	o.messages.put(uow, msg.ID, msg)
	return nil
}

func (o *Outbox) Dequeue(_ context.Context, limit int) ([]store.QueuedMessage, error) {
	all := o.messages.values(nil)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (o *Outbox) Acknowledge(ctx context.Context, ids ...string) error {
	uow, err := enlist(ctx, o)
	if err != nil {
		return store.Wrap("memory outbox", "acknowledge", err)
	}
	for _, id := range ids {
		o.messages.remove(uow, id)
	}
	return nil
}

func (o *Outbox) Retry(_ context.Context, id string, cause error) error {
	ok := o.messages.update(id, func(m store.QueuedMessage) store.QueuedMessage {
		m.Attempts++
		if cause != nil {
			m.LastError = cause.Error()
		}
		return m
	})
	if !ok {
		return store.Wrap("memory outbox", "retry", store.ErrNotFound)
	}
	return nil
}

func (o *Outbox) Stats(context.Context) (store.OutboxStats, error) {
	all := o.messages.values(nil)
	stats := store.OutboxStats{Length: len(all)}
	for _, m := range all {
		if stats.Oldest.IsZero() || m.EnqueuedAt.Before(stats.Oldest) {
			stats.Oldest = m.EnqueuedAt
		}
	}
	return stats, nil
}

func (o *Outbox) Commit(_ context.Context, uow *store.UnitOfWork) error {
	o.messages.commit(uow)
	return nil
}

func (o *Outbox) Rollback(_ context.Context, uow *store.UnitOfWork) error {
	o.messages.rollback(uow)
	return nil
}

var (
	_ store.Outbox      = (*Outbox)(nil)
	_ store.Participant = (*Outbox)(nil)
)
