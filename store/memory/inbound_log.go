package memory

import (
	"context"
	"time"

	"github.com/glimte/mmate-bus/store"
)

type inboundLogKey struct {
	messageID string
	endpoint  string
	group     string
}

// InboundLog keeps processed message identities in memory
type InboundLog struct {
	entries *overlay[inboundLogKey, store.InboundLogEntry]
}

// NewInboundLog creates an empty inbound log
func NewInboundLog() *InboundLog {
	return &InboundLog{entries: newOverlay[inboundLogKey, store.InboundLogEntry]()}
}

func keyOfEntry(entry store.InboundLogEntry) inboundLogKey {
	return inboundLogKey{
		messageID: entry.MessageID,
		endpoint:  entry.EndpointName,
		group:     entry.ConsumerGroupName,
	}
}

func (l *InboundLog) Exists(ctx context.Context, entry store.InboundLogEntry) (bool, error) {
	_, ok := l.entries.get(store.FromContext(ctx), keyOfEntry(entry))
	return ok, nil
}

func (l *InboundLog) Add(ctx context.Context, entry store.InboundLogEntry) error {
	if entry.MessageID == "" {
		return store.Wrap("memory inbound log", "add", store.ErrInvalidRecord)
	}
	uow, err := enlist(ctx, l)
	if err != nil {
		return store.Wrap("memory inbound log", "add", err)
	}
	if entry.ConsumedAt.IsZero() {
		entry.ConsumedAt = time.Now().UTC()
	}
	l.entries.put(uow, keyOfEntry(entry), entry)
	return nil
}

func (l *InboundLog) Length(context.Context) (int, error) {
	return l.entries.length(), nil
}

func (l *InboundLog) Commit(_ context.Context, uow *store.UnitOfWork) error {
	l.entries.commit(uow)
	return nil
}

func (l *InboundLog) Rollback(_ context.Context, uow *store.UnitOfWork) error {
	l.entries.rollback(uow)
	return nil
}

var (
	_ store.InboundLog  = (*InboundLog)(nil)
	_ store.Participant = (*InboundLog)(nil)
)
