package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/glimte/mmate-bus/store"
)

// InboundLog records processed messages in the inbound_log table.
type InboundLog struct {
	s *Store
}

func (l *InboundLog) Exists(ctx context.Context, entry store.InboundLogEntry) (bool, error) {
	ctx, cancel, err := l.s.begin(ctx)
	defer cancel()
	if err != nil {
		return false, store.Wrap("sql inbound log", "exists", err)
	}

	q := l.s.reader(ctx)
	query := q.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s
		WHERE message_id = ? AND endpoint_name = ? AND consumer_group_name = ?`, l.s.table("inbound_log")))

	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, entry.MessageID, entry.EndpointName, entry.ConsumerGroupName); err != nil {
		return false, store.Wrap("sql inbound log", "exists", err)
	}
	return count > 0, nil
}

func (l *InboundLog) Add(ctx context.Context, entry store.InboundLogEntry) error {
	if entry.MessageID == "" {
		return store.Wrap("sql inbound log", "add", store.ErrInvalidRecord)
	}
	ctx, cancel, err := l.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.Wrap("sql inbound log", "add", err)
	}
	if entry.ConsumedAt.IsZero() {
		entry.ConsumedAt = time.Now().UTC()
	}

	w, err := l.s.writer(ctx)
	if err != nil {
		return store.Wrap("sql inbound log", "add", err)
	}
	query := w.Rebind(fmt.Sprintf(`INSERT INTO %s (message_id, endpoint_name, consumer_group_name, consumed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (message_id, endpoint_name, consumer_group_name) DO NOTHING`, l.s.table("inbound_log")))

	_, err = w.ExecContext(ctx, query, entry.MessageID, entry.EndpointName, entry.ConsumerGroupName, entry.ConsumedAt.UnixMilli())
	return store.Wrap("sql inbound log", "add", err)
}

func (l *InboundLog) Length(ctx context.Context) (int, error) {
	ctx, cancel, err := l.s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, store.Wrap("sql inbound log", "length", err)
	}

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, l.s.table("inbound_log"))
	if err := l.s.db.GetContext(ctx, &count, query); err != nil {
		return 0, store.Wrap("sql inbound log", "length", err)
	}
	return count, nil
}

// Purge removes entries consumed before threshold and returns how many were removed.
func (l *InboundLog) Purge(ctx context.Context, threshold time.Time) (int, error) {
	ctx, cancel, err := l.s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, store.Wrap("sql inbound log", "purge", err)
	}

	query := l.s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE consumed_at < ?`, l.s.table("inbound_log")))
	res, err := l.s.db.ExecContext(ctx, query, threshold.UnixMilli())
	if err != nil {
		return 0, store.Wrap("sql inbound log", "purge", err)
	}
	n, err := res.RowsAffected()
	return int(n), store.Wrap("sql inbound log", "purge", err)
}

var _ store.InboundLog = (*InboundLog)(nil)
