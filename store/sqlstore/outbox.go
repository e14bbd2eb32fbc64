package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/glimte/mmate-bus/store"
)

type outboxRow struct {
	Seq        int64  `db:"seq"`
	ID         string `db:"id"`
	Endpoint   string `db:"endpoint"`
	RawBody    []byte `db:"raw_body"`
	Headers    string `db:"headers"`
	EnqueuedAt int64  `db:"enqueued_at"`
	Attempts   int    `db:"attempts"`
	LastError  string `db:"last_error"`
}

func (r outboxRow) message() (store.QueuedMessage, error) {
	msg := store.QueuedMessage{
		ID:         r.ID,
		RawBody:    r.RawBody,
		EnqueuedAt: time.UnixMilli(r.EnqueuedAt).UTC(),
		Attempts:   r.Attempts,
		LastError:  r.LastError,
	}
	if err := json.Unmarshal([]byte(r.Endpoint), &msg.Endpoint); err != nil {
		return msg, fmt.Errorf("decode endpoint of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Headers), &msg.Headers); err != nil {
		return msg, fmt.Errorf("decode headers of %s: %w", r.ID, err)
	}
	return msg, nil
}

// Outbox stages messages in the outbox table. Rows are dequeued in insertion
// order.
type Outbox struct {
	s *Store
}

func (o *Outbox) Enqueue(ctx context.Context, msg store.QueuedMessage) error {
	ctx, cancel, err := o.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.Wrap("sql outbox", "enqueue", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	endpoint, err := json.Marshal(msg.Endpoint)
	if err != nil {
		return store.Wrap("sql outbox", "enqueue", err)
	}
	headers, err := headersJSON(msg.Headers)
	if err != nil {
		return store.Wrap("sql outbox", "enqueue", err)
	}

	w, err := o.s.writer(ctx)
	if err != nil {
		return store.Wrap("sql outbox", "enqueue", err)
	}
	query := w.Rebind(fmt.Sprintf(`INSERT INTO %s (id, endpoint, raw_body, headers, enqueued_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, o.s.table("outbox")))

	_, err = w.ExecContext(ctx, query, msg.ID, string(endpoint), msg.RawBody, headers,
		msg.EnqueuedAt.UnixMilli(), msg.Attempts, msg.LastError)
	return store.Wrap("sql outbox", "enqueue", err)
}

func (o *Outbox) Dequeue(ctx context.Context, limit int) ([]store.QueuedMessage, error) {
	ctx, cancel, err := o.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, store.Wrap("sql outbox", "dequeue", err)
	}

	query := fmt.Sprintf(`SELECT seq, id, endpoint, raw_body, headers, enqueued_at, attempts, last_error
		FROM %s ORDER BY seq`, o.s.table("outbox"))
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []outboxRow
	if err := o.s.db.SelectContext(ctx, &rows, o.s.db.Rebind(query), args...); err != nil {
		return nil, store.Wrap("sql outbox", "dequeue", err)
	}

	messages := make([]store.QueuedMessage, 0, len(rows))
	for _, row := range rows {
		msg, err := row.message()
		if err != nil {
			return nil, store.Wrap("sql outbox", "dequeue", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (o *Outbox) Acknowledge(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel, err := o.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.Wrap("sql outbox", "acknowledge", err)
	}

	query, args, err := sqlx.In(fmt.Sprintf(`DELETE FROM %s WHERE id IN (?)`, o.s.table("outbox")), ids)
	if err != nil {
		return store.Wrap("sql outbox", "acknowledge", err)
	}
	w, err := o.s.writer(ctx)
	if err != nil {
		return store.Wrap("sql outbox", "acknowledge", err)
	}
	_, err = w.ExecContext(ctx, w.Rebind(query), args...)
	return store.Wrap("sql outbox", "acknowledge", err)
}

func (o *Outbox) Retry(ctx context.Context, id string, cause error) error {
	ctx, cancel, err := o.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.Wrap("sql outbox", "retry", err)
	}

	set := "attempts = attempts + 1"
	args := []interface{}{}
	if cause != nil {
		set += ", last_error = ?"
		args = append(args, cause.Error())
	}
	args = append(args, id)
	query := o.s.db.Rebind(fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, o.s.table("outbox"), set))

	res, err := o.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return store.Wrap("sql outbox", "retry", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.Wrap("sql outbox", "retry", store.ErrNotFound)
	}
	return nil
}

func (o *Outbox) Stats(ctx context.Context) (store.OutboxStats, error) {
	ctx, cancel, err := o.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.OutboxStats{}, store.Wrap("sql outbox", "stats", err)
	}

	var row struct {
		Length int           `db:"length"`
		Oldest sql.NullInt64 `db:"oldest"`
	}
	query := fmt.Sprintf(`SELECT COUNT(*) AS length, MIN(enqueued_at) AS oldest FROM %s`, o.s.table("outbox"))
	if err := o.s.db.GetContext(ctx, &row, query); err != nil {
		return store.OutboxStats{}, store.Wrap("sql outbox", "stats", err)
	}

	stats := store.OutboxStats{Length: row.Length}
	if row.Oldest.Valid {
		stats.Oldest = time.UnixMilli(row.Oldest.Int64).UTC()
	}
	return stats, nil
}

var _ store.Outbox = (*Outbox)(nil)
