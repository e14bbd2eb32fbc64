package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/store"
)

type chunkRow struct {
	MessageID   string         `db:"message_id"`
	ChunkIndex  int            `db:"chunk_index"`
	ChunksCount int            `db:"chunks_count"`
	Content     []byte         `db:"content"`
	Headers     sql.NullString `db:"headers"`
	ReceivedAt  int64          `db:"received_at"`
}

func (r chunkRow) record() (store.ChunkRecord, error) {
	rec := store.ChunkRecord{
		MessageID:   r.MessageID,
		ChunkIndex:  r.ChunkIndex,
		ChunksCount: r.ChunksCount,
		Content:     r.Content,
		ReceivedAt:  time.UnixMilli(r.ReceivedAt).UTC(),
	}
	if r.Headers.Valid {
		if err := json.Unmarshal([]byte(r.Headers.String), &rec.Headers); err != nil {
			return rec, fmt.Errorf("decode headers of chunk %d: %w", r.ChunkIndex, err)
		}
	}
	return rec, nil
}

// ChunkStore keeps pending chunks in the chunks table.
type ChunkStore struct {
	s *Store
}

func (c *ChunkStore) Store(ctx context.Context, chunk store.ChunkRecord) error {
	if chunk.MessageID == "" || chunk.ChunkIndex < 0 {
		return store.Wrap("sql chunk store", "store", store.ErrInvalidRecord)
	}
	ctx, cancel, err := c.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.Wrap("sql chunk store", "store", err)
	}
	if chunk.ReceivedAt.IsZero() {
		chunk.ReceivedAt = time.Now().UTC()
	}

	var headers sql.NullString
	if chunk.Headers != nil {
		raw, err := json.Marshal(chunk.Headers)
		if err != nil {
			return store.Wrap("sql chunk store", "store", err)
		}
		headers = sql.NullString{String: string(raw), Valid: true}
	}

	w, err := c.s.writer(ctx)
	if err != nil {
		return store.Wrap("sql chunk store", "store", err)
	}
	query := w.Rebind(fmt.Sprintf(`INSERT INTO %s (message_id, chunk_index, chunks_count, content, headers, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id, chunk_index) DO NOTHING`, c.s.table("chunks")))

	_, err = w.ExecContext(ctx, query, chunk.MessageID, chunk.ChunkIndex, chunk.ChunksCount,
		chunk.Content, headers, chunk.ReceivedAt.UnixMilli())
	return store.Wrap("sql chunk store", "store", err)
}

func (c *ChunkStore) CountChunks(ctx context.Context, messageID string) (int, error) {
	ctx, cancel, err := c.s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, store.Wrap("sql chunk store", "count", err)
	}

	q := c.s.reader(ctx)
	query := q.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE message_id = ?`, c.s.table("chunks")))

	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, messageID); err != nil {
		return 0, store.Wrap("sql chunk store", "count", err)
	}
	return count, nil
}

func (c *ChunkStore) GetChunks(ctx context.Context, messageID string) ([]store.ChunkRecord, error) {
	ctx, cancel, err := c.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, store.Wrap("sql chunk store", "get", err)
	}

	q := c.s.reader(ctx)
	query := q.Rebind(fmt.Sprintf(`SELECT message_id, chunk_index, chunks_count, content, headers, received_at
		FROM %s WHERE message_id = ? ORDER BY chunk_index`, c.s.table("chunks")))

	var rows []chunkRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, messageID); err != nil {
		return nil, store.Wrap("sql chunk store", "get", err)
	}

	chunks := make([]store.ChunkRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, store.Wrap("sql chunk store", "get", err)
		}
		chunks = append(chunks, rec)
	}
	return chunks, nil
}

func (c *ChunkStore) Cleanup(ctx context.Context, messageID string) error {
	ctx, cancel, err := c.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.Wrap("sql chunk store", "cleanup", err)
	}

	w, err := c.s.writer(ctx)
	if err != nil {
		return store.Wrap("sql chunk store", "cleanup", err)
	}
	query := w.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, c.s.table("chunks")))
	_, err = w.ExecContext(ctx, query, messageID)
	return store.Wrap("sql chunk store", "cleanup", err)
}

func (c *ChunkStore) CleanupOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	ctx, cancel, err := c.s.begin(ctx)
	defer cancel()
	if err != nil {
		return 0, store.Wrap("sql chunk store", "cleanup older than", err)
	}

	table := c.s.table("chunks")
	query := c.s.db.Rebind(fmt.Sprintf(`DELETE FROM %[1]s WHERE message_id IN (
		SELECT message_id FROM %[1]s GROUP BY message_id HAVING MIN(received_at) < ?
	)`, table))

	res, err := c.s.db.ExecContext(ctx, query, threshold.UnixMilli())
	if err != nil {
		return 0, store.Wrap("sql chunk store", "cleanup older than", err)
	}
	n, err := res.RowsAffected()
	return int(n), store.Wrap("sql chunk store", "cleanup older than", err)
}

var _ store.ChunkStore = (*ChunkStore)(nil)

// headersJSON encodes headers for a TEXT column
func headersJSON(h contracts.Headers) (string, error) {
	if h == nil {
		h = contracts.Headers{}
	}
	raw, err := json.Marshal(h)
	return string(raw), err
}
