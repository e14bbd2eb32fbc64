package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/store"
)

// OffsetStore keeps one row per partition key and consumer group.
type OffsetStore struct {
	s *Store
}

func (o *OffsetStore) Store(ctx context.Context, offset contracts.Offset, consumerGroupName string) error {
	if offset == nil {
		return store.Wrap("sql offset store", "store", store.ErrInvalidRecord)
	}
	ctx, cancel, err := o.s.begin(ctx)
	defer cancel()
	if err != nil {
		return store.Wrap("sql offset store", "store", err)
	}

	w, err := o.s.writer(ctx)
	if err != nil {
		return store.Wrap("sql offset store", "store", err)
	}
	query := w.Rebind(fmt.Sprintf(`INSERT INTO %s (partition_key, consumer_group_name, offset_value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (partition_key, consumer_group_name)
		DO UPDATE SET offset_value = excluded.offset_value, updated_at = excluded.updated_at`, o.s.table("offsets")))

	_, err = w.ExecContext(ctx, query, offset.Key(), consumerGroupName, offset.Value(), time.Now().UnixMilli())
	return store.Wrap("sql offset store", "store", err)
}

func (o *OffsetStore) GetLatestValue(ctx context.Context, partitionKey, consumerGroupName string) (contracts.Offset, error) {
	ctx, cancel, err := o.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, store.Wrap("sql offset store", "get", err)
	}

	q := o.s.reader(ctx)
	query := q.Rebind(fmt.Sprintf(`SELECT offset_value FROM %s
		WHERE partition_key = ? AND consumer_group_name = ?`, o.s.table("offsets")))

	var value string
	if err := sqlx.GetContext(ctx, q, &value, query, partitionKey, consumerGroupName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, store.Wrap("sql offset store", "get", err)
	}
	return contracts.StoredOffset{PartitionKey: partitionKey, OffsetValue: value}, nil
}

var _ store.OffsetStore = (*OffsetStore)(nil)
