package memory

import (
	"context"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/store"
)

type offsetKey struct {
	partitionKey string
	group        string
}

// OffsetStore keeps the latest offset per partition and consumer group
type OffsetStore struct {
	offsets *overlay[offsetKey, store.OffsetStoreEntry]
}

// NewOffsetStore creates an empty offset store
func NewOffsetStore() *OffsetStore {
	return &OffsetStore{offsets: newOverlay[offsetKey, store.OffsetStoreEntry]()}
}

func (s *OffsetStore) Store(ctx context.Context, offset contracts.Offset, consumerGroupName string) error {
	if offset == nil {
		return store.Wrap("memory offset store", "store", store.ErrInvalidRecord)
	}
	uow, err := enlist(ctx, s)
	if err != nil {
		return store.Wrap("memory offset store", "store", err)
	}
	s.offsets.put(uow, offsetKey{offset.Key(), consumerGroupName}, store.OffsetStoreEntry{
		PartitionKey:      offset.Key(),
		ConsumerGroupName: consumerGroupName,
		OffsetValue:       offset.Value(),
		UpdatedAt:         time.Now().UTC(),
	})
	return nil
}

func (s *OffsetStore) GetLatestValue(ctx context.Context, partitionKey, consumerGroupName string) (contracts.Offset, error) {
	entry, ok := s.offsets.get(store.FromContext(ctx), offsetKey{partitionKey, consumerGroupName})
	if !ok {
		return nil, nil
	}
	return contracts.StoredOffset{PartitionKey: entry.PartitionKey, OffsetValue: entry.OffsetValue}, nil
}

func (s *OffsetStore) Commit(_ context.Context, uow *store.UnitOfWork) error {
	s.offsets.commit(uow)
	return nil
}

func (s *OffsetStore) Rollback(_ context.Context, uow *store.UnitOfWork) error {
	s.offsets.rollback(uow)
	return nil
}

var (
	_ store.OffsetStore = (*OffsetStore)(nil)
	_ store.Participant = (*OffsetStore)(nil)
)
