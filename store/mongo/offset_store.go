package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/store"
)

func offsetFilter(partitionKey, group string) bson.D {
	return bson.D{
		bson.E{Key: "partitionKey", Value: partitionKey},
		bson.E{Key: "consumerGroupName", Value: group},
	}
}

func offsetModel(entry store.OffsetStoreEntry) *mongo.UpdateOneModel {
	return mongo.NewUpdateOneModel().
		SetFilter(offsetFilter(entry.PartitionKey, entry.ConsumerGroupName)).
		SetUpdate(bson.M{"$set": bson.M{
			"offsetValue": entry.OffsetValue,
			"updatedAt":   entry.UpdatedAt,
		}}).
		SetUpsert(true)
}

// OffsetStore keeps one document per partition key and consumer group.
type OffsetStore struct {
	s *Store
}

func (o *OffsetStore) Store(ctx context.Context, offset contracts.Offset, consumerGroupName string) error {
	if offset == nil {
		return store.Wrap("mongo offset store", "store", store.ErrInvalidRecord)
	}
	if err := o.s.checkConnected(); err != nil {
		return store.Wrap("mongo offset store", "store", err)
	}
	entry := store.OffsetStoreEntry{
		PartitionKey:      offset.Key(),
		ConsumerGroupName: consumerGroupName,
		OffsetValue:       offset.Value(),
		UpdatedAt:         time.Now().UTC(),
	}

	p, err := o.s.buffer(ctx)
	if err != nil {
		return store.Wrap("mongo offset store", "store", err)
	}
	if p != nil {
		o.s.mu.Lock()
		p.offsets[offsetKey{entry.PartitionKey, consumerGroupName}] = entry
		o.s.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.s.opts.timeout)
	defer cancel()
	m := offsetModel(entry)
	_, err = o.s.offsets.UpdateOne(ctx, m.Filter, m.Update, mongoopts.UpdateOne().SetUpsert(true))
	return store.Wrap("mongo offset store", "store", err)
}

func (o *OffsetStore) GetLatestValue(ctx context.Context, partitionKey, consumerGroupName string) (contracts.Offset, error) {
	if err := o.s.checkConnected(); err != nil {
		return nil, store.Wrap("mongo offset store", "get", err)
	}

	var pending *store.OffsetStoreEntry
	o.s.peek(ctx, func(p *pendingWrites) {
		if entry, ok := p.offsets[offsetKey{partitionKey, consumerGroupName}]; ok {
			pending = &entry
		}
	})
	if pending != nil {
		return contracts.StoredOffset{PartitionKey: partitionKey, OffsetValue: pending.OffsetValue}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.s.opts.timeout)
	defer cancel()

	var entry store.OffsetStoreEntry
	err := o.s.offsets.FindOne(ctx, offsetFilter(partitionKey, consumerGroupName)).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Wrap("mongo offset store", "get", err)
	}
	return contracts.StoredOffset{PartitionKey: partitionKey, OffsetValue: entry.OffsetValue}, nil
}

var _ store.OffsetStore = (*OffsetStore)(nil)
