package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/glimte/mmate-bus/store"
)

func inboundFilter(entry store.InboundLogEntry) bson.D {
	return bson.D{
		bson.E{Key: "messageId", Value: entry.MessageID},
		bson.E{Key: "endpointName", Value: entry.EndpointName},
		bson.E{Key: "consumerGroupName", Value: entry.ConsumerGroupName},
	}
}

// inboundModel inserts entry unless it is already logged
func inboundModel(entry store.InboundLogEntry) *mongo.UpdateOneModel {
	return mongo.NewUpdateOneModel().
		SetFilter(inboundFilter(entry)).
		SetUpdate(bson.M{"$setOnInsert": entry}).
		SetUpsert(true)
}

// InboundLog records processed messages in the inbound_log collection.
type InboundLog struct {
	s *Store
}

func (l *InboundLog) Exists(ctx context.Context, entry store.InboundLogEntry) (bool, error) {
	if err := l.s.checkConnected(); err != nil {
		return false, store.Wrap("mongo inbound log", "exists", err)
	}

	pending := false
	l.s.peek(ctx, func(p *pendingWrites) {
		for _, e := range p.entries {
			if e.MessageID == entry.MessageID && e.EndpointName == entry.EndpointName &&
				e.ConsumerGroupName == entry.ConsumerGroupName {
				pending = true
				return
			}
		}
	})
	if pending {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.s.opts.timeout)
	defer cancel()
	n, err := l.s.inbound.CountDocuments(ctx, inboundFilter(entry), mongoopts.Count().SetLimit(1))
	if err != nil {
		return false, store.Wrap("mongo inbound log", "exists", err)
	}
	return n > 0, nil
}

func (l *InboundLog) Add(ctx context.Context, entry store.InboundLogEntry) error {
	if entry.MessageID == "" {
		return store.Wrap("mongo inbound log", "add", store.ErrInvalidRecord)
	}
	if err := l.s.checkConnected(); err != nil {
		return store.Wrap("mongo inbound log", "add", err)
	}
	if entry.ConsumedAt.IsZero() {
		entry.ConsumedAt = time.Now().UTC()
	}

	p, err := l.s.buffer(ctx)
	if err != nil {
		return store.Wrap("mongo inbound log", "add", err)
	}
	if p != nil {
		l.s.mu.Lock()
		p.entries = append(p.entries, entry)
		l.s.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.s.opts.timeout)
	defer cancel()
	m := inboundModel(entry)
	_, err = l.s.inbound.UpdateOne(ctx, m.Filter, m.Update, mongoopts.UpdateOne().SetUpsert(true))
	return store.Wrap("mongo inbound log", "add", err)
}

func (l *InboundLog) Length(ctx context.Context) (int, error) {
	if err := l.s.checkConnected(); err != nil {
		return 0, store.Wrap("mongo inbound log", "length", err)
	}
	ctx, cancel := context.WithTimeout(ctx, l.s.opts.timeout)
	defer cancel()
	n, err := l.s.inbound.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, store.Wrap("mongo inbound log", "length", err)
	}
	return int(n), nil
}

// Purge removes entries consumed before threshold and returns how many were removed.
func (l *InboundLog) Purge(ctx context.Context, threshold time.Time) (int, error) {
	if err := l.s.checkConnected(); err != nil {
		return 0, store.Wrap("mongo inbound log", "purge", err)
	}
	ctx, cancel := context.WithTimeout(ctx, l.s.opts.timeout)
	defer cancel()
	res, err := l.s.inbound.DeleteMany(ctx, bson.M{"consumedAt": bson.M{"$lt": threshold}})
	if err != nil {
		return 0, store.Wrap("mongo inbound log", "purge", err)
	}
	return int(res.DeletedCount), nil
}

var _ store.InboundLog = (*InboundLog)(nil)
