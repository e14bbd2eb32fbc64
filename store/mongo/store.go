// Package mongo provides a MongoDB implementation of the inbound log and the
// offset store.
//
// Writes made inside a unit of work are buffered in memory and applied with
// bulk upserts on commit, so no replica set is needed for transactions.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/glimte/mmate-bus/store"
)

type offsetKey struct {
	partitionKey string
	group        string
}

// pendingWrites are the buffered writes of one unit of work
type pendingWrites struct {
	entries []store.InboundLogEntry
	offsets map[offsetKey]store.OffsetStoreEntry
}

// Store owns the collections and the buffered writes.
type Store struct {
	client    *mongo.Client
	opts      *options
	logger    *slog.Logger
	connected int32

	inbound *mongo.Collection
	offsets *mongo.Collection

	mu      sync.Mutex
	pending map[string]*pendingWrites
}

// New creates a MongoDB store. Call Connect to create the indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client:  client,
		opts:    o,
		logger:  o.logger,
		pending: make(map[string]*pendingWrites),
	}
}

// Connect pings the server and creates the unique indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	db := s.client.Database(s.opts.database)
	s.inbound = db.Collection(s.opts.prefix + "inbound_log")
	s.offsets = db.Collection(s.opts.prefix + "offsets")

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected and drops buffered writes.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	clear(s.pending)
	s.mu.Unlock()
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.inbound.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				bson.E{Key: "messageId", Value: 1},
				bson.E{Key: "endpointName", Value: 1},
				bson.E{Key: "consumerGroupName", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{bson.E{Key: "consumedAt", Value: 1}}},
	}); err != nil {
		return err
	}

	_, err := s.offsets.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				bson.E{Key: "partitionKey", Value: 1},
				bson.E{Key: "consumerGroupName", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
	})
	return err
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// buffer returns the pending writes of the unit of work carried by ctx,
// enlisting the store on first use. It returns nil without a unit of work.
func (s *Store) buffer(ctx context.Context) (*pendingWrites, error) {
	uow := store.FromContext(ctx)
	if uow == nil {
		return nil, nil
	}
	if err := uow.Enlist(s); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[uow.ID()]
	if !ok {
		p = &pendingWrites{offsets: make(map[offsetKey]store.OffsetStoreEntry)}
		s.pending[uow.ID()] = p
	}
	return p, nil
}

// peek runs fn on the pending writes of the unit of work carried by ctx
func (s *Store) peek(ctx context.Context, fn func(*pendingWrites)) {
	uow := store.FromContext(ctx)
	if uow == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[uow.ID()]; ok {
		fn(p)
	}
}

// Commit applies the buffered writes of uow with bulk upserts.
func (s *Store) Commit(ctx context.Context, uow *store.UnitOfWork) error {
	s.mu.Lock()
	p := s.pending[uow.ID()]
	delete(s.pending, uow.ID())
	s.mu.Unlock()

	if p == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if len(p.entries) > 0 {
		models := make([]mongo.WriteModel, 0, len(p.entries))
		for _, entry := range p.entries {
			models = append(models, inboundModel(entry))
		}
		if _, err := s.inbound.BulkWrite(ctx, models, mongoopts.BulkWrite().SetOrdered(false)); err != nil {
			return store.Wrap("mongo inbound log", "commit", err)
		}
	}

	if len(p.offsets) > 0 {
		models := make([]mongo.WriteModel, 0, len(p.offsets))
		for _, entry := range p.offsets {
			models = append(models, offsetModel(entry))
		}
		if _, err := s.offsets.BulkWrite(ctx, models, mongoopts.BulkWrite().SetOrdered(false)); err != nil {
			return store.Wrap("mongo offset store", "commit", err)
		}
	}
	return nil
}

// Rollback drops the buffered writes of uow.
func (s *Store) Rollback(_ context.Context, uow *store.UnitOfWork) error {
	s.mu.Lock()
	delete(s.pending, uow.ID())
	s.mu.Unlock()
	return nil
}

// InboundLog returns the inbound log backed by this store.
func (s *Store) InboundLog() *InboundLog { return &InboundLog{s: s} }

// OffsetStore returns the offset store backed by this store.
func (s *Store) OffsetStore() *OffsetStore { return &OffsetStore{s: s} }

var _ store.Participant = (*Store)(nil)
