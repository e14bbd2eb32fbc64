package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/store"
)

type chunkDoc struct {
	ChunksCount int               `json:"count"`
	Content     []byte            `json:"content"`
	Headers     contracts.Headers `json:"headers,omitempty"`
	ReceivedAt  int64             `json:"receivedAt"`
}

// pendingOp is a buffered write: a chunk to store or a message to clean up
type pendingOp struct {
	chunk   *store.ChunkRecord
	cleanup string
}

// ChunkStore keeps the chunks of a message in one hash keyed by chunk index.
// A sorted set indexes messages by the arrival of their first chunk.
type ChunkStore struct {
	client goredis.UniversalClient
	opts   *options
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string][]pendingOp
}

// NewChunkStore creates a chunk store on client.
func NewChunkStore(client goredis.UniversalClient, opts ...Option) *ChunkStore {
	o := newOptions(opts...)
	return &ChunkStore{
		client:  client,
		opts:    o,
		logger:  o.logger,
		pending: make(map[string][]pendingOp),
	}
}

func (s *ChunkStore) chunksKey(messageID string) string {
	return s.opts.prefix + ":chunks:" + messageID
}

func (s *ChunkStore) indexKey() string {
	return s.opts.prefix + ":chunks"
}

func (s *ChunkStore) Store(ctx context.Context, chunk store.ChunkRecord) error {
	if chunk.MessageID == "" || chunk.ChunkIndex < 0 {
		return store.Wrap("redis chunk store", "store", store.ErrInvalidRecord)
	}
	if chunk.ReceivedAt.IsZero() {
		chunk.ReceivedAt = time.Now().UTC()
	}
	chunk.Content = append([]byte(nil), chunk.Content...)
	chunk.Headers = chunk.Headers.Clone()

	uow := store.FromContext(ctx)
	if uow == nil {
		ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
		defer cancel()
		_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return s.queueStore(ctx, pipe, chunk)
		})
		return store.Wrap("redis chunk store", "store", err)
	}

	existing, err := s.GetChunks(ctx, chunk.MessageID)
	if err != nil {
		return err
	}
	for _, c := range existing {
		if c.ChunkIndex == chunk.ChunkIndex {
			return nil
		}
	}
	if err := uow.Enlist(s); err != nil {
		return store.Wrap("redis chunk store", "store", err)
	}

	s.mu.Lock()
	s.pending[uow.ID()] = append(s.pending[uow.ID()], pendingOp{chunk: &chunk})
	s.mu.Unlock()
	return nil
}

func (s *ChunkStore) queueStore(ctx context.Context, pipe goredis.Pipeliner, chunk store.ChunkRecord) error {
	raw, err := json.Marshal(chunkDoc{
		ChunksCount: chunk.ChunksCount,
		Content:     chunk.Content,
		Headers:     chunk.Headers,
		ReceivedAt:  chunk.ReceivedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	pipe.HSetNX(ctx, s.chunksKey(chunk.MessageID), strconv.Itoa(chunk.ChunkIndex), raw)
	pipe.ZAddLT(ctx, s.indexKey(), goredis.Z{Score: float64(chunk.ReceivedAt.UnixMilli()), Member: chunk.MessageID})
	return nil
}

func (s *ChunkStore) queueCleanup(ctx context.Context, pipe goredis.Pipeliner, messageID string) {
	pipe.Del(ctx, s.chunksKey(messageID))
	pipe.ZRem(ctx, s.indexKey(), messageID)
}

func (s *ChunkStore) CountChunks(ctx context.Context, messageID string) (int, error) {
	if store.FromContext(ctx) == nil {
		ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
		defer cancel()
		n, err := s.client.HLen(ctx, s.chunksKey(messageID)).Result()
		if err != nil {
			return 0, store.Wrap("redis chunk store", "count", err)
		}
		return int(n), nil
	}
	chunks, err := s.GetChunks(ctx, messageID)
	return len(chunks), err
}

func (s *ChunkStore) GetChunks(ctx context.Context, messageID string) ([]store.ChunkRecord, error) {
	tctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	fields, err := s.client.HGetAll(tctx, s.chunksKey(messageID)).Result()
	if err != nil {
		return nil, store.Wrap("redis chunk store", "get", err)
	}

	byIndex := make(map[int]store.ChunkRecord, len(fields))
	for field, raw := range fields {
		index, err := strconv.Atoi(field)
		if err != nil {
			return nil, store.Wrap("redis chunk store", "get", fmt.Errorf("chunk index %q: %w", field, err))
		}
		var doc chunkDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, store.Wrap("redis chunk store", "get", fmt.Errorf("decode chunk %d: %w", index, err))
		}
		byIndex[index] = store.ChunkRecord{
			MessageID:   messageID,
			ChunkIndex:  index,
			ChunksCount: doc.ChunksCount,
			Content:     doc.Content,
			Headers:     doc.Headers,
			ReceivedAt:  time.UnixMilli(doc.ReceivedAt).UTC(),
		}
	}

	if uow := store.FromContext(ctx); uow != nil {
		s.mu.Lock()
		for _, op := range s.pending[uow.ID()] {
			switch {
			case op.cleanup == messageID:
				clear(byIndex)
			case op.chunk != nil && op.chunk.MessageID == messageID:
				if _, ok := byIndex[op.chunk.ChunkIndex]; !ok {
					byIndex[op.chunk.ChunkIndex] = *op.chunk
				}
			}
		}
		s.mu.Unlock()
	}

	chunks := make([]store.ChunkRecord, 0, len(byIndex))
	for _, c := range byIndex {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func (s *ChunkStore) Cleanup(ctx context.Context, messageID string) error {
	if uow := store.FromContext(ctx); uow != nil {
		if err := uow.Enlist(s); err != nil {
			return store.Wrap("redis chunk store", "cleanup", err)
		}
		s.mu.Lock()
		s.pending[uow.ID()] = append(s.pending[uow.ID()], pendingOp{cleanup: messageID})
		s.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		s.queueCleanup(ctx, pipe, messageID)
		return nil
	})
	return store.Wrap("redis chunk store", "cleanup", err)
}

func (s *ChunkStore) CleanupOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(threshold.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, store.Wrap("redis chunk store", "cleanup older than", err)
	}

	removed := 0
	for _, id := range ids {
		var count *goredis.IntCmd
		_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			count = pipe.HLen(ctx, s.chunksKey(id))
			s.queueCleanup(ctx, pipe, id)
			return nil
		})
		if err != nil {
			return removed, store.Wrap("redis chunk store", "cleanup older than", err)
		}
		removed += int(count.Val())
	}
	if removed > 0 {
		s.logger.Info("removed stale chunks", "messages", len(ids), "chunks", removed)
	}
	return removed, nil
}

// Commit applies the buffered writes of uow in one transaction.
func (s *ChunkStore) Commit(ctx context.Context, uow *store.UnitOfWork) error {
	s.mu.Lock()
	ops := s.pending[uow.ID()]
	delete(s.pending, uow.ID())
	s.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, op := range ops {
			if op.chunk != nil {
				if err := s.queueStore(ctx, pipe, *op.chunk); err != nil {
					return err
				}
				continue
			}
			s.queueCleanup(ctx, pipe, op.cleanup)
		}
		return nil
	})
	return store.Wrap("redis chunk store", "commit", err)
}

// Rollback discards the buffered writes of uow.
func (s *ChunkStore) Rollback(_ context.Context, uow *store.UnitOfWork) error {
	s.mu.Lock()
	delete(s.pending, uow.ID())
	s.mu.Unlock()
	return nil
}

var (
	_ store.ChunkStore  = (*ChunkStore)(nil)
	_ store.Participant = (*ChunkStore)(nil)
)
