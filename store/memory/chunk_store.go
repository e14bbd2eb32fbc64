package memory

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/glimte/mmate-bus/store"
)

type chunkKey struct {
	messageID string
	index     int
}

// ChunkStore keeps pending chunks in memory. Operations are serialized and
// give up when ctx is cancelled while waiting.
type ChunkStore struct {
	chunks *overlay[chunkKey, store.ChunkRecord]
	sem    *semaphore.Weighted
	now    func() time.Time
}

// NewChunkStore creates an empty chunk store
func NewChunkStore() *ChunkStore {
	return &ChunkStore{
		chunks: newOverlay[chunkKey, store.ChunkRecord](),
		sem:    semaphore.NewWeighted(1),
		now:    time.Now,
	}
}

func (s *ChunkStore) lock(ctx context.Context, op string) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, store.Wrap("memory chunk store", op, err)
	}
	return func() { s.sem.Release(1) }, nil
}

func (s *ChunkStore) Store(ctx context.Context, chunk store.ChunkRecord) error {
	if chunk.MessageID == "" || chunk.ChunkIndex < 0 {
		return store.Wrap("memory chunk store", "store", store.ErrInvalidRecord)
	}
	unlock, err := s.lock(ctx, "store")
	if err != nil {
		return err
	}
	defer unlock()

	key := chunkKey{chunk.MessageID, chunk.ChunkIndex}
	uow := store.FromContext(ctx)
	if _, exists := s.chunks.get(uow, key); exists {
		return nil
	}
	if uow, err = enlist(ctx, s); err != nil {
		return store.Wrap("memory chunk store", "store", err)
	}
	if chunk.ReceivedAt.IsZero() {
		chunk.ReceivedAt = s.now().UTC()
	}
	chunk.Content = append([]byte(nil), chunk.Content...)
	chunk.Headers = chunk.Headers.Clone()
	s.chunks.put(uow, key, chunk)
	return nil
}

func (s *ChunkStore) CountChunks(ctx context.Context, messageID string) (int, error) {
	chunks, err := s.GetChunks(ctx, messageID)
	return len(chunks), err
}

func (s *ChunkStore) GetChunks(ctx context.Context, messageID string) ([]store.ChunkRecord, error) {
	unlock, err := s.lock(ctx, "get")
	if err != nil {
		return nil, err
	}
	defer unlock()

	var chunks []store.ChunkRecord
	for _, c := range s.chunks.values(store.FromContext(ctx)) {
		if c.MessageID == messageID {
			chunks = append(chunks, c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func (s *ChunkStore) Cleanup(ctx context.Context, messageID string) error {
	unlock, err := s.lock(ctx, "cleanup")
	if err != nil {
		return err
	}
	defer unlock()

	uow, err := enlist(ctx, s)
	if err != nil {
		return store.Wrap("memory chunk store", "cleanup", err)
	}
	for _, c := range s.chunks.values(uow) {
		if c.MessageID == messageID {
			s.chunks.remove(uow, chunkKey{c.MessageID, c.ChunkIndex})
		}
	}
	return nil
}

func (s *ChunkStore) CleanupOlderThan(ctx context.Context, threshold time.Time) (int, error) {
	unlock, err := s.lock(ctx, "cleanup older than")
	if err != nil {
		return 0, err
	}
	defer unlock()

	committed := s.chunks.values(nil)
	firstReceived := make(map[string]time.Time)
	for _, c := range committed {
		if first, ok := firstReceived[c.MessageID]; !ok || c.ReceivedAt.Before(first) {
			firstReceived[c.MessageID] = c.ReceivedAt
		}
	}

	removed := 0
	for _, c := range committed {
		if firstReceived[c.MessageID].Before(threshold) {
			s.chunks.remove(nil, chunkKey{c.MessageID, c.ChunkIndex})
			removed++
		}
	}
	return removed, nil
}

func (s *ChunkStore) Commit(_ context.Context, uow *store.UnitOfWork) error {
	s.chunks.commit(uow)
	return nil
}

func (s *ChunkStore) Rollback(_ context.Context, uow *store.UnitOfWork) error {
	s.chunks.rollback(uow)
	return nil
}

var (
	_ store.ChunkStore  = (*ChunkStore)(nil)
	_ store.Participant = (*ChunkStore)(nil)
)
