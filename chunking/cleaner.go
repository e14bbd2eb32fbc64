package chunking

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/background"
	"github.com/glimte/mmate-bus/store"
)

// Cleaner removes chunk sets that never completed
type Cleaner struct {
	store  store.ChunkStore
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// CleanerOption configures the Cleaner
type CleanerOption func(*Cleaner)

// WithCleanerLogger sets the logger
func WithCleanerLogger(logger *slog.Logger) CleanerOption {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// NewCleaner creates a cleaner discarding chunk sets older than maxAge
func NewCleaner(chunks store.ChunkStore, maxAge time.Duration, options ...CleanerOption) *Cleaner {
	c := &Cleaner{
		store:  chunks,
		maxAge: maxAge,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Clean runs one cleanup pass and returns the number of removed chunks
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	threshold := c.now().Add(-c.maxAge)
	removed, err := c.store.CleanupOlderThan(ctx, threshold)
	if err != nil {
		c.logger.Error("Chunk cleanup failed", "threshold", threshold, "error", err)
		return 0, err
	}
	if removed > 0 {
		c.logger.Info("Removed expired chunks", "count", removed, "threshold", threshold)
	}
	return removed, nil
}

// Run adapts Clean to a background.Task. The distributed lock, when held,
// is validated right before the removal.
func (c *Cleaner) Run(ctx context.Context) error {
	if lock := background.LockFromContext(ctx); lock != nil {
		if err := lock.Validate(ctx); err != nil {
			return err
		}
	}
	_, err := c.Clean(ctx)
	return err
}
