package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/store"
)

// Task is one execution of a recurring job
type Task func(ctx context.Context) error

// RecurringService runs a task on an interval while holding a distributed
// lock. Without a lock manager the task runs on every instance.
type RecurringService struct {
	name     string
	task     Task
	interval time.Duration
	locks    store.LockManager
	settings store.LockSettings
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures the RecurringService
type Option func(*RecurringService)

// WithLockManager makes the service distributed
func WithLockManager(locks store.LockManager, settings store.LockSettings) Option {
	return func(s *RecurringService) {
		s.locks = locks
		s.settings = settings
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *RecurringService) {
		s.logger = logger
	}
}

// NewRecurringService creates a service running task every interval
func NewRecurringService(name string, interval time.Duration, task Task, options ...Option) *RecurringService {
	s := &RecurringService{
		name:     name,
		task:     task,
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.settings.Resource == "" {
		s.settings.Resource = name
	}
	s.settings = s.settings.WithDefaults()
	s.logger = s.logger.With("service", name)
	return s
}

// Start launches the service loop
func (s *RecurringService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("service %s is already running", s.name)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("Starting recurring service", "interval", s.interval, "lockResource", s.settings.Resource)
	go s.loop(runCtx, s.done)
	return nil
}

// Stop cancels the current run, releases the lock and waits for the loop to
// exit or ctx to expire
func (s *RecurringService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("service %s is not running", s.name)
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		s.logger.Info("Recurring service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns whether the service is running
func (s *RecurringService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce runs the task a single time under the lock, renewing the lease
// while it runs. It returns false without running the task when another
// instance holds the lock.
func (s *RecurringService) RunOnce(ctx context.Context) (bool, error) {
	if s.locks == nil {
		return true, s.task(ctx)
	}

	lock, err := s.locks.TryAcquire(ctx, s.settings)
	if errors.Is(err, store.ErrLockNotAcquired) {
		s.logger.Info("Lock held by another instance, nothing run")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", s.settings.Resource, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("Failed to release lock", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat(runCtx, cancel, lock)
	}()

	err = s.task(withLock(runCtx, lock))
	cancel()
	wg.Wait()
	return true, err
}

func (s *RecurringService) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if s.locks == nil {
			s.runUntilDone(ctx, nil)
			return
		}

		lock, err := s.locks.TryAcquire(ctx, s.settings)
		switch {
		case err == nil:
			s.hold(ctx, lock)
		case errors.Is(err, store.ErrLockNotAcquired):
			s.logger.Debug("Lock held by another instance")
		default:
			s.logger.Error("Failed to acquire lock", "error", err)
		}

		if !sleep(ctx, s.interval) {
			return
		}
	}
}

// hold runs the task while the lock is owned. A heartbeat renews the lease;
// losing it stops the runs until the lock is acquired again.
func (s *RecurringService) hold(ctx context.Context, lock store.Lock) {
	holdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("Lock acquired", "token", lock.Token())
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("Failed to release lock", "error", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeat(holdCtx, cancel, lock)
	}()
	defer wg.Wait()

	s.runUntilDone(holdCtx, lock)
}

func (s *RecurringService) heartbeat(ctx context.Context, cancel context.CancelFunc, lock store.Lock) {
	ticker := time.NewTicker(s.settings.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Renew(ctx); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("Lock renewal failed", "token", lock.Token(), "error", err)
				}
				cancel()
				return
			}
		}
	}
}

func (s *RecurringService) runUntilDone(ctx context.Context, lock store.Lock) {
	for {
		if lock != nil {
			if err := lock.Validate(ctx); err != nil {
				s.logger.Warn("Lock no longer owned", "token", lock.Token(), "error", err)
				return
			}
		}

		start := time.Now()
		if err := s.task(withLock(ctx, lock)); err != nil && ctx.Err() == nil {
			s.logger.Error("Recurring task failed", "error", err)
		} else {
			s.logger.Debug("Recurring task completed", "duration", time.Since(start))
		}

		if !sleep(ctx, s.interval) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type lockKey struct{}

func withLock(ctx context.Context, lock store.Lock) context.Context {
	if lock == nil {
		return ctx
	}
	return context.WithValue(ctx, lockKey{}, lock)
}

// LockFromContext returns the lock held while a task runs, nil when the
// service is not distributed
func LockFromContext(ctx context.Context) store.Lock {
	lock, _ := ctx.Value(lockKey{}).(store.Lock)
	return lock
}
