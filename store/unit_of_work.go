package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Participant is a store taking part in a unit of work. Stores enlist
// themselves on their first write inside the unit.
type Participant interface {
	Commit(ctx context.Context, uow *UnitOfWork) error
	Rollback(ctx context.Context, uow *UnitOfWork) error
}

// UnitOfWork groups store writes that must become durable together. Writes
// are visible to reads made with the same unit immediately, to everyone else
// only after Commit, and are discarded by Rollback.
type UnitOfWork struct {
	id           string
	participants []Participant
	committed    bool
	rolledBack   bool
	mu           sync.Mutex
}

// NewUnitOfWork begins a new unit of work
func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{id: uuid.New().String()}
}

// ID returns the unit identifier
func (u *UnitOfWork) ID() string {
	return u.id
}

// Enlist registers a participant once
func (u *UnitOfWork) Enlist(p Participant) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.checkActive(); err != nil {
		return err
	}
	for _, existing := range u.participants {
		if existing == p {
			return nil
		}
	}
	u.participants = append(u.participants, p)
	return nil
}

// Active reports whether the unit can still accept writes
func (u *UnitOfWork) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.committed && !u.rolledBack
}

// Commit commits every participant in enlistment order. When a participant
// fails, the remaining ones are rolled back.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.checkActive(); err != nil {
		return err
	}
	u.committed = true

	for i, p := range u.participants {
		if err := p.Commit(ctx, u); err != nil {
			var errs []error
			errs = append(errs, fmt.Errorf("commit participant %d: %w", i, err))
			for _, rest := range u.participants[i+1:] {
				if rerr := rest.Rollback(ctx, u); rerr != nil {
					errs = append(errs, rerr)
				}
			}
			return errors.Join(errs...)
		}
	}
	return nil
}

// Rollback discards every pending write. Rolling back twice is a no-op.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.committed {
		return ErrUnitCommitted
	}
	if u.rolledBack {
		return nil
	}
	u.rolledBack = true

	var errs []error
	for _, p := range u.participants {
		if err := p.Rollback(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *UnitOfWork) checkActive() error {
	if u.committed {
		return ErrUnitCommitted
	}
	if u.rolledBack {
		return ErrUnitRolledBack
	}
	return nil
}

type unitOfWorkKey struct{}

// WithUnitOfWork returns a context carrying uow
func WithUnitOfWork(ctx context.Context, uow *UnitOfWork) context.Context {
	return context.WithValue(ctx, unitOfWorkKey{}, uow)
}

// FromContext returns the unit of work carried by ctx, or nil
func FromContext(ctx context.Context) *UnitOfWork {
	uow, _ := ctx.Value(unitOfWorkKey{}).(*UnitOfWork)
	return uow
}

// RunInUnitOfWork runs fn inside a new unit of work, committing when fn
// succeeds and rolling back otherwise.
func RunInUnitOfWork(ctx context.Context, fn func(ctx context.Context) error) error {
	uow := NewUnitOfWork()
	if err := fn(WithUnitOfWork(ctx, uow)); err != nil {
		if rerr := uow.Rollback(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return uow.Commit(ctx)
}
