package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LockSettings describes a distributed lock request
type LockSettings struct {
	Resource string
	// Owner identifies the requesting instance, a random id by default
	Owner string
	// TTL is the lease duration; the holder must renew before it expires
	TTL time.Duration
}

// WithDefaults fills Owner and TTL when unset
func (s LockSettings) WithDefaults() LockSettings {
	if s.Owner == "" {
		s.Owner = uuid.New().String()
	}
	if s.TTL <= 0 {
		s.TTL = 30 * time.Second
	}
	return s
}

// Lock is a held lease. Token is a fencing token that increases every time
// the resource changes hands.
type Lock interface {
	Resource() string
	Owner() string
	Token() int64
	// Renew extends the lease; it fails with ErrLockLost when another owner
	// took over.
	Renew(ctx context.Context) error
	// Validate re-checks ownership before a destructive operation
	Validate(ctx context.Context) error
	Release(ctx context.Context) error
}

// LockManager hands out distributed locks
type LockManager interface {
	// TryAcquire returns ErrLockNotAcquired when another owner holds a live lease
	TryAcquire(ctx context.Context, settings LockSettings) (Lock, error)
}
