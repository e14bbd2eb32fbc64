package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-bus/store"
)

// LockManager grants leases stored in the locks table. A row is never
// deleted, so the fencing token keeps growing across owners.
type LockManager struct {
	s *Store
}

func (m *LockManager) TryAcquire(ctx context.Context, settings store.LockSettings) (store.Lock, error) {
	settings = settings.WithDefaults()
	ctx, cancel, err := m.s.begin(ctx)
	defer cancel()
	if err != nil {
		return nil, store.Wrap("sql lock", "acquire", err)
	}

	now := time.Now().UnixMilli()
	table := m.s.table("locks")
	query := m.s.db.Rebind(fmt.Sprintf(`INSERT INTO %[1]s (resource, owner, token, expires_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (resource) DO UPDATE SET
			token = CASE WHEN %[1]s.owner = excluded.owner AND %[1]s.expires_at > ? THEN %[1]s.token ELSE %[1]s.token + 1 END,
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE %[1]s.owner = excluded.owner OR %[1]s.expires_at <= ?
		RETURNING token`, table))

	var token int64
	err = m.s.db.GetContext(ctx, &token, query,
		settings.Resource, settings.Owner, now+settings.TTL.Milliseconds(), now, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrLockNotAcquired
	}
	if err != nil {
		return nil, store.Wrap("sql lock", "acquire", err)
	}
	return &sqlLock{manager: m, settings: settings, token: token}, nil
}

type sqlLock struct {
	manager  *LockManager
	settings store.LockSettings
	token    int64
}

func (l *sqlLock) Resource() string { return l.settings.Resource }
func (l *sqlLock) Owner() string    { return l.settings.Owner }
func (l *sqlLock) Token() int64     { return l.token }

// update runs a statement guarded by ownership and reports whether a row matched
func (l *sqlLock) update(ctx context.Context, op, set string, args ...interface{}) (bool, error) {
	s := l.manager.s
	ctx, cancel, err := s.begin(ctx)
	defer cancel()
	if err != nil {
		return false, store.Wrap("sql lock", op, err)
	}

	query := s.db.Rebind(fmt.Sprintf(`UPDATE %s SET %s
		WHERE resource = ? AND owner = ? AND token = ? AND expires_at > ?`, s.table("locks"), set))
	args = append(args, l.settings.Resource, l.settings.Owner, l.token, time.Now().UnixMilli())

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, store.Wrap("sql lock", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Wrap("sql lock", op, err)
	}
	return n > 0, nil
}

func (l *sqlLock) Renew(ctx context.Context) error {
	ok, err := l.update(ctx, "renew", "expires_at = ?", time.Now().Add(l.settings.TTL).UnixMilli())
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrLockLost
	}
	return nil
}

func (l *sqlLock) Validate(ctx context.Context) error {
	// a no-op update doubles as an ownership check
	ok, err := l.update(ctx, "validate", "token = token")
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrLockLost
	}
	return nil
}

func (l *sqlLock) Release(ctx context.Context) error {
	_, err := l.update(ctx, "release", "expires_at = 0")
	return err
}

var _ store.LockManager = (*LockManager)(nil)
