package memory

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/store"
)

type lease struct {
	owner   string
	token   int64
	expires time.Time
}

// LockManager grants process-local leases with fencing tokens
type LockManager struct {
	mu     sync.Mutex
	leases map[string]lease
	tokens map[string]int64
	now    func() time.Time
}

// NewLockManager creates a lock manager
func NewLockManager() *LockManager {
	return &LockManager{
		leases: make(map[string]lease),
		tokens: make(map[string]int64),
		now:    time.Now,
	}
}

func (m *LockManager) TryAcquire(_ context.Context, settings store.LockSettings) (store.Lock, error) {
	settings = settings.WithDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, held := m.leases[settings.Resource]
	if held && current.owner != settings.Owner && now.Before(current.expires) {
		return nil, store.ErrLockNotAcquired
	}

	token := current.token
	if !held || current.owner != settings.Owner || !now.Before(current.expires) {
		m.tokens[settings.Resource]++
		token = m.tokens[settings.Resource]
	}
	m.leases[settings.Resource] = lease{owner: settings.Owner, token: token, expires: now.Add(settings.TTL)}
	return &memoryLock{manager: m, settings: settings, token: token}, nil
}

func (m *LockManager) owns(resource, owner string, token int64) bool {
	current, ok := m.leases[resource]
	return ok && current.owner == owner && current.token == token && m.now().Before(current.expires)
}

type memoryLock struct {
	manager  *LockManager
	settings store.LockSettings
	token    int64
}

func (l *memoryLock) Resource() string { return l.settings.Resource }
func (l *memoryLock) Owner() string    { return l.settings.Owner }
func (l *memoryLock) Token() int64     { return l.token }

func (l *memoryLock) Renew(context.Context) error {
	m := l.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.owns(l.settings.Resource, l.settings.Owner, l.token) {
		return store.ErrLockLost
	}
	current := m.leases[l.settings.Resource]
	current.expires = m.now().Add(l.settings.TTL)
	m.leases[l.settings.Resource] = current
	return nil
}

func (l *memoryLock) Validate(context.Context) error {
	m := l.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.owns(l.settings.Resource, l.settings.Owner, l.token) {
		return store.ErrLockLost
	}
	return nil
}

func (l *memoryLock) Release(context.Context) error {
	m := l.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.leases[l.settings.Resource]; ok && current.owner == l.settings.Owner && current.token == l.token {
		delete(m.leases, l.settings.Resource)
	}
	return nil
}

var _ store.LockManager = (*LockManager)(nil)
