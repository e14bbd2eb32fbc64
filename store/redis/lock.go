package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-bus/store"
)

// acquire returns the fencing token, or -1 when another owner holds a live
// lease. Re-acquiring a held lease keeps its token.
var acquireScript = goredis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner and owner ~= ARGV[1] then
	return -1
end
if owner == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return tonumber(redis.call('HGET', KEYS[1], 'token'))
end
local token = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'token', tostring(token))
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return token
`)

var renewScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] and redis.call('HGET', KEYS[1], 'token') == ARGV[2] then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return 1
end
return 0
`)

var validateScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] and redis.call('HGET', KEYS[1], 'token') == ARGV[2] then
	return 1
end
return 0
`)

var releaseScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] and redis.call('HGET', KEYS[1], 'token') == ARGV[2] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockManager grants leases stored in Redis hashes that expire with the TTL.
type LockManager struct {
	client goredis.UniversalClient
	opts   *options
	logger *slog.Logger
}

// NewLockManager creates a lock manager on client.
func NewLockManager(client goredis.UniversalClient, opts ...Option) *LockManager {
	o := newOptions(opts...)
	return &LockManager{client: client, opts: o, logger: o.logger}
}

func (m *LockManager) keys(resource string) []string {
	return []string{
		m.opts.prefix + ":lock:{" + resource + "}",
		m.opts.prefix + ":lock:{" + resource + "}:token",
	}
}

func (m *LockManager) TryAcquire(ctx context.Context, settings store.LockSettings) (store.Lock, error) {
	settings = settings.WithDefaults()
	ctx, cancel := context.WithTimeout(ctx, m.opts.timeout)
	defer cancel()

	token, err := acquireScript.Run(ctx, m.client, m.keys(settings.Resource), settings.Owner, settings.TTL.Milliseconds()).Int64()
	if err != nil {
		return nil, store.Wrap("redis lock", "acquire", err)
	}
	if token < 0 {
		return nil, store.ErrLockNotAcquired
	}
	m.logger.Debug("lock acquired", "resource", settings.Resource, "owner", settings.Owner, "token", token)
	return &redisLock{manager: m, settings: settings, token: token}, nil
}

type redisLock struct {
	manager  *LockManager
	settings store.LockSettings
	token    int64
}

func (l *redisLock) Resource() string { return l.settings.Resource }
func (l *redisLock) Owner() string    { return l.settings.Owner }
func (l *redisLock) Token() int64     { return l.token }

func (l *redisLock) run(ctx context.Context, op string, script *goredis.Script, args ...interface{}) (int64, error) {
	m := l.manager
	ctx, cancel := context.WithTimeout(ctx, m.opts.timeout)
	defer cancel()

	args = append([]interface{}{l.settings.Owner, l.token}, args...)
	n, err := script.Run(ctx, m.client, m.keys(l.settings.Resource)[:1], args...).Int64()
	if err != nil {
		return 0, store.Wrap("redis lock", op, err)
	}
	return n, nil
}

func (l *redisLock) Renew(ctx context.Context) error {
	n, err := l.run(ctx, "renew", renewScript, l.settings.TTL.Milliseconds())
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrLockLost
	}
	return nil
}

func (l *redisLock) Validate(ctx context.Context) error {
	n, err := l.run(ctx, "validate", validateScript)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrLockLost
	}
	return nil
}

func (l *redisLock) Release(ctx context.Context) error {
	_, err := l.run(ctx, "release", releaseScript)
	return err
}

var _ store.LockManager = (*LockManager)(nil)
