package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is a held run lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker grants at most one holder per key across every engine replica.
type Locker interface {
	// TryAcquire returns ok=false without error when the key is held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (lock Lock, ok bool, err error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	seq   uint64
	clock func() time.Time
}

type memoryLease struct {
	token   uint64
	expires time.Time
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]memoryLease),
		clock: time.Now,
	}
}

// TryAcquire takes key unless an unexpired lease holds it.
func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, false, nil
	}
	l.seq++
	l.held[key] = memoryLease{token: l.seq, expires: now.Add(ttl)}
	return &memoryLock{l: l, key: key, token: l.seq}, true, nil
}

type memoryLock struct {
	l     *MemoryLocker
	key   string
	token uint64
}

func (m *memoryLock) Release(context.Context) error {
	m.l.mu.Lock()
	defer m.l.mu.Unlock()
	if lease, ok := m.l.held[m.key]; ok && lease.token == m.token {
		delete(m.l.held, m.key)
	}
	return nil
}

// releaseScript deletes the lock only if it still carries our token, so a run
// that outlived its lease cannot release a newer holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisLockClient is the subset of redis.Cmdable the locker uses.
type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// release.
type RedisLocker struct {
	client redisLockClient
	prefix string
}

// NewRedisLocker creates a RedisLocker storing locks under prefix.
func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryAcquire sets the lock key if it does not exist.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	token := uuid.NewString()
	k := l.prefix + key
	ok, err := l.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("scheduler: acquire lock %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLock{client: l.client, key: k, token: token}, true, nil
}

type redisLock struct {
	client redisLockClient
	key    string
	token  string
}

func (r *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("scheduler: release lock %s: %w", r.key, err)
	}
	return nil
}
