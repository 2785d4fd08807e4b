package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RunLock excludes concurrent runs for the same report across replicas.
// The key format is "reportflow:run:{reportId}".
type RunLock interface {
	// Acquire tries to take the lock for ttl. When another holder has it,
	// acquired is false and err is nil.
	Acquire(ctx context.Context, reportID string, ttl time.Duration) (token string, acquired bool, err error)

	// Release drops the lock only if it is still held with token.
	Release(ctx context.Context, reportID, token string) error
}

// FormatLockKey builds the lock key for a report.
func FormatLockKey(reportID string) string {
	return fmt.Sprintf("reportflow:run:%s", reportID)
}

// --- MemoryRunLock ---

// MemoryRunLock is an in-process RunLock with TTL support.
type MemoryRunLock struct {
	mu   sync.Mutex
	held map[string]memLease
	now  func() time.Time
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// NewMemoryRunLock creates a new in-memory run lock.
func NewMemoryRunLock() *MemoryRunLock {
	return &MemoryRunLock{
		held: make(map[string]memLease),
		now:  time.Now,
	}
}

// Acquire takes the lock unless an unexpired lease exists.
func (l *MemoryRunLock) Acquire(_ context.Context, reportID string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := FormatLockKey(reportID)
	now := l.now()
	if lease, ok := l.held[key]; ok && now.Before(lease.expiresAt) {
		return "", false, nil
	}

	token := uuid.NewString()
	l.held[key] = memLease{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

// Release removes the lease if token still owns it.
func (l *MemoryRunLock) Release(_ context.Context, reportID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := FormatLockKey(reportID)
	if lease, ok := l.held[key]; ok && lease.token == token {
		delete(l.held, key)
	}
	return nil
}

// HealthCheck always succeeds.
func (l *MemoryRunLock) HealthCheck(context.Context) error { return nil }

// --- RedisRunLock ---

// releaseScript deletes the key only when it still holds the caller's token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisRunLock is a Redis-backed RunLock using SET NX PX.
type RedisRunLock struct {
	client redis.Cmdable
}

// NewRedisRunLock creates a new Redis-backed run lock.
func NewRedisRunLock(client redis.Cmdable) *RedisRunLock {
	return &RedisRunLock{client: client}
}

// Acquire sets the lock key with a fresh token if it is absent.
func (l *RedisRunLock) Acquire(ctx context.Context, reportID string, ttl time.Duration) (string, bool, error) {
	key := FormatLockKey(reportID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lock key if it still holds token.
func (l *RedisRunLock) Release(ctx context.Context, reportID, token string) error {
	key := FormatLockKey(reportID)
	if err := l.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (l *RedisRunLock) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
