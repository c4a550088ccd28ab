// Package lock provides a distributed lock for singleton background jobs.
//
// It is not used for node progression; node transitions rely on store
// conditional writes only.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pipecore:lock:"

// ErrNotHeld is returned by Release when the lock expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Lock is a held lock. Release it when the guarded work is done.
type Lock struct {
	Name  string
	token string
	owner releaser
}

type releaser interface {
	release(ctx context.Context, name, token string) error
}

// Release gives the lock up. It only deletes the key if this holder still
// owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.owner.release(ctx, l.Name, l.token)
}

// Locker acquires named locks.
type Locker interface {
	// TryAcquire takes the lock for ttl without waiting. ok is false when
	// another holder has it.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error)
}

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects to redisURL and verifies the connection.
func NewRedisLocker(ctx context.Context, redisURL string) (*RedisLocker, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisLocker{client: client}, nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryAcquire implements Locker.
func (r *RedisLocker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, keyPrefix+name, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Name: name, token: token, owner: r}, true, nil
}

func (r *RedisLocker) release(ctx context.Context, name, token string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{keyPrefix + name}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("release lock %s: %w", name, ErrNotHeld)
	}
	return nil
}

// Close closes the redis client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

// MemLocker is a process-local Locker for single-instance deployments and
// tests.
type MemLocker struct {
	mu   sync.Mutex
	held map[string]memEntry
	now  func() time.Time
}

type memEntry struct {
	token   string
	expires time.Time
}

// NewMemLocker creates a MemLocker.
func NewMemLocker() *MemLocker {
	return &MemLocker{held: make(map[string]memEntry), now: time.Now}
}

// TryAcquire implements Locker.
func (m *MemLocker) TryAcquire(_ context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[name]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.held[name] = memEntry{token: token, expires: now.Add(ttl)}
	return &Lock{Name: name, token: token, owner: m}, true, nil
}

func (m *MemLocker) release(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.held[name]
	if !ok || e.token != token {
		return fmt.Errorf("release lock %s: %w", name, ErrNotHeld)
	}
	delete(m.held, name)
	return nil
}
