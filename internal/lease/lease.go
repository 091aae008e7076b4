// Package lease provides named, expiring mutual exclusion so that at most one
// instance runs a given reconciliation job at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease held by another holder")

// Lease is an acquired lease. Release it when the guarded work ends; an
// unreleased lease expires after its TTL.
type Lease interface {
	Name() string
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// RedisLocker keeps leases in Redis so that several processes share them.
type RedisLocker struct {
	Redis  *redis.Client
	Prefix string
}

// releaseScript deletes the key only if it still carries the holder's id.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *RedisLocker) key(name string) string {
	if l.Prefix == "" {
		return "lease:" + name
	}
	return l.Prefix + ":lease:" + name
}

// Acquire takes the lease with SET NX PX.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	holder := uuid.NewString()
	ok, err := l.Redis.SetNX(ctx, l.key(name), holder, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lease %s: %w", name, ErrHeld)
	}
	return &redisLease{locker: l, name: name, holder: holder}, nil
}

type redisLease struct {
	locker *RedisLocker
	name   string
	holder string
}

func (r *redisLease) Name() string { return r.name }

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.locker.Redis, []string{r.locker.key(r.name)}, r.holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", r.name, err)
	}
	return nil
}

// LocalLocker keeps leases in process memory. It serves single-instance
// deployments and tests.
type LocalLocker struct {
	mu     sync.Mutex
	held   map[string]localEntry
	now    func() time.Time
	nextID uint64
}

type localEntry struct {
	id      uint64
	expires time.Time
}

// NewLocalLocker creates an in-memory locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]localEntry{}, now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.held[name]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("acquire lease %s: %w", name, ErrHeld)
	}
	l.nextID++
	l.held[name] = localEntry{id: l.nextID, expires: now.Add(ttl)}
	return &localLease{locker: l, name: name, id: l.nextID}, nil
}

type localLease struct {
	locker *LocalLocker
	name   string
	id     uint64
}

func (r *localLease) Name() string { return r.name }

func (r *localLease) Release(context.Context) error {
	r.locker.mu.Lock()
	defer r.locker.mu.Unlock()
	if e, ok := r.locker.held[r.name]; ok && e.id == r.id {
		delete(r.locker.held, r.name)
	}
	return nil
}
