package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another scheduler instance holds the lease.
var ErrLeaseHeld = errors.New("scheduler: lease held by another instance")

// Lease elects the single active scheduler. Acquire returns a release func
// that is safe to call more than once.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (func(), error)
}

// releaseLua deletes the lease key only if it still holds the caller's token,
// so an expired holder never releases its successor's lease.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLease is a Lease backed by Redis SETNX with a TTL.
type RedisLease struct {
	rdb       redis.UniversalClient
	key       string
	releaseSc *redis.Script
}

func NewRedisLease(rdb redis.UniversalClient, key string) *RedisLease {
	return &RedisLease{
		rdb:       rdb,
		key:       key,
		releaseSc: redis.NewScript(releaseLua),
	}
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (func(), error) {
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.releaseSc.Run(releaseCtx, l.rdb, []string{l.key}, token).Err()
		})
	}
	return release, nil
}

// LocalLease is an in-process Lease for single-node deployments.
type LocalLease struct {
	mu sync.Mutex
}

func (l *LocalLease) Acquire(_ context.Context, _ time.Duration) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrLeaseHeld
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

var (
	_ Lease = (*RedisLease)(nil)
	_ Lease = (*LocalLease)(nil)
)
