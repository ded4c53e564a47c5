package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/mohammed-shakir/geo-export-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

const redisMarkerPrefix = "lock:"

// RedisMarkers backs markers with redsync mutexes. Markers expire after
// ttl, so a crashed holder cannot wedge a task forever.
type RedisMarkers struct {
	cli *redisstore.Client
	rs  *redsync.Redsync
	ttl time.Duration

	mu   sync.Mutex
	held map[model.TaskHash]*redsync.Mutex
}

func NewRedisMarkers(cli *redisstore.Client, ttl time.Duration) *RedisMarkers {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisMarkers{
		cli:  cli,
		rs:   redsync.New(goredis.NewPool(cli.Redis())),
		ttl:  ttl,
		held: make(map[model.TaskHash]*redsync.Mutex),
	}
}

func markerKey(h model.TaskHash) string { return redisMarkerPrefix + string(h) }

func (r *RedisMarkers) Exists(ctx context.Context, h model.TaskHash) (bool, error) {
	return r.cli.Exists(ctx, markerKey(h))
}

func (r *RedisMarkers) Put(ctx context.Context, h model.TaskHash) error {
	m := r.rs.NewMutex(markerKey(h), redsync.WithExpiry(r.ttl), redsync.WithTries(1))
	if err := m.TryLockContext(ctx); err != nil {
		return fmt.Errorf("redis marker %s: %w", h, err)
	}
	r.mu.Lock()
	r.held[h] = m
	r.mu.Unlock()
	return nil
}

// Remove unlocks a marker taken by this process, and deletes one taken
// by any other holder.
func (r *RedisMarkers) Remove(ctx context.Context, h model.TaskHash) error {
	r.mu.Lock()
	m, ok := r.held[h]
	delete(r.held, h)
	r.mu.Unlock()

	if ok {
		if unlocked, err := m.UnlockContext(ctx); err == nil && unlocked {
			return nil
		}
	}
	return r.cli.Del(ctx, markerKey(h))
}
