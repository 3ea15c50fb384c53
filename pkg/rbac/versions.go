package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// VersionSource tracks a per-user role-assignment version. Every mutation
// of a user's assignments bumps it, which retires cached permission sets
// keyed on the previous value.
type VersionSource interface {
	Version(ctx context.Context, userID int64) (int64, error)
	Bump(ctx context.Context, userID int64) error
}

// LocalVersions keeps versions in process memory. Only correct when a
// single instance serves all role mutations.
type LocalVersions struct {
	mu       sync.Mutex
	versions map[int64]int64
}

// NewLocalVersions creates an empty LocalVersions
func NewLocalVersions() *LocalVersions {
	return &LocalVersions{versions: make(map[int64]int64)}
}

func (v *LocalVersions) Version(ctx context.Context, userID int64) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.versions[userID], nil
}

func (v *LocalVersions) Bump(ctx context.Context, userID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.versions[userID]++
	return nil
}

// RedisVersions shares versions between instances through Redis INCR
type RedisVersions struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisVersions creates a Redis-backed VersionSource. Keys expire after
// ttl without a bump; ttl must exceed the permission cache TTL by a wide
// margin.
func NewRedisVersions(client *redis.Client, prefix string, ttl time.Duration) *RedisVersions {
	if prefix == "" {
		prefix = "accounts:rbac:version"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisVersions{redis: client, prefix: prefix, ttl: ttl}
}

func (v *RedisVersions) key(userID int64) string {
	return fmt.Sprintf("%s:%d", v.prefix, userID)
}

func (v *RedisVersions) Version(ctx context.Context, userID int64) (int64, error) {
	n, err := v.redis.Get(ctx, v.key(userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return n, nil
}

func (v *RedisVersions) Bump(ctx context.Context, userID int64) error {
	pipe := v.redis.Pipeline()
	pipe.Incr(ctx, v.key(userID))
	pipe.Expire(ctx, v.key(userID), v.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}
