package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// Token is proof of holding the cycle guard. Release is idempotent.
type Token interface {
	Release(ctx context.Context) error
}

// Guard hands out at most one Token at a time. Acquire never waits: when a
// cycle is already running it fails with memory.ErrBusy.
type Guard interface {
	Acquire(ctx context.Context) (Token, error)
}

// LocalGuard is an in-process guard.
type LocalGuard struct {
	slot chan struct{}
}

// NewLocalGuard creates an unheld guard.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{slot: make(chan struct{}, 1)}
}

// Acquire takes the guard or returns ErrBusy.
func (g *LocalGuard) Acquire(ctx context.Context) (Token, error) {
	select {
	case g.slot <- struct{}{}:
		return &localToken{guard: g}, nil
	default:
		return nil, memory.ErrBusy
	}
}

type localToken struct {
	guard *LocalGuard
	once  sync.Once
}

func (t *localToken) Release(ctx context.Context) error {
	t.once.Do(func() { <-t.guard.slot })
	return nil
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is a guard shared by every process pointed at the same Redis.
// The lock carries a TTL so a crashed holder cannot wedge consolidation.
type RedisGuard struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisGuard connects to redisURL and returns a guard on key.
func NewRedisGuard(redisURL, key string, ttl time.Duration, logger *zap.Logger) (*RedisGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisGuardFromClient(rdb, key, ttl, logger), nil
}

// NewRedisGuardFromClient wraps an existing client.
func NewRedisGuardFromClient(rdb *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *RedisGuard {
	if key == "" {
		key = "nuka:memory:cycle"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisGuard{rdb: rdb, key: key, ttl: ttl, logger: logger}
}

// Acquire sets the lock key if absent.
func (g *RedisGuard) Acquire(ctx context.Context) (Token, error) {
	value := uuid.NewString()
	ok, err := g.rdb.SetNX(ctx, g.key, value, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire cycle lock: %v", memory.ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, memory.ErrBusy
	}
	g.logger.Debug("cycle lock acquired", zap.String("key", g.key), zap.Duration("ttl", g.ttl))
	return &redisToken{guard: g, value: value}, nil
}

// Close closes the Redis client.
func (g *RedisGuard) Close() error {
	return g.rdb.Close()
}

type redisToken struct {
	guard *RedisGuard
	value string
	once  sync.Once
	err   error
}

func (t *redisToken) Release(ctx context.Context) error {
	t.once.Do(func() {
		n, err := releaseScript.Run(ctx, t.guard.rdb, []string{t.guard.key}, t.value).Int()
		if err != nil {
			t.err = fmt.Errorf("release cycle lock: %w", err)
			return
		}
		if n == 0 {
			t.guard.logger.Warn("cycle lock expired before release", zap.String("key", t.guard.key))
		}
	})
	return t.err
}
