package autodial

import (
	"context"
	"time"

	"dialer-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Gate caps concurrent in-flight dials across the process, mirroring the
// provider's channel limit. Acquire returns ok=false when the cap is reached;
// release must be called once the dial is no longer in flight.
type Gate interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// NopGate never limits.
type NopGate struct{}

func (NopGate) Acquire(context.Context) (func(), bool, error) {
	return func() {}, true, nil
}

// RedisGate counts in-flight dials in redis so the cap holds across replicas.
// The TTL bounds slot leaks when a process dies while holding one.
type RedisGate struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
}

func NewRedisGate(rdb *redis.Client, key string, limit int, ttl time.Duration) *RedisGate {
	return &RedisGate{rdb: rdb, key: key, limit: limit, ttl: ttl}
}

func (g *RedisGate) Acquire(ctx context.Context) (func(), bool, error) {
	ok, err := utils.AcquireConcurrencyCap(ctx, g.rdb, g.key, g.limit, g.ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = utils.ReleaseConcurrencyCap(rctx, g.rdb, g.key)
	}
	return release, true, nil
}
