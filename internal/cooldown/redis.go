// internal/cooldown/redis.go
package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	Timeout   time.Duration
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisGuard claims the right to fire a (rule, stream) pair across processes with
// SET key NX PX cooldown. The key expires on its own when the cooldown ends.
type RedisGuard struct {
	rdb    setNXer
	client *redis.Client
	prefix string
}

func NewRedisGuard(o Options) *RedisGuard {
	client := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
	ns := o.Namespace
	if ns == "" {
		ns = "telemetry:fire"
	}
	return &RedisGuard{rdb: client, client: client, prefix: ns}
}

func (g *RedisGuard) Claim(ctx context.Context, key string, cooldown time.Duration, now time.Time) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	ok, err := g.rdb.SetNX(ctx, g.prefix+":"+key, now.UTC().Format(time.RFC3339Nano), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("redis fire claim %s: %w", key, err)
	}
	return ok, nil
}

func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisGuard) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
