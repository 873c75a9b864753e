package replay

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisGuard records deliveries with SET NX EX
type RedisGuard struct {
	client redis.Cmdable
	opts   Options
}

// NewRedisGuard creates a new RedisGuard instance
func NewRedisGuard(client redis.Cmdable, opts Options) *RedisGuard {
	return &RedisGuard{client: client, opts: opts.withDefaults()}
}

func (g *RedisGuard) CheckAndRecord(ctx context.Context, id, processedAt string) (bool, error) {
	key := Key(g.opts.Prefix, id, processedAt)

	fresh, err := g.client.SetNX(ctx, key, 1, g.opts.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record delivery %s: %w", key, err)
	}
	return fresh, nil
}
