package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConsumer reads due payloads straight from the Redis lists the
// server's redis egress appends to.
type RedisConsumer struct {
	rdb redis.Cmdable
}

// NewRedisConsumer wraps an existing go-redis client. The caller keeps
// ownership of rdb.
func NewRedisConsumer(rdb redis.Cmdable) *RedisConsumer {
	return &RedisConsumer{rdb: rdb}
}

// AwaitReady pops the oldest payload from list key, blocking up to timeout
// for one to arrive. A zero timeout polls once without blocking. ok is false
// when the list stayed empty.
//
// Redis counts BLPOP timeouts in whole seconds, so sub-second timeouts are
// rounded up to one second.
func (c *RedisConsumer) AwaitReady(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	if timeout <= 0 {
		v, err := c.rdb.LPop(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("lateq: lpop %q: %w", key, err)
		}
		return v, true, nil
	}

	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lateq: blpop %q: %w", key, err)
	}
	// res is [key, value].
	return []byte(res[1]), true, nil
}
