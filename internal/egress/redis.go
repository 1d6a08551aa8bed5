package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/snehjoshi/lateq/internal/config"
	"github.com/snehjoshi/lateq/internal/scheduler"
)

// RedisList appends payloads to Redis lists with RPUSH.
type RedisList struct {
	rdb        *redis.Client
	defaultKey string
	timeout    time.Duration
}

// NewRedisClient creates a Redis client tuned for short, non-retrying
// deliveries and verifies the connection.
func NewRedisClient(ctx context.Context, addr string, db int, timeout time.Duration, log *slog.Logger) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		PoolTimeout:  timeout,
		PoolSize:     4,
		MinIdleConns: 1,
		// A failed RPUSH is retried by the dispatch loop after a poll
		// interval; client retries would only stretch a blocked attempt.
		MaxRetries: -1,
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("egress: redis %s: %w", addr, err)
	}
	log.Info("redis connection established",
		"addr", addr,
		"db", db,
		"ping_rtt_ms", time.Since(start).Milliseconds(),
	)
	return rdb, nil
}

// NewRedisList wraps rdb. Closing the RedisList closes rdb.
func NewRedisList(rdb *redis.Client, defaultKey string, timeout time.Duration) *RedisList {
	return &RedisList{rdb: rdb, defaultKey: defaultKey, timeout: timeout}
}

func newRedisListFromConfig(ctx context.Context, cfg config.EgressConfig, env Env) (Sender, error) {
	rdb, err := NewRedisClient(ctx, cfg.Address, cfg.DB, cfg.SendTimeout.Std(), env.Logger)
	if err != nil {
		return nil, err
	}
	return NewRedisList(rdb, cfg.DefaultKey, cfg.SendTimeout.Std()), nil
}

// Deliver implements scheduler.Sender.
func (r *RedisList) Deliver(ctx context.Context, payload []byte) (scheduler.Outcome, error) {
	key, value, ok := SplitKey(payload, r.defaultKey)
	if !ok {
		return scheduler.Fatal, ErrNoKey
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.rdb.RPush(ctx, key, value).Err()
	return classifyRedis(err), err
}

// Close closes the underlying client.
func (r *RedisList) Close() error { return r.rdb.Close() }

// transientReplies are Redis error reply prefixes that clear on their own.
var transientReplies = []string{"OOM", "LOADING", "BUSY", "TRYAGAIN", "MASTERDOWN", "READONLY", "CLUSTERDOWN"}

// classifyRedis maps a go-redis error to a delivery outcome. Network errors,
// timeouts and pool exhaustion are Blocked; error replies from the server
// (WRONGTYPE and friends) are Fatal unless they are known to be transient.
func classifyRedis(err error) scheduler.Outcome {
	if err == nil {
		return scheduler.Delivered
	}
	if errors.Is(err, redis.ErrClosed) {
		return scheduler.Fatal
	}
	var reply redis.Error
	if errors.As(err, &reply) {
		msg := reply.Error()
		for _, p := range transientReplies {
			if strings.HasPrefix(msg, p) {
				return scheduler.Blocked
			}
		}
		return scheduler.Fatal
	}
	return scheduler.Blocked
}
