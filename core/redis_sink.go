// Package core provides the Redis-backed persistence sink for the
// routing core's batched writes.
//
// Database Allocation:
// The routing core isolates its Redis usage to a single DB (configurable
// via RedisSinkOptions.DB; the zero value selects DB 0) and namespaces
// every key under DefaultRedisPrefix so it can share a Redis instance
// with unrelated consumers without collisions.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSink persists Execution Tracker batches (and, for scoring
// snapshots, Statistical Router recalculation output) to a namespaced
// Redis list via RPUSH, with DB isolation so routing-core traffic
// never collides with an unrelated consumer's keys.
type RedisSink struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    Logger
}

// RedisSinkOptions configures a RedisSink.
type RedisSinkOptions struct {
	RedisURL  string
	DB        int           // Redis DB number for isolation (0-15)
	Namespace string        // key namespace; defaults to DefaultRedisPrefix
	TTL       time.Duration // key expiry after each write; defaults to DefaultSinkTTL
	Logger    Logger        // optional
}

// NewRedisSink creates a RedisSink and verifies connectivity.
func NewRedisSink(opts RedisSinkOptions) (*RedisSink, error) {
	if opts.RedisURL == "" {
		return nil, NewRoutingError("RedisSink.New", KindValidation, ErrMissingConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, NewRoutingError("RedisSink.New", KindValidation, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err))
	}
	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultRedisPrefix
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultSinkTTL
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("failed to connect to Redis sink", map[string]interface{}{
				"error": err.Error(),
				"db":    opts.DB,
			})
		}
		return nil, NewRoutingError("RedisSink.New", KindInternal, fmt.Errorf("ping redis db %d: %w", opts.DB, err))
	}

	if opts.Logger != nil {
		opts.Logger.Info("Redis sink connected", map[string]interface{}{
			"db":        opts.DB,
			"namespace": namespace,
		})
	}

	return &RedisSink{client: client, namespace: namespace, ttl: ttl, logger: opts.Logger}, nil
}

// Write implements Sink. It RPUSHes the batch (and, if present, the
// snapshot) onto namespaced list keys and refreshes their TTL, so a
// consumer that never drains the list cannot grow it unbounded.
func (s *RedisSink) Write(ctx context.Context, batch []byte, snapshot []byte) error {
	pipe := s.client.Pipeline()

	if len(batch) > 0 {
		key := s.key("batches")
		pipe.RPush(ctx, key, batch)
		pipe.Expire(ctx, key, s.ttl)
	}
	if len(snapshot) > 0 {
		key := s.key("snapshots")
		pipe.RPush(ctx, key, snapshot)
		pipe.Expire(ctx, key, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		if s.logger != nil {
			s.logger.Error("redis sink write failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return &RetriableError{Err: fmt.Errorf("redis sink write: %w", err)}
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (s *RedisSink) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) key(suffix string) string {
	return s.namespace + suffix
}
