package core

import "time"

// Environment variable names for the routing core. Config.LoadFromEnv
// reads REDIS_URL; ROUTER_DEV_MODE is not read by LoadFromEnv.
const (
	EnvRedisURL = "REDIS_URL"
	EnvDevMode  = "ROUTER_DEV_MODE"
)

// Redis key conventions for the execution-record sink.
const (
	// DefaultRedisPrefix namespaces every key the sink writes, so the
	// routing core can share a Redis instance with other consumers
	// without key collisions.
	DefaultRedisPrefix = "router:sink:"

	// DefaultSinkTTL bounds how long a batch key survives if nothing
	// ever consumes it downstream.
	DefaultSinkTTL = 7 * 24 * time.Hour
)
