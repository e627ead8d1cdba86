// Package cache provides the advisory key/value cache used in front of the
// config store and per-user evaluation results. Correctness never depends
// on a cache being available; callers treat every error as a miss.
package cache

import (
	"context"
	"time"
)

// KV is a byte-oriented cache with per-key TTLs. Get returns (nil, false,
// nil) on a miss; implementations must not invent errors for absent keys.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// FlagKey is the config-cache key for a flag.
func FlagKey(flagKey string) string {
	return "flag:" + flagKey
}

// EvalKey is the evaluation-result cache key for a (flag, user) pair.
func EvalKey(flagKey, userID string) string {
	return "flag_eval:" + flagKey + ":" + userID
}
