package queue

import (
	"context"
	"errors"
)

// ErrNotFound is returned by HGet and ZScore for a missing field or member.
var ErrNotFound = errors.New("not-found")

// ScoredMember represents a member with its score in sorted set operations
type ScoredMember struct {
	Member string
	Score  float64
}

// ScoreRange defines range parameters for sorted set queries
type ScoreRange struct {
	Min    *float64 // nil = -inf
	Max    *float64 // nil = +inf
	Offset int64    // 0 = start from beginning
	Count  int64    // 0 = all (default), positive = limit
}

// QueueStorage provides Redis-like operations for the monitor's durable
// bookkeeping: replication cursors live in hashes, proof-check attempt
// counters live in sorted sets.
type QueueStorage interface {
	// Hash Operations
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sorted Set Operations, ascending by score
	ZRem(ctx context.Context, key string, members ...string) error
	ZRange(ctx context.Context, key string, scoreRange ScoreRange) ([]ScoredMember, error)
	ZScore(ctx context.Context, key, member string) (float64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error)

	Close() error
}
