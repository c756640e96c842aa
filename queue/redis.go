package queue

import (
	"context"
	"log"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

type RedisQueueStorage struct {
	client *redis.Client
}

func NewRedisQueueStorage(connString string) (*RedisQueueStorage, error) {
	log.Println("Connecting to Redis Queue Storage...", utils.SanitizeConnectionString(connString))
	opts, err := redis.ParseURL(connString)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	return &RedisQueueStorage{client: client}, nil
}

// Ping reports whether the server is reachable.
func (s *RedisQueueStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Hash Operations
func (s *RedisQueueStorage) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *RedisQueueStorage) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisQueueStorage) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisQueueStorage) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, key, fields...).Err()
}

// Sorted Set Operations
func (s *RedisQueueStorage) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.client.ZRem(ctx, key, members).Err()
}

func (s *RedisQueueStorage) ZRange(ctx context.Context, key string, scoreRange ScoreRange) ([]ScoredMember, error) {
	opt := &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "+inf",
		Offset: scoreRange.Offset,
		Count:  scoreRange.Count,
	}
	if scoreRange.Min != nil {
		opt.Min = formatScore(*scoreRange.Min)
	}
	if scoreRange.Max != nil {
		opt.Max = formatScore(*scoreRange.Max)
	}
	if opt.Count == 0 && opt.Offset > 0 {
		opt.Count = -1
	}
	results, err := s.client.ZRangeByScoreWithScores(ctx, key, opt).Result()
	if err != nil {
		return nil, err
	}

	members := make([]ScoredMember, len(results))
	for i, result := range results {
		members[i] = ScoredMember{
			Member: result.Member.(string),
			Score:  result.Score,
		}
	}
	return members, nil
}

func (s *RedisQueueStorage) ZScore(ctx context.Context, key, member string) (float64, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	return score, err
}

func (s *RedisQueueStorage) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisQueueStorage) ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error) {
	return s.client.ZIncrBy(ctx, key, increment, member).Result()
}

func (s *RedisQueueStorage) Close() error {
	return s.client.Close()
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
