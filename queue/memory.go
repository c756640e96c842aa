package queue

import (
	"context"
	"sort"
	"sync"
)

// MemoryQueueStorage is an in-process QueueStorage for tests and memory:// deployments.
type MemoryQueueStorage struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	zsets  map[string]map[string]float64
}

func NewMemoryQueueStorage() *MemoryQueueStorage {
	return &MemoryQueueStorage{
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string]map[string]float64),
	}
}

func (s *MemoryQueueStorage) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryQueueStorage) HGet(ctx context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryQueueStorage) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryQueueStorage) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fields {
		delete(s.hashes[key], f)
	}
	return nil
}

func (s *MemoryQueueStorage) zset(key string) map[string]float64 {
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	return z
}

func (s *MemoryQueueStorage) ZRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.zsets[key], m)
	}
	return nil
}

func (s *MemoryQueueStorage) ZRange(ctx context.Context, key string, scoreRange ScoreRange) ([]ScoredMember, error) {
	s.mu.Lock()
	var members []ScoredMember
	for m, score := range s.zsets[key] {
		if scoreRange.Min != nil && score < *scoreRange.Min {
			continue
		}
		if scoreRange.Max != nil && score > *scoreRange.Max {
			continue
		}
		members = append(members, ScoredMember{Member: m, Score: score})
	}
	s.mu.Unlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	if scoreRange.Offset > 0 {
		if scoreRange.Offset >= int64(len(members)) {
			return nil, nil
		}
		members = members[scoreRange.Offset:]
	}
	if scoreRange.Count > 0 && scoreRange.Count < int64(len(members)) {
		members = members[:scoreRange.Count]
	}
	return members, nil
}

func (s *MemoryQueueStorage) ZScore(ctx context.Context, key, member string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.zsets[key][member]
	if !ok {
		return 0, ErrNotFound
	}
	return score, nil
}

func (s *MemoryQueueStorage) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryQueueStorage) ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zset(key)
	z[member] += increment
	return z[member], nil
}

func (s *MemoryQueueStorage) Close() error {
	return nil
}
