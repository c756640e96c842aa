package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

const (
	redisCreatedKey = "wtx:created"
	redisUpdatedKey = "wtx:updated"
)

func redisTxKey(reference string) string {
	return "wtx:r:" + reference
}

// RedisWalletStorage stores each record as JSON with two sorted-set indexes
// (creation and update time). Filters are evaluated client side.
type RedisWalletStorage struct {
	identity string
	DB       *redis.Client
}

func NewRedisWalletStorage(identity string, connString string) (*RedisWalletStorage, error) {
	log.Println("Connecting to Redis wallet storage...", utils.SanitizeConnectionString(connString))
	opts, err := redis.ParseURL(connString)
	if err != nil {
		return nil, err
	}
	return &RedisWalletStorage{identity: identity, DB: redis.NewClient(opts)}, nil
}

func (s *RedisWalletStorage) StorageIdentityKey() string {
	return s.identity
}

func (s *RedisWalletStorage) InsertTransaction(ctx context.Context, rec *TransactionRecord) error {
	if err := prepareInsert(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.DB.SetNX(ctx, redisTxKey(rec.Reference), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateReference
	}
	_, err = s.DB.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, redisCreatedKey, redis.Z{Score: float64(rec.CreatedAt.UnixMicro()), Member: rec.Reference})
		p.ZAdd(ctx, redisUpdatedKey, redis.Z{Score: float64(rec.UpdatedAt.UnixMicro()), Member: rec.Reference})
		return nil
	})
	return err
}

func (s *RedisWalletStorage) FindTransaction(ctx context.Context, reference string) (*TransactionRecord, error) {
	data, err := s.DB.Get(ctx, redisTxKey(reference)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	rec := &TransactionRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// loadAll fetches the records for refs, skipping any removed concurrently.
func (s *RedisWalletStorage) loadAll(ctx context.Context, refs []string) ([]*TransactionRecord, error) {
	recs := make([]*TransactionRecord, 0, len(refs))
	for chunk := range slices.Chunk(refs, 500) {
		keys := make([]string, len(chunk))
		for i, ref := range chunk {
			keys[i] = redisTxKey(ref)
		}
		vals, err := s.DB.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			rec := &TransactionRecord{}
			if err := json.Unmarshal([]byte(str), rec); err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (s *RedisWalletStorage) ListTransactions(ctx context.Context, filter ListTransactionsFilter) ([]*TransactionRecord, int, error) {
	refs, err := s.DB.ZRevRange(ctx, redisCreatedKey, 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}
	all, err := s.loadAll(ctx, refs)
	if err != nil {
		return nil, 0, err
	}
	matched := make([]*TransactionRecord, 0)
	for _, rec := range all {
		if filter.Matches(rec) {
			matched = append(matched, rec)
		}
	}
	sortNewestFirst(matched)
	return paginate(matched, filter.Offset, filter.Limit), len(matched), nil
}

// mutate applies fn to the stored record under WATCH so concurrent writers retry or fail cleanly.
func (s *RedisWalletStorage) mutate(ctx context.Context, reference string, fn func(rec *TransactionRecord) error) error {
	key := redisTxKey(reference)
	return s.DB.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		rec := &TransactionRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.UpdatedAt = now()
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, 0)
			p.ZAdd(ctx, redisUpdatedKey, redis.Z{Score: float64(rec.UpdatedAt.UnixMicro()), Member: reference})
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return ErrStatusConflict
		}
		return err
	}, key)
}

func (s *RedisWalletStorage) UpdateTransactionStatus(ctx context.Context, reference string, status TxStatus, onlyFrom ...TxStatus) error {
	return s.mutate(ctx, reference, func(rec *TransactionRecord) error {
		if len(onlyFrom) > 0 && !slices.Contains(onlyFrom, rec.Status) {
			return ErrStatusConflict
		}
		rec.Status = status
		return nil
	})
}

func (s *RedisWalletStorage) UpdateTransactionProof(ctx context.Context, reference string, merklePath []byte, blockHeight uint32, status TxStatus) error {
	return s.mutate(ctx, reference, func(rec *TransactionRecord) error {
		rec.MerklePath = merklePath
		rec.BlockHeight = blockHeight
		rec.Status = status
		return nil
	})
}

func (s *RedisWalletStorage) AbortAction(ctx context.Context, auth AuthID, reference string) error {
	return s.mutate(ctx, reference, func(rec *TransactionRecord) error {
		if err := checkAbort(auth, rec); err != nil {
			return err
		}
		rec.Status = TxStatusFailed
		return nil
	})
}

func (s *RedisWalletStorage) TransactionsUpdatedSince(ctx context.Context, cursor SyncCursor, limit int) ([]*TransactionRecord, error) {
	minScore := "-inf"
	if !cursor.UpdatedAt.IsZero() {
		minScore = strconv.FormatInt(cursor.UpdatedAt.UnixMicro(), 10)
	}
	refs, err := s.DB.ZRangeByScore(ctx, redisUpdatedKey, &redis.ZRangeBy{Min: minScore, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	all, err := s.loadAll(ctx, refs)
	if err != nil {
		return nil, err
	}
	out := make([]*TransactionRecord, 0, len(all))
	for _, rec := range all {
		if cursor.After(rec) {
			out = append(out, rec)
		}
	}
	sortByCursor(out)
	return paginate(out, 0, limit), nil
}

func (s *RedisWalletStorage) UpsertTransactions(ctx context.Context, recs []*TransactionRecord) error {
	_, err := s.DB.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, rec := range recs {
			if rec.Reference == "" {
				return ErrMissingReference
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			p.Set(ctx, redisTxKey(rec.Reference), data, 0)
			p.ZAdd(ctx, redisCreatedKey, redis.Z{Score: float64(rec.CreatedAt.UnixMicro()), Member: rec.Reference})
			p.ZAdd(ctx, redisUpdatedKey, redis.Z{Score: float64(rec.UpdatedAt.UnixMicro()), Member: rec.Reference})
		}
		return nil
	})
	return err
}

func (s *RedisWalletStorage) Close() error {
	return s.DB.Close()
}
