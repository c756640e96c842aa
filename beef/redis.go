package beef

import (
	"context"
	"errors"
	"log"
	"net/url"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
	"github.com/redis/go-redis/v9"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

// BeefKey is the redis hash holding every cached BEEF, keyed by txid.
const BeefKey = "beef"

type RedisBeefStorage struct {
	db               *redis.Client
	ttl              time.Duration
	fallback         BeefStorage
	hexpireSupported bool
}

// NewRedisBeefStorage connects to redis. An optional ttl query parameter
// (redis://localhost:6379?ttl=24h) expires individual entries where the
// server supports HEXPIRE.
func NewRedisBeefStorage(connString string, fallback BeefStorage) (*RedisBeefStorage, error) {
	r := &RedisBeefStorage{
		fallback: fallback,
	}

	cleanConnString := connString
	if u, err := url.Parse(connString); err == nil {
		q := u.Query()
		if ttlStr := q.Get("ttl"); ttlStr != "" {
			if ttl, err := time.ParseDuration(ttlStr); err == nil {
				r.ttl = ttl
			}
			// redis.ParseURL rejects unknown parameters
			q.Del("ttl")
			u.RawQuery = q.Encode()
			cleanConnString = u.String()
		}
	}

	log.Println("Connecting to Redis BeefStorage...", utils.SanitizeConnectionString(cleanConnString))
	opts, err := redis.ParseURL(cleanConnString)
	if err != nil {
		return nil, err
	}
	r.db = redis.NewClient(opts)

	if r.ttl > 0 {
		r.hexpireSupported = r.testHExpireSupport()
		if !r.hexpireSupported {
			log.Println("Warning: HEXPIRE not supported by this Redis server. TTL will not be set on individual entries.")
		}
	}
	return r, nil
}

func (t *RedisBeefStorage) testHExpireSupport() bool {
	ctx := context.Background()
	testKey := "beef:test:hexpire"
	testField := "test"
	defer t.db.Del(ctx, testKey)

	t.db.HSet(ctx, testKey, testField, "test")
	return t.db.HExpire(ctx, testKey, time.Second, testField).Err() == nil
}

func (t *RedisBeefStorage) LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	beefBytes, err := t.db.HGet(ctx, BeefKey, txid.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return loadFromFallback(ctx, t.fallback, txid, t.put)
	}
	if err != nil {
		return nil, err
	}
	return beefBytes, nil
}

func (t *RedisBeefStorage) SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	if err := t.put(ctx, txid, beefBytes); err != nil {
		return err
	}
	if t.fallback != nil {
		return t.fallback.SaveBeef(ctx, txid, beefBytes)
	}
	return nil
}

func (t *RedisBeefStorage) put(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	txidStr := txid.String()
	_, err := t.db.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, BeefKey, txidStr, beefBytes)
		if t.ttl > 0 && t.hexpireSupported {
			p.HExpire(ctx, BeefKey, t.ttl, txidStr)
		}
		return nil
	})
	return err
}

func (t *RedisBeefStorage) UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error) {
	return refreshFromFallback(ctx, t.fallback, txid, ct, t.put)
}

func (t *RedisBeefStorage) Close() error {
	return errors.Join(t.db.Close(), closeFallback(t.fallback))
}
