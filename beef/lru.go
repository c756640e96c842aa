package beef

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
)

type lruEntry struct {
	txid      chainhash.Hash
	beefBytes []byte
}

// LRUBeefStorage is a size-bounded in-memory layer over a fallback.
type LRUBeefStorage struct {
	maxBytes    int64        // Maximum total size in bytes
	currentSize atomic.Int64 // Current total size in bytes (atomic for lock-free reads)
	index       map[chainhash.Hash]*list.Element
	lru         *list.List // front is most recently used
	fallback    BeefStorage
	mu          sync.Mutex
}

// NewLRUBeefStorage creates a new LRU cache with the specified maximum size in bytes
func NewLRUBeefStorage(maxBytes int64, fallback BeefStorage) *LRUBeefStorage {
	return &LRUBeefStorage{
		maxBytes: maxBytes,
		index:    make(map[chainhash.Hash]*list.Element),
		lru:      list.New(),
		fallback: fallback,
	}
}

func (t *LRUBeefStorage) LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	t.mu.Lock()
	if elem, found := t.index[*txid]; found {
		t.lru.MoveToFront(elem)
		beefBytes := copyBytes(elem.Value.(*lruEntry).beefBytes)
		t.mu.Unlock()
		return beefBytes, nil
	}
	t.mu.Unlock()

	return loadFromFallback(ctx, t.fallback, txid, t.put)
}

func (t *LRUBeefStorage) SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	if err := t.put(ctx, txid, beefBytes); err != nil {
		return err
	}
	if t.fallback != nil {
		return t.fallback.SaveBeef(ctx, txid, beefBytes)
	}
	return nil
}

// put stores beefBytes in this layer only.
func (t *LRUBeefStorage) put(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	newSize := int64(len(beefBytes))
	if elem, found := t.index[*txid]; found {
		entry := elem.Value.(*lruEntry)
		t.currentSize.Add(newSize - int64(len(entry.beefBytes)))
		entry.beefBytes = copyBytes(beefBytes)
		t.lru.MoveToFront(elem)
	} else {
		t.index[*txid] = t.lru.PushFront(&lruEntry{txid: *txid, beefBytes: copyBytes(beefBytes)})
		t.currentSize.Add(newSize)
	}

	t.evictIfNeeded()
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func (t *LRUBeefStorage) evictIfNeeded() {
	for t.currentSize.Load() > t.maxBytes && t.lru.Len() > 0 {
		oldest := t.lru.Back()
		entry := oldest.Value.(*lruEntry)
		t.currentSize.Add(-int64(len(entry.beefBytes)))
		delete(t.index, entry.txid)
		t.lru.Remove(oldest)
	}
}

// Stats returns cache statistics
func (t *LRUBeefStorage) Stats() (currentBytes int64, maxBytes int64, entryCount int) {
	t.mu.Lock()
	entryCount = t.lru.Len()
	t.mu.Unlock()
	return t.currentSize.Load(), t.maxBytes, entryCount
}

// UpdateMerklePath drops the cached copy and refreshes through the fallback.
func (t *LRUBeefStorage) UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error) {
	t.mu.Lock()
	if elem, found := t.index[*txid]; found {
		t.currentSize.Add(-int64(len(elem.Value.(*lruEntry).beefBytes)))
		delete(t.index, *txid)
		t.lru.Remove(elem)
	}
	t.mu.Unlock()

	return refreshFromFallback(ctx, t.fallback, txid, ct, t.put)
}

// Close clears the LRU cache
func (t *LRUBeefStorage) Close() error {
	t.mu.Lock()
	t.index = make(map[chainhash.Hash]*list.Element)
	t.lru.Init()
	t.currentSize.Store(0)
	t.mu.Unlock()

	return closeFallback(t.fallback)
}

// ParseSize parses size strings like "100mb", "1gb", "512KB" into bytes
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.ToLower(strings.TrimSpace(sizeStr))

	idx := strings.IndexFunc(sizeStr, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if idx == -1 {
		n, err := strconv.ParseFloat(sizeStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size: %s", sizeStr)
		}
		return int64(n), nil
	}

	number, err := strconv.ParseFloat(sizeStr[:idx], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", sizeStr[:idx])
	}

	unit := strings.TrimSpace(sizeStr[idx:])
	switch unit {
	case "b", "byte", "bytes":
		return int64(number), nil
	case "kb", "kilobyte", "kilobytes":
		return int64(number * 1024), nil
	case "mb", "megabyte", "megabytes":
		return int64(number * 1024 * 1024), nil
	case "gb", "gigabyte", "gigabytes":
		return int64(number * 1024 * 1024 * 1024), nil
	case "tb", "terabyte", "terabytes":
		return int64(number * 1024 * 1024 * 1024 * 1024), nil
	default:
		return 0, fmt.Errorf("unknown size unit: %s", unit)
	}
}
