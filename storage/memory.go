package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryWalletStorage keeps records in process memory. It backs tests and
// single-process deployments selected with memory://.
type MemoryWalletStorage struct {
	identity string
	mu       sync.RWMutex
	records  map[string]*TransactionRecord
}

func NewMemoryWalletStorage(identity string) *MemoryWalletStorage {
	return &MemoryWalletStorage{
		identity: identity,
		records:  make(map[string]*TransactionRecord),
	}
}

func (s *MemoryWalletStorage) StorageIdentityKey() string {
	return s.identity
}

func (s *MemoryWalletStorage) InsertTransaction(ctx context.Context, rec *TransactionRecord) error {
	if err := prepareInsert(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Reference]; ok {
		return ErrDuplicateReference
	}
	s.records[rec.Reference] = rec.Clone()
	return nil
}

func (s *MemoryWalletStorage) FindTransaction(ctx context.Context, reference string) (*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryWalletStorage) ListTransactions(ctx context.Context, filter ListTransactionsFilter) ([]*TransactionRecord, int, error) {
	s.mu.RLock()
	matched := make([]*TransactionRecord, 0)
	for _, rec := range s.records {
		if filter.Matches(rec) {
			matched = append(matched, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	return paginate(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (s *MemoryWalletStorage) UpdateTransactionStatus(ctx context.Context, reference string, status TxStatus, onlyFrom ...TxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[reference]
	if !ok {
		return ErrNotFound
	}
	if len(onlyFrom) > 0 && !slices.Contains(onlyFrom, rec.Status) {
		return ErrStatusConflict
	}
	rec.Status = status
	rec.UpdatedAt = now()
	return nil
}

func (s *MemoryWalletStorage) UpdateTransactionProof(ctx context.Context, reference string, merklePath []byte, blockHeight uint32, status TxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[reference]
	if !ok {
		return ErrNotFound
	}
	rec.MerklePath = slices.Clone(merklePath)
	rec.BlockHeight = blockHeight
	rec.Status = status
	rec.UpdatedAt = now()
	return nil
}

func (s *MemoryWalletStorage) AbortAction(ctx context.Context, auth AuthID, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[reference]
	if !ok {
		return ErrNotFound
	}
	if err := checkAbort(auth, rec); err != nil {
		return err
	}
	rec.Status = TxStatusFailed
	rec.UpdatedAt = now()
	return nil
}

func (s *MemoryWalletStorage) TransactionsUpdatedSince(ctx context.Context, cursor SyncCursor, limit int) ([]*TransactionRecord, error) {
	s.mu.RLock()
	out := make([]*TransactionRecord, 0)
	for _, rec := range s.records {
		if cursor.After(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCursor(out)
	return paginate(out, 0, limit), nil
}

func (s *MemoryWalletStorage) UpsertTransactions(ctx context.Context, recs []*TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if rec.Reference == "" {
			return ErrMissingReference
		}
		s.records[rec.Reference] = rec.Clone()
	}
	return nil
}

func (s *MemoryWalletStorage) Close() error {
	return nil
}

// sortNewestFirst is the listing order shared by every backend.
func sortNewestFirst(recs []*TransactionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Reference < recs[j].Reference
	})
}

func sortByCursor(recs []*TransactionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
		}
		return recs[i].Reference < recs[j].Reference
	})
}

func paginate(recs []*TransactionRecord, offset, limit int) []*TransactionRecord {
	if offset >= len(recs) {
		return []*TransactionRecord{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
