package beef

import (
	"context"
	"log"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
)

// ValidatingBeefStorage wraps a BeefStorage chain to validate merkle proofs on load
// and update missing or invalid proofs when possible
type ValidatingBeefStorage struct {
	storage      BeefStorage
	chainTracker chaintracker.ChainTracker
}

// NewValidatingBeefStorage creates a new validating wrapper around a BeefStorage chain
func NewValidatingBeefStorage(storage BeefStorage, chainTracker chaintracker.ChainTracker) *ValidatingBeefStorage {
	return &ValidatingBeefStorage{
		storage:      storage,
		chainTracker: chainTracker,
	}
}

// LoadBeef loads BEEF data and validates its merkle proof. A BEEF without a
// proof is returned as stored when no fresher one is available; a BEEF whose
// proof the chain tracker rejects is an error unless a valid one replaces it.
func (v *ValidatingBeefStorage) LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	beefBytes, err := v.storage.LoadBeef(ctx, txid)
	if err != nil {
		return nil, err
	}

	tx, err := LoadTxFromBeef(beefBytes, txid)
	if err != nil {
		return beefBytes, nil
	}

	if tx.MerklePath == nil {
		if updated, err := v.storage.UpdateMerklePath(ctx, txid, v.chainTracker); err == nil && len(updated) > 0 {
			return updated, nil
		}
		return beefBytes, nil
	}

	valid, err := tx.MerklePath.Verify(ctx, txid, v.chainTracker)
	if err != nil {
		log.Printf("Unable to verify merkle path for %s: %v", txid, err)
		return beefBytes, nil
	}
	if !valid {
		return v.storage.UpdateMerklePath(ctx, txid, v.chainTracker)
	}
	return beefBytes, nil
}

func (v *ValidatingBeefStorage) SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	return v.storage.SaveBeef(ctx, txid, beefBytes)
}

func (v *ValidatingBeefStorage) UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error) {
	if ct == nil {
		ct = v.chainTracker
	}
	return v.storage.UpdateMerklePath(ctx, txid, ct)
}

func (v *ValidatingBeefStorage) Close() error {
	return v.storage.Close()
}
