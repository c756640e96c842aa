package beef

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
)

var ErrNotFound = errors.New("not-found")

// BeefStorage stores one BEEF per transaction. Layers are stacked with a
// fallback: a miss is served from the next layer and cached on the way up.
type BeefStorage interface {
	LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error)
	SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error
	// UpdateMerklePath fetches a fresher BEEF for txid from the layer that can
	// produce one and rewrites it into every layer above. Returns ErrNotFound
	// when no layer can supply a proof.
	UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error)
	Close() error
}

// LoadTxFromBeef parses beefBytes and returns the transaction identified by
// txid with its source transactions and merkle paths attached.
func LoadTxFromBeef(beefBytes []byte, txid *chainhash.Hash) (*transaction.Transaction, error) {
	b, tx, _, err := transaction.ParseBeef(beefBytes)
	if err != nil {
		return nil, err
	}
	if txid != nil {
		tx = b.FindAtomicTransactionByHash(txid)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s missing from beef", ErrNotFound, txid)
	}
	return tx, nil
}

// LoadTx loads a transaction from any BeefStorage implementation
func LoadTx(ctx context.Context, storage BeefStorage, txid *chainhash.Hash) (*transaction.Transaction, error) {
	beefBytes, err := storage.LoadBeef(ctx, txid)
	if err != nil {
		return nil, err
	}
	return LoadTxFromBeef(beefBytes, txid)
}

// loadFromFallback serves a miss from fallback and caches the result through save.
func loadFromFallback(ctx context.Context, fallback BeefStorage, txid *chainhash.Hash, save func(context.Context, *chainhash.Hash, []byte) error) ([]byte, error) {
	if fallback == nil {
		return nil, ErrNotFound
	}
	beefBytes, err := fallback.LoadBeef(ctx, txid)
	if err != nil {
		return nil, err
	}
	if err := save(ctx, txid, beefBytes); err != nil {
		log.Printf("Failed to cache beef %s: %v", txid, err)
	}
	return beefBytes, nil
}

// refreshFromFallback asks fallback for an updated merkle path and rewrites our copy.
func refreshFromFallback(ctx context.Context, fallback BeefStorage, txid *chainhash.Hash, ct chaintracker.ChainTracker, save func(context.Context, *chainhash.Hash, []byte) error) ([]byte, error) {
	if fallback == nil {
		return nil, ErrNotFound
	}
	beefBytes, err := fallback.UpdateMerklePath(ctx, txid, ct)
	if err != nil {
		return nil, err
	}
	if len(beefBytes) > 0 {
		if err := save(ctx, txid, beefBytes); err != nil {
			log.Printf("Failed to store updated beef %s: %v", txid, err)
		}
	}
	return beefBytes, nil
}

func closeFallback(fallback BeefStorage) error {
	if fallback == nil {
		return nil
	}
	return fallback.Close()
}
