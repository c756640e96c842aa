package proofs

import (
	"context"
	"errors"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"

	"github.com/b-open-io/wallet-monitor/beef"
)

var (
	ErrProofNotFound = errors.New("proof not found")
	ErrInvalidTxID   = errors.New("invalid txid")
)

// ProofOptions tells a reader what the target bundle already holds.
type ProofOptions struct {
	// KnownTxids are already present in the bundle; the reader must not
	// contribute them again when they appear as ancestors.
	KnownTxids map[string]struct{}
	// IgnoreNewProven leaves an already merged transaction as it is even if
	// the reader could now supply a merkle path for it.
	IgnoreNewProven bool
}

func (o ProofOptions) known(txid string) bool {
	_, ok := o.KnownTxids[txid]
	return ok
}

// ProofReader contributes the proof data of one transaction into a bundle.
type ProofReader interface {
	GetProofDataForTransaction(ctx context.Context, txid string, bundle *transaction.Beef, opts ProofOptions) error
}

// BeefProofReader reads proof data from a beef.BeefStorage stack.
type BeefProofReader struct {
	storage beef.BeefStorage
}

func NewBeefProofReader(storage beef.BeefStorage) *BeefProofReader {
	return &BeefProofReader{storage: storage}
}

// GetProofDataForTransaction merges txid and whatever of its ancestry the
// stored BEEF carries. A proven transaction ends the walk up its inputs.
// Nothing is written to bundle before the stored BEEF is loaded and parsed.
func (r *BeefProofReader) GetProofDataForTransaction(ctx context.Context, txid string, bundle *transaction.Beef, opts ProofOptions) error {
	hash, err := chainhash.NewHashFromHex(txid)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTxID, txid)
	}

	if existing := bundle.FindTransactionByHash(hash); existing != nil {
		if existing.MerklePath != nil || opts.IgnoreNewProven {
			return nil
		}
	}

	beefBytes, err := r.storage.LoadBeef(ctx, hash)
	if errors.Is(err, beef.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrProofNotFound, txid)
	} else if err != nil {
		return fmt.Errorf("failed to load beef for %s: %w", txid, err)
	}
	tx, err := beef.LoadTxFromBeef(beefBytes, hash)
	if err != nil {
		return fmt.Errorf("failed to parse beef for %s: %w", txid, err)
	}

	// an unproven copy of something already bundled adds nothing
	if bundle.FindTransactionByHash(hash) != nil && tx.MerklePath == nil {
		return nil
	}

	return mergeAncestry(bundle, tx, hash, opts, make(map[chainhash.Hash]struct{}))
}

func mergeAncestry(bundle *transaction.Beef, tx *transaction.Transaction, txid *chainhash.Hash, opts ProofOptions, seen map[chainhash.Hash]struct{}) error {
	if _, ok := seen[*txid]; ok {
		return nil
	}
	seen[*txid] = struct{}{}

	if tx.MerklePath != nil {
		return mergeRaw(bundle, tx, txid)
	}
	for _, in := range tx.Inputs {
		if in.SourceTransaction == nil || in.SourceTXID == nil {
			continue
		}
		if opts.known(in.SourceTXID.String()) && !upgrades(bundle, in.SourceTransaction, in.SourceTXID, opts) {
			continue
		}
		if err := mergeAncestry(bundle, in.SourceTransaction, in.SourceTXID, opts, seen); err != nil {
			return err
		}
	}
	return mergeRaw(bundle, tx, txid)
}

// upgrades reports whether tx carries a merkle path for a transaction the
// bundle only holds unproven.
func upgrades(bundle *transaction.Beef, tx *transaction.Transaction, txid *chainhash.Hash, opts ProofOptions) bool {
	if opts.IgnoreNewProven || tx.MerklePath == nil {
		return false
	}
	present := bundle.FindTransactionByHash(txid)
	return present != nil && present.MerklePath == nil
}

// mergeRaw adds tx without touching its inputs' source transactions, which
// keeps ancestors already in the bundle intact.
func mergeRaw(bundle *transaction.Beef, tx *transaction.Transaction, txid *chainhash.Hash) error {
	if tx.MerklePath == nil {
		_, err := bundle.MergeRawTx(tx.Bytes(), nil)
		return err
	}
	idx := bundle.MergeBump(tx.MerklePath)
	if idx < 0 {
		return fmt.Errorf("failed to merge merkle path for %s", txid)
	}
	btx, err := bundle.MergeRawTx(tx.Bytes(), &idx)
	if err != nil {
		return err
	}
	btx.BumpIndex = idx
	return nil
}
