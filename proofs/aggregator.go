package proofs

import (
	"context"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"
)

type MergeOptions struct {
	// IgnoreNewProven keeps the first merged form of a transaction even
	// when a later lookup could upgrade it with a merkle path.
	IgnoreNewProven bool
}

// FailedProof records a txid whose proof data could not be merged.
type FailedProof struct {
	TxID string `json:"txid"`
	Err  error  `json:"-"`
}

func (f FailedProof) Error() string {
	return fmt.Sprintf("%s: %v", f.TxID, f.Err)
}

type MergeResult struct {
	// Beef is the canonical BEEF V2 serialization of Bundle.
	Beef   []byte
	Bundle *transaction.Beef
	Merged []string
	Failed []FailedProof
}

// MergeProofs merges the proof data of every txid, in order, into one bundle.
// A txid that cannot be read is reported in Failed and merging continues with
// the next one. Repeated txids are merged once. The returned error is non-nil
// only when ctx ends or the bundle cannot be serialized.
func MergeProofs(ctx context.Context, txids []string, reader ProofReader, opts MergeOptions) (*MergeResult, error) {
	bundle := transaction.NewBeefV2()
	result := &MergeResult{Bundle: bundle}
	visited := make(map[string]struct{}, len(txids))

	for _, txid := range txids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, done := visited[txid]; done {
			continue
		}
		visited[txid] = struct{}{}

		if len(txid) != chainhash.HashSize*2 {
			result.Failed = append(result.Failed, FailedProof{TxID: txid, Err: ErrInvalidTxID})
			continue
		}
		if _, err := chainhash.NewHashFromHex(txid); err != nil {
			result.Failed = append(result.Failed, FailedProof{TxID: txid, Err: ErrInvalidTxID})
			continue
		}

		err := reader.GetProofDataForTransaction(ctx, txid, bundle, ProofOptions{
			KnownTxids:      KnownTxids(bundle),
			IgnoreNewProven: opts.IgnoreNewProven,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			result.Failed = append(result.Failed, FailedProof{TxID: txid, Err: err})
			continue
		}
		result.Merged = append(result.Merged, txid)
	}

	beefBytes, err := CanonicalBytes(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize merged beef: %w", err)
	}
	result.Beef = beefBytes
	return result, nil
}

// KnownTxids lists every transaction present in bundle, proven or not.
func KnownTxids(bundle *transaction.Beef) map[string]struct{} {
	known := make(map[string]struct{}, len(bundle.Transactions))
	for txid := range bundle.Transactions {
		known[txid.String()] = struct{}{}
	}
	return known
}
