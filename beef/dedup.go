package beef

import (
	"context"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"

	"github.com/b-open-io/wallet-monitor/dedup"
)

// DedupBeefStorage collapses concurrent loads and saves of the same txid
// into a single call on the wrapped chain.
type DedupBeefStorage struct {
	chain  BeefStorage
	loader *dedup.Loader[chainhash.Hash, []byte]
	saver  *dedup.Saver[chainhash.Hash, []byte]
}

// NewDedupBeefStorage creates a deduplicated wrapper around a BeefStorage chain
func NewDedupBeefStorage(chain BeefStorage) *DedupBeefStorage {
	return &DedupBeefStorage{
		chain: chain,
		loader: dedup.NewLoader(func(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
			return chain.LoadBeef(ctx, &txid)
		}),
		saver: dedup.NewSaver(func(ctx context.Context, txid chainhash.Hash, beefBytes []byte) error {
			return chain.SaveBeef(ctx, &txid, beefBytes)
		}),
	}
}

func (d *DedupBeefStorage) LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	return d.loader.Load(ctx, *txid)
}

func (d *DedupBeefStorage) SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	return d.saver.Save(ctx, *txid, beefBytes)
}

func (d *DedupBeefStorage) UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error) {
	return d.chain.UpdateMerklePath(ctx, txid, ct)
}

func (d *DedupBeefStorage) Close() error {
	return d.chain.Close()
}
