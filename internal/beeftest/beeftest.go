// Package beeftest builds small transaction graphs, merkle paths and a
// ChainTracker with known roots for tests that exercise BEEF handling.
package beeftest

import (
	"context"
	"sync"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/bsv-blockchain/go-sdk/transaction"
)

// NewTx returns a transaction spending output 0 of each parent. Without
// parents it spends a synthetic outpoint derived from seed so that the
// serialized form stays a plain (non-extended) transaction.
func NewTx(seed byte, parents ...*transaction.Transaction) *transaction.Transaction {
	tx := transaction.NewTransaction()
	if len(parents) == 0 {
		source := chainhash.Hash{0: seed, 31: 0xee}
		tx.Inputs = append(tx.Inputs, &transaction.TransactionInput{
			SourceTXID:      &source,
			UnlockingScript: &script.Script{0x51},
			SequenceNumber:  0xffffffff,
		})
	}
	for _, parent := range parents {
		tx.Inputs = append(tx.Inputs, &transaction.TransactionInput{
			SourceTXID:        parent.TxID(),
			SourceTransaction: parent,
			UnlockingScript:   &script.Script{0x51},
			SequenceNumber:    0xffffffff,
		})
	}
	tx.Outputs = append(tx.Outputs, &transaction.TransactionOutput{
		Satoshis:      1000 + uint64(seed),
		LockingScript: &script.Script{0x6a, seed},
	})
	return tx
}

// Prove attaches a two-leaf merkle path at height to tx and returns it.
func Prove(tx *transaction.Transaction, height uint32) *transaction.MerklePath {
	isTxid := true
	sibling := chainhash.Hash{0: byte(height), 1: byte(height >> 8), 31: 0x5b}
	mp := &transaction.MerklePath{
		BlockHeight: height,
		Path: [][]*transaction.PathElement{{
			{Offset: 0, Hash: tx.TxID(), Txid: &isTxid},
			{Offset: 1, Hash: &sibling},
		}},
	}
	tx.MerklePath = mp
	return mp
}

// BeefBytes serializes tx and every ancestor reachable through SourceTransaction.
func BeefBytes(tx *transaction.Transaction) []byte {
	b := transaction.NewBeefV2()
	if _, err := b.MergeTransaction(tx); err != nil {
		panic(err)
	}
	beefBytes, err := b.Bytes()
	if err != nil {
		panic(err)
	}
	return beefBytes
}

// ChainTracker accepts exactly the roots registered with Accept.
type ChainTracker struct {
	mu     sync.Mutex
	roots  map[uint32]chainhash.Hash
	Height uint32
}

func NewChainTracker() *ChainTracker {
	return &ChainTracker{roots: make(map[uint32]chainhash.Hash)}
}

// Accept registers the root of mp as valid for its block height.
func (c *ChainTracker) Accept(mp *transaction.MerklePath) {
	var txid *chainhash.Hash
	for _, leaf := range mp.Path[0] {
		if leaf.Txid != nil && *leaf.Txid {
			txid = leaf.Hash
			break
		}
	}
	root, err := mp.ComputeRoot(txid)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots[mp.BlockHeight] = *root
	if mp.BlockHeight > c.Height {
		c.Height = mp.BlockHeight
	}
}

func (c *ChainTracker) IsValidRootForHeight(ctx context.Context, root *chainhash.Hash, height uint32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	valid, ok := c.roots[height]
	return ok && valid.IsEqual(root), nil
}

func (c *ChainTracker) CurrentHeight(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Height, nil
}
