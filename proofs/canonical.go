package proofs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/bsv-blockchain/go-sdk/util"
)

type bumpKey struct {
	height uint32
	root   string
}

type canonicalBump struct {
	key  bumpKey
	path *transaction.MerklePath
}

// CanonicalBytes serializes b as BEEF V2 with a stable layout: BUMPs sorted
// by (block height, root), paths for the same block combined into one, and
// transactions written parents first with ties broken by txid. Bundles with
// the same content always produce the same bytes. b is not modified.
func CanonicalBytes(b *transaction.Beef) ([]byte, error) {
	bumps := make(map[bumpKey]*canonicalBump)
	sources := make(map[*transaction.MerklePath]bumpKey)
	addBump := func(mp *transaction.MerklePath, txid *chainhash.Hash) (bumpKey, error) {
		if key, ok := sources[mp]; ok {
			return key, nil
		}
		key, err := keyOf(mp, txid)
		if err != nil {
			return key, err
		}
		sources[mp] = key
		if existing, ok := bumps[key]; ok {
			if err := existing.path.Combine(mp); err != nil {
				return key, fmt.Errorf("failed to combine merkle paths at height %d: %w", key.height, err)
			}
			return key, nil
		}
		clone, err := transaction.NewMerklePathFromBinary(mp.Bytes())
		if err != nil {
			return key, err
		}
		bumps[key] = &canonicalBump{key: key, path: clone}
		return key, nil
	}

	for _, mp := range b.BUMPs {
		if _, err := addBump(mp, nil); err != nil {
			return nil, err
		}
	}

	txKeys := make(map[chainhash.Hash]bumpKey)
	for txid, btx := range b.Transactions {
		if btx.DataFormat == transaction.TxIDOnly || btx.Transaction == nil || btx.Transaction.MerklePath == nil {
			continue
		}
		key, err := addBump(btx.Transaction.MerklePath, &txid)
		if err != nil {
			return nil, err
		}
		txKeys[txid] = key
	}

	ordered := make([]*canonicalBump, 0, len(bumps))
	for _, cb := range bumps {
		ordered = append(ordered, cb)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].key.height != ordered[j].key.height {
			return ordered[i].key.height < ordered[j].key.height
		}
		return ordered[i].key.root < ordered[j].key.root
	})
	bumpIndex := make(map[bumpKey]int, len(ordered))
	for i, cb := range ordered {
		bumpIndex[cb.key] = i
	}

	var buf bytes.Buffer
	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], transaction.BEEF_V2)
	buf.Write(version[:])

	buf.Write(util.VarInt(len(ordered)).Bytes())
	for _, cb := range ordered {
		buf.Write(cb.path.Bytes())
	}

	txids, err := parentsFirst(b)
	if err != nil {
		return nil, err
	}
	buf.Write(util.VarInt(len(txids)).Bytes())
	for _, txid := range txids {
		btx := b.Transactions[txid]
		switch {
		case btx.DataFormat == transaction.TxIDOnly:
			buf.WriteByte(byte(transaction.TxIDOnly))
			buf.Write(txid[:])
		case btx.Transaction.MerklePath != nil:
			buf.WriteByte(byte(transaction.RawTxAndBumpIndex))
			buf.Write(util.VarInt(bumpIndex[txKeys[txid]]).Bytes())
			buf.Write(btx.Transaction.Bytes())
		default:
			buf.WriteByte(byte(transaction.RawTx))
			buf.Write(btx.Transaction.Bytes())
		}
	}
	return buf.Bytes(), nil
}

// keyOf identifies the block a merkle path proves. txid selects the leaf to
// compute the root from; nil picks the first leaf flagged as a txid.
func keyOf(mp *transaction.MerklePath, txid *chainhash.Hash) (bumpKey, error) {
	if txid == nil {
		txid = firstLeaf(mp)
	}
	if txid == nil {
		return bumpKey{}, fmt.Errorf("merkle path at height %d has no leaves", mp.BlockHeight)
	}
	root, err := mp.ComputeRoot(txid)
	if err != nil {
		return bumpKey{}, fmt.Errorf("failed to compute merkle root at height %d: %w", mp.BlockHeight, err)
	}
	return bumpKey{height: mp.BlockHeight, root: root.String()}, nil
}

func firstLeaf(mp *transaction.MerklePath) *chainhash.Hash {
	if len(mp.Path) == 0 {
		return nil
	}
	var fallback *chainhash.Hash
	for _, leaf := range mp.Path[0] {
		if leaf.Hash == nil {
			continue
		}
		if leaf.Txid != nil && *leaf.Txid {
			return leaf.Hash
		}
		if fallback == nil {
			fallback = leaf.Hash
		}
	}
	return fallback
}

// parentsFirst orders every transaction in b after any of its inputs' source
// transactions that are also in b. Siblings are visited in txid order.
func parentsFirst(b *transaction.Beef) ([]chainhash.Hash, error) {
	txids := make([]chainhash.Hash, 0, len(b.Transactions))
	for txid, btx := range b.Transactions {
		if btx.DataFormat != transaction.TxIDOnly && btx.Transaction == nil {
			return nil, fmt.Errorf("transaction %s is nil", txid)
		}
		txids = append(txids, txid)
	}
	sortHashes(txids)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[chainhash.Hash]int, len(txids))
	ordered := make([]chainhash.Hash, 0, len(txids))

	var visit func(txid chainhash.Hash) error
	visit = func(txid chainhash.Hash) error {
		switch state[txid] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("transaction %s depends on itself", txid)
		}
		state[txid] = visiting

		if btx := b.Transactions[txid]; btx.DataFormat != transaction.TxIDOnly {
			var parents []chainhash.Hash
			for _, in := range btx.Transaction.Inputs {
				if in.SourceTXID == nil {
					continue
				}
				if _, ok := b.Transactions[*in.SourceTXID]; ok {
					parents = append(parents, *in.SourceTXID)
				}
			}
			sortHashes(parents)
			for _, parent := range parents {
				if err := visit(parent); err != nil {
					return err
				}
			}
		}

		state[txid] = done
		ordered = append(ordered, txid)
		return nil
	}

	for _, txid := range txids {
		if err := visit(txid); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

func sortHashes(hashes []chainhash.Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].String() < hashes[j].String()
	})
}
