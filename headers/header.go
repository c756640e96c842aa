package headers

import (
	"context"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// ChainHeader is the subset of a block header the monitor compares tips by.
type ChainHeader struct {
	Height       uint32         `json:"height"`
	Hash         chainhash.Hash `json:"hash"`
	PreviousHash chainhash.Hash `json:"previousHash"`
	MerkleRoot   chainhash.Hash `json:"merkleRoot"`
}

// ChainTipSource reports the current chain tip.
type ChainTipSource interface {
	FindChainTipHeader(ctx context.Context) (*ChainHeader, error)
}
