package headers

import (
	"context"
	"errors"
	"log"

	"github.com/bsv-blockchain/go-chaintracks/client"
	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

var ErrTipUnavailable = errors.New("chain tip unavailable")

// ChaintracksSource reads the tip from a chaintracks server. The server
// does the header-chain bookkeeping; merkle roots are validated remotely.
type ChaintracksSource struct {
	client *client.Client
}

func NewChaintracksSource(baseURL string) *ChaintracksSource {
	log.Println("Connecting to Chaintracks...", utils.SanitizeConnectionString(baseURL))
	return &ChaintracksSource{client: client.New(baseURL)}
}

func (s *ChaintracksSource) FindChainTipHeader(ctx context.Context) (*ChainHeader, error) {
	tip := s.client.GetTip(ctx)
	if tip == nil {
		return nil, ErrTipUnavailable
	}
	h := &ChainHeader{Height: tip.Height, Hash: tip.Hash}
	if tip.Header != nil {
		h.PreviousHash = tip.PrevHash
		h.MerkleRoot = tip.MerkleRoot
	}
	return h, nil
}

func (s *ChaintracksSource) IsValidRootForHeight(ctx context.Context, root *chainhash.Hash, height uint32) (bool, error) {
	return s.client.IsValidRootForHeight(ctx, root, height)
}

func (s *ChaintracksSource) CurrentHeight(ctx context.Context) (uint32, error) {
	return s.client.CurrentHeight(ctx)
}
