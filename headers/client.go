package headers

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker/headers_client"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

type ClientParams struct {
	Url    string
	ApiKey string
}

// Client talks to a block-headers-service. It is both the monitor's
// ChainTipSource and the ChainTracker used to validate merkle paths.
type Client struct {
	// Embed the go-sdk headers client to inherit all its methods
	*headers_client.Client

	// Cache of valid merkle roots by height
	// This acts as our source of truth for the main chain
	merkleCache sync.Map // map[uint32]chainhash.Hash

	mu sync.Mutex
	// Track last evaluated key for merkle root pagination
	lastEvaluatedKey *chainhash.Hash
}

// NewClient creates a new headers client with ClientParams
func NewClient(params ClientParams) *Client {
	log.Println("Connecting to Block Headers Service...", utils.SanitizeConnectionString(params.Url))
	return &Client{
		Client: &headers_client.Client{
			Url:    params.Url,
			ApiKey: params.ApiKey,
		},
	}
}

// FindChainTipHeader returns the service's current longest-chain tip.
func (c *Client) FindChainTipHeader(ctx context.Context) (*ChainHeader, error) {
	tip, err := c.GetChaintip(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chaintip: %w", err)
	}
	return &ChainHeader{
		Height:       tip.Height,
		Hash:         tip.Header.Hash,
		PreviousHash: tip.Header.PreviousBlock,
		MerkleRoot:   tip.Header.MerkleRoot,
	}, nil
}

func (c *Client) CurrentHeight(ctx context.Context) (uint32, error) {
	tip, err := c.GetChaintip(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get chaintip: %w", err)
	}
	return tip.Height, nil
}

func (c *Client) IsValidRootForHeight(ctx context.Context, root *chainhash.Hash, height uint32) (bool, error) {
	validRoot, err := c.GetMerkleRootForHeight(ctx, height)
	if err != nil {
		return false, err
	}
	return validRoot.IsEqual(root), nil
}

// GetMerkleRootForHeight returns the merkle root for a specific height
// It checks the cache first, and if not present, fetches from remote and caches it
func (c *Client) GetMerkleRootForHeight(ctx context.Context, height uint32) (*chainhash.Hash, error) {
	if cachedRoot, ok := c.merkleCache.Load(height); ok {
		root := cachedRoot.(chainhash.Hash)
		return &root, nil
	}

	header, err := c.BlockByHeight(ctx, height)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch header for height %d: %w", height, err)
	}
	c.merkleCache.Store(height, header.MerkleRoot)
	return &header.MerkleRoot, nil
}

// MerkleRootChange represents a detected change in merkle root at a specific height
type MerkleRootChange struct {
	Height  uint32
	OldRoot *chainhash.Hash // nil if this height wasn't previously cached
	NewRoot *chainhash.Hash
	IsReorg bool // true if we had a different root cached
}

// SyncMerkleRoots refreshes cached merkle roots for recent blocks and
// returns the heights whose root is new or replaced.
// Uses the bulk /chain/merkleroot API to page through roots.
func (c *Client) SyncMerkleRoots(ctx context.Context) ([]MerkleRootChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastEvaluatedKey == nil {
		chaintip, err := c.GetChaintip(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chaintip: %w", err)
		}

		// 100 blocks back or genesis
		startHeight := uint32(1)
		if chaintip.Height > 100 {
			startHeight = chaintip.Height - 100
		}
		startHeader, err := c.BlockByHeight(ctx, startHeight)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch starting block at height %d: %w", startHeight, err)
		}
		c.lastEvaluatedKey = &startHeader.MerkleRoot
	}

	const batchSize = 2000 // Default batch size from block-headers-service

	var changes []MerkleRootChange
	for {
		merkleRoots, err := c.Client.GetMerkleRoots(ctx, batchSize, c.lastEvaluatedKey)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch merkle roots: %w", err)
		}
		if len(merkleRoots) == 0 {
			break
		}

		for _, mr := range merkleRoots {
			height := uint32(mr.BlockHeight)
			newRoot := mr.MerkleRoot

			oldValue, loaded := c.merkleCache.Swap(height, newRoot)
			if !loaded {
				changes = append(changes, MerkleRootChange{Height: height, NewRoot: &newRoot})
				continue
			}
			if oldRoot := oldValue.(chainhash.Hash); !oldRoot.IsEqual(&newRoot) {
				changes = append(changes, MerkleRootChange{
					Height:  height,
					OldRoot: &oldRoot,
					NewRoot: &newRoot,
					IsReorg: true,
				})
			}
		}

		lastRoot := merkleRoots[len(merkleRoots)-1].MerkleRoot
		c.lastEvaluatedKey = &lastRoot
		if len(merkleRoots) < batchSize {
			break
		}
	}
	return changes, nil
}

// ForgetFrom drops cached roots at height and above so they are refetched.
func (c *Client) ForgetFrom(height uint32) {
	c.merkleCache.Range(func(key, _ any) bool {
		if key.(uint32) >= height {
			c.merkleCache.Delete(key)
		}
		return true
	})
	c.mu.Lock()
	c.lastEvaluatedKey = nil
	c.mu.Unlock()
}
