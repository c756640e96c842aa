package beef

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"

	"github.com/b-open-io/wallet-monitor/dedup"
)

// MaxConcurrentRequests limits the number of concurrent BEEF fetch operations
const MaxConcurrentRequests = 16

// JunglebusBeefStorage fetches BEEF from a JungleBus API. It is read-only and
// is usually the bottom of a stack.
type JunglebusBeefStorage struct {
	junglebusURL string
	client       *http.Client
	fetches      *dedup.Loader[chainhash.Hash, []byte]
	fallback     BeefStorage
	limiter      chan struct{}
}

func NewJunglebusBeefStorage(junglebusURL string, fallback BeefStorage) *JunglebusBeefStorage {
	j := &JunglebusBeefStorage{
		junglebusURL: junglebusURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		fallback:     fallback,
		limiter:      make(chan struct{}, MaxConcurrentRequests),
	}
	j.fetches = dedup.NewLoader(j.fetchBeef)
	return j
}

func (t *JunglebusBeefStorage) LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	beefBytes, err := t.fetches.Load(ctx, *txid)
	if errors.Is(err, ErrNotFound) && t.fallback != nil {
		return t.fallback.LoadBeef(ctx, txid)
	}
	return beefBytes, err
}

func (t *JunglebusBeefStorage) fetchBeef(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	if t.junglebusURL == "" {
		return nil, ErrNotFound
	}

	select {
	case t.limiter <- struct{}{}:
		defer func() { <-t.limiter }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	txidStr := txid.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/transaction/beef/%s", t.junglebusURL, txidStr), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	} else if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http-err-%d-%s", resp.StatusCode, txidStr)
	}

	beefBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if _, err := LoadTxFromBeef(beefBytes, &txid); err != nil {
		return nil, err
	}
	return beefBytes, nil
}

// SaveBeef delegates to the fallback; JungleBus itself is read-only.
func (t *JunglebusBeefStorage) SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	if t.fallback != nil {
		return t.fallback.SaveBeef(ctx, txid, beefBytes)
	}
	return nil
}

// UpdateMerklePath refetches the BEEF and returns it only if it now carries a
// merkle path that ct accepts.
func (t *JunglebusBeefStorage) UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error) {
	beefBytes, err := t.fetches.Load(ctx, *txid)
	if err != nil {
		if errors.Is(err, ErrNotFound) && t.fallback != nil {
			return t.fallback.UpdateMerklePath(ctx, txid, ct)
		}
		return nil, err
	}

	tx, err := LoadTxFromBeef(beefBytes, txid)
	if err != nil {
		return nil, err
	}
	if tx.MerklePath == nil {
		return nil, fmt.Errorf("%w: no merkle path for %s", ErrNotFound, txid)
	}
	if ct != nil {
		valid, err := tx.MerklePath.Verify(ctx, txid, ct)
		if err != nil {
			return nil, fmt.Errorf("failed to verify merkle path for %s: %w", txid, err)
		}
		if !valid {
			return nil, fmt.Errorf("invalid merkle path for %s at height %d", txid, tx.MerklePath.BlockHeight)
		}
	}
	return beefBytes, nil
}

func (t *JunglebusBeefStorage) Close() error {
	return closeFallback(t.fallback)
}
