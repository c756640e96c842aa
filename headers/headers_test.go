package headers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bsv-blockchain/go-chaintracks/chaintracks"
	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b-open-io/wallet-monitor/headers"
)

func chaintracksServer(t *testing.T, tip *chaintracks.BlockHeader) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"status": "success", "value": v}))
	}
	mux.HandleFunc("/v2/tip", func(w http.ResponseWriter, r *http.Request) {
		reply(w, tip)
	})
	mux.HandleFunc("/v2/header/height/", func(w http.ResponseWriter, r *http.Request) {
		reply(w, tip)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestChaintracksSource(t *testing.T) {
	tip := &chaintracks.BlockHeader{
		Header: &block.Header{
			Version:    1,
			PrevHash:   chainhash.Hash{0x01},
			MerkleRoot: chainhash.Hash{0x02},
		},
		Height: 812345,
		Hash:   chainhash.Hash{0x03},
	}
	srv := chaintracksServer(t, tip)
	src := headers.NewChaintracksSource(srv.URL)
	ctx := context.Background()

	h, err := src.FindChainTipHeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(812345), h.Height)
	assert.Equal(t, tip.Hash, h.Hash)
	assert.Equal(t, tip.PrevHash, h.PreviousHash)
	assert.Equal(t, tip.MerkleRoot, h.MerkleRoot)

	height, err := src.CurrentHeight(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(812345), height)

	ok, err := src.IsValidRootForHeight(ctx, &chainhash.Hash{0x02}, 812345)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = src.IsValidRootForHeight(ctx, &chainhash.Hash{0x09}, 812345)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChaintracksSourceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := headers.NewChaintracksSource(srv.URL).FindChainTipHeader(context.Background())
	assert.ErrorIs(t, err, headers.ErrTipUnavailable)
}
