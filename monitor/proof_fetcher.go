package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"

	"github.com/b-open-io/wallet-monitor/beef"
	"github.com/b-open-io/wallet-monitor/pubsub"
	"github.com/b-open-io/wallet-monitor/storage"
)

var errNoProof = errors.New("no merkle proof available yet")

// proofFetcher asks the BEEF layers for a fresh merkle path of a txid.
type proofFetcher struct {
	beef  beef.BeefStorage
	chain chaintracker.ChainTracker
}

func (f proofFetcher) fetch(ctx context.Context, txid string) (*transaction.MerklePath, error) {
	hash, err := chainhash.NewHashFromHex(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txid, err)
	}
	beefBytes, err := f.beef.UpdateMerklePath(ctx, hash, f.chain)
	if errors.Is(err, beef.ErrNotFound) {
		return nil, errNoProof
	}
	if err != nil {
		return nil, err
	}
	tx, err := beef.LoadTxFromBeef(beefBytes, hash)
	if err != nil {
		return nil, err
	}
	if tx.MerklePath == nil {
		return nil, errNoProof
	}
	return tx.MerklePath, nil
}

// statusPublisher announces status changes made by background tasks.
type statusPublisher struct {
	ps     pubsub.PubSub
	logger *slog.Logger
}

func (p statusPublisher) publish(ctx context.Context, rec *storage.TransactionRecord, status storage.TxStatus, height uint32) {
	if p.ps == nil {
		return
	}
	msg := pubsub.TxStatusMessage{
		Reference:   rec.Reference,
		TxID:        rec.TxID,
		Status:      string(status.ToStandardizedStatus()),
		BlockHeight: height,
	}
	if err := pubsub.PublishJSON(ctx, p.ps, pubsub.TopicTxStatus, msg, float64(height)); err != nil {
		p.logger.Warn("failed to publish tx status",
			slog.String("reference", rec.Reference),
			slog.Any("error", err))
	}
}
