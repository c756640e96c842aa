package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"

	"github.com/b-open-io/wallet-monitor/beef"
	"github.com/b-open-io/wallet-monitor/pubsub"
	"github.com/b-open-io/wallet-monitor/storage"
)

const UnFailTaskName = "UnFail"

// UnFailTask re-examines records queued with the unfail status. A record
// with a proof is completed, anything else goes back to failed.
type UnFailTask struct {
	*TaskBase
	storage   storage.WalletStorage
	proofs    proofFetcher
	published statusPublisher
	batchSize int
	logger    *slog.Logger
}

func NewUnFailTask(s storage.WalletStorage, beefStorage beef.BeefStorage, chain chaintracker.ChainTracker, ps pubsub.PubSub, interval time.Duration, logger *slog.Logger) *UnFailTask {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("task", UnFailTaskName))
	return &UnFailTask{
		TaskBase:  NewTaskBase(UnFailTaskName, interval),
		storage:   s,
		proofs:    proofFetcher{beef: beefStorage, chain: chain},
		published: statusPublisher{ps: ps, logger: logger},
		batchSize: 100,
		logger:    logger,
	}
}

func (t *UnFailTask) Run(ctx context.Context) error {
	records, _, err := t.storage.ListTransactions(ctx, storage.ListTransactionsFilter{
		Statuses: []storage.TxStatus{storage.TxStatusUnfail},
		Limit:    t.batchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list unfail transactions: %w", err)
	}

	var errs []error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.unfail(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.Reference, err))
		}
	}
	return errors.Join(errs...)
}

func (t *UnFailTask) unfail(ctx context.Context, rec *storage.TransactionRecord) error {
	if rec.TxID != "" {
		mp, err := t.proofs.fetch(ctx, rec.TxID)
		switch {
		case err == nil:
			if err := t.storage.UpdateTransactionProof(ctx, rec.Reference, mp.Bytes(), mp.BlockHeight, storage.TxStatusCompleted); err != nil {
				return err
			}
			t.logger.Info("unfailed transaction is mined", slog.String("txid", rec.TxID))
			t.published.publish(ctx, rec, storage.TxStatusCompleted, mp.BlockHeight)
			return nil
		case !errors.Is(err, errNoProof):
			return err
		}
	}

	if err := t.storage.UpdateTransactionStatus(ctx, rec.Reference, storage.TxStatusFailed, storage.TxStatusUnfail); err != nil {
		return err
	}
	t.published.publish(ctx, rec, storage.TxStatusFailed, 0)
	return nil
}
