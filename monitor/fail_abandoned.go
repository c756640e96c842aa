package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/b-open-io/wallet-monitor/pubsub"
	"github.com/b-open-io/wallet-monitor/storage"
)

const FailAbandonedTaskName = "FailAbandoned"

// FailAbandonedTask aborts actions that were created but never signed or
// processed within abandonedAfter.
type FailAbandonedTask struct {
	*TaskBase
	storage        storage.WalletStorage
	abandonedAfter time.Duration
	clock          func() time.Time
	published      statusPublisher
	pageSize       int
	logger         *slog.Logger
}

func NewFailAbandonedTask(s storage.WalletStorage, ps pubsub.PubSub, interval, abandonedAfter time.Duration, logger *slog.Logger) *FailAbandonedTask {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("task", FailAbandonedTaskName))
	return &FailAbandonedTask{
		TaskBase:       NewTaskBase(FailAbandonedTaskName, interval),
		storage:        s,
		abandonedAfter: abandonedAfter,
		clock:          time.Now,
		published:      statusPublisher{ps: ps, logger: logger},
		pageSize:       500,
		logger:         logger,
	}
}

func (t *FailAbandonedTask) Run(ctx context.Context) error {
	cutoff := t.clock().Add(-t.abandonedAfter)
	auth := storage.AuthID{IdentityKey: t.storage.StorageIdentityKey()}

	var errs []error
	aborted := 0
	offset := 0
	for {
		page, _, err := t.storage.ListTransactions(ctx, storage.ListTransactionsFilter{
			Statuses: []storage.TxStatus{storage.TxStatusUnsigned, storage.TxStatusUnprocessed},
			Limit:    t.pageSize,
			Offset:   offset,
		})
		if err != nil {
			return fmt.Errorf("failed to list pending transactions: %w", err)
		}

		kept := 0
		for _, rec := range page {
			if !rec.CreatedAt.Before(cutoff) {
				kept++
				continue
			}
			if err := t.storage.AbortAction(ctx, auth, rec.Reference); err != nil {
				if errors.Is(err, storage.ErrNotAbortableAction) {
					// Moved on since the read and left the listing.
					continue
				}
				// Still listed, so the next page starts after it.
				kept++
				errs = append(errs, fmt.Errorf("%s: %w", rec.Reference, err))
				continue
			}
			aborted++
			t.published.publish(ctx, rec, storage.TxStatusFailed, 0)
		}

		if len(page) < t.pageSize {
			break
		}
		offset += kept
	}

	if aborted > 0 {
		t.logger.Info("aborted abandoned transactions", slog.Int("count", aborted))
	}
	return errors.Join(errs...)
}
