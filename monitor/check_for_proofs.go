package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
	"golang.org/x/sync/errgroup"

	"github.com/b-open-io/wallet-monitor/beef"
	"github.com/b-open-io/wallet-monitor/pubsub"
	"github.com/b-open-io/wallet-monitor/queue"
	"github.com/b-open-io/wallet-monitor/storage"
)

const CheckForProofsTaskName = "CheckForProofs"

type CheckForProofsConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// MaxAttempts is the number of runs without a proof after which a record is failed.
	MaxAttempts int
}

func (c *CheckForProofsConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 144
	}
}

// CheckForProofsTask looks up merkle proofs for unproven records and
// completes the ones that are mined. Attempt counts live in a queue sorted set.
type CheckForProofsTask struct {
	*TaskBase
	cfg       CheckForProofsConfig
	storage   storage.WalletStorage
	proofs    proofFetcher
	attempts  queue.QueueStorage
	published statusPublisher
	logger    *slog.Logger
}

func NewCheckForProofsTask(s storage.WalletStorage, beefStorage beef.BeefStorage, chain chaintracker.ChainTracker, attempts queue.QueueStorage, ps pubsub.PubSub, cfg CheckForProofsConfig, logger *slog.Logger) *CheckForProofsTask {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("task", CheckForProofsTaskName))
	return &CheckForProofsTask{
		TaskBase:  NewTaskBase(CheckForProofsTaskName, cfg.Interval),
		cfg:       cfg,
		storage:   s,
		proofs:    proofFetcher{beef: beefStorage, chain: chain},
		attempts:  attempts,
		published: statusPublisher{ps: ps, logger: logger},
		logger:    logger,
	}
}

func (t *CheckForProofsTask) attemptsKey() string {
	return "proof-attempts:" + t.storage.StorageIdentityKey()
}

// ProofAttempt is the number of lookups that found no proof for a record.
type ProofAttempt struct {
	Reference string `json:"reference"`
	Attempts  int    `json:"attempts"`
}

// PendingAttempts lists records with at least minAttempts counted lookups,
// fewest first, at most limit of them when limit is positive. total counts
// every record with an attempt on file.
func (t *CheckForProofsTask) PendingAttempts(ctx context.Context, minAttempts, limit int) (attempts []ProofAttempt, total int64, err error) {
	total, err = t.attempts.ZCard(ctx, t.attemptsKey())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count proof attempts: %w", err)
	}
	lo := float64(minAttempts)
	members, err := t.attempts.ZRange(ctx, t.attemptsKey(), queue.ScoreRange{Min: &lo, Count: int64(max(limit, 0))})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list proof attempts: %w", err)
	}
	attempts = make([]ProofAttempt, 0, len(members))
	for _, m := range members {
		attempts = append(attempts, ProofAttempt{Reference: m.Member, Attempts: int(m.Score)})
	}
	return attempts, total, nil
}

// Attempts returns the counted lookups for reference, zero when none are on file.
func (t *CheckForProofsTask) Attempts(ctx context.Context, reference string) (int, error) {
	n, err := t.attempts.ZScore(ctx, t.attemptsKey(), reference)
	if errors.Is(err, queue.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read proof attempts: %w", err)
	}
	return int(n), nil
}

func (t *CheckForProofsTask) Run(ctx context.Context) error {
	records, _, err := t.storage.ListTransactions(ctx, storage.ListTransactionsFilter{
		Statuses: []storage.TxStatus{storage.TxStatusUnproven, storage.TxStatusSending},
		Limit:    t.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list unproven transactions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for _, rec := range records {
		if rec.TxID == "" {
			continue
		}
		g.Go(func() error {
			t.check(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (t *CheckForProofsTask) check(ctx context.Context, rec *storage.TransactionRecord) {
	mp, err := t.proofs.fetch(ctx, rec.TxID)
	switch {
	case err == nil:
		if err := t.storage.UpdateTransactionProof(ctx, rec.Reference, mp.Bytes(), mp.BlockHeight, storage.TxStatusCompleted); err != nil {
			t.logger.Error("failed to store proof",
				slog.String("reference", rec.Reference),
				slog.Any("error", err))
			return
		}
		if err := t.attempts.ZRem(ctx, t.attemptsKey(), rec.Reference); err != nil {
			t.logger.Warn("failed to clear proof attempts", slog.String("reference", rec.Reference), slog.Any("error", err))
		}
		t.logger.Info("transaction proven",
			slog.String("txid", rec.TxID),
			slog.Uint64("height", uint64(mp.BlockHeight)))
		t.published.publish(ctx, rec, storage.TxStatusCompleted, mp.BlockHeight)

	case errors.Is(err, errNoProof):
		n, err := t.attempts.ZIncrBy(ctx, t.attemptsKey(), rec.Reference, 1)
		if err != nil {
			t.logger.Warn("failed to count proof attempt", slog.String("reference", rec.Reference), slog.Any("error", err))
			return
		}
		if int(n) < t.cfg.MaxAttempts {
			return
		}
		if err := t.storage.UpdateTransactionStatus(ctx, rec.Reference, storage.TxStatusFailed, rec.Status); err != nil {
			t.logger.Warn("failed to fail unproven transaction", slog.String("reference", rec.Reference), slog.Any("error", err))
			return
		}
		_ = t.attempts.ZRem(ctx, t.attemptsKey(), rec.Reference)
		t.logger.Warn("giving up on proof",
			slog.String("txid", rec.TxID),
			slog.Int("attempts", int(n)))
		t.published.publish(ctx, rec, storage.TxStatusFailed, 0)

	default:
		t.logger.Warn("proof lookup failed",
			slog.String("txid", rec.TxID),
			slog.Any("error", err))
	}
}
