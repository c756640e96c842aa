// Package replication copies wallet records from a primary storage to its
// backups. Progress per backup is kept as a cursor in the queue storage so
// every run only ships records changed since the previous one.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/b-open-io/wallet-monitor/queue"
	"github.com/b-open-io/wallet-monitor/storage"
)

var (
	ErrDuplicateBackup = errors.New("backup provider already registered")
	ErrBackupIsPrimary = errors.New("backup provider has the primary storage identity")
)

const (
	DefaultPageSize    = 500
	DefaultConcurrency = 4
)

type BackupResult struct {
	StorageIdentityKey string             `json:"storageIdentityKey"`
	Copied             int                `json:"copied"`
	Cursor             storage.SyncCursor `json:"cursor"`
	Error              string             `json:"error,omitempty"`
}

type SyncReport struct {
	RunID     string         `json:"runId"`
	StartedAt time.Time      `json:"startedAt"`
	Duration  time.Duration  `json:"duration"`
	Results   []BackupResult `json:"results"`
	Failures  int            `json:"failures"`
}

type Coordinator struct {
	primary     storage.WalletStorage
	cursors     queue.QueueStorage
	logger      *slog.Logger
	pageSize    int
	concurrency int

	mu      sync.Mutex
	backups []storage.WalletStorage
}

type Option func(*Coordinator)

func WithPageSize(n int) Option {
	return func(c *Coordinator) { c.pageSize = n }
}

func WithConcurrency(n int) Option {
	return func(c *Coordinator) { c.concurrency = n }
}

func NewCoordinator(primary storage.WalletStorage, cursors queue.QueueStorage, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		primary:     primary,
		cursors:     cursors,
		logger:      logger.With(slog.String("component", "replication")),
		pageSize:    DefaultPageSize,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) AddBackupProvider(backup storage.WalletStorage) error {
	id := backup.StorageIdentityKey()
	if id == c.primary.StorageIdentityKey() {
		return fmt.Errorf("%w: %s", ErrBackupIsPrimary, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.backups {
		if b.StorageIdentityKey() == id {
			return fmt.Errorf("%w: %s", ErrDuplicateBackup, id)
		}
	}
	c.backups = append(c.backups, backup)
	return nil
}

// Backups lists the identities of the registered backups in registration order.
func (c *Coordinator) Backups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.backups))
	for i, b := range c.backups {
		ids[i] = b.StorageIdentityKey()
	}
	return ids
}

func (c *Coordinator) cursorKey() string {
	return "sync:" + c.primary.StorageIdentityKey()
}

// UpdateBackups brings every backup up to date with the primary. A backup
// that fails is reported and skipped; the others still sync.
func (c *Coordinator) UpdateBackups(ctx context.Context) (*SyncReport, error) {
	c.mu.Lock()
	backups := append([]storage.WalletStorage(nil), c.backups...)
	c.mu.Unlock()

	report := &SyncReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Results:   make([]BackupResult, len(backups)),
	}
	logger := c.logger.With(slog.String("runId", report.RunID))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, backup := range backups {
		g.Go(func() error {
			res, err := c.syncBackup(ctx, backup)
			if err != nil {
				res.Error = err.Error()
				logger.Error("backup sync failed",
					slog.String("backup", res.StorageIdentityKey),
					slog.Int("copied", res.Copied),
					slog.Any("error", err))
			} else if res.Copied > 0 {
				logger.Info("backup synced",
					slog.String("backup", res.StorageIdentityKey),
					slog.Int("copied", res.Copied))
			}
			report.Results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range report.Results {
		if res.Error != "" {
			report.Failures++
		}
	}
	report.Duration = time.Since(report.StartedAt)
	return report, ctx.Err()
}

func (c *Coordinator) syncBackup(ctx context.Context, backup storage.WalletStorage) (BackupResult, error) {
	res := BackupResult{StorageIdentityKey: backup.StorageIdentityKey()}

	cursor, err := c.loadCursor(ctx, res.StorageIdentityKey)
	if err != nil {
		return res, err
	}
	res.Cursor = cursor

	for {
		page, err := c.primary.TransactionsUpdatedSince(ctx, cursor, c.pageSize)
		if err != nil {
			return res, fmt.Errorf("failed to read primary: %w", err)
		}
		if len(page) == 0 {
			return res, nil
		}
		if err := backup.UpsertTransactions(ctx, page); err != nil {
			return res, fmt.Errorf("failed to write backup: %w", err)
		}

		last := page[len(page)-1]
		cursor = storage.SyncCursor{UpdatedAt: last.UpdatedAt, Reference: last.Reference}
		if err := c.saveCursor(ctx, res.StorageIdentityKey, cursor); err != nil {
			return res, err
		}
		res.Cursor = cursor
		res.Copied += len(page)

		if len(page) < c.pageSize {
			return res, nil
		}
	}
}

func (c *Coordinator) loadCursor(ctx context.Context, backupID string) (storage.SyncCursor, error) {
	var cursor storage.SyncCursor
	raw, err := c.cursors.HGet(ctx, c.cursorKey(), backupID)
	if errors.Is(err, queue.ErrNotFound) {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
		return cursor, fmt.Errorf("invalid sync cursor for %s: %w", backupID, err)
	}
	return cursor, nil
}

func (c *Coordinator) saveCursor(ctx context.Context, backupID string, cursor storage.SyncCursor) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	if err := c.cursors.HSet(ctx, c.cursorKey(), backupID, string(raw)); err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// Cursors returns the stored progress of every backup that has synced,
// keyed by storage identity. Cursors of removed backups stay until reset.
func (c *Coordinator) Cursors(ctx context.Context) (map[string]storage.SyncCursor, error) {
	raw, err := c.cursors.HGetAll(ctx, c.cursorKey())
	if err != nil {
		return nil, fmt.Errorf("failed to load sync cursors: %w", err)
	}
	cursors := make(map[string]storage.SyncCursor, len(raw))
	for backupID, v := range raw {
		var cursor storage.SyncCursor
		if err := json.Unmarshal([]byte(v), &cursor); err != nil {
			return nil, fmt.Errorf("invalid sync cursor for %s: %w", backupID, err)
		}
		cursors[backupID] = cursor
	}
	return cursors, nil
}

// ResetCursor forgets the progress of one backup so the next run copies everything again.
func (c *Coordinator) ResetCursor(ctx context.Context, backupID string) error {
	return c.cursors.HDel(ctx, c.cursorKey(), backupID)
}
