package replication_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b-open-io/wallet-monitor/queue"
	"github.com/b-open-io/wallet-monitor/replication"
	"github.com/b-open-io/wallet-monitor/storage"
)

type unreachable struct {
	*storage.MemoryWalletStorage
}

func (u unreachable) UpsertTransactions(ctx context.Context, recs []*storage.TransactionRecord) error {
	return errors.New("connection refused")
}

func insertN(t *testing.T, s storage.WalletStorage, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		require.NoError(t, s.InsertTransaction(context.Background(), &storage.TransactionRecord{
			Reference: fmt.Sprintf("ref-%03d", i),
			UserID:    1,
			Status:    storage.TxStatusUnproven,
		}))
	}
}

func countAll(t *testing.T, s storage.WalletStorage) int {
	t.Helper()
	_, total, err := s.ListTransactions(context.Background(), storage.ListTransactionsFilter{})
	require.NoError(t, err)
	return total
}

func TestUpdateBackups(t *testing.T) {
	ctx := context.Background()
	primary := storage.NewMemoryWalletStorage("primary")
	backup := storage.NewMemoryWalletStorage("backup-a")
	broken := unreachable{storage.NewMemoryWalletStorage("backup-b")}
	cursors := queue.NewMemoryQueueStorage()

	c := replication.NewCoordinator(primary, cursors, nil, replication.WithPageSize(3))
	require.NoError(t, c.AddBackupProvider(backup))
	require.NoError(t, c.AddBackupProvider(broken))
	assert.Equal(t, []string{"backup-a", "backup-b"}, c.Backups())

	insertN(t, primary, 0, 7)

	report, err := c.UpdateBackups(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Results, 2)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 7, report.Results[0].Copied)
	assert.Empty(t, report.Results[0].Error)
	assert.Contains(t, report.Results[1].Error, "connection refused")
	assert.Equal(t, 7, countAll(t, backup))

	stored, err := c.Cursors(ctx)
	require.NoError(t, err)
	require.Contains(t, stored, "backup-a")
	assert.NotContains(t, stored, "backup-b", "a failed first page stores no cursor")
	assert.Equal(t, report.Results[0].Cursor.Reference, stored["backup-a"].Reference)
	assert.True(t, report.Results[0].Cursor.UpdatedAt.Equal(stored["backup-a"].UpdatedAt))

	// Only changes since the cursor are shipped on the next run.
	require.NoError(t, primary.UpdateTransactionStatus(ctx, "ref-002", storage.TxStatusCompleted))
	insertN(t, primary, 7, 1)

	report, err = c.UpdateBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Results[0].Copied)
	assert.Equal(t, 8, countAll(t, backup))

	rec, err := backup.FindTransaction(ctx, "ref-002")
	require.NoError(t, err)
	assert.Equal(t, storage.TxStatusCompleted, rec.Status)

	report, err = c.UpdateBackups(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Results[0].Copied)

	require.NoError(t, c.ResetCursor(ctx, "backup-a"))
	stored, err = c.Cursors(ctx)
	require.NoError(t, err)
	assert.NotContains(t, stored, "backup-a")
	report, err = c.UpdateBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Results[0].Copied)
}

func TestAddBackupProviderRejectsDuplicates(t *testing.T) {
	primary := storage.NewMemoryWalletStorage("primary")
	c := replication.NewCoordinator(primary, queue.NewMemoryQueueStorage(), nil)

	assert.ErrorIs(t, c.AddBackupProvider(storage.NewMemoryWalletStorage("primary")), replication.ErrBackupIsPrimary)
	require.NoError(t, c.AddBackupProvider(storage.NewMemoryWalletStorage("b")))
	assert.ErrorIs(t, c.AddBackupProvider(storage.NewMemoryWalletStorage("b")), replication.ErrDuplicateBackup)
}
