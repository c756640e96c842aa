package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/b-open-io/wallet-monitor/replication"
)

const BackupTaskName = "Backup"

type BackupUpdater interface {
	UpdateBackups(ctx context.Context) (*replication.SyncReport, error)
}

// BackupTask runs UpdateBackups on a low-frequency schedule. Failing
// backups are logged by the coordinator and do not fail the run.
type BackupTask struct {
	*TaskBase
	backups BackupUpdater
	logger  *slog.Logger
}

func NewBackupTask(backups BackupUpdater, interval time.Duration, logger *slog.Logger) *BackupTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackupTask{
		TaskBase: NewTaskBase(BackupTaskName, interval),
		backups:  backups,
		logger:   logger.With(slog.String("task", BackupTaskName)),
	}
}

func (t *BackupTask) Run(ctx context.Context) error {
	report, err := t.backups.UpdateBackups(ctx)
	if err != nil {
		return fmt.Errorf("update backups failed: %w", err)
	}
	if report.Failures > 0 {
		t.logger.Warn("some backups failed to sync",
			slog.Int("failures", report.Failures),
			slog.Int("backups", len(report.Results)))
	}
	return nil
}
