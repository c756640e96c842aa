package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CreateQueueStorage creates a QueueStorage implementation from a connection string
func CreateQueueStorage(connString string) (QueueStorage, error) {
	if connString == "" {
		return NewSQLiteQueueStorage(getDefaultQueuePath())
	}

	switch {
	case strings.HasPrefix(connString, "memory://"):
		return NewMemoryQueueStorage(), nil
	case strings.HasPrefix(connString, "redis://"), strings.HasPrefix(connString, "rediss://"):
		return NewRedisQueueStorage(connString)
	case strings.HasPrefix(connString, "mongodb://"), strings.HasPrefix(connString, "mongodb+srv://"):
		return NewMongoQueueStorage(connString)
	case strings.HasPrefix(connString, "postgres://"), strings.HasPrefix(connString, "postgresql://"):
		return NewPostgresQueueStorage(connString)
	case strings.HasPrefix(connString, "sqlite://"):
		return NewSQLiteQueueStorage(strings.TrimPrefix(connString, "sqlite://"))
	case strings.HasSuffix(connString, ".db") || !strings.Contains(connString, "://"):
		return NewSQLiteQueueStorage(connString)
	default:
		return nil, fmt.Errorf("unsupported queue storage URL: %s", connString)
	}
}

// getDefaultQueuePath returns the default SQLite queue storage path
func getDefaultQueuePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./queue.db"
	}

	dir := filepath.Join(homeDir, ".wallet-monitor")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "./queue.db"
	}

	return filepath.Join(dir, "queue.db")
}
