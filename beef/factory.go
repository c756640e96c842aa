package beef

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// expandHomePath expands ~ to home directory if the path starts with ~/
func expandHomePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}

// ParseConnectionStrings splits a JSON array or comma-separated list.
// Use the JSON array form when an element itself contains commas.
func ParseConnectionStrings(connectionString string) ([]string, error) {
	connectionString = strings.TrimSpace(connectionString)
	if connectionString == "" {
		return nil, nil
	}
	var connectionStrings []string
	if strings.HasPrefix(connectionString, "[") {
		if err := json.Unmarshal([]byte(connectionString), &connectionStrings); err != nil {
			return nil, fmt.Errorf("invalid JSON array of connection strings: %w", err)
		}
	} else {
		connectionStrings = strings.Split(connectionString, ",")
	}

	out := connectionStrings[:0]
	for _, s := range connectionStrings {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// CreateBeefStorage creates a hierarchical stack of BeefStorage implementations
// from a connection string. The connection string can be:
//   - A single connection string: "redis://localhost:6379"
//   - A JSON array of connection strings: `["lru://?size=100mb", "redis://localhost:6379", "junglebus://"]`
//   - A comma-separated list: "lru://?size=100mb,redis://localhost:6379,junglebus://"
//   - Empty string: defaults to ~/.wallet-monitor/beef/ (falls back to ./beef/)
//
// Supported storage formats:
//   - lru://?size=100mb (in-memory LRU cache with size limit)
//   - redis://localhost:6379?ttl=24h (Redis with optional TTL parameter)
//   - mongodb://localhost:27017/beef (GridFS)
//   - s3://bucket/prefix?region=us-east-1&endpoint=http://localhost:9000
//   - sqlite:///path/to/beef.db or sqlite://beef.db
//   - file:///path/to/storage/dir
//   - junglebus:// (fetches from JungleBus API)
//   - ./beef.db (inferred as SQLite)
//   - ./beef/ (inferred as filesystem)
//
// The first element is the top of the stack:
//
//	CreateBeefStorage(`["lru://?size=100mb", "redis://localhost:6379", "junglebus://"]`)
//	Creates: LRU -> Redis -> JungleBus
func CreateBeefStorage(connectionString string) (BeefStorage, error) {
	connectionStrings, err := ParseConnectionStrings(connectionString)
	if err != nil {
		return nil, err
	}

	if len(connectionStrings) == 0 {
		connectionStrings = []string{"./beef/"}
		if homeDir, err := os.UserHomeDir(); err == nil {
			dotDir := filepath.Join(homeDir, ".wallet-monitor")
			if err := os.MkdirAll(dotDir, 0755); err == nil {
				connectionStrings = []string{filepath.Join(dotDir, "beef")}
			}
		}
	}

	// Build the storage stack from bottom to top
	var storage BeefStorage
	for i := len(connectionStrings) - 1; i >= 0; i-- {
		if storage, err = createLayer(connectionStrings[i], storage); err != nil {
			return nil, err
		}
	}
	return storage, nil
}

func createLayer(connectionString string, fallback BeefStorage) (BeefStorage, error) {
	switch {
	case strings.HasPrefix(connectionString, "lru://"):
		u, err := url.Parse(connectionString)
		if err != nil {
			return nil, fmt.Errorf("invalid LRU URL format: %w", err)
		}
		sizeStr := u.Query().Get("size")
		if sizeStr == "" {
			return nil, fmt.Errorf("LRU size not specified, use format: lru://?size=100mb")
		}
		size, err := ParseSize(sizeStr)
		if err != nil {
			return nil, fmt.Errorf("invalid LRU size format %s: %w", sizeStr, err)
		}
		return NewLRUBeefStorage(size, fallback), nil

	case strings.HasPrefix(connectionString, "redis://"), strings.HasPrefix(connectionString, "rediss://"):
		return NewRedisBeefStorage(connectionString, fallback)

	case strings.HasPrefix(connectionString, "mongodb://"), strings.HasPrefix(connectionString, "mongodb+srv://"):
		return NewMongoBeefStorage(connectionString, fallback)

	case strings.HasPrefix(connectionString, "mysql://"):
		return NewMySQLBeefStorage(connectionString, fallback)

	case strings.HasPrefix(connectionString, "s3://"):
		return NewS3BeefStorage(context.Background(), connectionString, fallback)

	case strings.HasPrefix(connectionString, "junglebus://"):
		host := strings.TrimPrefix(connectionString, "junglebus://")
		if host == "" {
			host = "junglebus.gorillapool.io"
		}
		return NewJunglebusBeefStorage("https://"+host, fallback), nil

	case strings.HasPrefix(connectionString, "sqlite://"):
		path := strings.TrimPrefix(connectionString, "sqlite://")
		if path == "" {
			path = "./beef.db"
		}
		expandedPath, err := expandHomePath(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteBeefStorage(expandedPath, fallback)

	case strings.HasPrefix(connectionString, "file://"):
		path := strings.TrimPrefix(connectionString, "file://")
		if path == "" {
			path = "./beef"
		}
		expandedPath, err := expandHomePath(path)
		if err != nil {
			return nil, err
		}
		return NewFilesystemBeefStorage(expandedPath, fallback)

	case strings.HasSuffix(connectionString, ".db"), strings.HasSuffix(connectionString, ".sqlite"):
		expandedPath, err := expandHomePath(connectionString)
		if err != nil {
			return nil, err
		}
		return NewSQLiteBeefStorage(expandedPath, fallback)

	case filepath.IsAbs(connectionString) || strings.HasPrefix(connectionString, "./") ||
		strings.HasPrefix(connectionString, "../") || strings.HasPrefix(connectionString, "~/"):
		expandedPath, err := expandHomePath(connectionString)
		if err != nil {
			return nil, err
		}
		return NewFilesystemBeefStorage(expandedPath, fallback)

	default:
		return nil, fmt.Errorf("unable to determine storage type from connection string: %s", connectionString)
	}
}
