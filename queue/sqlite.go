package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteQueueStorage struct {
	db *sql.DB
}

func NewSQLiteQueueStorage(dbPath string) (*SQLiteQueueStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteQueueStorage{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteQueueStorage) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS hashes (
			key_name TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER DEFAULT (unixepoch()),
			PRIMARY KEY (key_name, field)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hashes_key ON hashes(key_name)`,

		`CREATE TABLE IF NOT EXISTS sorted_sets (
			key_name TEXT NOT NULL,
			member TEXT NOT NULL,
			score REAL NOT NULL,
			created_at INTEGER DEFAULT (unixepoch()),
			PRIMARY KEY (key_name, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sorted_sets_key_score ON sorted_sets(key_name, score)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Hash Operations
func (s *SQLiteQueueStorage) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hashes (key_name, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key_name, field) DO UPDATE SET value = excluded.value`,
		key, field, value)
	return err
}

func (s *SQLiteQueueStorage) HGet(ctx context.Context, key, field string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM hashes WHERE key_name = ? AND field = ?",
		key, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *SQLiteQueueStorage) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT field, value FROM hashes WHERE key_name = ?", key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		result[field] = value
	}
	return result, rows.Err()
}

func (s *SQLiteQueueStorage) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)+1)
	args = append(args, key)
	for _, field := range fields {
		args = append(args, field)
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM hashes WHERE key_name = ? AND field IN ("+sqlitePlaceholders(len(fields))+")",
		args...)
	return err
}

// Sorted Set Operations
func (s *SQLiteQueueStorage) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, 0, len(members)+1)
	args = append(args, key)
	for _, member := range members {
		args = append(args, member)
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sorted_sets WHERE key_name = ? AND member IN ("+sqlitePlaceholders(len(members))+")",
		args...)
	return err
}

func (s *SQLiteQueueStorage) ZRange(ctx context.Context, key string, scoreRange ScoreRange) ([]ScoredMember, error) {
	query := "SELECT member, score FROM sorted_sets WHERE key_name = ?"
	args := []any{key}
	if scoreRange.Min != nil {
		query += " AND score >= ?"
		args = append(args, *scoreRange.Min)
	}
	if scoreRange.Max != nil {
		query += " AND score <= ?"
		args = append(args, *scoreRange.Max)
	}
	query += " ORDER BY score ASC, member ASC"

	count := scoreRange.Count
	if count <= 0 {
		count = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, count, scoreRange.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []ScoredMember
	for rows.Next() {
		var m ScoredMember
		if err := rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLiteQueueStorage) ZScore(ctx context.Context, key, member string) (float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx,
		"SELECT score FROM sorted_sets WHERE key_name = ? AND member = ?",
		key, member).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return score, err
}

func (s *SQLiteQueueStorage) ZCard(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sorted_sets WHERE key_name = ?", key).Scan(&count)
	return count, err
}

func (s *SQLiteQueueStorage) ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sorted_sets (key_name, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key_name, member) DO UPDATE SET score = score + excluded.score
		RETURNING score`,
		key, member, increment).Scan(&score)
	return score, err
}

func (s *SQLiteQueueStorage) Close() error {
	return s.db.Close()
}

func sqlitePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
