package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

// PostgresQueueStorage keeps monitor bookkeeping in two tables: hash fields
// for replication cursors and scored members for proof attempt counters.
type PostgresQueueStorage struct {
	pool *pgxpool.Pool
}

var pgQueueSchema = []string{
	`CREATE TABLE IF NOT EXISTS monitor_hash (
		hkey TEXT NOT NULL,
		field TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (hkey, field)
	)`,
	`CREATE TABLE IF NOT EXISTS monitor_zset (
		zkey TEXT NOT NULL,
		member TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (zkey, member)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_zset_score ON monitor_zset(zkey, score, member)`,
}

func NewPostgresQueueStorage(connectionString string) (*PostgresQueueStorage, error) {
	cfg, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MinConns = 1

	log.Println("Connecting to Postgres queue storage...", utils.SanitizeConnectionString(connectionString))
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	for _, stmt := range pgQueueSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create queue schema: %w", err)
		}
	}
	return &PostgresQueueStorage{pool: pool}, nil
}

func (q *PostgresQueueStorage) HSet(ctx context.Context, key, field, value string) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO monitor_hash (hkey, field, value) VALUES ($1, $2, $3)
		ON CONFLICT (hkey, field) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, field, value)
	return err
}

func (q *PostgresQueueStorage) HGet(ctx context.Context, key, field string) (string, error) {
	var value string
	err := q.pool.QueryRow(ctx,
		`SELECT value FROM monitor_hash WHERE hkey = $1 AND field = $2`,
		key, field).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (q *PostgresQueueStorage) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := q.pool.Query(ctx, `SELECT field, value FROM monitor_hash WHERE hkey = $1`, key)
	if err != nil {
		return nil, err
	}
	all := make(map[string]string)
	var field, value string
	_, err = pgx.ForEachRow(rows, []any{&field, &value}, func() error {
		all[field] = value
		return nil
	})
	return all, err
}

func (q *PostgresQueueStorage) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := q.pool.Exec(ctx, `DELETE FROM monitor_hash WHERE hkey = $1 AND field = ANY($2)`, key, fields)
	return err
}

func (q *PostgresQueueStorage) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := q.pool.Exec(ctx, `DELETE FROM monitor_zset WHERE zkey = $1 AND member = ANY($2)`, key, members)
	return err
}

// ZRange orders by score, then member, so equal scores page stably.
func (q *PostgresQueueStorage) ZRange(ctx context.Context, key string, scoreRange ScoreRange) ([]ScoredMember, error) {
	var sb strings.Builder
	args := pgx.NamedArgs{"key": key}
	sb.WriteString(`SELECT member, score FROM monitor_zset WHERE zkey = @key`)
	if scoreRange.Min != nil {
		sb.WriteString(` AND score >= @min`)
		args["min"] = *scoreRange.Min
	}
	if scoreRange.Max != nil {
		sb.WriteString(` AND score <= @max`)
		args["max"] = *scoreRange.Max
	}
	sb.WriteString(` ORDER BY score, member`)
	if scoreRange.Count > 0 {
		sb.WriteString(` LIMIT @count`)
		args["count"] = scoreRange.Count
	}
	if scoreRange.Offset > 0 {
		sb.WriteString(` OFFSET @offset`)
		args["offset"] = scoreRange.Offset
	}

	rows, err := q.pool.Query(ctx, sb.String(), args)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[ScoredMember])
}

func (q *PostgresQueueStorage) ZScore(ctx context.Context, key, member string) (float64, error) {
	var score float64
	err := q.pool.QueryRow(ctx,
		`SELECT score FROM monitor_zset WHERE zkey = $1 AND member = $2`,
		key, member).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return score, err
}

func (q *PostgresQueueStorage) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM monitor_zset WHERE zkey = $1`, key).Scan(&n)
	return n, err
}

// ZIncrBy is a single upsert, so concurrent increments of one member never
// lose a count.
func (q *PostgresQueueStorage) ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error) {
	var score float64
	err := q.pool.QueryRow(ctx,
		`INSERT INTO monitor_zset (zkey, member, score) VALUES ($1, $2, $3)
		ON CONFLICT (zkey, member) DO UPDATE
			SET score = monitor_zset.score + EXCLUDED.score, updated_at = now()
		RETURNING score`,
		key, member, increment).Scan(&score)
	return score, err
}

func (q *PostgresQueueStorage) Close() error {
	q.pool.Close()
	return nil
}
