package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

const pgColumns = `reference, user_id, txid, status, description, satoshis, is_outgoing,
	labels, raw_tx, input_beef, merkle_path, block_height, created_at, updated_at`

// PostgresWalletStorage keeps labels in a TEXT[] column so label filters stay in one table.
type PostgresWalletStorage struct {
	identity string
	pool     *pgxpool.Pool
}

func NewPostgresWalletStorage(identity string, connectionString string) (*PostgresWalletStorage, error) {
	config, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 1

	log.Println("Connecting to Postgres wallet storage...", utils.SanitizeConnectionString(connectionString))
	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresWalletStorage{identity: identity, pool: pool}
	if err := s.createTables(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *PostgresWalletStorage) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS wallet_transactions (
			reference TEXT NOT NULL PRIMARY KEY,
			user_id INTEGER NOT NULL,
			txid TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			satoshis BIGINT NOT NULL DEFAULT 0,
			is_outgoing BOOLEAN NOT NULL DEFAULT FALSE,
			labels TEXT[] NOT NULL DEFAULT '{}',
			raw_tx BYTEA,
			input_beef BYTEA,
			merkle_path BYTEA,
			block_height BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_tx_user_status ON wallet_transactions(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_tx_updated ON wallet_transactions(updated_at, reference)`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_tx_labels ON wallet_transactions USING GIN (labels)`,
	}
	for _, query := range queries {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *PostgresWalletStorage) StorageIdentityKey() string {
	return s.identity
}

func (s *PostgresWalletStorage) InsertTransaction(ctx context.Context, rec *TransactionRecord) error {
	if err := prepareInsert(rec); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallet_transactions (`+pgColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		pgRecordArgs(rec)...,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateReference
	}
	return err
}

func pgRecordArgs(rec *TransactionRecord) []any {
	labels := rec.Labels
	if labels == nil {
		labels = []string{}
	}
	return []any{
		rec.Reference,
		rec.UserID,
		rec.TxID,
		string(rec.Status),
		rec.Description,
		rec.Satoshis,
		rec.IsOutgoing,
		labels,
		rec.RawTx,
		rec.InputBEEF,
		rec.MerklePath,
		int64(rec.BlockHeight),
		rec.CreatedAt.UnixMicro(),
		rec.UpdatedAt.UnixMicro(),
	}
}

func (s *PostgresWalletStorage) FindTransaction(ctx context.Context, reference string) (*TransactionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM wallet_transactions WHERE reference = $1`, reference)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// pgWhere renders filter with numbered placeholders starting at $1.
func pgWhere(filter ListTransactionsFilter) (string, []any) {
	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != nil {
		clauses = append(clauses, "user_id = "+next(*filter.UserID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		clauses = append(clauses, "status = ANY("+next(statuses)+")")
	}
	if filter.Reference != "" {
		clauses = append(clauses, "reference = "+next(filter.Reference))
	}
	if labels := uniqueLabels(filter.Labels); len(labels) > 0 {
		if normalizeMode(filter.LabelQueryMode) == LabelQueryModeAll {
			clauses = append(clauses, "labels @> "+next(labels))
		} else {
			clauses = append(clauses, "labels && "+next(labels))
		}
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PostgresWalletStorage) ListTransactions(ctx context.Context, filter ListTransactionsFilter) ([]*TransactionRecord, int, error) {
	where, args := pgWhere(filter)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + pgColumns + ` FROM wallet_transactions` + where +
		` ORDER BY created_at DESC, reference ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	recs, err := scanPgRecords(rows)
	return recs, total, err
}

func (s *PostgresWalletStorage) UpdateTransactionStatus(ctx context.Context, reference string, status TxStatus, onlyFrom ...TxStatus) error {
	query := `UPDATE wallet_transactions SET status = $1, updated_at = $2 WHERE reference = $3`
	args := []any{string(status), now().UnixMicro(), reference}
	if len(onlyFrom) > 0 {
		from := make([]string, len(onlyFrom))
		for i, st := range onlyFrom {
			from[i] = string(st)
		}
		query += ` AND status = ANY($4)`
		args = append(args, from)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, tag, reference)
}

func (s *PostgresWalletStorage) checkAffected(ctx context.Context, tag pgconn.CommandTag, reference string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM wallet_transactions WHERE reference = $1)`, reference,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (s *PostgresWalletStorage) UpdateTransactionProof(ctx context.Context, reference string, merklePath []byte, blockHeight uint32, status TxStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE wallet_transactions SET merkle_path = $1, block_height = $2, status = $3, updated_at = $4
		WHERE reference = $5`,
		merklePath, int64(blockHeight), string(status), now().UnixMicro(), reference,
	)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, tag, reference)
}

func (s *PostgresWalletStorage) AbortAction(ctx context.Context, auth AuthID, reference string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rec := &TransactionRecord{Reference: reference}
	var status string
	err = tx.QueryRow(ctx,
		`SELECT user_id, status FROM wallet_transactions WHERE reference = $1 FOR UPDATE`, reference,
	).Scan(&rec.UserID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	rec.Status = TxStatus(status)
	if err := checkAbort(auth, rec); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE wallet_transactions SET status = $1, updated_at = $2 WHERE reference = $3`,
		string(TxStatusFailed), now().UnixMicro(), reference,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresWalletStorage) TransactionsUpdatedSince(ctx context.Context, cursor SyncCursor, limit int) ([]*TransactionRecord, error) {
	var us int64
	if !cursor.UpdatedAt.IsZero() {
		us = cursor.UpdatedAt.UnixMicro()
	}
	query := `SELECT ` + pgColumns + ` FROM wallet_transactions
		WHERE updated_at > $1 OR (updated_at = $1 AND reference > $2)
		ORDER BY updated_at ASC, reference ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, query, us, cursor.Reference)
	if err != nil {
		return nil, err
	}
	return scanPgRecords(rows)
}

func (s *PostgresWalletStorage) UpsertTransactions(ctx context.Context, recs []*TransactionRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range recs {
		if rec.Reference == "" {
			return ErrMissingReference
		}
		batch.Queue(`INSERT INTO wallet_transactions (`+pgColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (reference) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				txid = EXCLUDED.txid,
				status = EXCLUDED.status,
				description = EXCLUDED.description,
				satoshis = EXCLUDED.satoshis,
				is_outgoing = EXCLUDED.is_outgoing,
				labels = EXCLUDED.labels,
				raw_tx = EXCLUDED.raw_tx,
				input_beef = EXCLUDED.input_beef,
				merkle_path = EXCLUDED.merkle_path,
				block_height = EXCLUDED.block_height,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at`,
			pgRecordArgs(rec)...,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresWalletStorage) Close() error {
	s.pool.Close()
	return nil
}

func scanPgRecord(row pgx.Row) (*TransactionRecord, error) {
	rec := &TransactionRecord{}
	var status string
	var blockHeight, createdAt, updatedAt int64
	if err := row.Scan(
		&rec.Reference,
		&rec.UserID,
		&rec.TxID,
		&status,
		&rec.Description,
		&rec.Satoshis,
		&rec.IsOutgoing,
		&rec.Labels,
		&rec.RawTx,
		&rec.InputBEEF,
		&rec.MerklePath,
		&blockHeight,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = TxStatus(status)
	rec.BlockHeight = uint32(blockHeight)
	rec.CreatedAt = fromMicros(createdAt)
	rec.UpdatedAt = fromMicros(updatedAt)
	if len(rec.Labels) == 0 {
		rec.Labels = nil
	}
	return rec, nil
}

func scanPgRecords(rows pgx.Rows) ([]*TransactionRecord, error) {
	defer rows.Close()
	recs := make([]*TransactionRecord, 0)
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
