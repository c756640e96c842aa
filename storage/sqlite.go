package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const txColumns = `reference, user_id, txid, status, description, satoshis, is_outgoing,
	raw_tx, input_beef, merkle_path, block_height, created_at, updated_at`

type SQLiteWalletStorage struct {
	identity string
	wdb      *sql.DB
	rdb      *sql.DB
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA foreign_keys=ON;",
}

func NewSQLiteWalletStorage(identity string, dbPath string) (*SQLiteWalletStorage, error) {
	var err error
	s := &SQLiteWalletStorage{identity: identity}

	log.Println("Opening SQLite wallet storage...", dbPath)
	if s.wdb, err = openSQLite(dbPath); err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between concurrent status updates.
	s.wdb.SetMaxOpenConns(1)

	if err = s.createTables(); err != nil {
		s.wdb.Close()
		return nil, err
	}

	if s.rdb, err = openSQLite(dbPath); err != nil {
		s.wdb.Close()
		return nil, err
	}
	s.rdb.SetMaxOpenConns(10)
	s.rdb.SetMaxIdleConns(5)
	return s, nil
}

func openSQLite(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *SQLiteWalletStorage) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			reference TEXT NOT NULL PRIMARY KEY,
			user_id INTEGER NOT NULL,
			txid TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			satoshis INTEGER NOT NULL DEFAULT 0,
			is_outgoing INTEGER NOT NULL DEFAULT 0,
			raw_tx BLOB,
			input_beef BLOB,
			merkle_path BLOB,
			block_height INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_status ON transactions(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_updated ON transactions(updated_at, reference)`,

		`CREATE TABLE IF NOT EXISTS tx_labels (
			reference TEXT NOT NULL REFERENCES transactions(reference) ON DELETE CASCADE,
			label TEXT NOT NULL,
			PRIMARY KEY (reference, label)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_labels_label ON tx_labels(label)`,
	}

	for _, query := range queries {
		if _, err := s.wdb.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *SQLiteWalletStorage) StorageIdentityKey() string {
	return s.identity
}

func (s *SQLiteWalletStorage) InsertTransaction(ctx context.Context, rec *TransactionRecord) error {
	if err := prepareInsert(rec); err != nil {
		return err
	}
	tx, err := s.wdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE reference = ?`, rec.Reference).Scan(&exists)
	if err == nil {
		return ErrDuplicateReference
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if err := sqliteWriteRecord(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func sqliteWriteRecord(ctx context.Context, tx *sql.Tx, rec *TransactionRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(reference) DO UPDATE SET
			user_id = excluded.user_id,
			txid = excluded.txid,
			status = excluded.status,
			description = excluded.description,
			satoshis = excluded.satoshis,
			is_outgoing = excluded.is_outgoing,
			raw_tx = excluded.raw_tx,
			input_beef = excluded.input_beef,
			merkle_path = excluded.merkle_path,
			block_height = excluded.block_height,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		rec.Reference,
		rec.UserID,
		rec.TxID,
		string(rec.Status),
		rec.Description,
		rec.Satoshis,
		rec.IsOutgoing,
		rec.RawTx,
		rec.InputBEEF,
		rec.MerklePath,
		rec.BlockHeight,
		rec.CreatedAt.UnixMicro(),
		rec.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM tx_labels WHERE reference = ?`, rec.Reference); err != nil {
		return err
	}
	for _, label := range rec.Labels {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tx_labels (reference, label) VALUES (?, ?)`,
			rec.Reference, label,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteWalletStorage) FindTransaction(ctx context.Context, reference string) (*TransactionRecord, error) {
	recs, _, err := s.ListTransactions(ctx, ListTransactionsFilter{Reference: reference, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// sqliteWhere renders filter as a WHERE clause over the transactions alias t.
func sqliteWhere(filter ListTransactionsFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.UserID != nil {
		clauses = append(clauses, "t.user_id = ?")
		args = append(args, *filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "t.status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Reference != "" {
		clauses = append(clauses, "t.reference = ?")
		args = append(args, filter.Reference)
	}
	if labels := uniqueLabels(filter.Labels); len(labels) > 0 {
		in := "l.label IN (" + placeholders(len(labels)) + ")"
		if normalizeMode(filter.LabelQueryMode) == LabelQueryModeAll {
			clauses = append(clauses, fmt.Sprintf(
				"(SELECT COUNT(*) FROM tx_labels l WHERE l.reference = t.reference AND %s) = %d", in, len(labels)))
		} else {
			clauses = append(clauses, "EXISTS (SELECT 1 FROM tx_labels l WHERE l.reference = t.reference AND "+in+")")
		}
		for _, l := range labels {
			args = append(args, l)
		}
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteWalletStorage) ListTransactions(ctx context.Context, filter ListTransactionsFilter) ([]*TransactionRecord, int, error) {
	where, args := sqliteWhere(filter)

	var total int
	if err := s.rdb.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions t`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions t`+where+
			` ORDER BY t.created_at DESC, t.reference ASC LIMIT ? OFFSET ?`,
		append(args, limit, filter.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	recs, err := scanSQLRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	if err := s.loadLabels(ctx, recs); err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *SQLiteWalletStorage) loadLabels(ctx context.Context, recs []*TransactionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	byRef := make(map[string]*TransactionRecord, len(recs))
	args := make([]any, 0, len(recs))
	for _, rec := range recs {
		byRef[rec.Reference] = rec
		args = append(args, rec.Reference)
	}
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT reference, label FROM tx_labels WHERE reference IN (`+placeholders(len(args))+`) ORDER BY rowid`,
		args...,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var ref, label string
		if err := rows.Scan(&ref, &label); err != nil {
			return err
		}
		if rec, ok := byRef[ref]; ok {
			rec.Labels = append(rec.Labels, label)
		}
	}
	return rows.Err()
}

func (s *SQLiteWalletStorage) UpdateTransactionStatus(ctx context.Context, reference string, status TxStatus, onlyFrom ...TxStatus) error {
	query := `UPDATE transactions SET status = ?, updated_at = ? WHERE reference = ?`
	args := []any{string(status), now().UnixMicro(), reference}
	if len(onlyFrom) > 0 {
		query += ` AND status IN (` + placeholders(len(onlyFrom)) + `)`
		for _, st := range onlyFrom {
			args = append(args, string(st))
		}
	}
	res, err := s.wdb.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, reference)
}

// checkAffected distinguishes a missing record from a failed status guard.
func (s *SQLiteWalletStorage) checkAffected(ctx context.Context, res sql.Result, reference string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.wdb.QueryRowContext(ctx, `SELECT 1 FROM transactions WHERE reference = ?`, reference).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	return ErrStatusConflict
}

func (s *SQLiteWalletStorage) UpdateTransactionProof(ctx context.Context, reference string, merklePath []byte, blockHeight uint32, status TxStatus) error {
	res, err := s.wdb.ExecContext(ctx,
		`UPDATE transactions SET merkle_path = ?, block_height = ?, status = ?, updated_at = ? WHERE reference = ?`,
		merklePath, blockHeight, string(status), now().UnixMicro(), reference,
	)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, res, reference)
}

func (s *SQLiteWalletStorage) AbortAction(ctx context.Context, auth AuthID, reference string) error {
	tx, err := s.wdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rec := &TransactionRecord{Reference: reference}
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, status FROM transactions WHERE reference = ?`, reference,
	).Scan(&rec.UserID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	rec.Status = TxStatus(status)
	if err := checkAbort(auth, rec); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = ?, updated_at = ? WHERE reference = ?`,
		string(TxStatusFailed), now().UnixMicro(), reference,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteWalletStorage) TransactionsUpdatedSince(ctx context.Context, cursor SyncCursor, limit int) ([]*TransactionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	us := cursor.UpdatedAt.UnixMicro()
	if cursor.UpdatedAt.IsZero() {
		us = 0
	}
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions t
		WHERE t.updated_at > ? OR (t.updated_at = ? AND t.reference > ?)
		ORDER BY t.updated_at ASC, t.reference ASC LIMIT ?`,
		us, us, cursor.Reference, limit,
	)
	if err != nil {
		return nil, err
	}
	recs, err := scanSQLRecords(rows)
	if err != nil {
		return nil, err
	}
	if err := s.loadLabels(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *SQLiteWalletStorage) UpsertTransactions(ctx context.Context, recs []*TransactionRecord) error {
	tx, err := s.wdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, rec := range recs {
		if rec.Reference == "" {
			return ErrMissingReference
		}
		if err := sqliteWriteRecord(ctx, tx, rec); err != nil {
			return fmt.Errorf("failed to upsert %s: %w", rec.Reference, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteWalletStorage) Close() error {
	return errors.Join(s.wdb.Close(), s.rdb.Close())
}

// scanSQLRecords reads rows selected with txColumns and closes them.
func scanSQLRecords(rows *sql.Rows) ([]*TransactionRecord, error) {
	defer rows.Close()
	recs := make([]*TransactionRecord, 0)
	for rows.Next() {
		rec := &TransactionRecord{}
		var status string
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&rec.Reference,
			&rec.UserID,
			&rec.TxID,
			&status,
			&rec.Description,
			&rec.Satoshis,
			&rec.IsOutgoing,
			&rec.RawTx,
			&rec.InputBEEF,
			&rec.MerklePath,
			&rec.BlockHeight,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		rec.Status = TxStatus(status)
		rec.CreatedAt = fromMicros(createdAt)
		rec.UpdatedAt = fromMicros(updatedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func uniqueLabels(labels []string) []string {
	out := slices.Clone(labels)
	slices.Sort(out)
	return slices.Compact(out)
}
