package beef

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteBeefStorage struct {
	db       *sql.DB
	fallback BeefStorage
}

func NewSQLiteBeefStorage(dbPath string, fallback BeefStorage) (*SQLiteBeefStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS beef_storage (
			txid TEXT PRIMARY KEY,
			beef BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	db.SetMaxOpenConns(15)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	return &SQLiteBeefStorage{
		db:       db,
		fallback: fallback,
	}, nil
}

func (t *SQLiteBeefStorage) LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	var beefBytes []byte
	err := t.db.QueryRowContext(ctx,
		"SELECT beef FROM beef_storage WHERE txid = ?",
		txid.String()).Scan(&beefBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return loadFromFallback(ctx, t.fallback, txid, t.put)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return beefBytes, nil
}

func (t *SQLiteBeefStorage) SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	if err := t.put(ctx, txid, beefBytes); err != nil {
		return err
	}
	if t.fallback != nil {
		return t.fallback.SaveBeef(ctx, txid, beefBytes)
	}
	return nil
}

func (t *SQLiteBeefStorage) put(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO beef_storage (txid, beef) VALUES (?, ?)
		ON CONFLICT(txid) DO UPDATE SET beef = excluded.beef, updated_at = CURRENT_TIMESTAMP`,
		txid.String(), beefBytes)
	return err
}

func (t *SQLiteBeefStorage) UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error) {
	return refreshFromFallback(ctx, t.fallback, txid, ct, t.put)
}

func (t *SQLiteBeefStorage) Close() error {
	return errors.Join(t.db.Close(), closeFallback(t.fallback))
}
