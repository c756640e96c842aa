package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not-found")

// ErrNotAbortableAction indicates the action's current status does not allow aborting.
var ErrNotAbortableAction = errors.New("action cannot be aborted")

// ErrStatusConflict is returned by conditional writes when the record moved on since it was read.
var ErrStatusConflict = errors.New("transaction status changed")

var (
	ErrDuplicateReference = errors.New("duplicate transaction reference")
	ErrMissingReference   = errors.New("transaction reference is required")
)

// WalletStorage is a wallet transaction store. Every write is atomic per record.
type WalletStorage interface {
	// StorageIdentityKey distinguishes this store from its replicas.
	StorageIdentityKey() string

	InsertTransaction(ctx context.Context, rec *TransactionRecord) error
	FindTransaction(ctx context.Context, reference string) (*TransactionRecord, error)
	// ListTransactions returns the requested page together with the total match count.
	ListTransactions(ctx context.Context, filter ListTransactionsFilter) ([]*TransactionRecord, int, error)

	// UpdateTransactionStatus sets the status. When onlyFrom is non-empty the write
	// applies only if the current status is one of them, else ErrStatusConflict.
	UpdateTransactionStatus(ctx context.Context, reference string, status TxStatus, onlyFrom ...TxStatus) error
	UpdateTransactionProof(ctx context.Context, reference string, merklePath []byte, blockHeight uint32, status TxStatus) error
	// AbortAction moves an abortable action owned by auth to failed.
	AbortAction(ctx context.Context, auth AuthID, reference string) error

	// TransactionsUpdatedSince pages records after cursor in (UpdatedAt, Reference) order.
	TransactionsUpdatedSince(ctx context.Context, cursor SyncCursor, limit int) ([]*TransactionRecord, error)
	// UpsertTransactions writes records as-is, keeping their UpdatedAt.
	UpsertTransactions(ctx context.Context, recs []*TransactionRecord) error

	Close() error
}

// prepareInsert validates rec and stamps its timestamps.
func prepareInsert(rec *TransactionRecord) error {
	if rec.Reference == "" {
		return ErrMissingReference
	}
	if rec.Status == "" {
		rec.Status = TxStatusUnprocessed
	}
	if _, err := ParseTxStatus(string(rec.Status)); err != nil {
		return err
	}
	ts := now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = ts
	} else {
		rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	}
	rec.UpdatedAt = ts
	return nil
}

// checkAbort returns the error AbortAction reports for rec on behalf of auth.
func checkAbort(auth AuthID, rec *TransactionRecord) error {
	if auth.UserID != nil && *auth.UserID != rec.UserID {
		return ErrNotFound
	}
	if !rec.Status.IsAbortable() {
		return ErrNotAbortableAction
	}
	return nil
}

func normalizeMode(mode LabelQueryMode) LabelQueryMode {
	if mode == LabelQueryModeAll {
		return LabelQueryModeAll
	}
	return LabelQueryModeAny
}
