// Package storage holds wallet transaction records and the status transitions
// applied to them by the monitor and the list-actions pipeline.
//
// Implementations:
//   - Memory: process-local maps, used by tests and ephemeral deployments
//   - SQLite: embedded database in WAL mode with separate read/write pools
//   - Postgres: pgx connection pool, labels kept in a TEXT[] column
//   - MongoDB: one document per record keyed by reference
//   - Redis: JSON records indexed by creation and update time sorted sets
//
// Records are identified by their reference, which is stable across a
// primary store and its backups. Each record carries an UpdatedAt timestamp
// truncated to microseconds; replication pages through records in
// (UpdatedAt, Reference) order using a SyncCursor.
//
// Conditional writes:
//
//	// Move a record to unfail only if it is still failed.
//	err := store.UpdateTransactionStatus(ctx, ref, storage.TxStatusUnfail, storage.TxStatusFailed)
//	if errors.Is(err, storage.ErrStatusConflict) {
//	    // another writer got there first
//	}
package storage
