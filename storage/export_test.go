package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Test hooks for emptying shared databases between suite runs.

func TruncatePostgres(ctx context.Context, s *PostgresWalletStorage) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE wallet_transactions`)
	return err
}

func ClearMongo(ctx context.Context, s *MongoWalletStorage) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{})
	return err
}
