package beef

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction/chaintracker"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

// MongoBeefStorage stores each BEEF as a GridFS file whose id is the txid.
type MongoBeefStorage struct {
	db       *mongo.Database
	bucket   *mongo.GridFSBucket
	fallback BeefStorage
}

func NewMongoBeefStorage(connString string, fallback BeefStorage) (*MongoBeefStorage, error) {
	log.Println("Connecting to MongoDB BeefStorage...", utils.SanitizeConnectionString(connString))
	client, err := mongo.Connect(options.Client().ApplyURI(connString))
	if err != nil {
		return nil, err
	}

	dbName := "beef"
	if cs, err := connstring.ParseAndValidate(connString); err == nil && cs.Database != "" {
		dbName = cs.Database
	}

	db := client.Database(dbName)
	return &MongoBeefStorage{
		db:       db,
		bucket:   db.GridFSBucket(),
		fallback: fallback,
	}, nil
}

func (t *MongoBeefStorage) LoadBeef(ctx context.Context, txid *chainhash.Hash) ([]byte, error) {
	downloadStream, err := t.bucket.OpenDownloadStream(ctx, txid.String())
	if errors.Is(err, mongo.ErrFileNotFound) {
		return loadFromFallback(ctx, t.fallback, txid, t.put)
	}
	if err != nil {
		return nil, err
	}
	defer downloadStream.Close()
	return io.ReadAll(downloadStream)
}

func (t *MongoBeefStorage) SaveBeef(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	if err := t.put(ctx, txid, beefBytes); err != nil {
		return err
	}
	if t.fallback != nil {
		return t.fallback.SaveBeef(ctx, txid, beefBytes)
	}
	return nil
}

// put replaces any existing file with the same id.
func (t *MongoBeefStorage) put(ctx context.Context, txid *chainhash.Hash, beefBytes []byte) error {
	txidStr := txid.String()
	if err := t.bucket.Delete(ctx, txidStr); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
		return err
	}
	return t.bucket.UploadFromStreamWithID(ctx, txidStr, txidStr, bytes.NewReader(beefBytes))
}

func (t *MongoBeefStorage) UpdateMerklePath(ctx context.Context, txid *chainhash.Hash, ct chaintracker.ChainTracker) ([]byte, error) {
	return refreshFromFallback(ctx, t.fallback, txid, ct, t.put)
}

func (t *MongoBeefStorage) Close() error {
	return errors.Join(t.db.Client().Disconnect(context.Background()), closeFallback(t.fallback))
}
