package storage

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

// mongoRecord stores timestamps as microseconds so cursor comparisons are exact.
type mongoRecord struct {
	Reference   string   `bson:"_id"`
	UserID      int      `bson:"userId"`
	TxID        string   `bson:"txid"`
	Status      string   `bson:"status"`
	Description string   `bson:"description"`
	Satoshis    int64    `bson:"satoshis"`
	IsOutgoing  bool     `bson:"isOutgoing"`
	Labels      []string `bson:"labels"`
	RawTx       []byte   `bson:"rawTx,omitempty"`
	InputBEEF   []byte   `bson:"inputBEEF,omitempty"`
	MerklePath  []byte   `bson:"merklePath,omitempty"`
	BlockHeight int64    `bson:"blockHeight"`
	CreatedAt   int64    `bson:"createdAt"`
	UpdatedAt   int64    `bson:"updatedAt"`
}

func toMongoRecord(rec *TransactionRecord) *mongoRecord {
	labels := rec.Labels
	if labels == nil {
		labels = []string{}
	}
	return &mongoRecord{
		Reference:   rec.Reference,
		UserID:      rec.UserID,
		TxID:        rec.TxID,
		Status:      string(rec.Status),
		Description: rec.Description,
		Satoshis:    rec.Satoshis,
		IsOutgoing:  rec.IsOutgoing,
		Labels:      labels,
		RawTx:       rec.RawTx,
		InputBEEF:   rec.InputBEEF,
		MerklePath:  rec.MerklePath,
		BlockHeight: int64(rec.BlockHeight),
		CreatedAt:   rec.CreatedAt.UnixMicro(),
		UpdatedAt:   rec.UpdatedAt.UnixMicro(),
	}
}

func (m *mongoRecord) toRecord() *TransactionRecord {
	rec := &TransactionRecord{
		Reference:   m.Reference,
		UserID:      m.UserID,
		TxID:        m.TxID,
		Status:      TxStatus(m.Status),
		Description: m.Description,
		Satoshis:    m.Satoshis,
		IsOutgoing:  m.IsOutgoing,
		RawTx:       m.RawTx,
		InputBEEF:   m.InputBEEF,
		MerklePath:  m.MerklePath,
		BlockHeight: uint32(m.BlockHeight),
		CreatedAt:   fromMicros(m.CreatedAt),
		UpdatedAt:   fromMicros(m.UpdatedAt),
	}
	if len(m.Labels) > 0 {
		rec.Labels = m.Labels
	}
	return rec
}

type MongoWalletStorage struct {
	identity string
	client   *mongo.Client
	coll     *mongo.Collection
}

func NewMongoWalletStorage(identity string, connString string) (*MongoWalletStorage, error) {
	log.Println("Connecting to MongoDB wallet storage...", utils.SanitizeConnectionString(connString))
	client, err := mongo.Connect(options.Client().ApplyURI(connString))
	if err != nil {
		return nil, err
	}

	dbName := "wallet"
	if cs, err := connstring.ParseAndValidate(connString); err == nil && cs.Database != "" {
		dbName = cs.Database
	}
	coll := client.Database(dbName).Collection("transactions")

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "labels", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(context.Background(), indexes); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &MongoWalletStorage{identity: identity, client: client, coll: coll}, nil
}

func (s *MongoWalletStorage) StorageIdentityKey() string {
	return s.identity
}

func (s *MongoWalletStorage) InsertTransaction(ctx context.Context, rec *TransactionRecord) error {
	if err := prepareInsert(rec); err != nil {
		return err
	}
	_, err := s.coll.InsertOne(ctx, toMongoRecord(rec))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateReference
	}
	return err
}

func (s *MongoWalletStorage) FindTransaction(ctx context.Context, reference string) (*TransactionRecord, error) {
	var m mongoRecord
	err := s.coll.FindOne(ctx, bson.M{"_id": reference}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return m.toRecord(), nil
}

func mongoFilter(filter ListTransactionsFilter) bson.M {
	query := bson.M{}
	if filter.UserID != nil {
		query["userId"] = *filter.UserID
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query["status"] = bson.M{"$in": statuses}
	}
	if filter.Reference != "" {
		query["_id"] = filter.Reference
	}
	if labels := uniqueLabels(filter.Labels); len(labels) > 0 {
		if normalizeMode(filter.LabelQueryMode) == LabelQueryModeAll {
			query["labels"] = bson.M{"$all": labels}
		} else {
			query["labels"] = bson.M{"$in": labels}
		}
	}
	return query
}

func (s *MongoWalletStorage) ListTransactions(ctx context.Context, filter ListTransactionsFilter) ([]*TransactionRecord, int, error) {
	query := mongoFilter(filter)
	total, err := s.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(filter.Offset))
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	recs, err := s.find(ctx, query, opts)
	return recs, int(total), err
}

func (s *MongoWalletStorage) find(ctx context.Context, query bson.M, opts *options.FindOptionsBuilder) ([]*TransactionRecord, error) {
	cursor, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	recs := make([]*TransactionRecord, 0)
	for cursor.Next(ctx) {
		var m mongoRecord
		if err := cursor.Decode(&m); err != nil {
			return nil, err
		}
		recs = append(recs, m.toRecord())
	}
	return recs, cursor.Err()
}

func (s *MongoWalletStorage) UpdateTransactionStatus(ctx context.Context, reference string, status TxStatus, onlyFrom ...TxStatus) error {
	query := bson.M{"_id": reference}
	if len(onlyFrom) > 0 {
		from := make([]string, len(onlyFrom))
		for i, st := range onlyFrom {
			from[i] = string(st)
		}
		query["status"] = bson.M{"$in": from}
	}
	res, err := s.coll.UpdateOne(ctx, query, bson.M{"$set": bson.M{
		"status":    string(status),
		"updatedAt": now().UnixMicro(),
	}})
	if err != nil {
		return err
	}
	return s.checkMatched(ctx, res, reference)
}

func (s *MongoWalletStorage) checkMatched(ctx context.Context, res *mongo.UpdateResult, reference string) error {
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": reference})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (s *MongoWalletStorage) UpdateTransactionProof(ctx context.Context, reference string, merklePath []byte, blockHeight uint32, status TxStatus) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": reference}, bson.M{"$set": bson.M{
		"merklePath":  merklePath,
		"blockHeight": int64(blockHeight),
		"status":      string(status),
		"updatedAt":   now().UnixMicro(),
	}})
	if err != nil {
		return err
	}
	return s.checkMatched(ctx, res, reference)
}

// AbortAction relies on the status guard in the update filter, so no
// multi-document transaction (and no replica set) is needed.
func (s *MongoWalletStorage) AbortAction(ctx context.Context, auth AuthID, reference string) error {
	rec, err := s.FindTransaction(ctx, reference)
	if err != nil {
		return err
	}
	if err := checkAbort(auth, rec); err != nil {
		return err
	}
	err = s.UpdateTransactionStatus(ctx, reference, TxStatusFailed, AbortableStatuses...)
	if errors.Is(err, ErrStatusConflict) {
		return ErrNotAbortableAction
	}
	return err
}

func (s *MongoWalletStorage) TransactionsUpdatedSince(ctx context.Context, cursor SyncCursor, limit int) ([]*TransactionRecord, error) {
	var us int64
	if !cursor.UpdatedAt.IsZero() {
		us = cursor.UpdatedAt.UnixMicro()
	}
	query := bson.M{"$or": bson.A{
		bson.M{"updatedAt": bson.M{"$gt": us}},
		bson.M{"updatedAt": us, "_id": bson.M{"$gt": cursor.Reference}},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, query, opts)
}

func (s *MongoWalletStorage) UpsertTransactions(ctx context.Context, recs []*TransactionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(recs))
	for _, rec := range recs {
		if rec.Reference == "" {
			return ErrMissingReference
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": rec.Reference}).
			SetReplacement(toMongoRecord(rec)).
			SetUpsert(true))
	}
	_, err := s.coll.BulkWrite(ctx, models)
	return err
}

func (s *MongoWalletStorage) Close() error {
	return s.client.Disconnect(context.Background())
}
