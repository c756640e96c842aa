package queue

import (
	"context"
	"errors"
	"log"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

// MongoQueueStorage keeps one document per hash field and per sorted set member.
// Hash fields are often storage identities containing dots, which rules out
// embedding them as document keys.
type MongoQueueStorage struct {
	db *mongo.Database
}

// Close disconnects from the MongoDB database
func (m *MongoQueueStorage) Close() error {
	if m.db != nil {
		return m.db.Client().Disconnect(context.Background())
	}
	return nil
}

func NewMongoQueueStorage(connString string) (*MongoQueueStorage, error) {
	log.Println("Connecting to MongoDB Queue Storage...", utils.SanitizeConnectionString(connString))
	client, err := mongo.Connect(options.Client().ApplyURI(connString))
	if err != nil {
		return nil, err
	}

	dbName := "wallet"
	if cs, err := connstring.ParseAndValidate(connString); err == nil && cs.Database != "" {
		dbName = cs.Database
	}
	db := client.Database(dbName)

	indexes := map[string]mongo.IndexModel{
		"queue_hashes": {
			Keys:    bson.D{{Key: "key", Value: 1}, {Key: "field", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		"queue_sorted_sets": {
			Keys:    bson.D{{Key: "key", Value: 1}, {Key: "member", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	for coll, model := range indexes {
		if _, err := db.Collection(coll).Indexes().CreateOne(context.Background(), model); err != nil {
			client.Disconnect(context.Background())
			return nil, err
		}
	}
	return &MongoQueueStorage{db: db}, nil
}

// Hash Operations
func (s *MongoQueueStorage) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.db.Collection("queue_hashes").UpdateOne(ctx,
		bson.M{"key": key, "field": field},
		bson.M{"$set": bson.M{"value": value}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *MongoQueueStorage) HGet(ctx context.Context, key, field string) (string, error) {
	var doc struct {
		Value string `bson:"value"`
	}
	err := s.db.Collection("queue_hashes").FindOne(ctx, bson.M{"key": key, "field": field}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNotFound
	}
	return doc.Value, err
}

func (s *MongoQueueStorage) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	cursor, err := s.db.Collection("queue_hashes").Find(ctx, bson.M{"key": key})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	result := make(map[string]string)
	for cursor.Next(ctx) {
		var doc struct {
			Field string `bson:"field"`
			Value string `bson:"value"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		result[doc.Field] = doc.Value
	}
	return result, cursor.Err()
}

func (s *MongoQueueStorage) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := s.db.Collection("queue_hashes").DeleteMany(ctx, bson.M{
		"key":   key,
		"field": bson.M{"$in": fields},
	})
	return err
}

// Sorted Set Operations
func (s *MongoQueueStorage) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := s.db.Collection("queue_sorted_sets").DeleteMany(ctx, bson.M{
		"key":    key,
		"member": bson.M{"$in": members},
	})
	return err
}

func (s *MongoQueueStorage) ZRange(ctx context.Context, key string, scoreRange ScoreRange) ([]ScoredMember, error) {
	filter := bson.M{"key": key}
	if scoreRange.Min != nil || scoreRange.Max != nil {
		scoreFilter := bson.M{}
		if scoreRange.Min != nil {
			scoreFilter["$gte"] = *scoreRange.Min
		}
		if scoreRange.Max != nil {
			scoreFilter["$lte"] = *scoreRange.Max
		}
		filter["score"] = scoreFilter
	}

	opts := options.Find().SetSort(bson.D{{Key: "score", Value: 1}, {Key: "member", Value: 1}})
	if scoreRange.Offset > 0 {
		opts.SetSkip(scoreRange.Offset)
	}
	if scoreRange.Count > 0 {
		opts.SetLimit(scoreRange.Count)
	}

	cursor, err := s.db.Collection("queue_sorted_sets").Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var members []ScoredMember
	for cursor.Next(ctx) {
		var doc struct {
			Member string  `bson:"member"`
			Score  float64 `bson:"score"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		members = append(members, ScoredMember{Member: doc.Member, Score: doc.Score})
	}
	return members, cursor.Err()
}

func (s *MongoQueueStorage) ZScore(ctx context.Context, key, member string) (float64, error) {
	var doc struct {
		Score float64 `bson:"score"`
	}
	err := s.db.Collection("queue_sorted_sets").FindOne(ctx, bson.M{"key": key, "member": member}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	return doc.Score, err
}

func (s *MongoQueueStorage) ZCard(ctx context.Context, key string) (int64, error) {
	return s.db.Collection("queue_sorted_sets").CountDocuments(ctx, bson.M{"key": key})
}

func (s *MongoQueueStorage) ZIncrBy(ctx context.Context, key, member string, increment float64) (float64, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var result struct {
		Score float64 `bson:"score"`
	}
	err := s.db.Collection("queue_sorted_sets").FindOneAndUpdate(ctx,
		bson.M{"key": key, "member": member},
		bson.M{"$inc": bson.M{"score": increment}},
		opts,
	).Decode(&result)
	return result.Score, err
}
