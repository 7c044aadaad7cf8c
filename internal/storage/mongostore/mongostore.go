// Package mongostore implements storage.Store on MongoDB. Each collection
// maps to a MongoDB collection; secondary indexes live under the idx field.
package mongostore

import (
	"context"
	"errors"
	"sync"

	"e2e_multidevice/internal/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	Store struct {
		db *mongo.Database

		mu      sync.Mutex
		indexed map[string]bool
	}

	document struct {
		Key     string            `bson:"_id"`
		Value   []byte            `bson:"value"`
		Indexes map[string]string `bson:"idx,omitempty"`
	}
)

func New(db *mongo.Database) *Store {
	return &Store{
		db:      db,
		indexed: make(map[string]bool),
	}
}

func (s *Store) Get(ctx context.Context, collection, key string) (*storage.Record, error) {
	var doc document
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &storage.Record{Key: doc.Key, Value: doc.Value, Indexes: doc.Indexes}, nil
}

func (s *Store) Put(ctx context.Context, collection string, rec storage.Record) error {
	if err := s.ensureIndexes(ctx, collection, rec.Indexes); err != nil {
		return err
	}
	doc := document{Key: rec.Key, Value: rec.Value, Indexes: rec.Indexes}
	_, err := s.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": rec.Key}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *Store) Remove(ctx context.Context, collection, key string) error {
	_, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": key})
	return err
}

func (s *Store) RangeByIndex(ctx context.Context, collection, index, value string) ([]storage.Record, error) {
	filter := bson.M{}
	if index != "" {
		filter = bson.M{"idx." + index: value}
	}

	cur, err := s.db.Collection(collection).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []storage.Record
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, storage.Record{Key: doc.Key, Value: doc.Value, Indexes: doc.Indexes})
	}
	return out, cur.Err()
}

// ensureIndexes creates a MongoDB index for every secondary index name the
// first time it is seen on a collection.
func (s *Store) ensureIndexes(ctx context.Context, collection string, indexes map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range indexes {
		k := collection + "/" + name
		if s.indexed[k] {
			continue
		}
		_, err := s.db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "idx." + name, Value: 1}},
		})
		if err != nil {
			return err
		}
		s.indexed[k] = true
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
