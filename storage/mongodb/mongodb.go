// Package mongodb provides a MongoDB-backed omemo.Storage implementation.
package mongodb

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/corvid-chat/omemo-core/crypto/omemo"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store implements omemo.Storage using a single MongoDB collection,
// documents keyed by (key, kind) the same way the SQL and Redis adapters
// partition values by the Go type they were stored as.
type Store struct {
	client *mongo.Client
	col    *mongo.Collection
}

type kvDoc struct {
	Key   string `bson:"key"`
	Kind  string `bson:"kind"`
	Value []byte `bson:"value"`
}

const (
	kindBytes  = "bytes"
	kindInt    = "int"
	kindBool   = "bool"
	kindString = "string"
)

// New connects to uri and returns an omemo.Storage backed by the given
// database.
func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb: connect: %w", err)
	}
	col := client.Database(database).Collection("omemo_kv")
	_, err = col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}, {Key: "kind", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("mongodb: create index: %w", err)
	}
	return &Store{client: client, col: col}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) loadRaw(ctx context.Context, key, kind string) (omemo.Optional[[]byte], error) {
	var doc kvDoc
	err := s.col.FindOne(ctx, bson.D{{Key: "key", Value: key}, {Key: "kind", Value: kind}}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return omemo.Nothing[[]byte](), nil
	}
	if err != nil {
		return omemo.Optional[[]byte]{}, fmt.Errorf("mongodb: load %s/%s: %w", kind, key, err)
	}
	return omemo.Just(doc.Value), nil
}

func (s *Store) storeRaw(ctx context.Context, key, kind string, value []byte) error {
	filter := bson.D{{Key: "key", Value: key}, {Key: "kind", Value: kind}}
	update := bson.D{{Key: "$set", Value: kvDoc{Key: key, Kind: kind, Value: value}}}
	_, err := s.col.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb: store %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *Store) LoadBytes(ctx context.Context, key string) (omemo.Optional[[]byte], error) {
	return s.loadRaw(ctx, key, kindBytes)
}

func (s *Store) LoadInt(ctx context.Context, key string) (omemo.Optional[int64], error) {
	raw, err := s.loadRaw(ctx, key, kindInt)
	if err != nil {
		return omemo.Optional[int64]{}, err
	}
	v, ok := raw.Get()
	if !ok {
		return omemo.Nothing[int64](), nil
	}
	return omemo.Just(int64(binary.BigEndian.Uint64(v))), nil
}

func (s *Store) LoadBool(ctx context.Context, key string) (omemo.Optional[bool], error) {
	raw, err := s.loadRaw(ctx, key, kindBool)
	if err != nil {
		return omemo.Optional[bool]{}, err
	}
	v, ok := raw.Get()
	if !ok {
		return omemo.Nothing[bool](), nil
	}
	return omemo.Just(len(v) > 0 && v[0] != 0), nil
}

func (s *Store) LoadString(ctx context.Context, key string) (omemo.Optional[string], error) {
	raw, err := s.loadRaw(ctx, key, kindString)
	if err != nil {
		return omemo.Optional[string]{}, err
	}
	v, ok := raw.Get()
	if !ok {
		return omemo.Nothing[string](), nil
	}
	return omemo.Just(string(v)), nil
}

func (s *Store) StoreBytes(ctx context.Context, key string, value []byte) error {
	return s.storeRaw(ctx, key, kindBytes, value)
}

func (s *Store) StoreInt(ctx context.Context, key string, value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return s.storeRaw(ctx, key, kindInt, buf)
}

func (s *Store) StoreBool(ctx context.Context, key string, value bool) error {
	v := byte(0)
	if value {
		v = 1
	}
	return s.storeRaw(ctx, key, kindBool, []byte{v})
}

func (s *Store) StoreString(ctx context.Context, key string, value string) error {
	return s.storeRaw(ctx, key, kindString, []byte(value))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.col.DeleteMany(ctx, bson.D{{Key: "key", Value: key}})
	if err != nil {
		return fmt.Errorf("mongodb: delete %s: %w", key, err)
	}
	return nil
}

var _ omemo.Storage = (*Store)(nil)
