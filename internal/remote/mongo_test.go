package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"offline-sync/internal/models"
)

type mockCollection struct {
	insertOneFunc  func(ctx context.Context, document interface{}) (*mongo.InsertOneResult, error)
	replaceOneFunc func(ctx context.Context, filter, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	deleteOneFunc  func(ctx context.Context, filter interface{}) (*mongo.DeleteResult, error)
}

func (m *mockCollection) InsertOne(ctx context.Context, document interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if m.insertOneFunc != nil {
		return m.insertOneFunc(ctx, document)
	}
	return &mongo.InsertOneResult{}, nil
}

func (m *mockCollection) ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	if m.replaceOneFunc != nil {
		return m.replaceOneFunc(ctx, filter, replacement, opts...)
	}
	return &mongo.UpdateResult{MatchedCount: 1}, nil
}

func (m *mockCollection) DeleteOne(ctx context.Context, filter interface{}, _ ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	if m.deleteOneFunc != nil {
		return m.deleteOneFunc(ctx, filter)
	}
	return &mongo.DeleteResult{}, nil
}

type mockProvider struct {
	names []string
	coll  *mockCollection
}

func (p *mockProvider) Collection(name string) Collection {
	p.names = append(p.names, name)
	return p.coll
}

func duplicateKey() error {
	return mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key"}}}
}

func TestMongoInsert(t *testing.T) {
	var inserted bson.M
	coll := &mockCollection{insertOneFunc: func(_ context.Context, doc interface{}) (*mongo.InsertOneResult, error) {
		inserted = doc.(bson.M)
		return &mongo.InsertOneResult{InsertedID: inserted["_id"]}, nil
	}}
	provider := &mockProvider{coll: coll}
	m := NewMongo(provider)

	err := m.Apply(context.Background(), Mutation{
		ID:         "1778000000000-abc",
		EntityType: models.EntityStockMovement,
		Operation:  models.OpInsert,
		Payload:    models.StockMovementPayload{ID: "m-1", SKU: "sku-9", Delta: -3},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"stock_movements"}, provider.names)
	assert.Equal(t, "m-1", inserted["_id"])
	assert.Equal(t, "1778000000000-abc", inserted["mutation_id"])
	data := inserted["data"].(map[string]interface{})
	assert.Equal(t, "sku-9", data["sku"])

	coll.insertOneFunc = func(context.Context, interface{}) (*mongo.InsertOneResult, error) {
		return nil, duplicateKey()
	}
	assert.ErrorIs(t, m.Apply(context.Background(), Mutation{
		EntityType: models.EntityStockMovement,
		Operation:  models.OpInsert,
		Payload:    models.StockMovementPayload{ID: "m-1", SKU: "sku-9"},
	}), ErrAlreadyExists)
}

func TestMongoLocationUpsertSkipsStaleWrites(t *testing.T) {
	ts := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	var gotFilter bson.M
	var upsert bool
	coll := &mockCollection{replaceOneFunc: func(_ context.Context, filter, _ interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
		gotFilter = filter.(bson.M)
		for _, o := range opts {
			if o.Upsert != nil {
				upsert = *o.Upsert
			}
		}
		return nil, duplicateKey()
	}}
	m := NewMongo(&mockProvider{coll: coll})

	err := m.Apply(context.Background(), Mutation{
		EntityType: models.EntityLocation,
		Operation:  models.OpInsert,
		Payload:    models.LocationPayload{RiderID: "r-1", Timestamp: ts},
	})
	require.NoError(t, err)
	assert.True(t, upsert)
	assert.Equal(t, "r-1", gotFilter["_id"])
	assert.Equal(t, bson.M{"$lt": ts}, gotFilter["recorded_at"])
}

func TestMongoUpdateAndErrorClassification(t *testing.T) {
	coll := &mockCollection{replaceOneFunc: func(context.Context, interface{}, interface{}, ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
		return &mongo.UpdateResult{MatchedCount: 0}, nil
	}}
	m := NewMongo(&mockProvider{coll: coll})
	update := Mutation{
		EntityType: models.EntityOrderUpdate,
		Operation:  models.OpUpdate,
		Payload:    models.OrderUpdatePayload{OrderID: "o-1", Status: "delivered"},
	}
	err := m.Apply(context.Background(), update)
	assert.ErrorIs(t, err, ErrNotFound)

	coll.replaceOneFunc = func(context.Context, interface{}, interface{}, ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
		return nil, mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 121, Message: "Document failed validation"}}}
	}
	assert.Equal(t, KindRejected, KindOf(m.Apply(context.Background(), update)))

	coll.replaceOneFunc = func(context.Context, interface{}, interface{}, ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
		return nil, context.DeadlineExceeded
	}
	assert.Equal(t, KindTransient, KindOf(m.Apply(context.Background(), update)))
}
