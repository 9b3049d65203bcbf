package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"offline-sync/internal/models"
)

// Collection is the subset of *mongo.Collection the service needs.
type Collection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
}

// CollectionProvider hands out collections by name.
type CollectionProvider interface {
	Collection(name string) Collection
}

type mongoDatabase struct {
	db *mongo.Database
}

func (d mongoDatabase) Collection(name string) Collection {
	return d.db.Collection(name)
}

// Mongo applies mutations to one collection per entity type, keyed by _id.
type Mongo struct {
	provider CollectionProvider
	client   *mongo.Client
	now      func() time.Time
}

func NewMongo(provider CollectionProvider) *Mongo {
	return &Mongo{provider: provider, now: time.Now}
}

// ConnectMongo dials uri, pings the server, and uses database dbName.
func ConnectMongo(ctx context.Context, uri, dbName string, logger *slog.Logger) (*Mongo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.DebugContext(ctx, "connecting to mongodb", "database", dbName)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	logger.InfoContext(ctx, "connected to mongodb", "database", dbName)
	m := NewMongo(mongoDatabase{db: client.Database(dbName)})
	m.client = client
	return m, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Apply(ctx context.Context, mu Mutation) error {
	name, err := tableFor(mu.EntityType)
	if err != nil {
		return Rejected(err)
	}
	if mu.Payload == nil {
		return Rejected(fmt.Errorf("%s: empty payload", mu.ID))
	}
	data, err := toDocument(mu.Payload)
	if err != nil {
		return Rejected(err)
	}
	key := mu.Payload.RecordKey()
	coll := m.provider.Collection(name)
	doc := bson.M{"_id": key, "mutation_id": mu.ID, "data": data, "updated_at": m.now().UTC()}

	if sk, ok := mu.Payload.(models.StreamKeyed); ok && mu.Operation != models.OpDelete {
		doc["recorded_at"] = sk.StreamTime().UTC()
		filter := bson.M{"_id": key, "recorded_at": bson.M{"$lt": sk.StreamTime().UTC()}}
		_, err := coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
		// the upsert collides with a newer stored position; nothing to do
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return classifyMongo(err)
	}

	switch mu.Operation {
	case models.OpInsert:
		_, err := coll.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return ErrAlreadyExists
		}
		return classifyMongo(err)
	case models.OpUpdate:
		res, err := coll.ReplaceOne(ctx, bson.M{"_id": key}, doc)
		if err != nil {
			return classifyMongo(err)
		}
		if res.MatchedCount == 0 {
			return Rejected(fmt.Errorf("%s %s: %w", mu.EntityType, key, ErrNotFound))
		}
		return nil
	case models.OpDelete:
		_, err := coll.DeleteOne(ctx, bson.M{"_id": key})
		return classifyMongo(err)
	default:
		return Rejected(fmt.Errorf("%w: %q", models.ErrInvalidOperation, mu.Operation))
	}
}

func toDocument(p models.Payload) (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return doc, nil
}

func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return Transient(err)
	}
	var we mongo.WriteException
	if errors.As(err, &we) {
		return Rejected(err)
	}
	return Transient(err)
}
