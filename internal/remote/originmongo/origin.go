// Package originmongo implements the remote.Origin interface on top of a
// MongoDB collection. The origin is the authoritative write target; the
// indexer ingests from it asynchronously.
package originmongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gillohner/eventky-sub000/internal/remote"
	"github.com/gillohner/eventky-sub000/pkg/model"
)

// Config holds the origin store configuration.
type Config struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default origin configuration.
func DefaultConfig() Config {
	return Config{
		URI:        "mongodb://localhost:27017",
		Database:   "eventky",
		Collection: "entities",
		Timeout:    10 * time.Second,
	}
}

// Origin writes entities to a MongoDB collection.
type Origin struct {
	client     *mongo.Client
	collection *mongo.Collection
	ownsClient bool
}

// entityDoc is the MongoDB document shape for a stored entity. The _id
// combines author and entity ID so a single unique index covers both.
type entityDoc struct {
	ID        string         `bson:"_id"`
	AuthorID  string         `bson:"author_id"`
	EntityID  string         `bson:"entity_id"`
	Kind      string         `bson:"kind"`
	Sequence  int64          `bson:"sequence"`
	UpdatedAt int64          `bson:"updated_at"`
	Data      map[string]any `bson:"data,omitempty"`
	WrittenAt time.Time      `bson:"written_at"`
}

func docID(key model.Key) string {
	return key.AuthorID + "/" + key.EntityID
}

// Connect dials MongoDB and returns an Origin that owns the connection.
func Connect(ctx context.Context, cfg Config) (*Origin, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to origin: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping origin: %w", err)
	}

	o := NewWithCollection(client.Database(cfg.Database).Collection(cfg.Collection))
	o.client = client
	o.ownsClient = true
	return o, nil
}

// NewWithCollection wraps an existing collection. The caller owns the
// underlying client.
func NewWithCollection(coll *mongo.Collection) *Origin {
	return &Origin{collection: coll}
}

// WriteEntity implements remote.Origin: a full-document upsert keyed by
// author and entity ID.
func (o *Origin) WriteEntity(ctx context.Context, cred remote.Credential, entity *model.Entity) error {
	doc := entityDoc{
		ID:        docID(entity.Key()),
		AuthorID:  entity.AuthorID,
		EntityID:  entity.ID,
		Kind:      string(entity.Kind),
		Sequence:  entity.Sequence,
		UpdatedAt: entity.UpdatedAt,
		Data:      entity.Data,
		WrittenAt: time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := o.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("failed to write entity %s: %w", entity.Key(), err)
	}
	return nil
}

// DeleteEntity implements remote.Origin. Deleting an absent entity is not
// an error.
func (o *Origin) DeleteEntity(ctx context.Context, cred remote.Credential, key model.Key) error {
	if _, err := o.collection.DeleteOne(ctx, bson.M{"_id": docID(key)}); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", key, err)
	}
	return nil
}

// EnsureIndexes creates the secondary index used by per-author scans.
func (o *Origin) EnsureIndexes(ctx context.Context) error {
	_, err := o.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "author_id", Value: 1}, {Key: "kind", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create origin indexes: %w", err)
	}
	return nil
}

// Close disconnects the client if this Origin owns it.
func (o *Origin) Close(ctx context.Context) error {
	if !o.ownsClient || o.client == nil {
		return nil
	}
	return o.client.Disconnect(ctx)
}
