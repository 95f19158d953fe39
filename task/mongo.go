package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: tasks

{
    "_id": string (task ID),
    "state": "RUNNING" | "SUCCESS" | "FAILURE",
    "result": Binary (JSON, optional),
    "error": string (optional),
    "created_at": ISODate,
    "updated_at": ISODate
}

Writes filter on a non-terminal state and upsert. When a terminal document
already exists the filter misses, the upsert collides on _id and the
duplicate-key error marks the record as already terminal.
*/

var terminalStates = bson.A{StateSuccess, StateFailure}

// MongoBackend implements Backend on MongoDB.
type MongoBackend struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// NewMongoBackend creates a backend on the "tasks" collection of db.
func NewMongoBackend(db *mongo.Database) *MongoBackend {
	return &MongoBackend{collection: db.Collection("tasks")}
}

// WithCollection sets a custom collection name
func (b *MongoBackend) WithCollection(name string) *MongoBackend {
	b.collection = b.collection.Database().Collection(name)
	return b
}

// WithTTL expires records ttl after their last update. Takes effect
// through EnsureIndexes.
func (b *MongoBackend) WithTTL(ttl time.Duration) *MongoBackend {
	b.ttl = ttl
	return b
}

// EnsureIndexes creates the TTL index when a TTL is set.
func (b *MongoBackend) EnsureIndexes(ctx context.Context) error {
	if b.ttl <= 0 {
		return nil
	}
	_, err := b.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "updated_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(b.ttl.Seconds())),
	})
	return err
}

// Get returns the record for id.
func (b *MongoBackend) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := b.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return &rec, nil
}

// upsertOpen updates the document for id only while it is not terminal.
// It reports whether a terminal document blocked the write.
func (b *MongoBackend) upsertOpen(ctx context.Context, id string, set bson.M, now time.Time) (bool, error) {
	filter := bson.M{"_id": id, "state": bson.M{"$nin": terminalStates}}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": now},
	}
	_, err := b.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return true, nil
	}
	return false, err
}

// MarkRunning upserts a RUNNING document unless a terminal one exists.
func (b *MongoBackend) MarkRunning(ctx context.Context, id string) error {
	now := time.Now()
	if _, err := b.upsertOpen(ctx, id, bson.M{"state": StateRunning, "updated_at": now}, now); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

// Complete writes the terminal document once.
func (b *MongoBackend) Complete(ctx context.Context, rec *Record) error {
	now := time.Now()
	set := bson.M{"state": rec.State, "updated_at": now}
	if len(rec.Result) > 0 {
		set["result"] = []byte(rec.Result)
	}
	if rec.Error != "" {
		set["error"] = rec.Error
	}

	terminal, err := b.upsertOpen(ctx, rec.TaskID, set, now)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if terminal {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, rec.TaskID)
	}
	return nil
}

// Ping checks connectivity.
func (b *MongoBackend) Ping(ctx context.Context) error {
	return b.collection.Database().Client().Ping(ctx, nil)
}

var _ Backend = (*MongoBackend)(nil)
