package saga

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

Collection: sagas

{
    "_id": string (saga ID),
    "name": string,
    "status": string,
    "current_step": int,
    "completed_steps": [string],
    "compensated_steps": [string],
    "error": string (optional),
    "started_at": ISODate,
    "completed_at": ISODate (optional),
    "last_updated_at": ISODate
}

EnsureIndexes adds a status index, a started_at index and, when a TTL is
set, a TTL index on completed_at so finished sagas expire.
*/

// mongoState is the BSON form of State
type mongoState struct {
	ID               string     `bson:"_id"`
	Name             string     `bson:"name"`
	Status           Status     `bson:"status"`
	CurrentStep      int        `bson:"current_step"`
	CompletedSteps   []string   `bson:"completed_steps,omitempty"`
	CompensatedSteps []string   `bson:"compensated_steps,omitempty"`
	Error            string     `bson:"error,omitempty"`
	StartedAt        time.Time  `bson:"started_at"`
	CompletedAt      *time.Time `bson:"completed_at,omitempty"`
	LastUpdatedAt    time.Time  `bson:"last_updated_at"`
}

func (m *mongoState) toState() *State {
	return &State{
		ID:               m.ID,
		Name:             m.Name,
		Status:           m.Status,
		CurrentStep:      m.CurrentStep,
		CompletedSteps:   m.CompletedSteps,
		CompensatedSteps: m.CompensatedSteps,
		Error:            m.Error,
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
		LastUpdatedAt:    m.LastUpdatedAt,
	}
}

func fromState(s *State) *mongoState {
	return &mongoState{
		ID:               s.ID,
		Name:             s.Name,
		Status:           s.Status,
		CurrentStep:      s.CurrentStep,
		CompletedSteps:   s.CompletedSteps,
		CompensatedSteps: s.CompensatedSteps,
		Error:            s.Error,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.CompletedAt,
		LastUpdatedAt:    s.LastUpdatedAt,
	}
}

// MongoStore is a MongoDB-based saga journal
type MongoStore struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// NewMongoStore creates a store on the "sagas" collection of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("sagas"),
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// WithTTL expires sagas ttl after completion. Takes effect through
// EnsureIndexes.
func (s *MongoStore) WithTTL(ttl time.Duration) *MongoStore {
	s.ttl = ttl
	return s
}

// EnsureIndexes creates the indexes used by List and expiry.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
	}
	if s.ttl > 0 {
		indexes = append(indexes, mongo.IndexModel{
			Keys:    bson.D{{Key: "completed_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(s.ttl.Seconds())),
		})
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Create creates a new saga instance
func (s *MongoStore) Create(ctx context.Context, state *State) error {
	_, err := s.collection.InsertOne(ctx, fromState(state))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrSagaExists, state.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// Get retrieves saga state by ID
func (s *MongoStore) Get(ctx context.Context, id string) (*State, error) {
	var doc mongoState
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.toState(), nil
}

// Update replaces the saga document
func (s *MongoStore) Update(ctx context.Context, state *State) error {
	result, err := s.collection.ReplaceOne(ctx, bson.M{"_id": state.ID}, fromState(state))
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, state.ID)
	}
	return nil
}

// List lists sagas matching the filter, newest first
func (s *MongoStore) List(ctx context.Context, filter StoreFilter) ([]*State, error) {
	query := bson.M{}
	if filter.Name != "" {
		query["name"] = filter.Name
	}
	if len(filter.Status) > 0 {
		query["status"] = bson.M{"$in": filter.Status}
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var results []*State
	for cursor.Next(ctx) {
		var doc mongoState
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		results = append(results, doc.toState())
	}
	return results, cursor.Err()
}

// Ping checks connectivity for readiness reporting.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
