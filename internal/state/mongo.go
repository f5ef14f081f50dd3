package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/variable"
)

// MongoStore persists records in two collections, replace-upserted by key.
type MongoStore struct {
	client *mongo.Client
	runs   *mongo.Collection
	vars   *mongo.Collection
}

type variablesDoc struct {
	Scope     string                       `bson:"scope"`
	Variables map[string]variable.Variable `bson:"variables"`
	UpdatedAt time.Time                    `bson:"updated_at"`
}

// OpenMongo connects to MongoDB with the given settings.
func OpenMongo(ctx context.Context, cfg config.MongoConfig) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to reach mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	return &MongoStore{
		client: client,
		runs:   db.Collection("flow_runs"),
		vars:   db.Collection("flow_variables"),
	}, nil
}

func (s *MongoStore) SaveRun(ctx context.Context, record RunRecord) error {
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := s.runs.ReplaceOne(ctx,
		bson.M{"run_id": record.RunID},
		record,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", record.RunID, err)
	}
	return nil
}

func (s *MongoStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	var record RunRecord
	err := s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *MongoStore) LoadLatest(ctx context.Context, flowID string) (*RunRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})

	var record RunRecord
	err := s.runs.FindOne(ctx, bson.M{"flow_id": flowID}, opts).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *MongoStore) SaveVariables(ctx context.Context, scope string, vars map[string]variable.Variable) error {
	doc := variablesDoc{Scope: scope, Variables: vars, UpdatedAt: time.Now()}

	_, err := s.vars.ReplaceOne(ctx,
		bson.M{"scope": scope},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save variables for scope %s: %w", scope, err)
	}
	return nil
}

func (s *MongoStore) LoadVariables(ctx context.Context, scope string) (map[string]variable.Variable, error) {
	var doc variablesDoc
	err := s.vars.FindOne(ctx, bson.M{"scope": scope}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Variables, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}
