package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"imagebatch/internal/models"
)

const (
	requestsCollection = "requests"
	// one retry after ReplaceOne loses to a concurrent write
	mongoUpdateAttempts = 2
)

var errConflict = errors.New("concurrent modification")

type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ Store = (*Mongo)(nil)

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	const op = "storage.NewMongo"

	client, err := mongo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Mongo{
		client:     client,
		collection: client.Database(database).Collection(requestsCollection),
	}, nil
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Mongo) Create(ctx context.Context, req models.Request) error {
	const op = "storage.Mongo.Create"

	if _, err := s.collection.InsertOne(ctx, req); err != nil {
		return models.NewError(models.KindStoreFailure, op, err)
	}
	return nil
}

func (s *Mongo) Get(ctx context.Context, id string) (models.Request, error) {
	const op = "storage.Mongo.Get"

	var req models.Request
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&req); err != nil {
		if err == mongo.ErrNoDocuments {
			return models.Request{}, notFound(op, id)
		}
		return models.Request{}, models.NewError(models.KindStoreFailure, op, err)
	}
	return req, nil
}

// Update replaces the document only if status and progress still match what
// was read, so a lost race surfaces as a conflict instead of an overwrite.
func (s *Mongo) Update(ctx context.Context, id string, fn func(*models.Request) error) error {
	const op = "storage.Mongo.Update"

	var err error
	for attempt := 0; attempt < mongoUpdateAttempts; attempt++ {
		err = s.tryUpdate(ctx, id, fn)
		if !errors.Is(err, errConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, errConflict) {
			return models.NewError(models.KindStoreFailure, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Mongo) tryUpdate(ctx context.Context, id string, fn func(*models.Request) error) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	next, err := applyUpdate(current, fn)
	if err != nil {
		return err
	}

	filter := bson.M{
		"_id":               id,
		"status":            current.Status,
		"processedProducts": current.ProcessedProducts,
	}
	res, err := s.collection.ReplaceOne(ctx, filter, next)
	if err != nil {
		return models.NewError(models.KindStoreFailure, "storage.Mongo.tryUpdate", err)
	}
	if res.MatchedCount == 0 {
		return errConflict
	}
	return nil
}
