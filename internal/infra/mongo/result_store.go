package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"quiz-room-service/internal/app"
	"quiz-room-service/internal/domain"
)

// ResultStore keeps one document per (room, user) completion.
type ResultStore struct {
	collection *mongo.Collection
}

func NewResultStore(db *mongo.Database, collection string) *ResultStore {
	if collection == "" {
		collection = "room_results"
	}
	return &ResultStore{collection: db.Collection(collection)}
}

// Connect dials uri and verifies the deployment is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// Notify upserts quiz_completed notifications.
func (s *ResultStore) Notify(ctx context.Context, n domain.Notification) error {
	result, ok := app.ResultFromNotification(n)
	if !ok {
		return nil
	}
	filter := bson.M{"room_id": result.RoomID, "user_id": result.UserID}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, filter, result, opts); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func (s *ResultStore) LoadResults(ctx context.Context, roomID string) ([]domain.RoomResult, error) {
	opts := options.Find().SetSort(bson.D{{Key: "score", Value: -1}, {Key: "completed_at", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	defer cursor.Close(ctx)

	var results []domain.RoomResult
	if err = cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	return results, nil
}
