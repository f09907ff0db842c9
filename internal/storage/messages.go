package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	v16 "github.com/chargefleet/fleetsim/internal/ocpp/v16"
)

const messageCollection = "messages"

func v16Status(s string) v16.ChargePointStatus {
	return v16.ChargePointStatus(s)
}

// MessageDocument is one logged OCPP frame.
type MessageDocument struct {
	StationID string    `bson:"station_id"`
	Direction string    `bson:"direction"` // sent or received
	Action    string    `bson:"action,omitempty"`
	UniqueID  string    `bson:"unique_id"`
	Raw       string    `bson:"raw"`
	Timestamp time.Time `bson:"timestamp"`
}

// MessageRepository logs OCPP traffic for later inspection. Writes are
// fire-and-forget from the engine's perspective.
type MessageRepository struct {
	client *Client
}

// NewMessageRepository creates a repository over the shared client.
func NewMessageRepository(client *Client) *MessageRepository {
	return &MessageRepository{client: client}
}

// Log stores one frame.
func (r *MessageRepository) Log(ctx context.Context, doc MessageDocument) error {
	if doc.Timestamp.IsZero() {
		doc.Timestamp = time.Now()
	}

	_, err := r.client.Collection(messageCollection).InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("log message for %s: %w", doc.StationID, err)
	}
	return nil
}

// Recent returns the latest frames for a station, newest first.
func (r *MessageRepository) Recent(ctx context.Context, stationID string, limit int64) ([]MessageDocument, error) {
	opts := options.Find().
		SetSort(bson.M{"timestamp": -1}).
		SetLimit(limit)

	cursor, err := r.client.Collection(messageCollection).
		Find(ctx, bson.M{"station_id": stationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", stationID, err)
	}
	defer cursor.Close(ctx)

	var docs []MessageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", stationID, err)
	}

	return docs, nil
}
