package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chargefleet/fleetsim/internal/station"
)

const connectorStateCollection = "connector_states"

// ConnectorStateDocument is the persisted form of a connector ledger
// snapshot.
type ConnectorStateDocument struct {
	StationID          string    `bson:"station_id"`
	ConnectorID        int       `bson:"connector_id"`
	Status             string    `bson:"status"`
	Availability       string    `bson:"availability"`
	EnergyRegisterWh   float64   `bson:"energy_register_wh"`
	TransactionStarted bool      `bson:"transaction_started"`
	TransactionID      int       `bson:"transaction_id,omitempty"`
	IdTag              string    `bson:"id_tag,omitempty"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

// ConnectorStateRepository persists connector snapshots so lifetime energy
// registers survive restarts. All operations are best-effort from the
// engine's perspective.
type ConnectorStateRepository struct {
	client *Client
}

// NewConnectorStateRepository creates a repository over the shared client.
func NewConnectorStateRepository(client *Client) *ConnectorStateRepository {
	return &ConnectorStateRepository{client: client}
}

// SaveConnectorState upserts a connector snapshot.
func (r *ConnectorStateRepository) SaveConnectorState(stationID string, connectorID int, snapshot station.ConnectorSnapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	doc := ConnectorStateDocument{
		StationID:          stationID,
		ConnectorID:        connectorID,
		Status:             string(snapshot.Status),
		Availability:       string(snapshot.Availability),
		EnergyRegisterWh:   snapshot.EnergyRegisterWh,
		TransactionStarted: snapshot.TransactionStarted,
		TransactionID:      snapshot.TransactionID,
		IdTag:              snapshot.IdTag,
		UpdatedAt:          time.Now(),
	}

	filter := bson.M{"station_id": stationID, "connector_id": connectorID}
	update := bson.M{"$set": doc}

	_, err := r.client.Collection(connectorStateCollection).
		UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save connector state %s/%d: %w", stationID, connectorID, err)
	}

	return nil
}

// LoadConnectorState fetches a connector snapshot; the second return value
// reports whether one existed.
func (r *ConnectorStateRepository) LoadConnectorState(stationID string, connectorID int) (station.ConnectorSnapshot, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	filter := bson.M{"station_id": stationID, "connector_id": connectorID}

	var doc ConnectorStateDocument
	err := r.client.Collection(connectorStateCollection).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return station.ConnectorSnapshot{}, false, nil
	}
	if err != nil {
		return station.ConnectorSnapshot{}, false, fmt.Errorf("load connector state %s/%d: %w", stationID, connectorID, err)
	}

	snapshot := station.ConnectorSnapshot{
		Status:             v16Status(doc.Status),
		Availability:       station.Availability(doc.Availability),
		EnergyRegisterWh:   doc.EnergyRegisterWh,
		TransactionStarted: doc.TransactionStarted,
		TransactionID:      doc.TransactionID,
		IdTag:              doc.IdTag,
	}

	return snapshot, true, nil
}
