package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/domain/repositories"
)

// Store implements repositories.Store on MongoDB collections.
// Appends use ReplaceOne with upsert so replayed sync batches land on
// the same documents.
type Store struct {
	toys    *mongo.Collection
	devices *mongo.Collection
	turns   *mongo.Collection
	alerts  *mongo.Collection
	metrics *mongo.Collection
}

var _ repositories.Store = (*Store)(nil)

// NewStore creates a new MongoDB-backed store.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		toys:    db.Collection("toys"),
		devices: db.Collection("devices"),
		turns:   db.Collection("conversation_turns"),
		alerts:  db.Collection("moderation_alerts"),
		metrics: db.Collection("usage_metrics"),
	}
}

// ToyConfig implements repositories.Store
func (s *Store) ToyConfig(ctx context.Context, toyID string) (*entities.ToyConfig, error) {
	if toyID == "" {
		return nil, errors.New("toy ID cannot be empty")
	}

	var toy entities.ToyConfig
	err := s.toys.FindOne(ctx, bson.M{"_id": toyID}).Decode(&toy)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get toy config %s: %w", toyID, err)
	}

	return &toy, nil
}

// DeviceBySerial implements repositories.Store
func (s *Store) DeviceBySerial(ctx context.Context, serialNumber string) (*entities.Device, error) {
	if serialNumber == "" {
		return nil, errors.New("serial number cannot be empty")
	}

	var device entities.Device
	err := s.devices.FindOne(ctx, bson.M{"serial_number": serialNumber}).Decode(&device)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get device by serial %s: %w", serialNumber, err)
	}

	return &device, nil
}

// AppendTurn implements repositories.Store
func (s *Store) AppendTurn(ctx context.Context, turn *entities.ConversationTurn) error {
	if turn == nil {
		return errors.New("turn cannot be nil")
	}
	if turn.ID == "" {
		return errors.New("turn ID cannot be empty")
	}

	_, err := s.turns.ReplaceOne(
		ctx,
		bson.M{"_id": turn.ID},
		turn,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}

	return nil
}

// RecentTurns implements repositories.Store
func (s *Store) RecentTurns(ctx context.Context, deviceID string, limit int) ([]entities.ConversationTurn, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}
	if limit <= 0 {
		return nil, nil
	}

	opts := options.Find().
		SetSort(bson.M{"timestamp": -1}).
		SetLimit(int64(limit))
	cursor, err := s.turns.Find(ctx, bson.M{"device_id": deviceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns for device %s: %w", deviceID, err)
	}
	defer cursor.Close(ctx)

	var turns []entities.ConversationTurn
	if err := cursor.All(ctx, &turns); err != nil {
		return nil, fmt.Errorf("failed to decode turns: %w", err)
	}

	// Query sorts newest first; callers expect newest last.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	return turns, nil
}

// AppendModerationAlert implements repositories.Store
func (s *Store) AppendModerationAlert(ctx context.Context, alert *entities.ModerationAlert) error {
	if alert == nil {
		return errors.New("alert cannot be nil")
	}
	if alert.ID == "" {
		return errors.New("alert ID cannot be empty")
	}

	_, err := s.alerts.ReplaceOne(
		ctx,
		bson.M{"_id": alert.ID},
		alert,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to append moderation alert: %w", err)
	}

	return nil
}

// AppendMetric implements repositories.Store
func (s *Store) AppendMetric(ctx context.Context, metric *entities.UsageMetric) error {
	if metric == nil {
		return errors.New("metric cannot be nil")
	}
	if metric.ID == "" {
		return errors.New("metric ID cannot be empty")
	}

	_, err := s.metrics.ReplaceOne(
		ctx,
		bson.M{"_id": metric.ID},
		metric,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to append metric: %w", err)
	}

	return nil
}

// UpdateDeviceStatus implements repositories.Store
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID string, status entities.DeviceStatus) error {
	if deviceID == "" {
		return errors.New("device ID cannot be empty")
	}

	_, err := s.devices.UpdateOne(
		ctx,
		bson.M{"_id": deviceID},
		bson.M{"$set": bson.M{
			"status":     status,
			"updated_at": time.Now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}

	return nil
}
