package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/domain/repositories"
)

// Store is an in-memory implementation of repositories.Store, used as
// the storage backend when no MongoDB URI is configured and in tests.
type Store struct {
	mu      sync.RWMutex
	toys    map[string]*entities.ToyConfig
	devices map[string]*entities.Device // id -> device
	serials map[string]*entities.Device // serial_number -> device
	turns   map[string]entities.ConversationTurn
	alerts  map[string]entities.ModerationAlert
	metrics map[string]entities.UsageMetric
	status  map[string]entities.DeviceStatus
}

var _ repositories.Store = (*Store)(nil)

// NewStore creates a new empty in-memory store.
func NewStore() *Store {
	return &Store{
		toys:    make(map[string]*entities.ToyConfig),
		devices: make(map[string]*entities.Device),
		serials: make(map[string]*entities.Device),
		turns:   make(map[string]entities.ConversationTurn),
		alerts:  make(map[string]entities.ModerationAlert),
		metrics: make(map[string]entities.UsageMetric),
		status:  make(map[string]entities.DeviceStatus),
	}
}

// SeedToy registers a toy configuration. Intended for development
// bootstrap and tests.
func (m *Store) SeedToy(toy *entities.ToyConfig) error {
	if toy == nil {
		return errors.New("toy cannot be nil")
	}
	if err := toy.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if toy.UpdatedAt.IsZero() {
		toy.UpdatedAt = time.Now()
	}
	m.toys[toy.ID] = toy
	return nil
}

// SeedDevice registers a device. Intended for development bootstrap
// and tests.
func (m *Store) SeedDevice(device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	m.devices[device.ID] = device
	m.serials[device.SerialNumber] = device
	return nil
}

// ToyConfig implements repositories.Store
func (m *Store) ToyConfig(ctx context.Context, toyID string) (*entities.ToyConfig, error) {
	if toyID == "" {
		return nil, errors.New("toy ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	toy, exists := m.toys[toyID]
	if !exists {
		return nil, nil
	}
	copied := *toy
	return &copied, nil
}

// DeviceBySerial implements repositories.Store
func (m *Store) DeviceBySerial(ctx context.Context, serialNumber string) (*entities.Device, error) {
	if serialNumber == "" {
		return nil, errors.New("serial number cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.serials[serialNumber]
	if !exists {
		return nil, nil
	}
	copied := *device
	return &copied, nil
}

// AppendTurn implements repositories.Store
func (m *Store) AppendTurn(ctx context.Context, turn *entities.ConversationTurn) error {
	if turn == nil {
		return errors.New("turn cannot be nil")
	}
	if turn.ID == "" {
		return errors.New("turn ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns[turn.ID] = *turn
	return nil
}

// RecentTurns implements repositories.Store
func (m *Store) RecentTurns(ctx context.Context, deviceID string, limit int) ([]entities.ConversationTurn, error) {
	if deviceID == "" {
		return nil, errors.New("device ID cannot be empty")
	}
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var turns []entities.ConversationTurn
	for _, turn := range m.turns {
		if turn.DeviceID == deviceID {
			turns = append(turns, turn)
		}
	}
	sort.Slice(turns, func(i, j int) bool {
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// AppendModerationAlert implements repositories.Store
func (m *Store) AppendModerationAlert(ctx context.Context, alert *entities.ModerationAlert) error {
	if alert == nil {
		return errors.New("alert cannot be nil")
	}
	if alert.ID == "" {
		return errors.New("alert ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts[alert.ID] = *alert
	return nil
}

// AppendMetric implements repositories.Store
func (m *Store) AppendMetric(ctx context.Context, metric *entities.UsageMetric) error {
	if metric == nil {
		return errors.New("metric cannot be nil")
	}
	if metric.ID == "" {
		return errors.New("metric ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics[metric.ID] = *metric
	return nil
}

// UpdateDeviceStatus implements repositories.Store
func (m *Store) UpdateDeviceStatus(ctx context.Context, deviceID string, status entities.DeviceStatus) error {
	if deviceID == "" {
		return errors.New("device ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.status[deviceID] = status
	if device, exists := m.devices[deviceID]; exists {
		device.UpdatedAt = time.Now()
	}
	return nil
}

// DeviceStatus reports the last recorded status for a device.
func (m *Store) DeviceStatus(deviceID string) (entities.DeviceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.status[deviceID]
	return status, exists
}

// Turns returns all persisted turns for a device, oldest first. Test
// helper.
func (m *Store) Turns(deviceID string) []entities.ConversationTurn {
	turns, _ := m.RecentTurns(context.Background(), deviceID, 1<<30)
	return turns
}

// Alerts returns all persisted moderation alerts for a device. Test
// helper.
func (m *Store) Alerts(deviceID string) []entities.ModerationAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var alerts []entities.ModerationAlert
	for _, alert := range m.alerts {
		if alert.DeviceID == deviceID {
			alerts = append(alerts, alert)
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	return alerts
}

// Metrics returns all persisted metrics for a device. Test helper.
func (m *Store) Metrics(deviceID string) []entities.UsageMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var metrics []entities.UsageMetric
	for _, metric := range m.metrics {
		if metric.DeviceID == deviceID {
			metrics = append(metrics, metric)
		}
	}
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Timestamp.Before(metrics[j].Timestamp)
	})
	return metrics
}
