package repositories

import (
	"context"

	"github.com/luminakids/lumina/domain/entities"
)

// Store is the backend store consumed by the gateway. The enclosing
// product owns the data; the gateway only appends records and resolves
// configuration.
//
// Append operations keyed by ID must be idempotent: writing the same
// record twice leaves a single copy. The sync reconciler relies on
// this for at-least-once batch delivery.
type Store interface {
	// ToyConfig fetches the configuration for a toy by ID.
	ToyConfig(ctx context.Context, toyID string) (*entities.ToyConfig, error)

	// DeviceBySerial resolves a device from its serial number, for
	// credential validation.
	DeviceBySerial(ctx context.Context, serialNumber string) (*entities.Device, error)

	// AppendTurn upserts a conversation turn by its ID.
	AppendTurn(ctx context.Context, turn *entities.ConversationTurn) error

	// RecentTurns returns the most recent turns for a device, newest
	// last, for LLM context.
	RecentTurns(ctx context.Context, deviceID string, limit int) ([]entities.ConversationTurn, error)

	// AppendModerationAlert upserts a moderation alert by its ID.
	AppendModerationAlert(ctx context.Context, alert *entities.ModerationAlert) error

	// AppendMetric upserts a usage metric by its ID.
	AppendMetric(ctx context.Context, metric *entities.UsageMetric) error

	// UpdateDeviceStatus records connect/disconnect transitions.
	UpdateDeviceStatus(ctx context.Context, deviceID string, status entities.DeviceStatus) error
}
