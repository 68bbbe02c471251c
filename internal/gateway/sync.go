package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/domain/repositories"
	"github.com/luminakids/lumina/internal/protocol"
)

// Reconciler merges offline sync batches into the backend store.
// Every record is upserted by its client-assigned ID, so replaying a
// batch whose acknowledgment was lost adds no duplicates.
type Reconciler struct {
	store     repositories.Store
	supported map[string]bool
	logger    *zap.Logger
}

// NewReconciler creates a reconciler accepting the given categories.
// Pass nil to accept all categories.
func NewReconciler(store repositories.Store, supported []string, logger *zap.Logger) *Reconciler {
	m := map[string]bool{
		protocol.SyncCategoryConversations: true,
		protocol.SyncCategoryOffline:       true,
		protocol.SyncCategoryMetrics:       true,
	}
	if supported != nil {
		m = make(map[string]bool, len(supported))
		for _, c := range supported {
			m[c] = true
		}
	}
	return &Reconciler{store: store, supported: m, logger: logger}
}

// Apply persists a sync batch category by category. Unsupported
// categories are reported back whole via unsupported_fields so the
// device keeps them queued and omits them for the rest of the
// session. Item-level persistence failures keep the batch
// unacknowledged for that category.
func (r *Reconciler) Apply(ctx context.Context, batch *protocol.SyncBatchPayload) protocol.SyncResultPayload {
	result := protocol.SyncResultPayload{
		Status:   "ok",
		Accepted: make(map[string]int),
	}

	if r.supported[protocol.SyncCategoryConversations] {
		n, err := r.applyConversations(ctx, batch)
		if err != nil {
			r.logger.Error("Sync: conversations failed", zap.String("deviceID", batch.DeviceID), zap.Error(err))
			result.Status = "partial"
		} else {
			result.Accepted[protocol.SyncCategoryConversations] = n
		}
	} else if len(batch.Conversations) > 0 {
		result.UnsupportedFields = append(result.UnsupportedFields, protocol.SyncCategoryConversations)
	}

	if r.supported[protocol.SyncCategoryOffline] {
		n, err := r.applyOffline(ctx, batch)
		if err != nil {
			r.logger.Error("Sync: offline items failed", zap.String("deviceID", batch.DeviceID), zap.Error(err))
			result.Status = "partial"
		} else {
			result.Accepted[protocol.SyncCategoryOffline] = n
		}
	} else if len(batch.Offline) > 0 {
		result.UnsupportedFields = append(result.UnsupportedFields, protocol.SyncCategoryOffline)
	}

	if r.supported[protocol.SyncCategoryMetrics] {
		n, err := r.applyMetrics(ctx, batch)
		if err != nil {
			r.logger.Error("Sync: metrics failed", zap.String("deviceID", batch.DeviceID), zap.Error(err))
			result.Status = "partial"
		} else {
			result.Accepted[protocol.SyncCategoryMetrics] = n
		}
	} else if len(batch.Metrics) > 0 {
		result.UnsupportedFields = append(result.UnsupportedFields, protocol.SyncCategoryMetrics)
	}

	r.logger.Info("Sync batch applied",
		zap.String("deviceID", batch.DeviceID),
		zap.String("status", result.Status),
		zap.Any("accepted", result.Accepted),
		zap.Strings("unsupported", result.UnsupportedFields))
	return result
}

func (r *Reconciler) applyConversations(ctx context.Context, batch *protocol.SyncBatchPayload) (int, error) {
	for _, c := range batch.Conversations {
		turn := &entities.ConversationTurn{
			ID:            c.ConversationID,
			DeviceID:      batch.DeviceID,
			ToyID:         c.ToyID,
			UserInput:     c.UserInput,
			ToyResponse:   c.ToyResponse,
			AudioPath:     c.AudioPath,
			Timestamp:     time.UnixMilli(c.Timestamp),
			SyncedOffline: true,
		}
		if err := r.store.AppendTurn(ctx, turn); err != nil {
			return 0, err
		}
	}
	return len(batch.Conversations), nil
}

func (r *Reconciler) applyOffline(ctx context.Context, batch *protocol.SyncBatchPayload) (int, error) {
	for _, item := range batch.Offline {
		switch entities.OfflineCategory(item.Type) {
		case entities.OfflineEvent:
			var alert entities.ModerationAlert
			if err := json.Unmarshal(item.Data, &alert); err != nil {
				r.logger.Warn("Sync: skipping malformed offline event",
					zap.String("deviceID", batch.DeviceID),
					zap.String("id", item.ID),
					zap.Error(err))
				continue
			}
			alert.ID = item.ID
			alert.DeviceID = batch.DeviceID
			if err := r.store.AppendModerationAlert(ctx, &alert); err != nil {
				return 0, err
			}
		default:
			// Unknown item types are accepted and dropped for forward
			// compatibility.
			r.logger.Debug("Sync: ignoring offline item of unknown type",
				zap.String("deviceID", batch.DeviceID),
				zap.String("type", item.Type))
		}
	}
	return len(batch.Offline), nil
}

func (r *Reconciler) applyMetrics(ctx context.Context, batch *protocol.SyncBatchPayload) (int, error) {
	for _, m := range batch.Metrics {
		metric := &entities.UsageMetric{
			ID:         m.ID,
			DeviceID:   batch.DeviceID,
			ToyID:      m.ToyID,
			MetricType: m.MetricType,
			Value:      m.Value,
			Metadata:   m.Metadata,
			Timestamp:  time.UnixMilli(m.Timestamp),
		}
		if err := r.store.AppendMetric(ctx, metric); err != nil {
			return 0, err
		}
	}
	return len(batch.Metrics), nil
}
