package entities

import "time"

// ConversationTurn is one persisted voice exchange: what the child
// said and what the toy answered, with pipeline timings and safety
// verdicts. The ID doubles as the idempotency key for offline sync.
type ConversationTurn struct {
	ID            string         `json:"conversation_id" bson:"_id"`
	DeviceID      string         `json:"device_id" bson:"device_id"`
	ToyID         string         `json:"toy_id" bson:"toy_id"`
	UserInput     string         `json:"user_input" bson:"user_input"`
	ToyResponse   string         `json:"toy_response" bson:"toy_response"`
	Fallback      bool           `json:"fallback" bson:"fallback"`
	PreCheck      *SafetyVerdict `json:"pre_check,omitempty" bson:"pre_check,omitempty"`
	PostCheck     *SafetyVerdict `json:"post_check,omitempty" bson:"post_check,omitempty"`
	DurationMs    int64          `json:"duration_ms" bson:"duration_ms"`
	AudioPath     string         `json:"audio_path,omitempty" bson:"audio_path,omitempty"`
	Timestamp     time.Time      `json:"timestamp" bson:"timestamp"`
	SyncedOffline bool           `json:"synced_offline,omitempty" bson:"synced_offline,omitempty"`
}

// ModerationAlert is emitted whenever a safety check blocks content
// for a restricted-mode toy. Parental dashboards consume these.
type ModerationAlert struct {
	ID        string    `json:"id" bson:"_id"`
	DeviceID  string    `json:"device_id" bson:"device_id"`
	ToyID     string    `json:"toy_id" bson:"toy_id"`
	Stage     string    `json:"stage" bson:"stage"` // "transcript" or "reply"
	Content   string    `json:"content" bson:"content"`
	Reason    string    `json:"reason" bson:"reason"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// OfflineCategory classifies items queued on the device while
// disconnected.
type OfflineCategory string

const (
	OfflineConversation OfflineCategory = "conversation"
	OfflineEvent        OfflineCategory = "event"
	OfflineMetric       OfflineCategory = "metric"
)

// OfflineItem is a single record queued locally on the device when no
// connection is available. Items are deleted only after the sync
// reconciler confirms acceptance.
type OfflineItem struct {
	ID        string          `json:"id"`
	Category  OfflineCategory `json:"type"`
	Payload   []byte          `json:"data"`
	Priority  int             `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
}

// UsageMetric is a device-reported usage counter, uploaded in sync
// batches.
type UsageMetric struct {
	ID         string            `json:"id" bson:"_id"`
	DeviceID   string            `json:"device_id" bson:"device_id"`
	ToyID      string            `json:"toy_id" bson:"toy_id"`
	MetricType string            `json:"metric_type" bson:"metric_type"`
	Value      float64           `json:"metric_value" bson:"metric_value"`
	Metadata   map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp" bson:"timestamp"`
}
