package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the wire protocol version carried in handshakes and sync
// batches.
const Version = 1

// MessageType defines the type of a wire message.
type MessageType string

// Supported message types.
const (
	MessageTypeHandshake  MessageType = "handshake"
	MessageTypeConfig     MessageType = "config"
	MessageTypeAudioChunk MessageType = "audio_chunk"
	MessageTypeControl    MessageType = "control"
	MessageTypeHeartbeat  MessageType = "heartbeat"
	MessageTypeError      MessageType = "error"
	MessageTypeSyncBatch  MessageType = "sync_batch"
	MessageTypeSyncResult MessageType = "sync_result"
)

// Close codes used when the gateway terminates a connection.
const (
	CloseNormal            = 1000
	CloseAuthFailure       = 4001
	CloseProtocolViolation = 4002
)

// Error codes carried in error message payloads.
const (
	ErrCodeProtocolViolation = "protocol_violation"
	ErrCodeAuthFailure       = "auth_failure"
	ErrCodeUtteranceAborted  = "utterance_aborted"
	ErrCodeInternal          = "internal_error"
)

// Envelope is the framing common to every wire message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// NewEnvelope wraps a payload into an envelope with the given message
// sequence number.
func NewEnvelope(t MessageType, payload interface{}, sequence uint64) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{
		Type:      t,
		Payload:   raw,
		Sequence:  sequence,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// AudioFormat describes the negotiated audio stream parameters.
type AudioFormat struct {
	Codec           string `json:"codec"` // "opus" or "pcm"
	SampleRate      int    `json:"sample_rate"`
	Channels        int    `json:"channels"`
	FrameDurationMs int    `json:"frame_duration_ms"`
}

// HandshakePayload is the first message a device must send after
// connecting.
type HandshakePayload struct {
	ProtocolVersion int         `json:"protocol_version"`
	DeviceID        string      `json:"device_id"`
	ToyID           string      `json:"toy_id"`
	Capabilities    []string    `json:"capabilities,omitempty"`
	Audio           AudioFormat `json:"audio"`
}

// ConfigPayload is the gateway's handshake response describing the
// resolved toy.
type ConfigPayload struct {
	ToyID      string      `json:"toy_id"`
	Name       string      `json:"name"`
	Persona    string      `json:"persona"`
	VoiceID    string      `json:"voice_id"`
	Restricted bool        `json:"restricted"`
	Audio      AudioFormat `json:"audio"`
}

// ChunkMetadata carries per-frame sequencing for audio chunks.
type ChunkMetadata struct {
	Sequence uint64 `json:"sequence"`
	IsFinal  bool   `json:"is_final"`
	Format   string `json:"format"`
}

// AudioChunkPayload is one compressed audio frame on the wire.
type AudioChunkPayload struct {
	Data     string        `json:"data"` // base64 compressed audio
	Metadata ChunkMetadata `json:"metadata"`
}

// ControlAction enumerates device control commands.
type ControlAction string

const (
	ControlStartRecording ControlAction = "start_recording"
	ControlStopRecording  ControlAction = "stop_recording"
	ControlSwitchToy      ControlAction = "switch_toy"
	ControlEmergencyStop  ControlAction = "emergency_stop"
)

// ControlPayload carries a control command.
type ControlPayload struct {
	Action ControlAction `json:"action"`
	ToyID  string        `json:"toy_id,omitempty"` // for switch_toy
}

// HeartbeatPayload is a keepalive with the device's local clock, used
// for drift diagnostics.
type HeartbeatPayload struct {
	DeviceTime int64 `json:"device_time"`
}

// ErrorPayload reports a recoverable error to the peer.
type ErrorPayload struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// SyncConversation is one offline conversation turn in a sync batch.
type SyncConversation struct {
	ConversationID string `json:"conversation_id"`
	UserInput      string `json:"user_input"`
	ToyResponse    string `json:"toy_response"`
	ToyID          string `json:"toy_id"`
	Timestamp      int64  `json:"timestamp"`
	AudioPath      string `json:"audio_path,omitempty"`
}

// SyncOfflineItem is one queued event in a sync batch.
type SyncOfflineItem struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Priority int             `json:"priority"`
}

// SyncMetric is one usage metric in a sync batch.
type SyncMetric struct {
	ID         string            `json:"id"`
	MetricType string            `json:"metric_type"`
	Value      float64           `json:"metric_value"`
	ToyID      string            `json:"toy_id"`
	Timestamp  int64             `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SyncBatchPayload is the envelope uploaded once per reconnect with
// everything queued while the device was offline. Empty arrays are
// valid; unknown fields must be ignored by the receiver.
type SyncBatchPayload struct {
	ProtocolVersion int                `json:"protocol_version"`
	DeviceID        string             `json:"device_id"`
	Conversations   []SyncConversation `json:"conversations"`
	Offline         []SyncOfflineItem  `json:"offline"`
	Metrics         []SyncMetric       `json:"metrics"`
	Timestamp       int64              `json:"timestamp,omitempty"`
}

// Sync categories a server may accept or reject as a whole.
const (
	SyncCategoryConversations = "conversations"
	SyncCategoryOffline       = "offline"
	SyncCategoryMetrics       = "metrics"
)

// SyncResultPayload acknowledges a sync batch. Accepted maps category
// name to the number of records persisted. Categories listed in
// UnsupportedFields were rejected whole and should be omitted from
// subsequent batches this session.
type SyncResultPayload struct {
	Status            string         `json:"status"`
	Accepted          map[string]int `json:"accepted"`
	UnsupportedFields []string       `json:"unsupported_fields,omitempty"`
}

// NewErrorEnvelope builds an error message envelope.
func NewErrorEnvelope(code, message, details string, sequence uint64) Envelope {
	env, _ := NewEnvelope(MessageTypeError, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	}, sequence)
	return env
}
