package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name:    "valid envelope",
			data:    `{"type": "heartbeat", "payload": {"device_time": 1}, "sequence": 0, "timestamp": 1724630400000}`,
			wantErr: false,
		},
		{
			name:    "invalid JSON",
			data:    `{"type": "heartbeat"`,
			wantErr: true,
		},
		{
			name:    "missing type",
			data:    `{"payload": {}, "sequence": 0}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("ParseEnvelope() error = %v, want wrapped ErrProtocolViolation", err)
			}
		})
	}
}

func TestValidateHandshake(t *testing.T) {
	tests := []struct {
		name    string
		payload HandshakePayload
		wantErr bool
	}{
		{
			name: "valid handshake",
			payload: HandshakePayload{
				ProtocolVersion: Version,
				DeviceID:        "device-1",
				ToyID:           "toy-1",
				Audio:           AudioFormat{Codec: "opus", SampleRate: 16000, Channels: 1, FrameDurationMs: 60},
			},
			wantErr: false,
		},
		{
			name: "empty audio section is allowed",
			payload: HandshakePayload{
				ProtocolVersion: Version,
				DeviceID:        "device-1",
				ToyID:           "toy-1",
			},
			wantErr: false,
		},
		{
			name: "missing device_id",
			payload: HandshakePayload{
				ProtocolVersion: Version,
				ToyID:           "toy-1",
			},
			wantErr: true,
		},
		{
			name: "missing toy_id",
			payload: HandshakePayload{
				ProtocolVersion: Version,
				DeviceID:        "device-1",
			},
			wantErr: true,
		},
		{
			name: "future protocol version",
			payload: HandshakePayload{
				ProtocolVersion: Version + 1,
				DeviceID:        "device-1",
				ToyID:           "toy-1",
			},
			wantErr: true,
		},
		{
			name: "unsupported codec",
			payload: HandshakePayload{
				ProtocolVersion: Version,
				DeviceID:        "device-1",
				ToyID:           "toy-1",
				Audio:           AudioFormat{Codec: "mp3"},
			},
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			payload: HandshakePayload{
				ProtocolVersion: Version,
				DeviceID:        "device-1",
				ToyID:           "toy-1",
				Audio:           AudioFormat{Codec: "pcm", SampleRate: 96000},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHandshake(&tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHandshake() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAudioChunk(t *testing.T) {
	tests := []struct {
		name    string
		payload AudioChunkPayload
		wantErr bool
	}{
		{
			name: "valid chunk",
			payload: AudioChunkPayload{
				Data:     "SGVsbG8gV29ybGQ=",
				Metadata: ChunkMetadata{Sequence: 0, Format: "opus"},
			},
			wantErr: false,
		},
		{
			name:    "missing data",
			payload: AudioChunkPayload{Metadata: ChunkMetadata{Format: "opus"}},
			wantErr: true,
		},
		{
			name: "invalid format",
			payload: AudioChunkPayload{
				Data:     "SGVsbG8gV29ybGQ=",
				Metadata: ChunkMetadata{Format: "flac"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAudioChunk(&tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAudioChunk() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateControl(t *testing.T) {
	tests := []struct {
		name    string
		payload ControlPayload
		wantErr bool
	}{
		{name: "start recording", payload: ControlPayload{Action: ControlStartRecording}, wantErr: false},
		{name: "stop recording", payload: ControlPayload{Action: ControlStopRecording}, wantErr: false},
		{name: "emergency stop", payload: ControlPayload{Action: ControlEmergencyStop}, wantErr: false},
		{name: "switch toy with target", payload: ControlPayload{Action: ControlSwitchToy, ToyID: "toy-2"}, wantErr: false},
		{name: "switch toy without target", payload: ControlPayload{Action: ControlSwitchToy}, wantErr: true},
		{name: "unknown action", payload: ControlPayload{Action: "self_destruct"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateControl(&tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateControl() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSyncBatch(t *testing.T) {
	tests := []struct {
		name    string
		payload SyncBatchPayload
		wantErr bool
	}{
		{
			name: "empty batch is valid",
			payload: SyncBatchPayload{
				ProtocolVersion: Version,
				DeviceID:        "device-1",
			},
			wantErr: false,
		},
		{
			name: "full batch",
			payload: SyncBatchPayload{
				ProtocolVersion: Version,
				DeviceID:        "device-1",
				Conversations:   []SyncConversation{{ConversationID: "c-1", UserInput: "hi", ToyResponse: "hello"}},
				Offline:         []SyncOfflineItem{{ID: "o-1", Type: "safety_trigger", Data: json.RawMessage(`{}`)}},
				Metrics:         []SyncMetric{{ID: "m-1", MetricType: "session_duration", Value: 12}},
			},
			wantErr: false,
		},
		{
			name:    "missing device_id",
			payload: SyncBatchPayload{ProtocolVersion: Version},
			wantErr: true,
		},
		{
			name: "conversation without id",
			payload: SyncBatchPayload{
				ProtocolVersion: Version,
				DeviceID:        "device-1",
				Conversations:   []SyncConversation{{UserInput: "hi"}},
			},
			wantErr: true,
		},
		{
			name: "metric without id",
			payload: SyncBatchPayload{
				ProtocolVersion: Version,
				DeviceID:        "device-1",
				Metrics:         []SyncMetric{{MetricType: "session_duration"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSyncBatch(&tt.payload)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSyncBatch() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MessageTypeControl, ControlPayload{Action: ControlStartRecording}, 7)
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.Sequence != 7 {
		t.Errorf("Sequence = %d, want 7", env.Sequence)
	}
	if env.Timestamp == 0 {
		t.Error("Timestamp not set")
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}

	var p ControlPayload
	if err := parsed.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if p.Action != ControlStartRecording {
		t.Errorf("Action = %q, want %q", p.Action, ControlStartRecording)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := Envelope{Type: MessageTypeConfig}
	var p ConfigPayload
	if err := env.DecodePayload(&p); err == nil {
		t.Error("DecodePayload() on empty payload should fail")
	}
}
