package protocol

import (
	"encoding/json"
	"fmt"
)

// Taxonomy errors for connection handling. Handlers wrap these so the
// gateway can decide between aborting an utterance and closing the
// connection.
var (
	ErrProtocolViolation = fmt.Errorf("protocol violation")
	ErrAuthFailure       = fmt.Errorf("authentication failure")
)

var validEncodings = map[string]bool{
	"opus": true,
	"pcm":  true,
}

// ParseEnvelope parses and structurally validates an inbound message.
// A malformed message is a protocol violation.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: invalid JSON: %v", ErrProtocolViolation, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type field", ErrProtocolViolation)
	}
	return env, nil
}

// ValidateHandshake checks the required handshake fields.
func ValidateHandshake(p *HandshakePayload) error {
	if p.DeviceID == "" {
		return fmt.Errorf("%w: handshake missing device_id", ErrProtocolViolation)
	}
	if p.ToyID == "" {
		return fmt.Errorf("%w: handshake missing toy_id", ErrProtocolViolation)
	}
	if p.ProtocolVersion > Version {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrProtocolViolation, p.ProtocolVersion)
	}
	if p.Audio.Codec != "" && !validEncodings[p.Audio.Codec] {
		return fmt.Errorf("%w: unsupported codec %q", ErrProtocolViolation, p.Audio.Codec)
	}
	if p.Audio.SampleRate != 0 && (p.Audio.SampleRate < 8000 || p.Audio.SampleRate > 48000) {
		return fmt.Errorf("%w: sample_rate must be between 8000 and 48000", ErrProtocolViolation)
	}
	return nil
}

// ValidateAudioChunk checks the required audio chunk fields.
func ValidateAudioChunk(p *AudioChunkPayload) error {
	if p.Data == "" {
		return fmt.Errorf("%w: audio_chunk missing data", ErrProtocolViolation)
	}
	if p.Metadata.Format != "" && !validEncodings[p.Metadata.Format] {
		return fmt.Errorf("%w: unsupported chunk format %q", ErrProtocolViolation, p.Metadata.Format)
	}
	return nil
}

// ValidateControl checks that the control action is known.
func ValidateControl(p *ControlPayload) error {
	switch p.Action {
	case ControlStartRecording, ControlStopRecording, ControlEmergencyStop:
		return nil
	case ControlSwitchToy:
		if p.ToyID == "" {
			return fmt.Errorf("%w: switch_toy requires toy_id", ErrProtocolViolation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown control action %q", ErrProtocolViolation, p.Action)
	}
}

// ValidateSyncBatch checks the required sync batch fields.
func ValidateSyncBatch(p *SyncBatchPayload) error {
	if p.DeviceID == "" {
		return fmt.Errorf("%w: sync_batch missing device_id", ErrProtocolViolation)
	}
	if p.ProtocolVersion > Version {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrProtocolViolation, p.ProtocolVersion)
	}
	for i := range p.Conversations {
		if p.Conversations[i].ConversationID == "" {
			return fmt.Errorf("%w: conversations[%d] missing conversation_id", ErrProtocolViolation, i)
		}
	}
	for i := range p.Offline {
		if p.Offline[i].ID == "" {
			return fmt.Errorf("%w: offline[%d] missing id", ErrProtocolViolation, i)
		}
	}
	for i := range p.Metrics {
		if p.Metrics[i].ID == "" {
			return fmt.Errorf("%w: metrics[%d] missing id", ErrProtocolViolation, i)
		}
	}
	return nil
}
