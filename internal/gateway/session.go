package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/domain/repositories"
	"github.com/luminakids/lumina/internal/auth"
	"github.com/luminakids/lumina/internal/codec"
	"github.com/luminakids/lumina/internal/pipeline"
	"github.com/luminakids/lumina/internal/protocol"
)

// sessionState is the lifecycle of a connection.
type sessionState string

const (
	stateConnecting sessionState = "connecting"
	stateActive     sessionState = "active"
	stateDraining   sessionState = "draining"
	stateClosed     sessionState = "closed"
)

// Session is the gateway-side state for one connected device: the
// connection, the negotiated audio format, and the utterance being
// reassembled. A session never outlives its connection.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan protocol.Envelope
	logger *zap.Logger

	deviceID string
	claims   *auth.Claims

	mu         sync.Mutex
	state      sessionState
	everActive bool
	sendClosed bool
	toy        *entities.ToyConfig
	audio      protocol.AudioFormat
	decoder    *codec.Decoder
	encoder    *codec.Encoder
	utterance  *entities.Utterance
	cancelRun  context.CancelFunc

	outSeq atomic.Uint64
}

func newSession(hub *Hub, conn *websocket.Conn, claims *auth.Claims, logger *zap.Logger) *Session {
	return &Session{
		hub:      hub,
		conn:     conn,
		send:     make(chan protocol.Envelope, 256),
		deviceID: claims.DeviceID,
		claims:   claims,
		state:    stateConnecting,
		logger:   logger,
	}
}

// readPump pumps messages from the websocket connection into the
// session. Messages are processed sequentially, which preserves
// per-utterance frame ordering; only the pipeline runs concurrently.
func (s *Session) readPump() {
	defer func() {
		s.shutdown()
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket error", zap.String("deviceID", s.deviceID), zap.Error(err))
			}
			break
		}
		if closed := s.handleMessage(message); closed {
			break
		}
	}
}

// writePump pumps envelopes from the session to the websocket
// connection and keeps the connection alive with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				s.logger.Error("Failed to marshal envelope", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Error("Failed to write message", zap.String("deviceID", s.deviceID), zap.Error(err))
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one inbound message. It returns true when
// the connection must be closed (auth failures only; protocol
// violations keep the session alive).
func (s *Session) handleMessage(message []byte) bool {
	env, err := protocol.ParseEnvelope(message)
	if err != nil {
		s.sendError(protocol.ErrCodeProtocolViolation, "malformed message", err.Error())
		return false
	}

	if s.currentState() == stateConnecting && env.Type != protocol.MessageTypeHandshake {
		s.closeWith(protocol.CloseProtocolViolation, "handshake required")
		return true
	}

	switch env.Type {
	case protocol.MessageTypeHandshake:
		return s.handleHandshake(env)
	case protocol.MessageTypeAudioChunk:
		s.handleAudioChunk(env)
	case protocol.MessageTypeControl:
		s.handleControl(env)
	case protocol.MessageTypeHeartbeat:
		s.handleHeartbeat(env)
	case protocol.MessageTypeSyncBatch:
		s.handleSyncBatch(env)
	default:
		s.sendError(protocol.ErrCodeProtocolViolation, "unsupported message type", string(env.Type))
	}
	return false
}

// handleHandshake authenticates the declared identity against the
// connection's JWT claims, resolves the toy configuration, and
// negotiates the audio format.
func (s *Session) handleHandshake(env protocol.Envelope) bool {
	var p protocol.HandshakePayload
	if err := env.DecodePayload(&p); err != nil {
		s.closeWith(protocol.CloseProtocolViolation, "invalid handshake payload")
		return true
	}
	if err := protocol.ValidateHandshake(&p); err != nil {
		s.closeWith(protocol.CloseProtocolViolation, err.Error())
		return true
	}
	if p.DeviceID != s.claims.DeviceID {
		s.logger.Warn("Handshake identity mismatch",
			zap.String("tokenDeviceID", s.claims.DeviceID),
			zap.String("claimedDeviceID", p.DeviceID))
		s.closeWith(protocol.CloseAuthFailure, "device identity mismatch")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	toy, err := s.hub.store.ToyConfig(ctx, p.ToyID)
	if err != nil || toy == nil {
		s.logger.Warn("Failed to resolve toy configuration",
			zap.String("deviceID", s.deviceID),
			zap.String("toyID", p.ToyID),
			zap.Error(err))
		s.closeWith(protocol.CloseAuthFailure, "unknown toy")
		return true
	}

	audio := s.hub.audio
	if p.Audio.Codec != "" {
		audio = p.Audio
	}
	if audio.Codec == "opus" {
		params := codec.Params{
			SampleRate:      audio.SampleRate,
			Channels:        audio.Channels,
			FrameDurationMs: audio.FrameDurationMs,
		}
		dec, err := codec.NewDecoder(params)
		if err != nil {
			s.closeWith(protocol.CloseProtocolViolation, err.Error())
			return true
		}
		enc, err := codec.NewEncoder(params)
		if err != nil {
			s.closeWith(protocol.CloseProtocolViolation, err.Error())
			return true
		}
		s.mu.Lock()
		s.decoder, s.encoder = dec, enc
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.toy = toy
	s.audio = audio
	s.state = stateActive
	s.everActive = true
	s.mu.Unlock()

	if err := s.hub.store.UpdateDeviceStatus(ctx, s.deviceID, entities.DeviceStatusOnline); err != nil {
		s.logger.Warn("Failed to update device status", zap.String("deviceID", s.deviceID), zap.Error(err))
	}

	s.sendEnvelope(protocol.MessageTypeConfig, protocol.ConfigPayload{
		ToyID:      toy.ID,
		Name:       toy.Name,
		Persona:    toy.Persona,
		VoiceID:    toy.VoiceID,
		Restricted: toy.Restricted,
		Audio:      audio,
	})

	s.logger.Info("Handshake completed",
		zap.String("deviceID", s.deviceID),
		zap.String("toyID", toy.ID),
		zap.String("codec", audio.Codec))
	return false
}

// handleAudioChunk reassembles frames into the active utterance. A
// frame whose sequence is not exactly the next expected one aborts
// the utterance with an error reply; the session stays healthy.
func (s *Session) handleAudioChunk(env protocol.Envelope) {
	var p protocol.AudioChunkPayload
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(protocol.ErrCodeProtocolViolation, "invalid audio chunk", err.Error())
		return
	}
	if err := protocol.ValidateAudioChunk(&p); err != nil {
		s.sendError(protocol.ErrCodeProtocolViolation, "invalid audio chunk", err.Error())
		return
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		s.sendError(protocol.ErrCodeProtocolViolation, "invalid audio chunk", "payload is not valid base64")
		return
	}

	s.mu.Lock()

	if s.utterance == nil {
		if p.Metadata.Sequence != 0 {
			s.mu.Unlock()
			s.abortUtterance("no active utterance; frames must start at sequence 0")
			return
		}
		s.utterance = s.newUtteranceLocked()
	}

	pcm := data
	if s.decoder != nil {
		samples, err := s.decoder.Decode(data)
		if err != nil {
			s.mu.Unlock()
			s.abortUtterance("undecodable audio frame: " + err.Error())
			return
		}
		pcm = samplesToBytes(samples)
	}

	frame := entities.AudioFrame{
		Sequence:  p.Metadata.Sequence,
		Data:      pcm,
		IsFinal:   p.Metadata.IsFinal,
		Timestamp: time.UnixMilli(env.Timestamp),
	}
	if err := s.utterance.Append(frame); err != nil {
		s.mu.Unlock()
		s.abortUtterance(err.Error())
		return
	}

	if !s.utterance.Finalized {
		s.mu.Unlock()
		return
	}

	utterance := s.utterance
	s.utterance = nil
	s.mu.Unlock()

	s.startPipeline(utterance)
}

func (s *Session) newUtteranceLocked() *entities.Utterance {
	return &entities.Utterance{
		ID:        uuid.NewString(),
		DeviceID:  s.deviceID,
		ToyID:     s.toy.ID,
		StartedAt: time.Now(),
	}
}

// handleControl processes device control commands.
func (s *Session) handleControl(env protocol.Envelope) {
	var p protocol.ControlPayload
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(protocol.ErrCodeProtocolViolation, "invalid control", err.Error())
		return
	}
	if err := protocol.ValidateControl(&p); err != nil {
		s.sendError(protocol.ErrCodeProtocolViolation, "invalid control", err.Error())
		return
	}

	switch p.Action {
	case protocol.ControlStartRecording:
		// A new press aborts any pending pipeline and any reply audio
		// still streaming.
		s.cancelPipeline()
		s.mu.Lock()
		s.utterance = s.newUtteranceLocked()
		s.mu.Unlock()

	case protocol.ControlStopRecording:
		s.mu.Lock()
		utterance := s.utterance
		if utterance == nil || len(utterance.Frames) == 0 {
			s.utterance = nil
			s.mu.Unlock()
			return
		}
		utterance.Finalized = true
		s.utterance = nil
		s.mu.Unlock()
		s.startPipeline(utterance)

	case protocol.ControlEmergencyStop:
		s.cancelPipeline()
		s.mu.Lock()
		s.utterance = nil
		s.mu.Unlock()
		s.logger.Info("Emergency stop", zap.String("deviceID", s.deviceID))

	case protocol.ControlSwitchToy:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		toy, err := s.hub.store.ToyConfig(ctx, p.ToyID)
		if err != nil || toy == nil {
			s.sendError(protocol.ErrCodeInternal, "unknown toy", p.ToyID)
			return
		}
		s.cancelPipeline()
		s.mu.Lock()
		s.toy = toy
		s.utterance = nil
		audio := s.audio
		s.mu.Unlock()
		s.sendEnvelope(protocol.MessageTypeConfig, protocol.ConfigPayload{
			ToyID:      toy.ID,
			Name:       toy.Name,
			Persona:    toy.Persona,
			VoiceID:    toy.VoiceID,
			Restricted: toy.Restricted,
			Audio:      audio,
		})
		s.logger.Info("Switched toy", zap.String("deviceID", s.deviceID), zap.String("toyID", toy.ID))
	}
}

func (s *Session) handleHeartbeat(env protocol.Envelope) {
	s.sendEnvelope(protocol.MessageTypeHeartbeat, protocol.HeartbeatPayload{
		DeviceTime: time.Now().UnixMilli(),
	})
}

// handleSyncBatch merges a reconnect sync batch into the backend
// store and acknowledges it.
func (s *Session) handleSyncBatch(env protocol.Envelope) {
	var p protocol.SyncBatchPayload
	if err := env.DecodePayload(&p); err != nil {
		s.sendError(protocol.ErrCodeProtocolViolation, "invalid sync batch", err.Error())
		return
	}
	if err := protocol.ValidateSyncBatch(&p); err != nil {
		s.sendError(protocol.ErrCodeProtocolViolation, "invalid sync batch", err.Error())
		return
	}
	if p.DeviceID != s.deviceID {
		s.sendError(protocol.ErrCodeAuthFailure, "sync batch device mismatch", p.DeviceID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := s.hub.reconciler.Apply(ctx, &p)
	s.sendEnvelope(protocol.MessageTypeSyncResult, result)
}

// startPipeline runs the orchestrator for a finalized utterance. Only
// one pipeline is in flight per session; starting a new one cancels
// the previous.
func (s *Session) startPipeline(utterance *entities.Utterance) {
	s.cancelPipeline()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelRun = cancel
	toy := s.toy
	audio := s.audio
	s.mu.Unlock()

	go func() {
		defer cancel()

		req := pipeline.Request{
			UtteranceID: utterance.ID,
			DeviceID:    s.deviceID,
			Toy:         toy,
			Audio:       utterance.Audio(),
			Format: repositories.AudioConfig{
				SampleRate: audio.SampleRate,
				Encoding:   "pcm",
				Language:   toy.Language,
			},
		}

		result, err := s.hub.orchestrator.Run(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Info("Pipeline cancelled",
					zap.String("deviceID", s.deviceID),
					zap.String("utteranceID", utterance.ID))
				return
			}
			s.logger.Error("Pipeline failed",
				zap.String("deviceID", s.deviceID),
				zap.String("utteranceID", utterance.ID),
				zap.Error(err))
			return
		}

		s.streamReply(ctx, result)
	}()
}

// streamReply frames the reply audio and sends it as sequenced
// audio_chunk messages ending with an isFinal frame.
func (s *Session) streamReply(ctx context.Context, result *pipeline.Result) {
	s.mu.Lock()
	encoder := s.encoder
	audio := s.audio
	s.mu.Unlock()

	var frames [][]byte
	if encoder != nil {
		packets, err := encoder.Encode(bytesToSamples(result.ReplyAudio))
		if err != nil {
			s.logger.Error("Failed to encode reply audio",
				zap.String("deviceID", s.deviceID),
				zap.Error(err))
			return
		}
		frames = packets
	} else {
		frames = chunkBytes(result.ReplyAudio, pcmFrameBytes(audio))
	}
	if len(frames) == 0 {
		frames = [][]byte{nil}
	}

	for i, frame := range frames {
		if ctx.Err() != nil {
			return
		}
		s.sendEnvelope(protocol.MessageTypeAudioChunk, protocol.AudioChunkPayload{
			Data: base64.StdEncoding.EncodeToString(frame),
			Metadata: protocol.ChunkMetadata{
				Sequence: uint64(i),
				IsFinal:  i == len(frames)-1,
				Format:   audio.Codec,
			},
		})
	}

	s.logger.Info("Reply streamed",
		zap.String("deviceID", s.deviceID),
		zap.Int("frames", len(frames)),
		zap.Bool("fallback", result.Fallback),
		zap.Duration("pipeline", result.Elapsed))
}

// abortUtterance discards the current utterance and tells the device,
// leaving the session otherwise healthy.
func (s *Session) abortUtterance(details string) {
	s.mu.Lock()
	s.utterance = nil
	s.mu.Unlock()

	s.logger.Warn("Utterance aborted",
		zap.String("deviceID", s.deviceID),
		zap.String("details", details))
	s.sendError(protocol.ErrCodeUtteranceAborted, "utterance aborted", details)
}

func (s *Session) cancelPipeline() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.cancelRun = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// shutdown runs once when the connection is gone: cancels any
// in-flight pipeline and records the device as offline. A session
// that never completed the handshake, or that was displaced by a
// newer connection for the same device, leaves the status alone.
func (s *Session) shutdown() {
	s.cancelPipeline()

	s.mu.Lock()
	alreadyClosed := s.state == stateClosed
	wasActive := s.everActive
	s.state = stateClosed
	s.mu.Unlock()
	if alreadyClosed || !wasActive {
		return
	}

	if current, ok := s.hub.Session(s.deviceID); ok && current != s {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.hub.store.UpdateDeviceStatus(ctx, s.deviceID, entities.DeviceStatusOffline); err != nil {
		s.logger.Warn("Failed to update device status", zap.String("deviceID", s.deviceID), zap.Error(err))
	}
}

// closeWith sends a close frame with the given code and closes the
// connection. WriteControl may run concurrently with the write pump,
// so this is callable from the read pump and from the hub.
func (s *Session) closeWith(code int, reason string) {
	s.mu.Lock()
	if s.state != stateClosed {
		s.state = stateDraining
	}
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && err != websocket.ErrCloseSent {
		s.logger.Debug("Failed to write close frame", zap.String("deviceID", s.deviceID), zap.Error(err))
	}
	s.conn.Close()
}

// closeSend retires the outbound queue exactly once so the write pump
// exits promptly.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return
	}
	s.sendClosed = true
	close(s.send)
}

// sendEnvelope wraps a payload and queues it for the write pump.
// Envelopes are dropped with a log entry if the peer cannot keep up.
func (s *Session) sendEnvelope(t protocol.MessageType, payload interface{}) {
	env, err := protocol.NewEnvelope(t, payload, s.outSeq.Add(1)-1)
	if err != nil {
		s.logger.Error("Failed to build envelope", zap.String("type", string(t)), zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return
	}
	select {
	case s.send <- env:
	default:
		s.logger.Warn("Send buffer full, dropping message",
			zap.String("deviceID", s.deviceID),
			zap.String("type", string(t)))
	}
}

func (s *Session) sendError(code, message, details string) {
	s.sendEnvelope(protocol.MessageTypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}
