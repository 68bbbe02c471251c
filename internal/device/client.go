package device

import (
	"context"
	"encoding/base64"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luminakids/lumina/internal/codec"
	"github.com/luminakids/lumina/internal/protocol"
)

// CannedOfflineReply is spoken locally when the toy is pressed while
// disconnected.
const CannedOfflineReply = "I can't reach the clouds right now, but I'm still here with you!"

// Config configures the device session client.
type Config struct {
	GatewayURL string
	Token      string
	DeviceID   string
	ToyID      string

	Codec string // "opus" or "pcm"
	Audio codec.Params

	ReplyTimeout   time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	HeartbeatEvery time.Duration
}

// Client is the embedded session client: a single-goroutine state
// machine driving capture, playback, the wire protocol, and the
// offline queue. External inputs (button, microphone) are posted as
// events; everything is serialized on one queue.
type Client struct {
	cfg    Config
	queue  *Queue
	player Player
	logger *zap.Logger

	events chan event

	// Owned by the run loop.
	state      State
	connState  ConnState
	conn       wire
	configured bool
	encoder    *codec.Encoder
	decoder    *codec.Decoder
	pending    []int16
	frameSeq   uint64
	msgSeq     uint64
	generation uint64
	replyTimer *time.Timer

	syncSent    bool
	unsupported map[string]bool
}

// NewClient creates a device client. The queue must be open; the
// player may be nil.
func NewClient(cfg Config, queue *Queue, player Player, logger *zap.Logger) (*Client, error) {
	if player == nil {
		player = NopPlayer{}
	}
	c := &Client{
		cfg:         cfg,
		queue:       queue,
		player:      player,
		logger:      logger,
		events:      make(chan event, 256),
		state:       StateIdle,
		connState:   ConnOffline,
		unsupported: make(map[string]bool),
	}
	if cfg.Codec == "opus" {
		enc, err := codec.NewEncoder(cfg.Audio)
		if err != nil {
			return nil, err
		}
		dec, err := codec.NewDecoder(cfg.Audio)
		if err != nil {
			return nil, err
		}
		c.encoder, c.decoder = enc, dec
	}
	return c, nil
}

// State reports the current interaction state. Only for diagnostics;
// it races with the run loop by design.
func (c *Client) State() State { return c.state }

// Press signals a push-to-talk press or wake-word detection.
func (c *Client) Press() { c.post(evPress{}) }

// Release signals a push-to-talk release or end-of-speech detection.
func (c *Client) Release() { c.post(evRelease{}) }

// Feed delivers captured microphone PCM.
func (c *Client) Feed(pcm []int16) { c.post(evAudio{pcm: pcm}) }

func (c *Client) post(ev event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Event queue full, dropping event")
	}
}

// Run drives the state machine until ctx is cancelled. It owns all
// mutable state; the dialer and reader goroutines communicate with it
// only through the event queue.
func (c *Client) Run(ctx context.Context) {
	go c.connectLoop(ctx)

	var heartbeat <-chan time.Time
	if c.cfg.HeartbeatEvery > 0 {
		t := time.NewTicker(c.cfg.HeartbeatEvery)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			if c.conn != nil {
				c.conn.Close()
			}
			return
		case <-heartbeat:
			if c.connState == ConnConnected && c.configured {
				c.sendEnvelope(protocol.MessageTypeHeartbeat, protocol.HeartbeatPayload{
					DeviceTime: time.Now().UnixMilli(),
				})
			}
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// connectLoop dials the gateway, pumps inbound messages into the
// event queue, and redials with capped jittered exponential backoff.
func (c *Client) connectLoop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.cfg.Token)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.GatewayURL, header)
		if err != nil {
			attempt++
			delay := Jitter(Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap))
			c.logger.Warn("Dial failed",
				zap.Int("attempt", attempt),
				zap.Duration("retryIn", delay),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.post(evConnUp{conn: conn})

		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				c.post(evConnDown{err: err})
				break
			}
			c.post(evServer{env: env})
		}
	}
}

// handleEvent applies one typed transition.
func (c *Client) handleEvent(ev event) {
	switch ev := ev.(type) {
	case evConnUp:
		c.onConnUp(ev.conn)
	case evConnDown:
		c.onConnDown(ev.err)
	case evPress:
		c.onPress()
	case evAudio:
		c.onAudio(ev.pcm)
	case evRelease:
		c.onRelease()
	case evServer:
		c.onServer(ev.env)
	case evReplyTimeout:
		c.onReplyTimeout(ev.generation)
	}
}

func (c *Client) onConnUp(conn wire) {
	c.conn = conn
	c.connState = ConnConnected
	c.configured = false
	c.syncSent = false
	c.unsupported = make(map[string]bool)
	c.state = StateIdle

	c.sendEnvelope(protocol.MessageTypeHandshake, protocol.HandshakePayload{
		ProtocolVersion: protocol.Version,
		DeviceID:        c.cfg.DeviceID,
		ToyID:           c.cfg.ToyID,
		Capabilities:    []string{"push_to_talk", "offline_queue"},
		Audio: protocol.AudioFormat{
			Codec:           c.cfg.Codec,
			SampleRate:      c.cfg.Audio.SampleRate,
			Channels:        c.cfg.Audio.Channels,
			FrameDurationMs: c.cfg.Audio.FrameDurationMs,
		},
	})
	c.logger.Info("Connected, handshake sent", zap.String("deviceID", c.cfg.DeviceID))
}

// onConnDown abandons any in-flight utterance: buffered frames are
// discarded, not retried, because utterances do not resume across a
// reconnect.
func (c *Client) onConnDown(err error) {
	c.conn = nil
	c.connState = ConnReconnecting
	c.configured = false
	c.pending = nil
	c.stopReplyTimer()
	c.state = StateIdle
	c.logger.Warn("Connection lost", zap.Error(err))
}

func (c *Client) onPress() {
	if c.connState != ConnConnected || !c.configured {
		c.offlineInteraction()
		return
	}

	// Pressing during AwaitingReply or Speaking aborts the in-flight
	// exchange on both sides.
	c.stopReplyTimer()
	c.generation++
	c.state = StateListening
	c.pending = nil
	c.frameSeq = 0
	c.sendEnvelope(protocol.MessageTypeControl, protocol.ControlPayload{
		Action: protocol.ControlStartRecording,
	})
}

func (c *Client) onAudio(pcm []int16) {
	if c.state != StateListening || c.connState != ConnConnected {
		return
	}
	c.pending = append(c.pending, pcm...)
	per := c.cfg.Audio.SamplesPerFrame() * c.cfg.Audio.Channels
	for len(c.pending) >= per {
		frame := c.pending[:per]
		c.pending = c.pending[per:]
		c.sendFrame(frame, false)
	}
}

func (c *Client) onRelease() {
	if c.state != StateListening {
		return
	}
	if c.connState != ConnConnected {
		c.state = StateIdle
		return
	}

	// Flush the remainder as the final frame; a silent frame if the
	// buffer is empty so the stream always terminates explicitly.
	per := c.cfg.Audio.SamplesPerFrame() * c.cfg.Audio.Channels
	frame := make([]int16, per)
	copy(frame, c.pending)
	c.pending = nil
	c.sendFrame(frame, true)

	c.state = StateAwaitingReply
	c.startReplyTimer()
}

func (c *Client) onServer(env protocol.Envelope) {
	switch env.Type {
	case protocol.MessageTypeConfig:
		var p protocol.ConfigPayload
		if err := env.DecodePayload(&p); err != nil {
			c.logger.Warn("Invalid config payload", zap.Error(err))
			return
		}
		c.configured = true
		c.logger.Info("Configured",
			zap.String("toyID", p.ToyID),
			zap.Bool("restricted", p.Restricted))
		c.maybeSync()

	case protocol.MessageTypeAudioChunk:
		c.onReplyFrame(env)

	case protocol.MessageTypeSyncResult:
		c.onSyncResult(env)

	case protocol.MessageTypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err == nil {
			c.logger.Warn("Gateway error",
				zap.String("code", p.Code),
				zap.String("message", p.Message))
		}
		if c.state == StateAwaitingReply || c.state == StateListening {
			c.stopReplyTimer()
			c.state = StateIdle
		}

	case protocol.MessageTypeHeartbeat:
		// Keepalive echo; nothing to do.
	}
}

func (c *Client) onReplyFrame(env protocol.Envelope) {
	var p protocol.AudioChunkPayload
	if err := env.DecodePayload(&p); err != nil {
		c.logger.Warn("Invalid reply frame", zap.Error(err))
		return
	}
	if c.state != StateAwaitingReply && c.state != StateSpeaking {
		// Stale reply audio from an aborted exchange.
		return
	}

	if c.state == StateAwaitingReply {
		c.stopReplyTimer()
		c.state = StateSpeaking
	}

	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err == nil && len(data) > 0 {
		if c.decoder != nil {
			if pcm, err := c.decoder.Decode(data); err == nil {
				c.player.Play(pcm)
			}
		} else {
			c.player.Play(bytesToSamples(data))
		}
	}

	if p.Metadata.IsFinal {
		c.state = StateIdle
	}
}

func (c *Client) onReplyTimeout(generation uint64) {
	if generation != c.generation || c.state != StateAwaitingReply {
		return
	}
	c.logger.Warn("Reply timed out")
	c.state = StateIdle
	c.player.Play(cannedReplyPCM(c.cfg.Audio.SampleRate))
}

// offlineInteraction produces the canned local reply and records the
// exchange for later sync.
func (c *Client) offlineInteraction() {
	c.player.Play(cannedReplyPCM(c.cfg.Audio.SampleRate))

	now := time.Now()
	if err := c.queue.EnqueueConversation(protocol.SyncConversation{
		ConversationID: uuid.NewString(),
		UserInput:      "(offline interaction)",
		ToyResponse:    CannedOfflineReply,
		ToyID:          c.cfg.ToyID,
		Timestamp:      now.UnixMilli(),
	}); err != nil {
		c.logger.Error("Failed to queue offline conversation", zap.Error(err))
	}
	if err := c.queue.EnqueueMetric(protocol.SyncMetric{
		ID:         uuid.NewString(),
		MetricType: "offline_interaction",
		Value:      1,
		ToyID:      c.cfg.ToyID,
		Timestamp:  now.UnixMilli(),
	}); err != nil {
		c.logger.Error("Failed to queue offline metric", zap.Error(err))
	}
	c.logger.Info("Offline interaction recorded")
}

// maybeSync uploads the offline queue as a single batch, once per
// connection.
func (c *Client) maybeSync() {
	if c.syncSent {
		return
	}
	pending, err := c.queue.Pending()
	if err != nil {
		c.logger.Error("Failed to count offline queue", zap.Error(err))
		return
	}
	if pending == 0 {
		return
	}
	batch, err := c.queue.BuildBatch(c.cfg.DeviceID, c.unsupported)
	if err != nil {
		c.logger.Error("Failed to build sync batch", zap.Error(err))
		return
	}
	c.syncSent = true
	c.sendEnvelope(protocol.MessageTypeSyncBatch, batch)
	c.logger.Info("Sync batch sent",
		zap.Int("conversations", len(batch.Conversations)),
		zap.Int("offline", len(batch.Offline)),
		zap.Int("metrics", len(batch.Metrics)))
}

// onSyncResult purges acknowledged categories and remembers rejected
// ones for the remainder of the session.
func (c *Client) onSyncResult(env protocol.Envelope) {
	var p protocol.SyncResultPayload
	if err := env.DecodePayload(&p); err != nil {
		c.logger.Warn("Invalid sync result", zap.Error(err))
		return
	}
	for category := range p.Accepted {
		if err := c.queue.PurgeCategory(category); err != nil {
			c.logger.Error("Failed to purge synced items",
				zap.String("category", category),
				zap.Error(err))
		}
	}
	for _, category := range p.UnsupportedFields {
		c.unsupported[category] = true
	}
	c.logger.Info("Sync acknowledged",
		zap.Any("accepted", p.Accepted),
		zap.Strings("unsupported", p.UnsupportedFields))
}

func (c *Client) sendFrame(pcm []int16, isFinal bool) {
	var payload []byte
	if c.encoder != nil {
		packets, err := c.encoder.Encode(pcm)
		if err != nil || len(packets) == 0 {
			c.logger.Error("Failed to encode frame", zap.Error(err))
			return
		}
		payload = packets[0]
	} else {
		payload = samplesToBytes(pcm)
	}

	c.sendEnvelope(protocol.MessageTypeAudioChunk, protocol.AudioChunkPayload{
		Data: base64.StdEncoding.EncodeToString(payload),
		Metadata: protocol.ChunkMetadata{
			Sequence: c.frameSeq,
			IsFinal:  isFinal,
			Format:   c.cfg.Codec,
		},
	})
	c.frameSeq++
}

func (c *Client) sendEnvelope(t protocol.MessageType, payload interface{}) {
	if c.conn == nil {
		return
	}
	env, err := protocol.NewEnvelope(t, payload, c.msgSeq)
	if err != nil {
		c.logger.Error("Failed to build envelope", zap.Error(err))
		return
	}
	c.msgSeq++
	if err := c.conn.WriteJSON(env); err != nil {
		c.logger.Warn("Write failed", zap.Error(err))
	}
}

func (c *Client) startReplyTimer() {
	c.stopReplyTimer()
	if c.cfg.ReplyTimeout <= 0 {
		return
	}
	generation := c.generation
	c.replyTimer = time.AfterFunc(c.cfg.ReplyTimeout, func() {
		c.post(evReplyTimeout{generation: generation})
	})
}

func (c *Client) stopReplyTimer() {
	if c.replyTimer != nil {
		c.replyTimer.Stop()
		c.replyTimer = nil
	}
}

// samplesToBytes converts 16-bit PCM samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// bytesToSamples converts little-endian bytes to 16-bit PCM samples.
func bytesToSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return out
}

// cannedReplyPCM is a short friendly chirp stored on the device for
// offline and timeout replies.
func cannedReplyPCM(sampleRate int) []int16 {
	const dur = 0.25
	n := int(float64(sampleRate) * dur)
	out := make([]int16, n)
	for i := range out {
		// Rising chirp from 500Hz to 900Hz.
		f := 500 + 400*float64(i)/float64(n)
		out[i] = int16(8000 * math.Sin(2*math.Pi*f*float64(i)/float64(sampleRate)))
	}
	return out
}
