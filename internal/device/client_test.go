package device

import (
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/luminakids/lumina/internal/codec"
	"github.com/luminakids/lumina/internal/protocol"
)

// fakeWire captures everything the client writes.
type fakeWire struct {
	sent []protocol.Envelope
}

func (f *fakeWire) WriteJSON(v interface{}) error {
	f.sent = append(f.sent, v.(protocol.Envelope))
	return nil
}

func (f *fakeWire) Close() error { return nil }

func (f *fakeWire) byType(t protocol.MessageType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range f.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// fakePlayer records speaker output.
type fakePlayer struct {
	played [][]int16
}

func (f *fakePlayer) Play(pcm []int16) { f.played = append(f.played, pcm) }

func newTestClient(t *testing.T) (*Client, *fakeWire, *fakePlayer) {
	t.Helper()
	queue, err := OpenQueue(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenQueue() error = %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	player := &fakePlayer{}
	c, err := NewClient(Config{
		GatewayURL:   "ws://example.invalid/ws",
		Token:        "token",
		DeviceID:     "device-1",
		ToyID:        "toy-1",
		Codec:        "pcm",
		Audio:        codec.Params{SampleRate: 16000, Channels: 1, FrameDurationMs: 60},
		ReplyTimeout: time.Minute,
	}, queue, player, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, &fakeWire{}, player
}

// connect drives the client to connected-and-configured without a
// network, by feeding the transitions directly.
func connect(t *testing.T, c *Client, w *fakeWire) {
	t.Helper()
	c.handleEvent(evConnUp{conn: w})

	cfg, err := protocol.NewEnvelope(protocol.MessageTypeConfig, protocol.ConfigPayload{
		ToyID: "toy-1", Name: "Testy", Restricted: true,
	}, 0)
	if err != nil {
		t.Fatalf("build config envelope: %v", err)
	}
	c.handleEvent(evServer{env: cfg})
}

func frameSamples(c *Client) int {
	return c.cfg.Audio.SamplesPerFrame() * c.cfg.Audio.Channels
}

func TestConnUpSendsHandshake(t *testing.T) {
	c, w, _ := newTestClient(t)
	c.handleEvent(evConnUp{conn: w})

	if c.connState != ConnConnected {
		t.Errorf("connState = %v, want connected", c.connState)
	}
	hs := w.byType(protocol.MessageTypeHandshake)
	if len(hs) != 1 {
		t.Fatalf("sent %d handshakes, want 1", len(hs))
	}
	var p protocol.HandshakePayload
	if err := hs[0].DecodePayload(&p); err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if p.DeviceID != "device-1" || p.ToyID != "toy-1" {
		t.Errorf("handshake identity = %q/%q", p.DeviceID, p.ToyID)
	}
}

func TestPressStartsListening(t *testing.T) {
	c, w, _ := newTestClient(t)
	connect(t, c, w)

	c.handleEvent(evPress{})
	if c.state != StateListening {
		t.Errorf("state = %v, want listening", c.state)
	}

	controls := w.byType(protocol.MessageTypeControl)
	if len(controls) != 1 {
		t.Fatalf("sent %d controls, want 1", len(controls))
	}
	var p protocol.ControlPayload
	controls[0].DecodePayload(&p)
	if p.Action != protocol.ControlStartRecording {
		t.Errorf("control action = %q, want start_recording", p.Action)
	}
}

func TestAudioIsFramedAndSequenced(t *testing.T) {
	c, w, _ := newTestClient(t)
	connect(t, c, w)
	c.handleEvent(evPress{})

	per := frameSamples(c)

	// Half a frame buffers without sending.
	c.handleEvent(evAudio{pcm: make([]int16, per/2)})
	if got := len(w.byType(protocol.MessageTypeAudioChunk)); got != 0 {
		t.Fatalf("sent %d chunks for a partial frame, want 0", got)
	}

	// Completing the frame plus one more flushes two full frames.
	c.handleEvent(evAudio{pcm: make([]int16, per/2+per)})
	chunks := w.byType(protocol.MessageTypeAudioChunk)
	if len(chunks) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(chunks))
	}

	// Release pads the remainder into a final frame.
	c.handleEvent(evAudio{pcm: make([]int16, per/4)})
	c.handleEvent(evRelease{})
	chunks = w.byType(protocol.MessageTypeAudioChunk)
	if len(chunks) != 3 {
		t.Fatalf("sent %d chunks after release, want 3", len(chunks))
	}

	for i, env := range chunks {
		var p protocol.AudioChunkPayload
		if err := env.DecodePayload(&p); err != nil {
			t.Fatalf("decode chunk %d: %v", i, err)
		}
		if p.Metadata.Sequence != uint64(i) {
			t.Errorf("chunk %d sequence = %d", i, p.Metadata.Sequence)
		}
		if p.Metadata.IsFinal != (i == len(chunks)-1) {
			t.Errorf("chunk %d isFinal = %v", i, p.Metadata.IsFinal)
		}
	}

	if c.state != StateAwaitingReply {
		t.Errorf("state after release = %v, want awaiting_reply", c.state)
	}
}

func TestReplyPlaybackLifecycle(t *testing.T) {
	c, w, player := newTestClient(t)
	connect(t, c, w)
	c.handleEvent(evPress{})
	c.handleEvent(evRelease{})

	pcm := samplesToBytes(make([]int16, frameSamples(c)))
	for i, final := range []bool{false, true} {
		env, _ := protocol.NewEnvelope(protocol.MessageTypeAudioChunk, protocol.AudioChunkPayload{
			Data:     base64.StdEncoding.EncodeToString(pcm),
			Metadata: protocol.ChunkMetadata{Sequence: uint64(i), IsFinal: final},
		}, uint64(i+1))
		c.handleEvent(evServer{env: env})
		if !final && c.state != StateSpeaking {
			t.Errorf("state after first reply frame = %v, want speaking", c.state)
		}
	}

	if c.state != StateIdle {
		t.Errorf("state after final frame = %v, want idle", c.state)
	}
	if len(player.played) != 2 {
		t.Errorf("played %d buffers, want 2", len(player.played))
	}
}

func TestReplyTimeoutPlaysCannedReply(t *testing.T) {
	c, w, player := newTestClient(t)
	connect(t, c, w)
	c.handleEvent(evPress{})
	c.handleEvent(evRelease{})

	c.handleEvent(evReplyTimeout{generation: c.generation})
	if c.state != StateIdle {
		t.Errorf("state after timeout = %v, want idle", c.state)
	}
	if len(player.played) != 1 {
		t.Errorf("played %d buffers, want the canned reply", len(player.played))
	}
}

func TestStaleReplyTimeoutIgnored(t *testing.T) {
	c, w, player := newTestClient(t)
	connect(t, c, w)
	c.handleEvent(evPress{})
	c.handleEvent(evRelease{})

	// Timer from a previous utterance generation.
	c.handleEvent(evReplyTimeout{generation: c.generation - 1})
	if c.state != StateAwaitingReply {
		t.Errorf("state = %v, want awaiting_reply untouched", c.state)
	}
	if len(player.played) != 0 {
		t.Errorf("played %d buffers, want 0", len(player.played))
	}
}

func TestOfflinePressPlaysCannedAndQueues(t *testing.T) {
	c, _, player := newTestClient(t)

	c.handleEvent(evPress{})
	if c.state != StateIdle {
		t.Errorf("state = %v, want idle while offline", c.state)
	}
	if len(player.played) != 1 {
		t.Errorf("played %d buffers, want 1 canned reply", len(player.played))
	}

	batch, err := c.queue.BuildBatch("device-1", nil)
	if err != nil {
		t.Fatalf("BuildBatch() error = %v", err)
	}
	if len(batch.Conversations) != 1 {
		t.Errorf("queued %d conversations, want 1", len(batch.Conversations))
	}
	if len(batch.Metrics) != 1 {
		t.Errorf("queued %d metrics, want 1", len(batch.Metrics))
	}
}

func TestConnDownDiscardsUtterance(t *testing.T) {
	c, w, _ := newTestClient(t)
	connect(t, c, w)
	c.handleEvent(evPress{})
	c.handleEvent(evAudio{pcm: make([]int16, 10)})

	c.handleEvent(evConnDown{err: nil})
	if c.state != StateIdle {
		t.Errorf("state = %v, want idle", c.state)
	}
	if c.connState != ConnReconnecting {
		t.Errorf("connState = %v, want reconnecting", c.connState)
	}
	if c.pending != nil {
		t.Error("pending audio not discarded on disconnect")
	}
}

func TestSyncAfterReconnect(t *testing.T) {
	c, w, _ := newTestClient(t)

	// Queue an offline interaction first, then connect.
	c.handleEvent(evPress{})
	connect(t, c, w)

	batches := w.byType(protocol.MessageTypeSyncBatch)
	if len(batches) != 1 {
		t.Fatalf("sent %d sync batches, want 1", len(batches))
	}
	var batch protocol.SyncBatchPayload
	if err := batches[0].DecodePayload(&batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(batch.Conversations) != 1 || len(batch.Metrics) != 1 {
		t.Errorf("batch = %d conversations, %d metrics", len(batch.Conversations), len(batch.Metrics))
	}

	// Acknowledgment purges only the acked categories.
	ack, _ := protocol.NewEnvelope(protocol.MessageTypeSyncResult, protocol.SyncResultPayload{
		Status: "ok",
		Accepted: map[string]int{
			protocol.SyncCategoryConversations: 1,
		},
		UnsupportedFields: []string{protocol.SyncCategoryMetrics},
	}, 1)
	c.handleEvent(evServer{env: ack})

	pending, err := c.queue.Pending()
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if pending != 1 {
		t.Errorf("Pending() = %d, want the unacked metric kept", pending)
	}
	if !c.unsupported[protocol.SyncCategoryMetrics] {
		t.Error("metrics not recorded as unsupported for this session")
	}
}

func TestSyncSkippedWhenQueueEmpty(t *testing.T) {
	c, w, _ := newTestClient(t)
	connect(t, c, w)

	if got := len(w.byType(protocol.MessageTypeSyncBatch)); got != 0 {
		t.Errorf("sent %d sync batches with an empty queue, want 0", got)
	}
}

func TestErrorFromGatewayReturnsToIdle(t *testing.T) {
	c, w, _ := newTestClient(t)
	connect(t, c, w)
	c.handleEvent(evPress{})
	c.handleEvent(evRelease{})

	env, _ := protocol.NewEnvelope(protocol.MessageTypeError, protocol.ErrorPayload{
		Code:    protocol.ErrCodeUtteranceAborted,
		Message: "utterance aborted",
	}, 1)
	c.handleEvent(evServer{env: env})

	if c.state != StateIdle {
		t.Errorf("state after gateway error = %v, want idle", c.state)
	}
}
