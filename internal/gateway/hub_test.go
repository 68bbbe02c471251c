package gateway

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/luminakids/lumina/adapters/llm"
	"github.com/luminakids/lumina/adapters/memstore"
	"github.com/luminakids/lumina/adapters/safety"
	"github.com/luminakids/lumina/adapters/stt"
	"github.com/luminakids/lumina/adapters/tts"
	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/internal/auth"
	"github.com/luminakids/lumina/internal/pipeline"
	"github.com/luminakids/lumina/internal/protocol"
)

const (
	testDeviceID   = "device-test-1"
	testToyID      = "toy-test-1"
	testSampleRate = 16000
	testFrameMs    = 60
)

// Tests negotiate the pcm passthrough path so no opus encoder is
// needed on either side of the test connection.
var testAudio = protocol.AudioFormat{
	Codec:           "pcm",
	SampleRate:      testSampleRate,
	Channels:        1,
	FrameDurationMs: testFrameMs,
}

func setupTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	logger := zap.NewNop()

	store := memstore.NewStore()
	if err := store.SeedToy(&entities.ToyConfig{
		ID:         testToyID,
		Name:       "Testy",
		Persona:    "You are a test toy.",
		Language:   "en-US",
		Restricted: true,
	}); err != nil {
		t.Fatalf("seed toy: %v", err)
	}
	if err := store.SeedDevice(&entities.Device{
		ID:           testDeviceID,
		SerialNumber: "TEST-0001",
		SecretKey:    "test-secret",
		ToyID:        testToyID,
	}); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	policy := pipeline.Policy{MaxAttempts: 2, RetryDelay: time.Millisecond, CallTimeout: 2 * time.Second}
	orchestrator := pipeline.New(
		stt.NewMockSpeechToText(logger),
		llm.NewMockLLM(),
		tts.NewMockTextToSpeech(testSampleRate, logger),
		safety.NewMockSafetyChecker(),
		store,
		policy,
		pipeline.Options{},
		logger,
	)

	hub := NewHub(orchestrator, NewReconciler(store, nil, logger), store, testAudio, logger)
	go hub.Run()

	e := echo.New()
	InitRoutes(e, hub, store, logger)

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server, store
}

func dialTestDevice(t *testing.T, server *httptest.Server, deviceID string) *websocket.Conn {
	t.Helper()

	token, err := auth.GenerateDeviceToken(deviceID, testToyID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendTestEnvelope(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload interface{}, seq uint64) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload, seq)
	if err != nil {
		t.Fatalf("build %s envelope: %v", msgType, err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func readTestEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func completeHandshake(t *testing.T, conn *websocket.Conn) protocol.ConfigPayload {
	t.Helper()
	sendTestEnvelope(t, conn, protocol.MessageTypeHandshake, protocol.HandshakePayload{
		ProtocolVersion: protocol.Version,
		DeviceID:        testDeviceID,
		ToyID:           testToyID,
		Capabilities:    []string{"push_to_talk"},
		Audio:           testAudio,
	}, 0)

	env := readTestEnvelope(t, conn)
	if env.Type != protocol.MessageTypeConfig {
		t.Fatalf("first reply type = %s, want config", env.Type)
	}
	var cfg protocol.ConfigPayload
	if err := env.DecodePayload(&cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	return cfg
}

// pcmFrame returns one frame of silence as base64-encoded 16-bit PCM.
func pcmFrame() string {
	samples := testSampleRate * testFrameMs / 1000
	return base64.StdEncoding.EncodeToString(make([]byte, 2*samples))
}

func sendUtterance(t *testing.T, conn *websocket.Conn, frames int, seqBase uint64) {
	t.Helper()
	for i := 0; i < frames; i++ {
		sendTestEnvelope(t, conn, protocol.MessageTypeAudioChunk, protocol.AudioChunkPayload{
			Data: pcmFrame(),
			Metadata: protocol.ChunkMetadata{
				Sequence: uint64(i),
				IsFinal:  i == frames-1,
				Format:   "pcm",
			},
		}, seqBase+uint64(i))
	}
}

// readReply consumes audio_chunk envelopes until the final frame,
// checking the stream is sequenced from zero.
func readReply(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	frames := 0
	for {
		env := readTestEnvelope(t, conn)
		if env.Type != protocol.MessageTypeAudioChunk {
			t.Fatalf("reply frame %d: type = %s, want audio_chunk", frames, env.Type)
		}
		var p protocol.AudioChunkPayload
		if err := env.DecodePayload(&p); err != nil {
			t.Fatalf("decode reply frame: %v", err)
		}
		if p.Metadata.Sequence != uint64(frames) {
			t.Fatalf("reply frame sequence = %d, want %d", p.Metadata.Sequence, frames)
		}
		frames++
		if p.Metadata.IsFinal {
			return frames
		}
	}
}

func TestHandshakeReturnsToyConfig(t *testing.T) {
	server, _ := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)

	cfg := completeHandshake(t, conn)
	if cfg.ToyID != testToyID {
		t.Errorf("config toy = %q, want %q", cfg.ToyID, testToyID)
	}
	if !cfg.Restricted {
		t.Error("config restricted = false, want true")
	}
	if cfg.Audio.Codec != "pcm" {
		t.Errorf("negotiated codec = %q, want pcm", cfg.Audio.Codec)
	}
}

func TestHandshakeRequiredFirst(t *testing.T) {
	server, _ := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)

	sendTestEnvelope(t, conn, protocol.MessageTypeHeartbeat, protocol.HeartbeatPayload{DeviceTime: 1}, 0)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseProtocolViolation) {
		t.Errorf("read error = %v, want close %d", err, protocol.CloseProtocolViolation)
	}
}

func TestHandshakeIdentityMismatchClosesConnection(t *testing.T) {
	server, _ := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)

	sendTestEnvelope(t, conn, protocol.MessageTypeHandshake, protocol.HandshakePayload{
		ProtocolVersion: protocol.Version,
		DeviceID:        "some-other-device",
		ToyID:           testToyID,
		Audio:           testAudio,
	}, 0)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseAuthFailure) {
		t.Errorf("read error = %v, want close %d", err, protocol.CloseAuthFailure)
	}
}

func TestVoiceExchange(t *testing.T) {
	server, store := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)
	completeHandshake(t, conn)

	sendUtterance(t, conn, 5, 1)
	frames := readReply(t, conn)
	if frames < 1 {
		t.Fatalf("reply had %d frames, want at least 1", frames)
	}

	turns := store.Turns(testDeviceID)
	if len(turns) != 1 {
		t.Fatalf("persisted %d turns, want 1", len(turns))
	}
	if turns[0].ToyID != testToyID {
		t.Errorf("turn toy = %q, want %q", turns[0].ToyID, testToyID)
	}
	if turns[0].UserInput == "" || turns[0].ToyResponse == "" {
		t.Errorf("turn missing transcript or reply: %+v", turns[0])
	}
}

func TestSequenceGapAbortsUtteranceOnly(t *testing.T) {
	server, store := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)
	completeHandshake(t, conn)

	// Frame 0 then frame 2: the gap must abort the utterance with an
	// error message, not the connection.
	sendTestEnvelope(t, conn, protocol.MessageTypeAudioChunk, protocol.AudioChunkPayload{
		Data:     pcmFrame(),
		Metadata: protocol.ChunkMetadata{Sequence: 0, Format: "pcm"},
	}, 1)
	sendTestEnvelope(t, conn, protocol.MessageTypeAudioChunk, protocol.AudioChunkPayload{
		Data:     pcmFrame(),
		Metadata: protocol.ChunkMetadata{Sequence: 2, Format: "pcm"},
	}, 2)

	env := readTestEnvelope(t, conn)
	if env.Type != protocol.MessageTypeError {
		t.Fatalf("reply type = %s, want error", env.Type)
	}
	var p protocol.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != protocol.ErrCodeUtteranceAborted {
		t.Errorf("error code = %q, want %q", p.Code, protocol.ErrCodeUtteranceAborted)
	}

	// The session survives: a fresh utterance completes normally.
	sendUtterance(t, conn, 3, 3)
	if frames := readReply(t, conn); frames < 1 {
		t.Fatalf("reply after abort had %d frames", frames)
	}
	if len(store.Turns(testDeviceID)) != 1 {
		t.Errorf("aborted utterance must not produce a turn")
	}
}

func TestStopRecordingFinalizesUtterance(t *testing.T) {
	server, store := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)
	completeHandshake(t, conn)

	sendTestEnvelope(t, conn, protocol.MessageTypeControl, protocol.ControlPayload{
		Action: protocol.ControlStartRecording,
	}, 1)
	sendTestEnvelope(t, conn, protocol.MessageTypeAudioChunk, protocol.AudioChunkPayload{
		Data:     pcmFrame(),
		Metadata: protocol.ChunkMetadata{Sequence: 0, Format: "pcm"},
	}, 2)
	sendTestEnvelope(t, conn, protocol.MessageTypeControl, protocol.ControlPayload{
		Action: protocol.ControlStopRecording,
	}, 3)

	if frames := readReply(t, conn); frames < 1 {
		t.Fatalf("reply had %d frames", frames)
	}
	if len(store.Turns(testDeviceID)) != 1 {
		t.Errorf("persisted %d turns, want 1", len(store.Turns(testDeviceID)))
	}
}

func TestHeartbeatEcho(t *testing.T) {
	server, _ := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)
	completeHandshake(t, conn)

	sendTestEnvelope(t, conn, protocol.MessageTypeHeartbeat, protocol.HeartbeatPayload{DeviceTime: 42}, 1)
	env := readTestEnvelope(t, conn)
	if env.Type != protocol.MessageTypeHeartbeat {
		t.Fatalf("reply type = %s, want heartbeat", env.Type)
	}
}

func TestSyncBatchOverWire(t *testing.T) {
	server, store := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)
	completeHandshake(t, conn)

	batch := protocol.SyncBatchPayload{
		ProtocolVersion: protocol.Version,
		DeviceID:        testDeviceID,
		Conversations: []protocol.SyncConversation{
			{ConversationID: "sync-c-1", UserInput: "(offline interaction)", ToyResponse: "canned", ToyID: testToyID, Timestamp: time.Now().UnixMilli()},
		},
	}

	// Send the same batch twice; the second is a retry after a lost
	// acknowledgment and must not duplicate records.
	for i := uint64(1); i <= 2; i++ {
		sendTestEnvelope(t, conn, protocol.MessageTypeSyncBatch, batch, i)
		env := readTestEnvelope(t, conn)
		if env.Type != protocol.MessageTypeSyncResult {
			t.Fatalf("reply type = %s, want sync_result", env.Type)
		}
		var p protocol.SyncResultPayload
		if err := env.DecodePayload(&p); err != nil {
			t.Fatalf("decode sync result: %v", err)
		}
		if p.Accepted[protocol.SyncCategoryConversations] != 1 {
			t.Errorf("accepted conversations = %d, want 1", p.Accepted[protocol.SyncCategoryConversations])
		}
	}

	if got := len(store.Turns(testDeviceID)); got != 1 {
		t.Errorf("persisted %d turns after replay, want 1", got)
	}
}

func TestSyncBatchDeviceMismatchRejected(t *testing.T) {
	server, store := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)
	completeHandshake(t, conn)

	sendTestEnvelope(t, conn, protocol.MessageTypeSyncBatch, protocol.SyncBatchPayload{
		ProtocolVersion: protocol.Version,
		DeviceID:        "somebody-else",
		Conversations: []protocol.SyncConversation{
			{ConversationID: "sync-x", ToyID: testToyID},
		},
	}, 1)

	env := readTestEnvelope(t, conn)
	if env.Type != protocol.MessageTypeError {
		t.Fatalf("reply type = %s, want error", env.Type)
	}
	if got := len(store.Turns("somebody-else")); got != 0 {
		t.Errorf("persisted %d turns for mismatched device", got)
	}
}

func TestDeviceStatusTransitions(t *testing.T) {
	server, store := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)
	completeHandshake(t, conn)

	if status, _ := store.DeviceStatus(testDeviceID); status != entities.DeviceStatusOnline {
		t.Errorf("status after handshake = %q, want online", status)
	}

	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if status, _ := store.DeviceStatus(testDeviceID); status == entities.DeviceStatusOffline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("device never recorded offline after disconnect")
}

func TestReconnectDisplacesPreviousSession(t *testing.T) {
	server, store := setupTestServer(t)

	first := dialTestDevice(t, server, testDeviceID)
	completeHandshake(t, first)

	// Keep the first session's write pump busy echoing heartbeats
	// while the second connection displaces it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(1); i < 200; i++ {
			env, err := protocol.NewEnvelope(protocol.MessageTypeHeartbeat, protocol.HeartbeatPayload{DeviceTime: int64(i)}, i)
			if err != nil {
				return
			}
			if err := first.WriteJSON(env); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	second := dialTestDevice(t, server, testDeviceID)
	completeHandshake(t, second)

	// The displaced connection is told it was superseded.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("first connection read error = %v, want close %d", err, websocket.CloseNormalClosure)
			}
			break
		}
	}
	<-done

	// The new session keeps working end to end.
	sendUtterance(t, second, 3, 1)
	if frames := readReply(t, second); frames < 1 {
		t.Fatalf("reply on new session had %d frames", frames)
	}

	// The old session's teardown must not mark the reconnected device
	// offline.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if status, _ := store.DeviceStatus(testDeviceID); status != entities.DeviceStatusOnline {
			t.Fatalf("status after reconnect = %q, want online", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRejectedBeforeHandshakeKeepsDeviceStatus(t *testing.T) {
	server, store := setupTestServer(t)
	conn := dialTestDevice(t, server, testDeviceID)

	sendTestEnvelope(t, conn, protocol.MessageTypeHeartbeat, protocol.HeartbeatPayload{DeviceTime: 1}, 0)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, protocol.CloseProtocolViolation) {
		t.Fatalf("read error = %v, want close %d", err, protocol.CloseProtocolViolation)
	}

	// A connection that never authenticated must not record the
	// device offline.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if status, _ := store.DeviceStatus(testDeviceID); status == entities.DeviceStatusOffline {
			t.Fatal("rejected connection recorded the device offline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeviceAuthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, err := http.Post(server.URL+"/api/v1/device/auth", "application/json",
		strings.NewReader(`{"serial_number":"TEST-0001","secret_key":"test-secret"}`))
	if err != nil {
		t.Fatalf("post auth: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	bad, err := http.Post(server.URL+"/api/v1/device/auth", "application/json",
		strings.NewReader(`{"serial_number":"TEST-0001","secret_key":"wrong"}`))
	if err != nil {
		t.Fatalf("post auth: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Errorf("status with wrong secret = %d, want 401", bad.StatusCode)
	}
}
