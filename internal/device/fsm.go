package device

import "github.com/luminakids/lumina/internal/protocol"

// State is the device's voice interaction state.
type State string

const (
	StateIdle          State = "idle"
	StateListening     State = "listening"
	StateAwaitingReply State = "awaiting_reply"
	StateSpeaking      State = "speaking"
)

// ConnState is the orthogonal connectivity mode. Offline and
// Reconnecting behave identically for interactions; Reconnecting
// additionally has dial attempts scheduled.
type ConnState string

const (
	ConnOffline      ConnState = "offline"
	ConnReconnecting ConnState = "reconnecting"
	ConnConnected    ConnState = "connected"
)

// event is anything that can advance the device state machine. All
// events are delivered on a single queue and handled by one
// goroutine, so state transitions are strictly ordered and the state
// itself needs no locking.
type event interface{ isEvent() }

// evPress is a push-to-talk press or wake-word detection.
type evPress struct{}

// evRelease is a push-to-talk release or end-of-speech detection.
type evRelease struct{}

// evAudio delivers captured microphone PCM while listening.
type evAudio struct{ pcm []int16 }

// evServer delivers a message received from the gateway.
type evServer struct{ env protocol.Envelope }

// evConnUp reports a successful (re)connection.
type evConnUp struct{ conn wire }

// evConnDown reports a lost or failed connection.
type evConnDown struct{ err error }

// evReplyTimeout fires when no reply arrived for an utterance. The
// generation guards against a timer from a previous utterance.
type evReplyTimeout struct{ generation uint64 }

func (evPress) isEvent()        {}
func (evRelease) isEvent()      {}
func (evAudio) isEvent()        {}
func (evServer) isEvent()       {}
func (evConnUp) isEvent()       {}
func (evConnDown) isEvent()     {}
func (evReplyTimeout) isEvent() {}

// wire is the outbound half of the gateway connection. *websocket.Conn
// satisfies it; tests substitute a capture fake.
type wire interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Player receives decoded reply audio for the speaker.
type Player interface {
	Play(pcm []int16)
}

// NopPlayer discards audio; used when no speaker is attached.
type NopPlayer struct{}

func (NopPlayer) Play([]int16) {}
