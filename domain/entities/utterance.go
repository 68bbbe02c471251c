package entities

import (
	"fmt"
	"time"
)

// AudioFrame is the smallest protocol unit of compressed audio.
// Frames are immutable once sent; sequence numbers are monotonic and
// gapless within one utterance.
type AudioFrame struct {
	Sequence  uint64
	Data      []byte
	IsFinal   bool
	Timestamp time.Time
}

// SafetyVerdict is the outcome of a content-safety check.
type SafetyVerdict struct {
	Passed bool   `json:"passed" bson:"passed"`
	Reason string `json:"reason,omitempty" bson:"reason,omitempty"`
}

// Utterance is one in-flight voice exchange: the ordered audio frames
// captured from the device, plus everything the pipeline derives from
// them. An utterance never spans more than one session.
type Utterance struct {
	ID         string
	DeviceID   string
	ToyID      string
	Frames     []AudioFrame
	StartedAt  time.Time
	Finalized  bool
	Transcript string
	ReplyText  string
	ReplyAudio []byte
	PreCheck   *SafetyVerdict
	PostCheck  *SafetyVerdict
}

// Append adds a frame to the utterance, enforcing the gapless
// sequence invariant. The expected sequence for the first frame is 0.
func (u *Utterance) Append(frame AudioFrame) error {
	if u.Finalized {
		return fmt.Errorf("utterance %s already finalized", u.ID)
	}
	expected := uint64(len(u.Frames))
	if frame.Sequence != expected {
		return fmt.Errorf("frame sequence %d, expected %d", frame.Sequence, expected)
	}
	u.Frames = append(u.Frames, frame)
	if frame.IsFinal {
		u.Finalized = true
	}
	return nil
}

// Audio concatenates the payloads of all frames in order.
func (u *Utterance) Audio() []byte {
	size := 0
	for _, f := range u.Frames {
		size += len(f.Data)
	}
	out := make([]byte, 0, size)
	for _, f := range u.Frames {
		out = append(out, f.Data...)
	}
	return out
}
