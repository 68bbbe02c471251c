// Package codec converts linear PCM audio to and from the compressed
// opus bitstream used on the wire. One opus packet corresponds to one
// protocol frame.
package codec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const maxPacketSize = 4000 // opus recommended maximum packet buffer

// Params fixes the stream geometry. All frames of a stream share the
// same parameters; they are negotiated once during the handshake.
type Params struct {
	SampleRate      int
	Channels        int
	FrameDurationMs int
}

// DefaultParams matches the toy hardware: 16 kHz mono with 60 ms
// frames.
func DefaultParams() Params {
	return Params{SampleRate: 16000, Channels: 1, FrameDurationMs: 60}
}

func (p Params) validate() error {
	if p.Channels != 1 && p.Channels != 2 {
		return fmt.Errorf("codec: unsupported channel count %d", p.Channels)
	}
	switch p.FrameDurationMs {
	case 10, 20, 40, 60:
		return nil
	default:
		return fmt.Errorf("codec: unsupported frame duration %dms", p.FrameDurationMs)
	}
}

// SamplesPerFrame returns the PCM sample count (per channel) of one
// frame.
func (p Params) SamplesPerFrame() int {
	return p.SampleRate * p.FrameDurationMs / 1000
}

// FrameCount returns how many frames are needed to carry the given
// number of PCM samples. The last frame is zero-padded, so the count
// is deterministic for a given input length.
func (p Params) FrameCount(samples int) int {
	if samples == 0 {
		return 0
	}
	per := p.SamplesPerFrame()
	return (samples + per - 1) / per
}

// Encoder turns PCM sample buffers into opus packets.
type Encoder struct {
	enc    *opus.Encoder
	params Params
	buf    []byte
}

// NewEncoder creates an encoder for the given stream parameters.
func NewEncoder(params Params) (*Encoder, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	enc, err := opus.NewEncoder(params.SampleRate, params.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &Encoder{enc: enc, params: params, buf: make([]byte, maxPacketSize)}, nil
}

// Params returns the stream parameters the encoder was created with.
func (e *Encoder) Params() Params { return e.params }

// Encode compresses a PCM buffer into a sequence of opus packets, one
// per frame. A trailing partial frame is zero-padded to full length.
func (e *Encoder) Encode(pcm []int16) ([][]byte, error) {
	per := e.params.SamplesPerFrame() * e.params.Channels
	packets := make([][]byte, 0, (len(pcm)+per-1)/per)
	for off := 0; off < len(pcm); off += per {
		end := off + per
		frame := pcm[off:min(end, len(pcm))]
		if len(frame) < per {
			padded := make([]int16, per)
			copy(padded, frame)
			frame = padded
		}
		n, err := e.enc.Encode(frame, e.buf)
		if err != nil {
			return nil, fmt.Errorf("codec: encode frame at %d: %w", off, err)
		}
		packet := make([]byte, n)
		copy(packet, e.buf[:n])
		packets = append(packets, packet)
	}
	return packets, nil
}

// Decoder turns opus packets back into PCM sample buffers.
type Decoder struct {
	dec    *opus.Decoder
	params Params
	pcm    []int16
}

// NewDecoder creates a decoder for the given stream parameters.
func NewDecoder(params Params) (*Decoder, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	dec, err := opus.NewDecoder(params.SampleRate, params.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	per := params.SamplesPerFrame() * params.Channels
	return &Decoder{dec: dec, params: params, pcm: make([]int16, per)}, nil
}

// Decode decompresses a single opus packet into PCM samples.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("codec: decode packet: %w", err)
	}
	out := make([]int16, n*d.params.Channels)
	copy(out, d.pcm[:n*d.params.Channels])
	return out, nil
}
