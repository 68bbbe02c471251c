package pipeline

import "math"

// FallbackText is spoken when a pipeline stage fails twice. The
// device must always hear something rather than silence.
const FallbackText = "Hmm, let's talk about something else. What's your favorite game?"

// RedirectText is spoken when a safety check blocks content for a
// restricted-mode toy. On the wire it is indistinguishable from a
// normal reply.
const RedirectText = "That's not something I can help with. How about we make up a story instead?"

// fallbackChime synthesizes a short two-tone PCM chime locally. It is
// the reply of last resort when speech synthesis itself is down.
func fallbackChime(sampleRate int) []int16 {
	const (
		toneDur = 0.18 // seconds per tone
		freqA   = 660.0
		freqB   = 880.0
	)
	per := int(float64(sampleRate) * toneDur)
	out := make([]int16, 2*per)
	for i := 0; i < per; i++ {
		s := math.Sin(2 * math.Pi * freqA * float64(i) / float64(sampleRate))
		out[i] = int16(s * 8000)
	}
	for i := 0; i < per; i++ {
		s := math.Sin(2 * math.Pi * freqB * float64(i) / float64(sampleRate))
		out[per+i] = int16(s * 8000)
	}
	return out
}

// FallbackAudio returns the chime as little-endian 16-bit PCM bytes.
func FallbackAudio(sampleRate int) []byte {
	pcm := fallbackChime(sampleRate)
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
