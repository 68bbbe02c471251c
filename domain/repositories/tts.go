package repositories

import "context"

// TextToSpeech abstracts speech synthesis services.
type TextToSpeech interface {
	// Synthesize renders text as linear PCM audio in the requested
	// voice.
	Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error)
}
