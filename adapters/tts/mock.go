package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/luminakids/lumina/domain/repositories"
)

// MockTextToSpeech is a placeholder TTS for development and tests.
// It returns a short sine tone whose length scales with the text.
type MockTextToSpeech struct {
	sampleRate int
	logger     *zap.Logger
}

var _ repositories.TextToSpeech = (*MockTextToSpeech)(nil)

// NewMockTextToSpeech creates a new mock TTS instance.
func NewMockTextToSpeech(sampleRate int, logger *zap.Logger) *MockTextToSpeech {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &MockTextToSpeech{sampleRate: sampleRate, logger: logger}
}

// Synthesize implements repositories.TextToSpeech.
func (m *MockTextToSpeech) Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	// Roughly 60ms of tone per word, capped at 3 seconds.
	words := len(strings.Fields(text))
	samples := m.sampleRate * 60 / 1000 * words
	if max := m.sampleRate * 3; samples > max {
		samples = max
	}

	audio := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(6000 * math.Sin(2*math.Pi*440*float64(i)/float64(m.sampleRate)))
		binary.LittleEndian.PutUint16(audio[i*2:], uint16(v))
	}

	m.logger.Debug("Mock synthesis",
		zap.String("voiceID", voiceID),
		zap.Int("words", words),
		zap.Int("audioBytes", len(audio)))

	return audio, nil
}
