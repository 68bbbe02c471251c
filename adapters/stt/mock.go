package stt

import (
	"context"

	"go.uber.org/zap"

	"github.com/luminakids/lumina/domain/repositories"
)

// MockSpeechToText is a placeholder recognizer for development and
// tests. The transcript depends only on the audio size, so scenarios
// are reproducible.
type MockSpeechToText struct {
	logger *zap.Logger
}

// NewMockSpeechToText creates a new mock speech-to-text service.
func NewMockSpeechToText(logger *zap.Logger) repositories.SpeechToText {
	return &MockSpeechToText{logger: logger}
}

// Transcribe implements repositories.SpeechToText.
func (m *MockSpeechToText) Transcribe(ctx context.Context, audio []byte, config repositories.AudioConfig) (string, error) {
	m.logger.Info("Mock transcription",
		zap.Int("audioBytes", len(audio)),
		zap.Int("sampleRate", config.SampleRate))

	switch {
	case len(audio) > 50000:
		return "Can you tell me a long story about a dragon and a castle?", nil
	case len(audio) > 10000:
		return "What sound does an elephant make?", nil
	case len(audio) > 0:
		return "Hello there!", nil
	default:
		return "", nil
	}
}
