package stt

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/luminakids/lumina/domain/repositories"
)

// GoogleSpeechToText implements SpeechToText using Google Cloud
// Speech. Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS).
type GoogleSpeechToText struct {
	client *speech.Client
}

var _ repositories.SpeechToText = (*GoogleSpeechToText)(nil)

// NewGoogleSpeechToText creates the client once; it is safe for
// concurrent use across sessions.
func NewGoogleSpeechToText(ctx context.Context) (*GoogleSpeechToText, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &GoogleSpeechToText{client: client}, nil
}

// Close releases the underlying gRPC connection.
func (g *GoogleSpeechToText) Close() error {
	return g.client.Close()
}

// Transcribe recognizes a complete utterance in one call.
func (g *GoogleSpeechToText) Transcribe(ctx context.Context, audio []byte, config repositories.AudioConfig) (string, error) {
	encoding, err := audioEncoding(config.Encoding)
	if err != nil {
		return "", err
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:        encoding,
			SampleRateHertz: int32(config.SampleRate),
			LanguageCode:    config.Language,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}

	var sb strings.Builder
	for _, result := range resp.Results {
		if len(result.Alternatives) > 0 {
			sb.WriteString(result.Alternatives[0].Transcript)
		}
	}
	return sb.String(), nil
}

func audioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "", "pcm", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "opus":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	default:
		return 0, fmt.Errorf("unsupported audio encoding: %s", encoding)
	}
}
