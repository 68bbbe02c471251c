package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/luminakids/lumina/domain/repositories"
)

const defaultModel = "gemini-2.0-flash"

// GeminiLLM implements LargeLanguageModel using Google's Gemini API.
type GeminiLLM struct {
	client *genai.Client
	logger *zap.Logger
	model  string
}

var _ repositories.LargeLanguageModel = (*GeminiLLM)(nil)

// NewGeminiLLM creates a new Gemini LLM instance. Requires the
// GEMINI_API_KEY environment variable.
func NewGeminiLLM(ctx context.Context, logger *zap.Logger) (*GeminiLLM, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = defaultModel
	}

	return &GeminiLLM{client: client, logger: logger, model: model}, nil
}

// Generate implements repositories.LargeLanguageModel. The persona is
// prepended as an instruction turn; the caller's retry policy governs
// retries, so a single call is made here.
func (g *GeminiLLM) Generate(ctx context.Context, history []repositories.ChatMessage, prompt string, persona string) (string, error) {
	contents := buildContents(history, prompt, persona)

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0.7)),
		MaxOutputTokens: 256,
	}

	response, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return "", fmt.Errorf("no content generated")
	}

	var sb strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("empty response")
	}

	g.logger.Debug("Gemini reply generated",
		zap.Int("historyLength", len(history)),
		zap.Int("replyLength", len(text)))
	return text, nil
}

// buildContents flattens persona, history, and the current prompt into
// the alternating turn sequence the Gemini API expects.
func buildContents(history []repositories.ChatMessage, prompt string, persona string) []*genai.Content {
	var contents []*genai.Content

	if persona != "" {
		contents = append(contents, genai.NewContentFromText(persona, genai.RoleUser))
	}
	for _, msg := range history {
		role := genai.Role(genai.RoleUser)
		if msg.Role == repositories.ToyRole {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
}
