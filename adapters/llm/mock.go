package llm

import (
	"context"
	"fmt"

	"github.com/luminakids/lumina/domain/repositories"
)

// MockLLM is a placeholder language model for development and tests.
type MockLLM struct{}

// NewMockLLM creates a new mock language model.
func NewMockLLM() repositories.LargeLanguageModel {
	return &MockLLM{}
}

// Generate implements repositories.LargeLanguageModel.
func (m *MockLLM) Generate(ctx context.Context, history []repositories.ChatMessage, prompt string, persona string) (string, error) {
	if prompt == "" {
		return "Hello! What would you like to talk about today?", nil
	}
	return fmt.Sprintf("That's so interesting! You said %q. Tell me more!", prompt), nil
}
