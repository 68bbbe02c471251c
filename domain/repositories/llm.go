package repositories

import "context"

// Role defines the type of message sender in a conversation.
type Role string

const (
	UserRole Role = "user"
	ToyRole  Role = "toy"
)

// ChatMessage is a single message of conversation history fed to the
// language model.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// LargeLanguageModel abstracts any chat/LLM provider.
type LargeLanguageModel interface {
	// Generate produces a reply for the prompt, given prior history
	// and the toy's persona instruction.
	Generate(ctx context.Context, history []ChatMessage, prompt string, persona string) (string, error)
}
