package safety

import (
	"context"
	"strings"

	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/domain/repositories"
)

// MockSafetyChecker is a placeholder moderator for development and tests.
// It flags a small word list at the child level and passes everything else.
type MockSafetyChecker struct {
	blocked []string
}

var _ repositories.SafetyChecker = (*MockSafetyChecker)(nil)

// NewMockSafetyChecker creates a new mock safety checker.
func NewMockSafetyChecker() *MockSafetyChecker {
	return &MockSafetyChecker{
		blocked: []string{"scary", "violence", "weapon"},
	}
}

// Check implements repositories.SafetyChecker.
func (m *MockSafetyChecker) Check(ctx context.Context, text string, level repositories.SafetyLevel) (entities.SafetyVerdict, error) {
	if level == repositories.SafetyLevelChild {
		lower := strings.ToLower(text)
		for _, word := range m.blocked {
			if strings.Contains(lower, word) {
				return entities.SafetyVerdict{Passed: false, Reason: "inappropriate content: " + word}, nil
			}
		}
	}
	return entities.SafetyVerdict{Passed: true}, nil
}
