package repositories

import (
	"context"

	"github.com/luminakids/lumina/domain/entities"
)

// SafetyLevel selects how strict the content check is.
type SafetyLevel string

const (
	SafetyLevelStandard SafetyLevel = "standard"
	// SafetyLevelChild applies stricter filtering for restricted-mode
	// toys.
	SafetyLevelChild SafetyLevel = "child"
)

// SafetyChecker abstracts the content moderation service.
type SafetyChecker interface {
	Check(ctx context.Context, text string, level SafetyLevel) (entities.SafetyVerdict, error)
}
