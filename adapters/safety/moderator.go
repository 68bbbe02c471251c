package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/domain/repositories"
)

const defaultModerationTimeout = 10 * time.Second

// ModeratorConfig holds configuration for the HTTPModerator adapter.
// BaseURL is required; APIKey is sent as a bearer token when set.
type ModeratorConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPModerator implements SafetyChecker against a moderation HTTP service.
type HTTPModerator struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

var _ repositories.SafetyChecker = (*HTTPModerator)(nil)

type moderationRequest struct {
	Text  string `json:"text"`
	Level string `json:"level"`
}

type moderationResponse struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// ValidateModeratorConfig validates the ModeratorConfig.
func ValidateModeratorConfig(config ModeratorConfig) error {
	if config.BaseURL == "" {
		return fmt.Errorf("moderation base URL is required")
	}
	if config.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %v", config.Timeout)
	}
	return nil
}

// NewHTTPModerator creates a new moderation service client.
func NewHTTPModerator(config ModeratorConfig, logger *zap.Logger) (*HTTPModerator, error) {
	if err := ValidateModeratorConfig(config); err != nil {
		return nil, err
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultModerationTimeout
	}

	return &HTTPModerator{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Check submits text for moderation and returns the verdict.
func (h *HTTPModerator) Check(ctx context.Context, text string, level repositories.SafetyLevel) (entities.SafetyVerdict, error) {
	requestBody, err := json.Marshal(moderationRequest{
		Text:  text,
		Level: string(level),
	})
	if err != nil {
		return entities.SafetyVerdict{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := h.baseURL + "/v1/moderate"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBody))
	if err != nil {
		return entities.SafetyVerdict{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return entities.SafetyVerdict{}, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return entities.SafetyVerdict{}, fmt.Errorf("moderation API returned %d: %s", resp.StatusCode, string(errorBody))
	}

	var result moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return entities.SafetyVerdict{}, fmt.Errorf("failed to decode response: %w", err)
	}

	h.logger.Debug("Moderation verdict",
		zap.String("level", string(level)),
		zap.Bool("passed", result.Passed),
		zap.String("reason", result.Reason))

	return entities.SafetyVerdict{Passed: result.Passed, Reason: result.Reason}, nil
}

// NewModeratorConfigFromEnv creates a ModeratorConfig from environment variables.
func NewModeratorConfigFromEnv() ModeratorConfig {
	return ModeratorConfig{
		BaseURL: os.Getenv("MODERATION_BASE_URL"),
		APIKey:  os.Getenv("MODERATION_API_KEY"),
	}
}
