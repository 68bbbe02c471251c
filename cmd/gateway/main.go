package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/luminakids/lumina/adapters/llm"
	"github.com/luminakids/lumina/adapters/memstore"
	"github.com/luminakids/lumina/adapters/mongo"
	"github.com/luminakids/lumina/adapters/safety"
	"github.com/luminakids/lumina/adapters/stt"
	"github.com/luminakids/lumina/adapters/tts"
	"github.com/luminakids/lumina/domain/entities"
	"github.com/luminakids/lumina/domain/repositories"
	"github.com/luminakids/lumina/internal/config"
	"github.com/luminakids/lumina/internal/gateway"
	"github.com/luminakids/lumina/internal/pipeline"
	"github.com/luminakids/lumina/internal/protocol"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("LUMINA_CONFIG"))
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	store, closeStore := buildStore(ctx, cfg, logger)
	defer closeStore()

	speechToText := buildSpeechToText(ctx, logger)
	languageModel := buildLanguageModel(ctx, logger)
	textToSpeech := buildTextToSpeech(cfg, logger)
	safetyChecker := buildSafetyChecker(logger)

	policy := pipeline.DefaultPolicy()
	policy.CallTimeout = cfg.Pipeline.CallTimeout.Std()
	policy.RetryDelay = cfg.Pipeline.RetryDelay.Std()
	orchestrator := pipeline.New(speechToText, languageModel, textToSpeech, safetyChecker, store, policy, pipeline.Options{
		HistoryTurns: cfg.Pipeline.HistoryTurns,
		Language:     cfg.Pipeline.Language,
	}, logger)

	reconciler := gateway.NewReconciler(store, nil, logger)

	hub := gateway.NewHub(orchestrator, reconciler, store, protocol.AudioFormat{
		Codec:           cfg.Audio.Codec,
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
		FrameDurationMs: cfg.Audio.FrameDurationMs,
	}, logger)
	go hub.Run()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	gateway.InitRoutes(e, hub, store, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Gateway started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Gateway is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Gateway forced to shutdown", zap.Error(err))
	}

	logger.Info("Gateway exited")
}

// buildStore selects MongoDB when a URI is configured and falls back
// to the in-memory store otherwise.
func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.Store, func()) {
	if cfg.Mongo.URI != "" {
		client, err := mongo.NewClient(cfg.Mongo.URI, cfg.Mongo.Database, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		return mongo.NewStore(client.Database), func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Close(closeCtx)
		}
	}

	logger.Warn("No MongoDB URI configured, using in-memory store")
	store := memstore.NewStore()
	seedDevelopmentData(store, logger)
	return store, func() {}
}

// seedDevelopmentData registers a device and toy so the device agent
// can connect against a fresh in-memory store.
func seedDevelopmentData(store *memstore.Store, logger *zap.Logger) {
	toy := &entities.ToyConfig{
		ID:            "toy-dev-001",
		Name:          "Luna",
		Persona:       "You are Luna, a gentle and curious stuffed rabbit who loves stories and asking children about their day. Keep replies short and warm.",
		VoiceID:       "",
		Language:      "en-US",
		Restricted:    true,
		MaxReplyWords: 60,
	}
	device := &entities.Device{
		ID:           "device-dev-001",
		SerialNumber: "LUM-DEV-0001",
		SecretKey:    "dev-secret",
		Model:        "lumina-v1",
		ToyID:        toy.ID,
	}
	if err := store.SeedToy(toy); err != nil {
		logger.Warn("Failed to seed toy", zap.Error(err))
	}
	if err := store.SeedDevice(device); err != nil {
		logger.Warn("Failed to seed device", zap.Error(err))
	}
}

func buildSpeechToText(ctx context.Context, logger *zap.Logger) repositories.SpeechToText {
	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" {
		speechToText, err := stt.NewGoogleSpeechToText(ctx)
		if err != nil {
			logger.Fatal("Failed to initialize Google Speech-to-Text", zap.Error(err))
		}
		return speechToText
	}
	logger.Warn("GOOGLE_APPLICATION_CREDENTIALS not set, using mock speech-to-text")
	return stt.NewMockSpeechToText(logger)
}

func buildLanguageModel(ctx context.Context, logger *zap.Logger) repositories.LargeLanguageModel {
	if os.Getenv("GEMINI_API_KEY") != "" {
		languageModel, err := llm.NewGeminiLLM(ctx, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Gemini", zap.Error(err))
		}
		return languageModel
	}
	logger.Warn("GEMINI_API_KEY not set, using mock language model")
	return llm.NewMockLLM()
}

func buildTextToSpeech(cfg *config.Config, logger *zap.Logger) repositories.TextToSpeech {
	if os.Getenv("ELEVEN_LABS_API_KEY") != "" {
		textToSpeech, err := tts.NewElevenLabsTTS(tts.NewElevenLabsConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("Failed to initialize Eleven Labs TTS", zap.Error(err))
		}
		return textToSpeech
	}
	logger.Warn("ELEVEN_LABS_API_KEY not set, using mock text-to-speech")
	return tts.NewMockTextToSpeech(cfg.Audio.SampleRate, logger)
}

func buildSafetyChecker(logger *zap.Logger) repositories.SafetyChecker {
	if os.Getenv("MODERATION_BASE_URL") != "" {
		checker, err := safety.NewHTTPModerator(safety.NewModeratorConfigFromEnv(), logger)
		if err != nil {
			logger.Fatal("Failed to initialize moderation client", zap.Error(err))
		}
		return checker
	}
	logger.Warn("MODERATION_BASE_URL not set, using mock safety checker")
	return safety.NewMockSafetyChecker()
}
