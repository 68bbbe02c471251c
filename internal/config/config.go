package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "8s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration for both binaries. Values come
// from defaults, then the YAML file, then environment overrides.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Device   DeviceConfig   `yaml:"device"`
}

// ServerConfig configures the gateway's HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AudioConfig fixes the default audio stream geometry offered to
// devices during the handshake.
type AudioConfig struct {
	Codec           string `yaml:"codec"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMs int    `yaml:"frame_duration_ms"`
}

// PipelineConfig tunes the per-utterance orchestrator.
type PipelineConfig struct {
	Language     string   `yaml:"language"`
	CallTimeout  Duration `yaml:"call_timeout"`
	RetryDelay   Duration `yaml:"retry_delay"`
	HistoryTurns int      `yaml:"history_turns"`
}

// MongoConfig configures the backend store connection. An empty URI
// selects the in-memory store, for development and tests.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// DeviceConfig configures the device agent.
type DeviceConfig struct {
	GatewayURL     string   `yaml:"gateway_url"`
	QueuePath      string   `yaml:"queue_path"`
	ReplyTimeout   Duration `yaml:"reply_timeout"`
	BackoffBase    Duration `yaml:"backoff_base"`
	BackoffCap     Duration `yaml:"backoff_cap"`
	HeartbeatEvery Duration `yaml:"heartbeat_every"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Audio: AudioConfig{
			Codec:           "opus",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMs: 60,
		},
		Pipeline: PipelineConfig{
			Language:     "en-US",
			CallTimeout:  Duration(8 * time.Second),
			RetryDelay:   Duration(300 * time.Millisecond),
			HistoryTurns: 10,
		},
		Mongo: MongoConfig{Database: "lumina"},
		Device: DeviceConfig{
			GatewayURL:     "ws://localhost:8080/ws",
			QueuePath:      "lumina-queue.db",
			ReplyTimeout:   Duration(20 * time.Second),
			BackoffBase:    Duration(500 * time.Millisecond),
			BackoffCap:     Duration(30 * time.Second),
			HeartbeatEvery: Duration(25 * time.Second),
		},
	}
}

// Load reads configuration from the YAML file at path, if present,
// and applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MONGODB_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("LUMINA_GATEWAY_URL"); v != "" {
		cfg.Device.GatewayURL = v
	}

	return cfg, nil
}
