package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/eva/internal/capture"
	"github.com/ent0n29/eva/internal/playback"
	"github.com/ent0n29/eva/internal/protocol"
	"github.com/ent0n29/eva/internal/vad"
)

// Config contains all runtime settings for the eva client and the loopback
// backend.
type Config struct {
	BackendURL       string
	ClientID         string
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	ProfilePath string
	Session     protocol.SessionConfig

	VADThreshold      float64
	ActivityKeepAlive time.Duration
	AudioBlockSize    int
	VideoInterval     time.Duration
	JPEGQuality       int

	MicSource    string
	CameraSource string
	ScreenSource string
	Player       string

	TranscriptStore string
	DatabaseURL     string
	RedisURL        string
	RedisPassword   string

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	LoopbackBindAddr string
	LoopbackEcho     bool
}

// Load reads an optional .env file, an optional YAML session profile and
// environment variables, and applies safe defaults. Variables already set
// in the environment win over the .env file.
func Load() (Config, error) {
	envFile := envOrDefault("EVA_ENV_FILE", ".env")
	if err := loadDotEnv(envFile); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BackendURL:       envOrDefault("EVA_BACKEND_URL", "ws://localhost:8000/ws"),
		ClientID:         stringsTrimSpace("EVA_CLIENT_ID"),
		BindAddr:         envOrDefault("EVA_BIND_ADDR", "127.0.0.1:8090"),
		MetricsNamespace: envOrDefault("EVA_METRICS_NAMESPACE", "eva"),
		ProfilePath:      stringsTrimSpace("EVA_PROFILE"),
		MicSource:        envOrDefault("EVA_MIC_SOURCE", "silence"),
		CameraSource:     envOrDefault("EVA_CAMERA_SOURCE", "pattern"),
		ScreenSource:     envOrDefault("EVA_SCREEN_SOURCE", "pattern"),
		Player:           envOrDefault("EVA_PLAYER", "discard"),
		TranscriptStore:  envOrDefault("TRANSCRIPT_STORE", "auto"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		RedisURL:         stringsTrimSpace("REDIS_URL"),
		RedisPassword:    stringsTrimSpace("REDIS_PASSWORD"),
		MQTTBroker:       stringsTrimSpace("MQTT_BROKER"),
		MQTTClientID:     stringsTrimSpace("MQTT_CLIENT_ID"),
		MQTTUsername:     stringsTrimSpace("MQTT_USERNAME"),
		MQTTPassword:     stringsTrimSpace("MQTT_PASSWORD"),
		MQTTTopicPrefix:  envOrDefault("MQTT_TOPIC_PREFIX", "eva"),
		LoopbackBindAddr: envOrDefault("LOOPBACK_BIND_ADDR", ":8000"),
		LoopbackEcho:     true,

		ShutdownTimeout:   10 * time.Second,
		VADThreshold:      vad.DefaultThreshold,
		ActivityKeepAlive: vad.DefaultKeepAlive,
		AudioBlockSize:    capture.DefaultBlockSize,
		VideoInterval:     capture.DefaultFrameInterval,
		JPEGQuality:       capture.DefaultJPEGQuality,
	}

	var err error
	cfg.Session, err = LoadProfile(cfg.ProfilePath)
	if err != nil {
		return Config{}, err
	}
	if v := stringsTrimSpace("EVA_SYSTEM_PROMPT"); v != "" {
		cfg.Session.SystemPrompt = v
	}
	if v := stringsTrimSpace("EVA_VOICE"); v != "" {
		cfg.Session.Voice = v
	}
	cfg.Session.GoogleSearch, err = boolFromEnv("EVA_GOOGLE_SEARCH", cfg.Session.GoogleSearch)
	if err != nil {
		return Config{}, err
	}
	cfg.Session.AllowInterruptions, err = boolFromEnv("EVA_ALLOW_INTERRUPTIONS", cfg.Session.AllowInterruptions)
	if err != nil {
		return Config{}, err
	}

	cfg.ShutdownTimeout, err = durationFromEnv("EVA_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivityKeepAlive, err = durationFromEnv("EVA_ACTIVITY_KEEPALIVE", cfg.ActivityKeepAlive)
	if err != nil {
		return Config{}, err
	}
	cfg.VideoInterval, err = durationFromEnv("EVA_VIDEO_INTERVAL", cfg.VideoInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("EVA_VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioBlockSize, err = intFromEnv("EVA_AUDIO_BLOCK_SIZE", cfg.AudioBlockSize)
	if err != nil {
		return Config{}, err
	}
	cfg.JPEGQuality, err = intFromEnv("EVA_JPEG_QUALITY", cfg.JPEGQuality)
	if err != nil {
		return Config{}, err
	}
	cfg.LoopbackEcho, err = boolFromEnv("LOOPBACK_ECHO", cfg.LoopbackEcho)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("EVA_VOICE: %w", err)
	}
	if c.AudioBlockSize <= 0 {
		return fmt.Errorf("EVA_AUDIO_BLOCK_SIZE must be positive")
	}
	if c.VideoInterval <= 0 {
		return fmt.Errorf("EVA_VIDEO_INTERVAL must be positive")
	}
	if c.ActivityKeepAlive <= 0 {
		return fmt.Errorf("EVA_ACTIVITY_KEEPALIVE must be positive")
	}
	if c.VADThreshold <= 0 || c.VADThreshold > 1 {
		return fmt.Errorf("EVA_VAD_THRESHOLD must be in (0, 1]")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("EVA_JPEG_QUALITY must be in [1, 100]")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("EVA_SHUTDOWN_TIMEOUT must be positive")
	}
	switch strings.ToLower(c.TranscriptStore) {
	case "auto", "memory", "postgres", "redis":
	default:
		return fmt.Errorf("TRANSCRIPT_STORE must be auto, memory, postgres or redis")
	}
	if err := capture.ValidateAudioSpec(c.MicSource); err != nil {
		return fmt.Errorf("EVA_MIC_SOURCE: %w", err)
	}
	if err := capture.ValidateVideoSpec(c.CameraSource); err != nil {
		return fmt.Errorf("EVA_CAMERA_SOURCE: %w", err)
	}
	if err := capture.ValidateVideoSpec(c.ScreenSource); err != nil {
		return fmt.Errorf("EVA_SCREEN_SOURCE: %w", err)
	}
	if err := playback.ValidatePlayerSpec(c.Player); err != nil {
		return fmt.Errorf("EVA_PLAYER: %w", err)
	}
	return nil
}

// LoadProfile reads a YAML session profile. Keys missing from the file keep
// their defaults; an empty path yields the defaults.
func LoadProfile(path string) (protocol.SessionConfig, error) {
	cfg := protocol.DefaultSessionConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.SessionConfig{}, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return protocol.SessionConfig{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
