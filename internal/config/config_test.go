package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/eva/internal/protocol"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendURL != "ws://localhost:8000/ws" {
		t.Fatalf("BackendURL = %q, want default", cfg.BackendURL)
	}
	if cfg.Session != protocol.DefaultSessionConfig() {
		t.Fatalf("Session = %+v, want defaults", cfg.Session)
	}
	if cfg.VADThreshold != 0.02 || cfg.ActivityKeepAlive != time.Second {
		t.Fatalf("VAD = %v/%v, want 0.02/1s", cfg.VADThreshold, cfg.ActivityKeepAlive)
	}
	if cfg.AudioBlockSize != 512 || cfg.VideoInterval != time.Second || cfg.JPEGQuality != 92 {
		t.Fatalf("capture = %d/%v/%d, want 512/1s/92", cfg.AudioBlockSize, cfg.VideoInterval, cfg.JPEGQuality)
	}
	if cfg.TranscriptStore != "auto" || cfg.Player != "discard" {
		t.Fatalf("store/player = %q/%q", cfg.TranscriptStore, cfg.Player)
	}
	if !cfg.LoopbackEcho {
		t.Fatalf("LoopbackEcho = false, want true")
	}
}

func TestLoadProfileThenEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	body := "systemPrompt: You are a pirate.\nvoice: Kore\ngoogleSearch: false\n"
	if err := os.WriteFile(profile, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("EVA_PROFILE", profile)
	t.Setenv("EVA_VOICE", "Puck")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := protocol.SessionConfig{SystemPrompt: "You are a pirate.", Voice: "Puck", GoogleSearch: false}
	if cfg.Session != want {
		t.Fatalf("Session = %+v, want %+v", cfg.Session, want)
	}
}

func TestLoadReadsDotEnvWithoutOverridingEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	envFile := filepath.Join(t.TempDir(), "test.env")
	body := "EVA_TEST_DOTENV_ONLY=from-file\nEVA_TEST_DOTENV_BOTH=from-file\n"
	if err := os.WriteFile(envFile, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("EVA_ENV_FILE", envFile)
	t.Setenv("EVA_TEST_DOTENV_BOTH", "from-env")
	t.Setenv("EVA_TEST_DOTENV_ONLY", "")
	os.Unsetenv("EVA_TEST_DOTENV_ONLY")

	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := os.Getenv("EVA_TEST_DOTENV_ONLY"); got != "from-file" {
		t.Fatalf("EVA_TEST_DOTENV_ONLY = %q, want from-file", got)
	}
	if got := os.Getenv("EVA_TEST_DOTENV_BOTH"); got != "from-env" {
		t.Fatalf("EVA_TEST_DOTENV_BOTH = %q, want from-env", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"EVA_VOICE", "Nova", "EVA_VOICE"},
		{"EVA_AUDIO_BLOCK_SIZE", "0", "EVA_AUDIO_BLOCK_SIZE"},
		{"EVA_VAD_THRESHOLD", "1.5", "EVA_VAD_THRESHOLD"},
		{"EVA_VAD_THRESHOLD", "loud", "EVA_VAD_THRESHOLD"},
		{"EVA_JPEG_QUALITY", "101", "EVA_JPEG_QUALITY"},
		{"EVA_VIDEO_INTERVAL", "-1s", "EVA_VIDEO_INTERVAL"},
		{"EVA_GOOGLE_SEARCH", "maybe", "EVA_GOOGLE_SEARCH"},
		{"TRANSCRIPT_STORE", "sqlite", "TRANSCRIPT_STORE"},
		{"EVA_MIC_SOURCE", "tone:abc", "EVA_MIC_SOURCE"},
		{"EVA_PLAYER", "speaker", "EVA_PLAYER"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadInvalidVoiceWrapsSentinel(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("EVA_VOICE", "Nova")
	if _, err := Load(); !errors.Is(err, protocol.ErrInvalidVoice) {
		t.Fatalf("Load() error = %v, want ErrInvalidVoice", err)
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("LoadProfile() error = nil, want error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"EVA_ENV_FILE",
		"EVA_BACKEND_URL",
		"EVA_CLIENT_ID",
		"EVA_BIND_ADDR",
		"EVA_SHUTDOWN_TIMEOUT",
		"EVA_METRICS_NAMESPACE",
		"EVA_PROFILE",
		"EVA_SYSTEM_PROMPT",
		"EVA_VOICE",
		"EVA_GOOGLE_SEARCH",
		"EVA_ALLOW_INTERRUPTIONS",
		"EVA_VAD_THRESHOLD",
		"EVA_ACTIVITY_KEEPALIVE",
		"EVA_AUDIO_BLOCK_SIZE",
		"EVA_VIDEO_INTERVAL",
		"EVA_JPEG_QUALITY",
		"EVA_MIC_SOURCE",
		"EVA_CAMERA_SOURCE",
		"EVA_SCREEN_SOURCE",
		"EVA_PLAYER",
		"TRANSCRIPT_STORE",
		"DATABASE_URL",
		"REDIS_URL",
		"REDIS_PASSWORD",
		"MQTT_BROKER",
		"MQTT_CLIENT_ID",
		"MQTT_USERNAME",
		"MQTT_PASSWORD",
		"MQTT_TOPIC_PREFIX",
		"LOOPBACK_BIND_ADDR",
		"LOOPBACK_ECHO",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
