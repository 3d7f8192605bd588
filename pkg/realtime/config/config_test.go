package config

import (
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"
)

var realtimeEnvKeys = []string{
	"OPENAI_API_KEY",
	"VAI_REALTIME_API_KEY",
	"VAI_REALTIME_EPHEMERAL_TOKEN",
	"VAI_REALTIME_BASE_URL",
	"VAI_REALTIME_LEGACY_SESSIONS",
	"VAI_REALTIME_MODEL",
	"VAI_REALTIME_TRANSPORT",
	"VAI_REALTIME_VOICE",
	"VAI_REALTIME_INSTRUCTIONS",
	"VAI_REALTIME_PERSONA",
	"VAI_REALTIME_TEMPERATURE",
	"VAI_REALTIME_TRANSCRIPTION_MODEL",
	"VAI_REALTIME_CONNECT_TIMEOUT",
	"VAI_REALTIME_TOOL_TIMEOUT",
	"VAI_REALTIME_ICE_SERVERS",
	"VAI_REALTIME_DB_PATH",
	"VAI_REALTIME_ROOM_ID",
	"VAI_REALTIME_MIRROR_URL",
	"VAI_REALTIME_MIRROR_API_KEY",
	"VAI_REALTIME_METRICS_ADDR",
	"VAI_REALTIME_LOG_LEVEL",
	"VAI_REALTIME_MIC_FILE",
	"VAI_REALTIME_PLAYBACK_FILE",
}

func clearRealtimeEnv(t *testing.T) {
	t.Helper()
	for _, key := range realtimeEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearRealtimeEnv(t)
	t.Setenv("VAI_REALTIME_API_KEY", "sk_test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Transport != TransportWebRTC {
		t.Fatalf("Transport=%q, want webrtc", cfg.Transport)
	}
	if cfg.Model != "gpt-realtime" || cfg.Voice != "alloy" {
		t.Fatalf("model=%q voice=%q", cfg.Model, cfg.Voice)
	}
	if cfg.ToolTimeout != 30*time.Second {
		t.Fatalf("ToolTimeout=%v, want 30s", cfg.ToolTimeout)
	}
	if cfg.RoomID != "default" {
		t.Fatalf("RoomID=%q", cfg.RoomID)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Fatalf("level=%v", cfg.SlogLevel())
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearRealtimeEnv(t)
	t.Setenv("VAI_REALTIME_EPHEMERAL_TOKEN", "ek_1")
	t.Setenv("VAI_REALTIME_TRANSPORT", "WebSocket")
	t.Setenv("VAI_REALTIME_ICE_SERVERS", "stun:a:3478, ,turn:b:3478")
	t.Setenv("VAI_REALTIME_TOOL_TIMEOUT", "5s")
	t.Setenv("VAI_REALTIME_TEMPERATURE", "1.1")
	t.Setenv("VAI_REALTIME_LOG_LEVEL", "debug")
	t.Setenv("VAI_REALTIME_LEGACY_SESSIONS", "yes")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Transport != TransportWebSocket {
		t.Fatalf("Transport=%q", cfg.Transport)
	}
	if !reflect.DeepEqual(cfg.ICEServers, []string{"stun:a:3478", "turn:b:3478"}) {
		t.Fatalf("ICEServers=%v", cfg.ICEServers)
	}
	if cfg.ToolTimeout != 5*time.Second || cfg.Temperature != 1.1 || !cfg.LegacySessions {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("level=%v", cfg.SlogLevel())
	}
}

func TestLoadFromEnv_FallsBackToOpenAIKey(t *testing.T) {
	clearRealtimeEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk_openai")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.APIKey != "sk_openai" {
		t.Fatalf("APIKey=%q", cfg.APIKey)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	cases := []struct {
		key, value, wantVar string
	}{
		{"VAI_REALTIME_TRANSPORT", "carrier-pigeon", "VAI_REALTIME_TRANSPORT"},
		{"VAI_REALTIME_TEMPERATURE", "3", "VAI_REALTIME_TEMPERATURE"},
		{"VAI_REALTIME_TOOL_TIMEOUT", "-1s", "VAI_REALTIME_TOOL_TIMEOUT"},
		{"VAI_REALTIME_CONNECT_TIMEOUT", "0s", "VAI_REALTIME_CONNECT_TIMEOUT"},
		{"VAI_REALTIME_LOG_LEVEL", "loud", "VAI_REALTIME_LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearRealtimeEnv(t)
			t.Setenv("VAI_REALTIME_API_KEY", "sk_test")
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.wantVar) {
				t.Fatalf("err=%v, want mention of %s", err, tc.wantVar)
			}
		})
	}
}

func TestLoadFromEnv_RequiresCredential(t *testing.T) {
	clearRealtimeEnv(t)
	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "VAI_REALTIME_API_KEY") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadFromEnv_MicFileNeedsWebRTC(t *testing.T) {
	clearRealtimeEnv(t)
	t.Setenv("VAI_REALTIME_API_KEY", "sk_test")
	t.Setenv("VAI_REALTIME_TRANSPORT", "websocket")
	t.Setenv("VAI_REALTIME_MIC_FILE", "/tmp/in.ogg")
	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "VAI_REALTIME_MIC_FILE") {
		t.Fatalf("err=%v", err)
	}
}
