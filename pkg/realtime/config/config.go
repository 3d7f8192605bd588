package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Transport string

const (
	TransportWebRTC    Transport = "webrtc"
	TransportWebSocket Transport = "websocket"
)

type Config struct {
	// Credentials. EphemeralToken skips client secret minting.
	APIKey         string
	EphemeralToken string
	BaseURL        string
	// LegacySessions mints tokens through the beta /realtime/sessions endpoint.
	LegacySessions bool

	Model     string
	Transport Transport

	// Session defaults pushed on the first session.created.
	Voice              string
	Instructions       string
	Persona            string
	Temperature        float64
	TranscriptionModel string

	ConnectTimeout time.Duration
	ToolTimeout    time.Duration
	ICEServers     []string

	// Conversation persistence. An empty DBPath keeps history in memory.
	DBPath       string
	RoomID       string
	MirrorURL    string
	MirrorAPIKey string

	MetricsAddr string
	LogLevel    string

	// File-backed audio for headless runs.
	MicFile      string
	PlaybackFile string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		APIKey:             envOr("VAI_REALTIME_API_KEY", os.Getenv("OPENAI_API_KEY")),
		EphemeralToken:     envOr("VAI_REALTIME_EPHEMERAL_TOKEN", ""),
		BaseURL:            envOr("VAI_REALTIME_BASE_URL", "https://api.openai.com/v1"),
		LegacySessions:     envBoolOr("VAI_REALTIME_LEGACY_SESSIONS", false),
		Model:              envOr("VAI_REALTIME_MODEL", "gpt-realtime"),
		Transport:          Transport(strings.ToLower(envOr("VAI_REALTIME_TRANSPORT", string(TransportWebRTC)))),
		Voice:              envOr("VAI_REALTIME_VOICE", "alloy"),
		Instructions:       envOr("VAI_REALTIME_INSTRUCTIONS", "You are a concise, friendly voice assistant."),
		Persona:            envOr("VAI_REALTIME_PERSONA", ""),
		Temperature:        envFloat64Or("VAI_REALTIME_TEMPERATURE", 0.8),
		TranscriptionModel: envOr("VAI_REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
		ConnectTimeout:     envDurationOr("VAI_REALTIME_CONNECT_TIMEOUT", 15*time.Second),
		ToolTimeout:        envDurationOr("VAI_REALTIME_TOOL_TIMEOUT", 30*time.Second),
		ICEServers:         splitCSV(envOr("VAI_REALTIME_ICE_SERVERS", "stun:stun.l.google.com:19302")),
		DBPath:             envOr("VAI_REALTIME_DB_PATH", ""),
		RoomID:             envOr("VAI_REALTIME_ROOM_ID", "default"),
		MirrorURL:          envOr("VAI_REALTIME_MIRROR_URL", ""),
		MirrorAPIKey:       envOr("VAI_REALTIME_MIRROR_API_KEY", ""),
		MetricsAddr:        envOr("VAI_REALTIME_METRICS_ADDR", ""),
		LogLevel:           strings.ToLower(envOr("VAI_REALTIME_LOG_LEVEL", "info")),
		MicFile:            envOr("VAI_REALTIME_MIC_FILE", ""),
		PlaybackFile:       envOr("VAI_REALTIME_PLAYBACK_FILE", ""),
	}

	switch cfg.Transport {
	case TransportWebRTC, TransportWebSocket:
	default:
		return Config{}, fmt.Errorf("VAI_REALTIME_TRANSPORT must be one of webrtc|websocket")
	}
	if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.EphemeralToken) == "" {
		return Config{}, fmt.Errorf("VAI_REALTIME_API_KEY or VAI_REALTIME_EPHEMERAL_TOKEN must be set")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("VAI_REALTIME_TEMPERATURE must be between 0 and 2")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_REALTIME_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_REALTIME_TOOL_TIMEOUT must be > 0")
	}
	if _, ok := parseLevel(cfg.LogLevel); !ok {
		return Config{}, fmt.Errorf("VAI_REALTIME_LOG_LEVEL must be one of debug|info|warn|error")
	}
	if cfg.MicFile != "" && cfg.Transport != TransportWebRTC {
		return Config{}, fmt.Errorf("VAI_REALTIME_MIC_FILE requires VAI_REALTIME_TRANSPORT=webrtc")
	}

	return cfg, nil
}

// SlogLevel maps LogLevel onto slog.
func (c Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
