package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Secret for validating platform-issued session tokens (HS256).
	JWTSecret string

	// Postgres DSN for the practice-session store. Empty selects the
	// in-memory store, which is only useful for local development.
	DatabaseURL string

	// Upstream Gemini Live settings. An empty API key is not a load error;
	// connections are refused with a dedicated close code instead, so the
	// rest of the relay (health endpoints included) stays serviceable.
	GeminiAPIKey              string
	GeminiBaseURL             string // empty => client default endpoint
	UpstreamModel             string
	UpstreamFallbackModel     string
	UpstreamAudioFirst        bool
	UpstreamVoice             string
	UpstreamSystemInstruction string
	UpstreamConnectTimeout    time.Duration

	// Live WebSocket limits and timing.
	AllowedOrigins     map[string]struct{} // empty => any origin
	WSMaxMessageBytes  int64
	WSPingInterval     time.Duration
	WSWriteTimeout     time.Duration
	WSReadTimeout      time.Duration
	WSHandshakeTimeout time.Duration

	// Turn aggregation in buffered mode.
	TurnSilencePadding time.Duration
	MaxTurnBufferBytes int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("LIVE_RELAY_ADDR", ":8080"),
		JWTSecret:                 os.Getenv("LIVE_RELAY_JWT_SECRET"),
		DatabaseURL:               envOr("LIVE_RELAY_DATABASE_URL", ""),
		GeminiAPIKey:              envOr("LIVE_RELAY_GEMINI_API_KEY", ""),
		GeminiBaseURL:             envOr("LIVE_RELAY_GEMINI_BASE_URL", ""),
		UpstreamModel:             envOr("LIVE_RELAY_UPSTREAM_MODEL", "gemini-live-2.5-flash-preview"),
		UpstreamFallbackModel:     envOr("LIVE_RELAY_UPSTREAM_FALLBACK_MODEL", "gemini-2.0-flash-live-001"),
		UpstreamAudioFirst:        envBoolOr("LIVE_RELAY_UPSTREAM_AUDIO_FIRST", true),
		UpstreamVoice:             envOr("LIVE_RELAY_UPSTREAM_VOICE", "Puck"),
		UpstreamSystemInstruction: envOr("LIVE_RELAY_UPSTREAM_SYSTEM_INSTRUCTION", ""),
		UpstreamConnectTimeout:    envDurationOr("LIVE_RELAY_UPSTREAM_CONNECT_TIMEOUT", 15*time.Second),
		AllowedOrigins:            make(map[string]struct{}),
		WSMaxMessageBytes:         envInt64Or("LIVE_RELAY_WS_MAX_MESSAGE_BYTES", 1<<20),
		WSPingInterval:            envDurationOr("LIVE_RELAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:            envDurationOr("LIVE_RELAY_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:             envDurationOr("LIVE_RELAY_WS_READ_TIMEOUT", 0),
		WSHandshakeTimeout:        envDurationOr("LIVE_RELAY_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		TurnSilencePadding:        envDurationOr("LIVE_RELAY_TURN_SILENCE_PADDING", 300*time.Millisecond),
		MaxTurnBufferBytes:        envIntOr("LIVE_RELAY_MAX_TURN_BUFFER_BYTES", 8<<20),
		ReadHeaderTimeout:         envDurationOr("LIVE_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:       envDurationOr("LIVE_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("LIVE_RELAY_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("LIVE_RELAY_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Config{}, fmt.Errorf("LIVE_RELAY_JWT_SECRET must be set")
	}
	if strings.TrimSpace(cfg.UpstreamModel) == "" {
		return Config{}, fmt.Errorf("LIVE_RELAY_UPSTREAM_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.UpstreamFallbackModel) == "" {
		return Config{}, fmt.Errorf("LIVE_RELAY_UPSTREAM_FALLBACK_MODEL must not be empty")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.TurnSilencePadding <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_TURN_SILENCE_PADDING must be > 0")
	}
	if cfg.MaxTurnBufferBytes <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_MAX_TURN_BUFFER_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("LIVE_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
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
