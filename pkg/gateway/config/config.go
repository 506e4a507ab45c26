package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

const (
	UpstreamBedrock   = "bedrock"
	UpstreamWebSocket = "websocket"
)

type Config struct {
	Addr     string
	LogLevel slog.Level

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	// CORS and WebSocket origin allowlist; empty => CORS disabled, same-origin upgrades only.
	CORSAllowedOrigins map[string]struct{}

	// Speech model upstream.
	Upstream    string
	UpstreamURL string
	AWSRegion   string
	ModelID     string

	// Session defaults; a client hello may override voice, prompt and rate.
	Voice              string
	SystemPrompt       string
	OutputSampleRateHz int
	MaxTokens          int
	TopP               float64
	Temperature        float64

	// Output renderer.
	PrerollDuration time.Duration
	PlaybackBlock   time.Duration

	// Live WebSocket mode (/v1/live).
	LiveMaxAudioFrameBytes      int
	LiveMaxJSONMessageBytes     int64
	LiveMaxAudioFPS             int
	LiveMaxAudioBytesPerSecond  int64
	LiveInboundBurstSeconds     int
	LiveWSPingInterval          time.Duration
	LiveWSWriteTimeout          time.Duration
	LiveWSReadTimeout           time.Duration
	LiveHandshakeTimeout        time.Duration
	LiveOutboundQueueSize       int
	LiveMaxSessionsPerPrincipal int

	// In-memory limits (per principal) on HTTP requests, upgrades included.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Tool dispatch.
	ToolTimeout         time.Duration
	ToolCacheTTL        time.Duration
	ToolCacheMaxEntries int
	ToolSweepSchedule   string
	ScreenshotTimeout   time.Duration

	// Tool backends.
	WeatherBaseURL string
	GeocodeBaseURL string
	A2AURL         string
	GeminiAPIKey   string
	VisionModel    string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                        addrFromEnv(),
		AuthMode:                    AuthMode(envOr("SONIC_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                     make(map[string]struct{}),
		TrustProxyHeaders:           envBoolOr("SONIC_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:          make(map[string]struct{}),
		Upstream:                    strings.ToLower(envOr("SONIC_UPSTREAM", UpstreamBedrock)),
		UpstreamURL:                 envOr("SONIC_UPSTREAM_URL", ""),
		AWSRegion:                   envOr("AWS_REGION", "us-east-1"),
		ModelID:                     envOr("SONIC_MODEL_ID", "amazon.nova-sonic-v1:0"),
		Voice:                       envOr("SONIC_VOICE", "matthew"),
		SystemPrompt:                envOr("SONIC_SYSTEM_PROMPT", ""),
		OutputSampleRateHz:          envIntOr("SONIC_OUTPUT_SAMPLE_RATE", 24000),
		MaxTokens:                   envIntOr("SONIC_MAX_TOKENS", 1024),
		TopP:                        envFloat64Or("SONIC_TOP_P", 0.9),
		Temperature:                 envFloat64Or("SONIC_TEMPERATURE", 0.7),
		PrerollDuration:             envMillisOr("SONIC_PREROLL_MS", time.Second),
		PlaybackBlock:               envMillisOr("SONIC_PLAYBACK_BLOCK_MS", 20*time.Millisecond),
		LiveMaxAudioFrameBytes:      envIntOr("SONIC_LIVE_MAX_AUDIO_FRAME_BYTES", 16384),
		LiveMaxJSONMessageBytes:     envInt64Or("SONIC_LIVE_MAX_JSON_MESSAGE_BYTES", 8<<20), // screenshots arrive as data URLs
		LiveMaxAudioFPS:             envIntOr("SONIC_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond:  envInt64Or("SONIC_LIVE_MAX_AUDIO_BPS", 128*1024),
		LiveInboundBurstSeconds:     envIntOr("SONIC_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:          envDurationOr("SONIC_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:          envDurationOr("SONIC_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:           envDurationOr("SONIC_LIVE_WS_READ_TIMEOUT", 0),
		LiveHandshakeTimeout:        envDurationOr("SONIC_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveOutboundQueueSize:       envIntOr("SONIC_LIVE_OUTBOUND_QUEUE", 256),
		LiveMaxSessionsPerPrincipal: envIntOr("SONIC_LIVE_MAX_SESSIONS_PER_PRINCIPAL", 2),
		LimitRPS:                    envFloat64Or("SONIC_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                  envIntOr("SONIC_RATE_LIMIT_BURST", 4),
		LimitMaxConcurrentRequests:  envIntOr("SONIC_MAX_CONCURRENT_REQUESTS", 0),
		ToolTimeout:                 envDurationOr("SONIC_TOOL_TIMEOUT", 60*time.Second),
		ToolCacheTTL:                envDurationOr("SONIC_TOOL_CACHE_TTL", 30*time.Minute),
		ToolCacheMaxEntries:         envIntOr("SONIC_TOOL_CACHE_MAX", 64),
		ToolSweepSchedule:           envOr("SONIC_TOOL_SWEEP_SCHEDULE", "@every 1m"),
		ScreenshotTimeout:           envDurationOr("SONIC_SCREENSHOT_TIMEOUT", 30*time.Second),
		WeatherBaseURL:              envOr("SONIC_WEATHER_BASE_URL", "https://api.weather.gov"),
		GeocodeBaseURL:              envOr("SONIC_GEOCODE_BASE_URL", "https://geocoding-api.open-meteo.com"),
		A2AURL:                      envOr("SONIC_A2A_URL", "http://localhost:10000"),
		GeminiAPIKey:                envOr("GEMINI_API_KEY", ""),
		VisionModel:                 envOr("SONIC_VISION_MODEL", ""),
		ReadHeaderTimeout:           envDurationOr("SONIC_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:         envDurationOr("SONIC_SHUTDOWN_GRACE", 30*time.Second),
	}

	level, err := parseLevel(envOr("SONIC_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("SONIC_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("SONIC_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("SONIC_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.Upstream {
	case UpstreamBedrock:
	case UpstreamWebSocket:
		if cfg.UpstreamURL == "" {
			return Config{}, fmt.Errorf("SONIC_UPSTREAM_URL must be set when SONIC_UPSTREAM=websocket")
		}
	default:
		return Config{}, fmt.Errorf("SONIC_UPSTREAM must be one of bedrock|websocket")
	}

	switch cfg.OutputSampleRateHz {
	case 8000, 16000, 24000:
	default:
		return Config{}, fmt.Errorf("SONIC_OUTPUT_SAMPLE_RATE must be one of 8000|16000|24000")
	}
	if cfg.MaxTokens <= 0 {
		return Config{}, fmt.Errorf("SONIC_MAX_TOKENS must be > 0")
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		return Config{}, fmt.Errorf("SONIC_TOP_P must be in (0, 1]")
	}
	if cfg.Temperature < 0 {
		return Config{}, fmt.Errorf("SONIC_TEMPERATURE must be >= 0")
	}
	if cfg.PrerollDuration < 0 {
		return Config{}, fmt.Errorf("SONIC_PREROLL_MS must be >= 0")
	}
	if cfg.PlaybackBlock <= 0 {
		return Config{}, fmt.Errorf("SONIC_PLAYBACK_BLOCK_MS must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return Config{}, fmt.Errorf("SONIC_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.LiveMaxSessionsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("SONIC_LIVE_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("SONIC_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("SONIC_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("SONIC_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("SONIC_TOOL_TIMEOUT must be > 0")
	}
	if cfg.ToolCacheTTL <= 0 {
		return Config{}, fmt.Errorf("SONIC_TOOL_CACHE_TTL must be > 0")
	}
	if cfg.ToolCacheMaxEntries <= 0 {
		return Config{}, fmt.Errorf("SONIC_TOOL_CACHE_MAX must be > 0")
	}
	if _, err := cron.ParseStandard(cfg.ToolSweepSchedule); err != nil {
		return Config{}, fmt.Errorf("SONIC_TOOL_SWEEP_SCHEDULE is invalid: %w", err)
	}
	if cfg.ScreenshotTimeout <= 0 {
		return Config{}, fmt.Errorf("SONIC_SCREENSHOT_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SONIC_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SONIC_SHUTDOWN_GRACE must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("SONIC_API_KEYS must be set when SONIC_AUTH_MODE=required")
	}

	return cfg, nil
}

// PrerollSamples converts the preroll duration to samples at the given rate.
func (c Config) PrerollSamples(sampleRateHz int) int {
	return int(c.PrerollDuration.Milliseconds()) * sampleRateHz / 1000
}

// addrFromEnv prefers SONIC_ADDR, then a bare PORT as set by most hosts.
func addrFromEnv() string {
	if addr := envOr("SONIC_ADDR", ""); addr != "" {
		return addr
	}
	if port := envOr("PORT", ""); port != "" {
		return ":" + port
	}
	return ":8081"
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("SONIC_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return level, nil
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

// envMillisOr accepts either a bare millisecond count or a Go duration.
func envMillisOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Millisecond
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
