package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds process-level tunables. Durable state (credentials, model
// mapping, local API key) lives under ConfigDir and is owned by the
// credential store and config watcher, not this struct.
type Config struct {
	// Server
	Host string
	Port int

	// Per-user configuration directory holding auth.json, config.json,
	// apikey.json.
	ConfigDir string

	// Upstream (Anthropic Messages API)
	ClaudeAPIURL     string
	ClaudeAPIVersion string
	ClaudeBetaHeader string
	ClaudeBanner     string

	OAuthTokenURL     string
	OAuthAuthorizeURL string
	OAuthClientID     string

	// Admission controller
	DedupeWindow          time.Duration
	SessionIdleWindow     time.Duration
	AdmissionSweepPeriod  time.Duration
	CacheMessageCount     int
	MaxCacheControls      int

	// Upstream retry/backoff
	UpstreamTimeout     time.Duration
	RetryBaseBackoff    time.Duration
	MaxUpstreamRetries  int

	// Config watcher
	ConfigDebounce time.Duration

	// Logging
	LogLevel string
}

// Load builds a Config from environment variables, falling back to
// defaults appropriate for a local single-user proxy.
func Load() *Config {
	return &Config{
		Host: envOr("HOST", "127.0.0.1"),
		Port: envInt("PORT", 8787),

		ConfigDir: envOr("CC_RELAYER_CONFIG_DIR", defaultConfigDir()),

		ClaudeAPIURL:     envOr("CLAUDE_API_URL", "https://api.anthropic.com/v1/messages"),
		ClaudeAPIVersion: envOr("CLAUDE_API_VERSION", "2023-06-01"),
		ClaudeBetaHeader: envOr("CLAUDE_BETA_HEADER", "oauth-2025-04-20,interleaved-thinking-2025-05-14,claude-code-20250219"),
		ClaudeBanner:     envOr("CLAUDE_BANNER", "You are Claude Code, Anthropic's official CLI for Claude."),

		OAuthTokenURL:     envOr("OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),
		OAuthAuthorizeURL: envOr("OAUTH_AUTHORIZE_URL", "https://claude.ai/oauth/authorize"),
		OAuthClientID:     envOr("OAUTH_CLIENT_ID", "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),

		DedupeWindow:         envDuration("DEDUPE_WINDOW_MS", 2*time.Second),
		SessionIdleWindow:    envDuration("SESSION_IDLE_WINDOW_MS", 5*time.Minute),
		AdmissionSweepPeriod: envDuration("ADMISSION_SWEEP_PERIOD_MS", 30*time.Second),
		CacheMessageCount:    envInt("CACHE_MESSAGE_COUNT", 3),
		MaxCacheControls:     envInt("MAX_CACHE_CONTROLS", 4),

		UpstreamTimeout:    envDuration("UPSTREAM_TIMEOUT_MS", 2*time.Minute),
		RetryBaseBackoff:   envDuration("RETRY_BASE_BACKOFF_MS", 2*time.Second),
		MaxUpstreamRetries: envInt("MAX_UPSTREAM_RETRIES", 3),

		ConfigDebounce: envDuration("CONFIG_DEBOUNCE_MS", 100*time.Millisecond),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "cc-relayer")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
