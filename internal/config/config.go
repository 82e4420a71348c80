// Package config loads the relay's runtime settings from the environment,
// reading a local .env file first when one exists.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice relay.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	LogMode          string
	ShutdownTimeout  time.Duration

	OpenAIAPIKey  string
	RealtimeModel string
	Voice         string
	Instructions  string

	ContextReuseTimeout   time.Duration
	AECGracePeriod        time.Duration
	SessionCreatedTimeout time.Duration

	HomeAssistantMCPURL string
	HomeAssistantToken  string
}

// Load reads the environment and applies defaults. OPENAI_API_KEY is the
// only required setting.
func Load() (Config, error) {
	// Missing .env is the normal deployed case.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:              envOrDefault("RELAY_BIND_ADDR", ":8765"),
		MetricsNamespace:      envOrDefault("RELAY_METRICS_NAMESPACE", "voicerelay"),
		LogMode:               envOrDefault("RELAY_LOG_MODE", "production"),
		ShutdownTimeout:       10 * time.Second,
		OpenAIAPIKey:          strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeModel:         envOrDefault("OPENAI_REALTIME_MODEL", "gpt-realtime"),
		Voice:                 envOrDefault("OPENAI_VOICE", "marin"),
		Instructions:          envOrDefault("RELAY_INSTRUCTIONS", defaultInstructions),
		ContextReuseTimeout:   300 * time.Second,
		AECGracePeriod:        3 * time.Second,
		SessionCreatedTimeout: 5 * time.Second,
		HomeAssistantMCPURL:   strings.TrimSpace(os.Getenv("HA_MCP_URL")),
		HomeAssistantToken:    strings.TrimSpace(os.Getenv("HA_ACCESS_TOKEN")),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("RELAY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextReuseTimeout, err = durationFromEnv("RELAY_CONTEXT_REUSE_TIMEOUT", cfg.ContextReuseTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AECGracePeriod, err = durationFromEnv("RELAY_AEC_GRACE_PERIOD", cfg.AECGracePeriod)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionCreatedTimeout, err = durationFromEnv("RELAY_SESSION_CREATED_TIMEOUT", cfg.SessionCreatedTimeout)
	if err != nil {
		return Config{}, err
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.ContextReuseTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_CONTEXT_REUSE_TIMEOUT must be positive")
	}
	if cfg.AECGracePeriod < 0 {
		return Config{}, fmt.Errorf("RELAY_AEC_GRACE_PERIOD must be >= 0")
	}
	if cfg.HomeAssistantMCPURL != "" && cfg.HomeAssistantToken == "" {
		return Config{}, fmt.Errorf("HA_ACCESS_TOKEN is required when HA_MCP_URL is set")
	}
	if cfg.LogMode != "production" && cfg.LogMode != "development" {
		return Config{}, fmt.Errorf("RELAY_LOG_MODE must be production or development")
	}

	return cfg, nil
}

const defaultInstructions = "You are a helpful voice assistant speaking " +
	"through a smart speaker. Keep answers short and conversational. Use the " +
	"available tools to control the home when asked. When the user says " +
	"goodbye, call disconnect_client."

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	// Accept bare seconds as well as Go duration strings.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
