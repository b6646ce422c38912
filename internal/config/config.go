package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrMissingRealtimeKey is returned when a session needs the AI backend but no key is configured.
var ErrMissingRealtimeKey = errors.New("OPENAI_API_KEY is required")

// Config holds all configuration for the voice bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Twilio connects to wss://<this-host>/streams/twilio. Only used for logging.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// gRPC health service port (empty disables it)
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"9090"`

	// Realtime AI backend. The key is validated when a call starts, not at boot.
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	RealtimeURL   string `envconfig:"OPENAI_REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	RealtimeModel string `envconfig:"OPENAI_REALTIME_MODEL" default:"gpt-4o-realtime-preview"`
	Voice         string `envconfig:"OPENAI_VOICE" default:"alloy"`
	DialTimeout   int    `envconfig:"OPENAI_DIAL_TIMEOUT" default:"10"` // seconds

	// Server-side voice activity detection
	VADThreshold         float64 `envconfig:"VAD_THRESHOLD" default:"0.5"`
	VADPrefixPaddingMs   int     `envconfig:"VAD_PREFIX_PADDING_MS" default:"300"`
	VADSilenceDurationMs int     `envconfig:"VAD_SILENCE_DURATION_MS" default:"500"`

	// Conversation behaviour
	GreetingDelayMs     int `envconfig:"GREETING_DELAY_MS" default:"250"`
	ToolTimeout         int `envconfig:"TOOL_TIMEOUT_SECONDS" default:"10"`
	InboundBufferFrames int `envconfig:"INBOUND_BUFFER_FRAMES" default:"25"` // 25 x 20ms = 500ms

	// Storage
	DatabaseDriver      string `envconfig:"DATABASE_DRIVER" default:"sqlite"` // sqlite or postgres
	DatabaseURL         string `envconfig:"DATABASE_URL" default:"file:voice-bridge.db"`
	TenantsFile         string `envconfig:"TENANTS_FILE" default:""`
	TranscriptQueueSize int    `envconfig:"TRANSCRIPT_QUEUE_SIZE" default:"256"`

	// Liveness
	SessionIdleTimeout int    `envconfig:"SESSION_IDLE_TIMEOUT_SECONDS" default:"120"`
	ReaperSchedule     string `envconfig:"REAPER_SCHEDULE" default:"@every 30s"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum dial attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.InboundBufferFrames < 0 {
		return fmt.Errorf("INBOUND_BUFFER_FRAMES must not be negative")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

// RequireRealtimeCredentials reports a configuration error for sessions that
// cannot reach the AI backend.
func (c *Config) RequireRealtimeCredentials() error {
	if c.OpenAIAPIKey == "" {
		return ErrMissingRealtimeKey
	}
	return nil
}

// GreetingDelay returns the pause between configuring the AI session and the spoken greeting.
func (c *Config) GreetingDelay() time.Duration {
	return time.Duration(c.GreetingDelayMs) * time.Millisecond
}

// ToolTimeoutDuration bounds a single tool execution.
func (c *Config) ToolTimeoutDuration() time.Duration {
	return time.Duration(c.ToolTimeout) * time.Second
}

// IdleTimeout is how long a session may go without audio before the reaper closes it.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
