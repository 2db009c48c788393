package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port        string `env:"PORT" envDefault:"8080"`
	AdminAPIKey string `env:"ADMIN_API_KEY"`

	// Database
	PostgresDSN string `env:"POSTGRES_DSN"`

	// Cache
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Providers
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`

	// Governance policy document, hot reloaded on change
	PolicyFile string `env:"POLICY_FILE" envDefault:"policy.yaml"`

	// Observability
	OTELExporterType     string `env:"OTEL_EXPORTER_TYPE" envDefault:"stdout"`     // "stdout", "otlp" or "none"
	OTELExporterEndpoint string `env:"OTEL_EXPORTER_ENDPOINT" envDefault:"localhost:4317"`
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat            string `env:"LOG_FORMAT" envDefault:"text"` // "text" or "json"

	// Rate Limiting
	DefaultRateLimitTPM int64 `env:"DEFAULT_RATE_LIMIT_TPM" envDefault:"100000"` // tokens per minute

	// Batch runs
	BatchConcurrency int `env:"BATCH_CONCURRENCY" envDefault:"8"`
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.DefaultRateLimitTPM <= 0 {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %d", cfg.DefaultRateLimitTPM)
	}
	if cfg.BatchConcurrency <= 0 {
		return nil, fmt.Errorf("invalid BATCH_CONCURRENCY: %d", cfg.BatchConcurrency)
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseLogLevel converts a case-insensitive level name to an slog.Level.
// An empty string means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
