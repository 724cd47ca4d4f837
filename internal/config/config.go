package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Gateway modes.
const (
	GatewayRazorpay = "razorpay"
	GatewayMock     = "mock"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	GatewayMode           string
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	RazorpayBaseURL       string
	GatewayTimeout        time.Duration
	GatewayMaxAttempts    int
	BreakerMinRequests    int
	BreakerFailureRatio   float64
	BreakerOpenFor        time.Duration
	ConfirmWebhooks       bool

	QueuePrefix            string
	WebhookConcurrency     int
	WebhookMaxAttempts     int
	QueueVisibilityTimeout time.Duration
	QueueRetryBase         time.Duration
	LockTTL                time.Duration

	RabbitMQURL    string
	EventsExchange string

	AdminJWTSecret   string
	AdminJWTIssuer   string
	AdminJWTAudience string

	CORSAllowedOrigins []string
	IdempotencyTTL     time.Duration
	RateLimit          string
	BodyLimitBytes     int64
	AuditEnabled       bool
	AuditSamplingRate  float64
	ShutdownTimeout    time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8000"),
		DatabaseURL: strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:    strings.TrimSpace(k.String("REDIS_URL")),

		GatewayMode:           strings.ToLower(valueOrDefault(k.String("GATEWAY_MODE"), GatewayRazorpay)),
		RazorpayKeyID:         strings.TrimSpace(k.String("RAZORPAY_KEY_ID")),
		RazorpayKeySecret:     strings.TrimSpace(k.String("RAZORPAY_KEY_SECRET")),
		RazorpayWebhookSecret: strings.TrimSpace(k.String("RAZORPAY_WEBHOOK_SECRET")),
		RazorpayBaseURL:       valueOrDefault(k.String("RAZORPAY_BASE_URL"), "https://api.razorpay.com/v1"),
		GatewayTimeout:        parseDuration(k.String("GATEWAY_TIMEOUT"), "10s"),
		GatewayMaxAttempts:    parseInt(k.String("GATEWAY_MAX_ATTEMPTS"), 3),
		BreakerMinRequests:    parseInt(k.String("GATEWAY_BREAKER_MIN_REQUESTS"), 10),
		BreakerFailureRatio:   parseFloat(k.String("GATEWAY_BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:        parseDuration(k.String("GATEWAY_BREAKER_OPEN_FOR"), "30s"),
		ConfirmWebhooks:       parseBool(k.String("WEBHOOK_CONFIRM_WITH_GATEWAY")),

		QueuePrefix:            valueOrDefault(k.String("QUEUE_PREFIX"), "paygate"),
		WebhookConcurrency:     parseInt(k.String("WEBHOOK_WORKER_CONCURRENCY"), 4),
		WebhookMaxAttempts:     parseInt(k.String("WEBHOOK_MAX_ATTEMPTS"), 8),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "60s"),
		QueueRetryBase:         parseDuration(k.String("QUEUE_RETRY_BASE"), "2s"),
		LockTTL:                parseDuration(k.String("REFUND_LOCK_TTL"), "30s"),

		RabbitMQURL:    strings.TrimSpace(k.String("RABBITMQ_URL")),
		EventsExchange: valueOrDefault(k.String("EVENTS_EXCHANGE"), "paygate.events"),

		AdminJWTSecret:   strings.TrimSpace(k.String("ADMIN_JWT_SECRET")),
		AdminJWTIssuer:   strings.TrimSpace(k.String("ADMIN_JWT_ISSUER")),
		AdminJWTAudience: strings.TrimSpace(k.String("ADMIN_JWT_AUDIENCE")),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimit:          valueOrDefault(k.String("RATE_LIMIT"), "120-M"),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		AuditEnabled:       parseBoolDefault(k.String("AUDIT_ENABLED"), true),
		AuditSamplingRate:  parseFloat(k.String("AUDIT_SAMPLING_RATE"), 1.0),
		ShutdownTimeout:    parseDuration(k.String("SHUTDOWN_TIMEOUT"), "15s"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	switch c.GatewayMode {
	case GatewayRazorpay:
		if c.RazorpayKeyID == "" {
			return errors.New("RAZORPAY_KEY_ID is required")
		}
		if c.RazorpayKeySecret == "" {
			return errors.New("RAZORPAY_KEY_SECRET is required")
		}
	case GatewayMock:
		if c.RazorpayKeyID == "" {
			c.RazorpayKeyID = "rzp_mock_key"
		}
		if c.RazorpayKeySecret == "" {
			c.RazorpayKeySecret = "rzp_mock_secret"
		}
	default:
		return fmt.Errorf("GATEWAY_MODE must be %q or %q, got %q", GatewayRazorpay, GatewayMock, c.GatewayMode)
	}
	if c.RazorpayWebhookSecret == "" {
		return errors.New("RAZORPAY_WEBHOOK_SECRET is required")
	}
	if c.WebhookMaxAttempts < 1 {
		return errors.New("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.AuditSamplingRate < 0 || c.AuditSamplingRate > 1 {
		return errors.New("AUDIT_SAMPLING_RATE must be between 0 and 1")
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8000"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// MockGateway reports whether the in-memory gateway is configured.
func (c *Config) MockGateway() bool {
	return c.GatewayMode == GatewayMock
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return parsed
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		return parsed
	}
	return fallback
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
