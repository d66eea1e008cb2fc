package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration.
type Config struct {
	// Required variables
	ListenAddr  string
	JWTSecret   string
	DatabaseURL string

	// Session tuning (defaults per design)
	SnapshotInterval    time.Duration
	SnapshotOpThreshold int
	OpBufferSize        int
	OutboundQueueMax    int
	ReadIdleTimeout     time.Duration
	PresenceTimeout     time.Duration
	GracePeriod         time.Duration
	ChatHistorySize     int

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	RedisEnabled    bool
	RedisAddr       string
	RedisPassword   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// JWKS mode (used instead of JWT_SECRET when set)
	AuthDomain   string
	AuthAudience string

	// Rate limits in ulule/limiter format (e.g. "100-M")
	RateLimitWsIP   string
	RateLimitWsUser string

	// Tracing
	OTLPEndpoint string
}

// ValidateEnv validates all required environment variables and returns a
// Config. All validation failures are collected and reported together.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8080")
	if !isValidListenAddr(cfg.ListenAddr) {
		errs = append(errs, fmt.Sprintf("LISTEN_ADDR must be in format '[host]:port' (got %q)", cfg.ListenAddr))
	}

	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if !cfg.SkipAuth && cfg.AuthDomain == "" {
		if cfg.JWTSecret == "" {
			errs = append(errs, "JWT_SECRET is required (or set AUTH_DOMAIN for JWKS mode)")
		} else if len(cfg.JWTSecret) < 32 {
			errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
		}
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && !cfg.DevelopmentMode {
		errs = append(errs, "DATABASE_URL is required outside development mode")
	}

	cfg.SnapshotInterval = envDurationMs("SNAPSHOT_INTERVAL_MS", 5000, &errs)
	cfg.ReadIdleTimeout = envDurationMs("READ_IDLE_TIMEOUT_MS", 90000, &errs)
	cfg.PresenceTimeout = envDurationMs("PRESENCE_TIMEOUT_MS", 30000, &errs)
	cfg.GracePeriod = envDurationMs("GRACE_PERIOD_MS", 5*60*1000, &errs)

	cfg.SnapshotOpThreshold = envInt("SNAPSHOT_OP_THRESHOLD", 50, &errs)
	cfg.OpBufferSize = envInt("OP_BUFFER_SIZE", 1024, &errs)
	if cfg.OpBufferSize < 1024 {
		// The in-memory op window is what lets stale clients catch up
		// without a database round trip; never shrink it below spec.
		cfg.OpBufferSize = 1024
	}
	cfg.OutboundQueueMax = envInt("OUTBOUND_QUEUE_MAX", 256, &errs)
	cfg.ChatHistorySize = envInt("CHAT_HISTORY_SIZE", 1000, &errs)

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "30-M")

	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return cfg, nil
}

// Redacted returns the config as log fields with secrets redacted.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"listen_addr":        c.ListenAddr,
		"jwt_secret":         redactSecret(c.JWTSecret),
		"database_url":       redactSecret(c.DatabaseURL),
		"snapshot_interval":  c.SnapshotInterval.String(),
		"op_buffer_size":     c.OpBufferSize,
		"outbound_queue_max": c.OutboundQueueMax,
		"read_idle_timeout":  c.ReadIdleTimeout.String(),
		"presence_timeout":   c.PresenceTimeout.String(),
		"grace_period":       c.GracePeriod.String(),
		"chat_history_size":  c.ChatHistorySize,
		"redis_enabled":      c.RedisEnabled,
		"redis_addr":         c.RedisAddr,
		"go_env":             c.GoEnv,
		"log_level":          c.LogLevel,
		"development_mode":   c.DevelopmentMode,
		"skip_auth":          c.SkipAuth,
		"auth_domain":        c.AuthDomain,
		"rate_limit_ws_ip":   c.RateLimitWsIP,
		"rate_limit_ws_user": c.RateLimitWsUser,
		"otlp_endpoint":      c.OTLPEndpoint,
	}
}

func envDurationMs(key string, defaultMs int, errs *[]string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(defaultMs) * time.Millisecond
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer of milliseconds (got %q)", key, raw))
		return time.Duration(defaultMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func envInt(key string, defaultVal int, errs *[]string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got %q)", key, raw))
		return defaultVal
	}
	return n
}

// isValidListenAddr accepts ":8080" as well as "host:8080".
func isValidListenAddr(addr string) bool {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return false
	}
	port, err := strconv.Atoi(addr[i+1:])
	return err == nil && port >= 1 && port <= 65535
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

// getEnvOrDefault returns the environment variable or a default when unset.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret, keeping only a short prefix.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
