package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

// Backends for the balance notifier and the rate limiter
const (
	BackendLocal = "local"
	BackendRedis = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Metering configuration
	Metering MeteringConfig

	// Reconciler configuration
	Reconciler ReconcilerConfig

	// Request rate limiting
	RateLimit RateLimitConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// MeteringConfig holds classification, routing and ledger settings
type MeteringConfig struct {
	// CatalogFile is a YAML file with tiers, plans and classifier patterns.
	// Built-in defaults are used when empty.
	CatalogFile string

	ClassifierCacheSize int
	ClassifierCacheTTL  time.Duration

	// Notifier selects the balance event backend: local or redis
	Notifier string

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
}

// ReconcilerConfig holds settings of the projection reconciliation sweep
type ReconcilerConfig struct {
	Schedule    string
	Workers     int
	TaskTimeout time.Duration
}

// RateLimitConfig holds per-account request rate limiting settings
type RateLimitConfig struct {
	Enabled bool
	// Backend selects where counters live: local or redis
	Backend           string
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// OTel converts the settings into the tracing configuration
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Metering:      loadMeteringConfig(),
		Reconciler:    loadReconcilerConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TIERMETER_HOST", "0.0.0.0"),
		Port:            getEnv("TIERMETER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TIERMETER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TIERMETER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TIERMETER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TIERMETER_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// Storage type
	if storageType := getEnv("TIERMETER_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	if pgURL := getEnv("TIERMETER_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("TIERMETER_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = splitList(replicaURLs)
	}
	if maxConns := getEnvInt("TIERMETER_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TIERMETER_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TIERMETER_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	if redisURL := getEnv("TIERMETER_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TIERMETER_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TIERMETER_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TIERMETER_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TIERMETER_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	if prefix := getEnv("TIERMETER_REDIS_KEY_PREFIX", ""); prefix != "" {
		cfg.RedisKeyPrefix = prefix
	}

	return cfg
}

func loadMeteringConfig() MeteringConfig {
	return MeteringConfig{
		CatalogFile:         getEnv("TIERMETER_CATALOG_FILE", ""),
		ClassifierCacheSize: getEnvInt("TIERMETER_CLASSIFIER_CACHE_SIZE", 1024),
		ClassifierCacheTTL:  getEnvDuration("TIERMETER_CLASSIFIER_CACHE_TTL", 10*time.Minute),
		Notifier:            strings.ToLower(getEnv("TIERMETER_NOTIFIER", BackendLocal)),
		RetryMaxAttempts:    getEnvInt("TIERMETER_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:      getEnvDuration("TIERMETER_RETRY_BASE_DELAY", time.Second),
	}
}

func loadReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Schedule:    getEnv("TIERMETER_RECONCILE_SCHEDULE", "@every 15m"),
		Workers:     getEnvInt("TIERMETER_RECONCILE_WORKERS", 4),
		TaskTimeout: getEnvDuration("TIERMETER_RECONCILE_TASK_TIMEOUT", 30*time.Second),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("TIERMETER_RATE_LIMIT_ENABLED", false),
		Backend:           strings.ToLower(getEnv("TIERMETER_RATE_LIMIT_BACKEND", BackendLocal)),
		RequestsPerWindow: getEnvInt("TIERMETER_RATE_LIMIT_REQUESTS", 120),
		Window:            getEnvDuration("TIERMETER_RATE_LIMIT_WINDOW", time.Minute),
		Burst:             getEnvInt("TIERMETER_RATE_LIMIT_BURST", 20),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("TIERMETER_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("TIERMETER_LOG_FORMAT", observability.FormatJSON)),
		MetricsEnabled:     getEnvBool("TIERMETER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TIERMETER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TIERMETER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TIERMETER_OTEL_SERVICE_NAME", "tiermeter"),
		OTelServiceVersion: getEnv("TIERMETER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TIERMETER_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TIERMETER_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case storage.BackendMemory:
	case storage.BackendPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case storage.BackendHybrid:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for hybrid storage")
		}
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for hybrid storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, postgres, or hybrid)", c.Storage.Type)
	}

	// Validate metering config
	switch c.Metering.Notifier {
	case BackendLocal:
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis notifier")
		}
	default:
		return fmt.Errorf("invalid notifier: %s (must be local or redis)", c.Metering.Notifier)
	}
	if c.Metering.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Metering.ClassifierCacheSize < 0 {
		return fmt.Errorf("classifier cache size must not be negative")
	}

	if c.Reconciler.Workers < 1 {
		return fmt.Errorf("reconciler workers must be at least 1")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case BackendLocal:
		case BackendRedis:
			if c.Storage.RedisURL == "" {
				return fmt.Errorf("redis URL is required for the redis rate limiter")
			}
		default:
			return fmt.Errorf("invalid rate limit backend: %s (must be local or redis)", c.RateLimit.Backend)
		}
		if c.RateLimit.RequestsPerWindow < 1 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit requests and window must be positive")
		}
	}

	// Validate log format
	switch c.Observability.LogFormat {
	case observability.FormatJSON, observability.FormatText:
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
