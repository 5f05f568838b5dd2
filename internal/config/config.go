// Package config provides configuration management for the lineage pipeline.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stellar-lineage/internal/types"
)

// Store backends
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Horizon   HorizonConfig
	Directory DirectoryConfig
	Warehouse WarehouseConfig
	Pipeline  PipelineConfig
	Recovery  RecoveryConfig
	Health    HealthConfig
	Search    SearchConfig
	RateLimit RateLimitConfig
	Sentry    SentryConfig
	Logging   LoggingConfig
	Worker    WorkerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration for the analytics warehouse
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// StoreConfig selects the record store backend
type StoreConfig struct {
	Backend string // postgres or memory
}

// HorizonConfig holds Horizon API configuration
type HorizonConfig struct {
	PublicURL   string
	TestnetURL  string
	RPS         float64
	Burst       int
	Timeout     time.Duration
	MaxAttempts int
	PageLimit   int // records per page for operations and effects
}

// URLFor returns the Horizon base URL for a network
func (h HorizonConfig) URLFor(network types.Network) string {
	if network == types.NetworkTestnet {
		return h.TestnetURL
	}
	return h.PublicURL
}

// DirectoryConfig holds the account directory lookup configuration
type DirectoryConfig struct {
	URL     string
	Timeout time.Duration
}

// WarehouseConfig holds the batch analytics source configuration
type WarehouseConfig struct {
	Enabled         bool
	CreatorsTable   string
	DailyByteBudget int64
	QueryTimeout    time.Duration
}

// PipelineConfig holds stage processor configuration
type PipelineConfig struct {
	BatchSize      int           // records per invocation for local stages
	FetchBatchSize int           // records per invocation for external fetch stages
	Concurrency    int           // max concurrent records within one invocation
	CallTimeout    time.Duration // deadline per record
	HVAThreshold   float64
	MaxDepth       int
	StageInterval  time.Duration
}

// RecoveryConfig holds stuck-record recovery configuration
type RecoveryConfig struct {
	DefaultThreshold time.Duration
	Thresholds       map[types.LineageStatus]time.Duration
	MaxRetries       int
	Interval         time.Duration
}

// HealthConfig holds cron health monitor configuration
type HealthConfig struct {
	Buffer   time.Duration
	Interval time.Duration
}

// SearchConfig holds search cache configuration
type SearchConfig struct {
	Freshness    time.Duration
	TreeCacheTTL time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// SentryConfig holds error sink configuration
type SentryConfig struct {
	DSN         string
	Environment string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// WorkerConfig holds scheduler process configuration
type WorkerConfig struct {
	MetricsAddr    string // empty disables the metrics listener
	RunImmediately bool
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	thresholds, err := parseThresholds(getEnv("RECOVERY_THRESHOLDS", ""))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "stellar_lineage"),
				User:           getEnv("POSTGRES_USER", "lineage"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "stellar"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", StoreBackendPostgres)),
		},
		Horizon: HorizonConfig{
			PublicURL:   getEnv("HORIZON_PUBLIC_URL", "https://horizon.stellar.org"),
			TestnetURL:  getEnv("HORIZON_TESTNET_URL", "https://horizon-testnet.stellar.org"),
			RPS:         getEnvAsFloat("HORIZON_RPS", 5),
			Burst:       getEnvAsInt("HORIZON_BURST", 5),
			Timeout:     getEnvAsDuration("HORIZON_TIMEOUT", 15*time.Second),
			MaxAttempts: getEnvAsInt("HORIZON_MAX_ATTEMPTS", 3),
			PageLimit:   getEnvAsInt("HORIZON_PAGE_LIMIT", 200),
		},
		Directory: DirectoryConfig{
			URL:     getEnv("DIRECTORY_URL", "https://api.stellar.expert"),
			Timeout: getEnvAsDuration("DIRECTORY_TIMEOUT", 10*time.Second),
		},
		Warehouse: WarehouseConfig{
			Enabled:         getEnvAsBool("WAREHOUSE_ENABLED", false),
			CreatorsTable:   getEnv("WAREHOUSE_CREATORS_TABLE", "account_creations"),
			DailyByteBudget: getEnvAsInt64("WAREHOUSE_DAILY_BYTE_BUDGET", 10<<30),
			QueryTimeout:    getEnvAsDuration("WAREHOUSE_QUERY_TIMEOUT", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			BatchSize:      getEnvAsInt("PIPELINE_BATCH_SIZE", 1),
			FetchBatchSize: getEnvAsInt("PIPELINE_FETCH_BATCH_SIZE", 10),
			Concurrency:    getEnvAsInt("PIPELINE_CONCURRENCY", 4),
			CallTimeout:    getEnvAsDuration("PIPELINE_CALL_TIMEOUT", 20*time.Second),
			HVAThreshold:   getEnvAsFloat("PIPELINE_HVA_THRESHOLD", 100000),
			MaxDepth:       getEnvAsInt("PIPELINE_MAX_DEPTH", 64),
			StageInterval:  getEnvAsDuration("PIPELINE_STAGE_INTERVAL", 10*time.Second),
		},
		Recovery: RecoveryConfig{
			DefaultThreshold: getEnvAsDuration("RECOVERY_DEFAULT_THRESHOLD", 5*time.Minute),
			Thresholds:       thresholds,
			MaxRetries:       getEnvAsInt("RECOVERY_MAX_RETRIES", 3),
			Interval:         getEnvAsDuration("RECOVERY_INTERVAL", time.Minute),
		},
		Health: HealthConfig{
			Buffer:   getEnvAsDuration("HEALTH_BUFFER", 102*time.Minute),
			Interval: getEnvAsDuration("HEALTH_INTERVAL", 5*time.Minute),
		},
		Search: SearchConfig{
			Freshness:    getEnvAsDuration("SEARCH_FRESHNESS", 12*time.Hour),
			TreeCacheTTL: getEnvAsDuration("SEARCH_TREE_CACHE_TTL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_RPM", 120),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Sentry: SentryConfig{
			DSN:         getEnv("SENTRY_DSN", ""),
			Environment: getEnv("SENTRY_ENVIRONMENT", "development"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Worker: WorkerConfig{
			MetricsAddr:    getEnv("WORKER_METRICS_ADDR", ":9090"),
			RunImmediately: getEnvAsBool("WORKER_RUN_IMMEDIATELY", true),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration ranges
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, c.Store.Backend)
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("PIPELINE_BATCH_SIZE must be at least 1")
	}
	if c.Pipeline.FetchBatchSize < 1 {
		return fmt.Errorf("PIPELINE_FETCH_BATCH_SIZE must be at least 1")
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("PIPELINE_CONCURRENCY must be at least 1")
	}
	if c.Pipeline.CallTimeout <= 0 {
		return fmt.Errorf("PIPELINE_CALL_TIMEOUT must be positive")
	}
	if c.Pipeline.HVAThreshold < 0 {
		return fmt.Errorf("PIPELINE_HVA_THRESHOLD must not be negative")
	}
	if c.Pipeline.MaxDepth < 1 {
		return fmt.Errorf("PIPELINE_MAX_DEPTH must be at least 1")
	}
	if c.Pipeline.StageInterval <= 0 {
		return fmt.Errorf("PIPELINE_STAGE_INTERVAL must be positive")
	}
	if c.Recovery.Interval <= 0 {
		return fmt.Errorf("RECOVERY_INTERVAL must be positive")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("HEALTH_INTERVAL must be positive")
	}
	if c.Recovery.DefaultThreshold <= 0 {
		return fmt.Errorf("RECOVERY_DEFAULT_THRESHOLD must be positive")
	}
	if c.Recovery.MaxRetries < 0 {
		return fmt.Errorf("RECOVERY_MAX_RETRIES must not be negative")
	}
	if c.Health.Buffer <= 0 {
		return fmt.Errorf("HEALTH_BUFFER must be positive")
	}
	if c.Search.Freshness <= 0 {
		return fmt.Errorf("SEARCH_FRESHNESS must be positive")
	}
	if c.Horizon.RPS <= 0 {
		return fmt.Errorf("HORIZON_RPS must be positive")
	}
	return nil
}

// parseThresholds parses STATUS=duration pairs separated by commas
func parseThresholds(raw string) (map[types.LineageStatus]time.Duration, error) {
	out := make(map[types.LineageStatus]time.Duration)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid RECOVERY_THRESHOLDS entry %q", pair)
		}
		status := types.LineageStatus(strings.ToUpper(strings.TrimSpace(parts[0])))
		if !status.IsStuckEligible() {
			return nil, fmt.Errorf("RECOVERY_THRESHOLDS: %s is not a recoverable status", status)
		}
		d, err := time.ParseDuration(strings.TrimSpace(parts[1]))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("RECOVERY_THRESHOLDS: invalid duration for %s: %q", status, parts[1])
		}
		out[status] = d
	}
	return out, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 gets an environment variable as an int64 with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
