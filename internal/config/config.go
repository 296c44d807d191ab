// Package config provides configuration management for the token lifecycle
// manager. It loads configuration from environment variables with sensible
// defaults and validates it so a worker instance starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: ops server port (default: 8080)
//   - LOG_LEVEL: logging level (default: info)
//
// Database Configuration:
//   - DATABASE_TYPE: "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./tokenkeeper.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE: PostgreSQL connection settings
//
// Redis Configuration (coordination store):
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Security Configuration:
//   - TOKEN_ENCRYPTION_KEY: key for encrypting tokens at rest (required)
//
// Upstream Provider:
//   - UPSTREAM_TOKEN_URL: OAuth token endpoint (required)
//   - UPSTREAM_CLIENT_ID / UPSTREAM_CLIENT_SECRET: OAuth client credentials
//   - UPSTREAM_TIMEOUT: per-request timeout (default: 30s)
//   - DEFAULT_TOKEN_LIFETIME: lifetime assumed when the provider reports none
//     and the token carries no exp claim (default: 1h)
//
// Refresh Coordination:
//   - SAFETY_MARGIN: proactive refresh buffer before expiry (default: 5m)
//   - LOCK_TTL: refresh lock time-to-live (default: 30s)
//   - LOCK_BACKEND: "redsync" or "native" (default: redsync)
//   - PEER_WAIT: max wait for another process's refresh (default: 30s)
//   - SWEEP_INTERVAL: proactive sweep cycle period (default: 1m)
//   - SWEEP_BATCH_SIZE: max accounts refreshed per sweep (default: 50)
//
// Request Budget:
//   - BUDGET_REQUESTS: upstream requests per rolling window (default: 1000)
//   - BUDGET_WINDOW: budget window length (default: 1h)
//   - BUDGET_MAX_WAIT: max time a caller queues for budget (default: 30s)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for a worker instance.
type Config struct {
	// Application settings
	Port     string // Ops server port number
	LogLevel string // Logging level (debug, info, warn, error)

	// Database configuration
	DatabaseType     string // "sqlite" or "postgres"
	DatabasePath     string // Path to SQLite database file
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis configuration for distributed coordination
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// Encryption configuration
	EncryptionKey string // Key for encrypting tokens at rest (required)

	// Upstream OAuth provider
	UpstreamTokenURL     string
	UpstreamClientID     string
	UpstreamClientSecret string
	UpstreamTimeout      time.Duration
	DefaultTokenLifetime time.Duration

	// Refresh coordination
	SafetyMargin   time.Duration // Buffer before expiry that triggers refresh
	LockTTL        time.Duration // Refresh lock TTL
	LockBackend    string        // "redsync" or "native"
	PeerWait       time.Duration // Max wait for a peer's in-flight refresh
	SweepInterval  time.Duration // Proactive sweep cycle period
	SweepBatchSize int           // Max accounts refreshed per sweep cycle

	// Outbound request budget
	BudgetRequests int
	BudgetWindow   time.Duration
	BudgetMaxWait  time.Duration
}

// Load creates a new Config instance with values loaded from environment
// variables. Call Validate() on the result before use.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./tokenkeeper.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "tokenkeeper"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 10),

		EncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		UpstreamTokenURL:     getEnv("UPSTREAM_TOKEN_URL", ""),
		UpstreamClientID:     getEnv("UPSTREAM_CLIENT_ID", ""),
		UpstreamClientSecret: getEnv("UPSTREAM_CLIENT_SECRET", ""),
		UpstreamTimeout:      getDurationEnv("UPSTREAM_TIMEOUT", 30*time.Second),
		DefaultTokenLifetime: getDurationEnv("DEFAULT_TOKEN_LIFETIME", time.Hour),

		SafetyMargin:   getDurationEnv("SAFETY_MARGIN", 5*time.Minute),
		LockTTL:        getDurationEnv("LOCK_TTL", 30*time.Second),
		LockBackend:    getEnv("LOCK_BACKEND", "redsync"),
		PeerWait:       getDurationEnv("PEER_WAIT", 30*time.Second),
		SweepInterval:  getDurationEnv("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize: getIntEnv("SWEEP_BATCH_SIZE", 50),

		BudgetRequests: getIntEnv("BUDGET_REQUESTS", 1000),
		BudgetWindow:   getDurationEnv("BUDGET_WINDOW", time.Hour),
		BudgetMaxWait:  getDurationEnv("BUDGET_MAX_WAIT", 30*time.Second),
	}
}

// getEnv retrieves an environment variable value or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable or returns a default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable or returns a default
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate performs comprehensive validation on the configuration to ensure
// all required fields are present and all values are valid.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY environment variable is required")
	}
	if len(c.EncryptionKey) < 16 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be at least 16 characters long")
	}

	if c.UpstreamTokenURL == "" {
		return fmt.Errorf("UPSTREAM_TOKEN_URL environment variable is required")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
	}
	if c.RedisPoolSize < 1 {
		return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
	}

	switch c.LockBackend {
	case "redsync", "native":
	default:
		return fmt.Errorf("LOCK_BACKEND must be 'redsync' or 'native'")
	}

	if c.SafetyMargin <= 0 {
		return fmt.Errorf("SAFETY_MARGIN must be a positive duration")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be a positive duration")
	}
	if c.PeerWait <= 0 {
		return fmt.Errorf("PEER_WAIT must be a positive duration")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be a positive duration")
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be a positive number")
	}

	if c.BudgetRequests < 1 {
		return fmt.Errorf("BUDGET_REQUESTS must be a positive number")
	}
	if c.BudgetWindow <= 0 {
		return fmt.Errorf("BUDGET_WINDOW must be a positive duration")
	}

	return nil
}
