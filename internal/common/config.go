package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Checkpoint CheckpointConfig
	Version    VersionConfig
	Retry      RetryConfig
	Model      ModelConfig
}

// DatabaseConfig holds job ledger database configuration
type DatabaseConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
	HealthTimeout   time.Duration
}

// CheckpointConfig holds checkpoint store configuration
type CheckpointConfig struct {
	Dir        string
	KeepLatest int
}

// VersionConfig holds version ledger storage configuration
type VersionConfig struct {
	Dir      string
	InMemory bool
}

// RetryConfig holds retry/backoff governor configuration
type RetryConfig struct {
	MaxRetries    int
	MinDelay      time.Duration
	BaseDelay     time.Duration
	TransientBase time.Duration
	MaxBackoff    time.Duration
	RetryBuffer   time.Duration
}

// ModelConfig holds remote model API configuration
type ModelConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("DICTPIPE_DB_URL", "sqlite:dictpipe.db"),
			MaxConns:        getEnvAsInt32("DICTPIPE_DB_MAX_CONNS", 10),
			MaxConnLifetime: getEnvAsDuration("DICTPIPE_DB_MAX_CONN_LIFETIME", 30*time.Minute),
			DialTimeout:     getEnvAsDuration("DICTPIPE_DB_DIAL_TIMEOUT", 3*time.Second),
			HealthTimeout:   getEnvAsDuration("DICTPIPE_DB_HEALTH_TIMEOUT", 3*time.Second),
		},
		Checkpoint: CheckpointConfig{
			Dir:        getEnv("DICTPIPE_CHECKPOINT_DIR", "./checkpoints"),
			KeepLatest: getEnvAsInt("DICTPIPE_CHECKPOINT_KEEP", 3),
		},
		Version: VersionConfig{
			Dir: getEnv("DICTPIPE_VERSION_DIR", "./versions"),
		},
		Retry: RetryConfig{
			MaxRetries:    getEnvAsInt("DICTPIPE_MAX_RETRIES", 5),
			MinDelay:      getEnvAsDuration("DICTPIPE_MIN_DELAY", 2*time.Second),
			BaseDelay:     getEnvAsDuration("DICTPIPE_BASE_RETRY_DELAY", 6*time.Second),
			TransientBase: getEnvAsDuration("DICTPIPE_TRANSIENT_RETRY_DELAY", 2*time.Second),
			MaxBackoff:    getEnvAsDuration("DICTPIPE_MAX_BACKOFF", 60*time.Second),
			RetryBuffer:   getEnvAsDuration("DICTPIPE_RETRY_BUFFER", 1*time.Second),
		},
		Model: ModelConfig{
			BaseURL:     getEnv("DICTPIPE_MODEL_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			APIKey:      getEnv("DICTPIPE_MODEL_API_KEY", ""),
			Model:       getEnv("DICTPIPE_MODEL", "gemini-1.5-flash"),
			Temperature: getEnvAsFloat32("DICTPIPE_MODEL_TEMPERATURE", 0.2),
			Timeout:     getEnvAsDuration("DICTPIPE_MODEL_TIMEOUT", 45*time.Second),
		},
	}
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DICTPIPE_DB_URL is required", ErrInvalidInput)
	}
	if c.Checkpoint.Dir == "" {
		return NewAppError("CONFIG_ERROR", "DICTPIPE_CHECKPOINT_DIR is required", ErrInvalidInput)
	}
	if c.Retry.MaxRetries < 1 {
		return NewAppError("CONFIG_ERROR", "DICTPIPE_MAX_RETRIES must be at least 1", ErrInvalidInput)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
