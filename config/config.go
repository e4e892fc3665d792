package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"optionsBot/internal/adapters/logger"
)

// Config holds process-level application configuration loaded from the
// environment. Per-instrument strategy parameters live in the YAML file
// referenced by StrategiesPath (see strategy.go).
type Config struct {
	// Broker API
	APIKey      string
	AccessToken string
	BrokerURL   string // Optional API endpoint override; empty uses the SDK default

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel

	// Order sequencing
	OrderDelay time.Duration // Fixed delay between dependent order placements

	// Strategy instances
	StrategiesPath string

	// Connection settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Persistence queue
	PersistQueueSize int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string

	cfg.APIKey = getEnv("BROKER_API_KEY", "")
	cfg.AccessToken = getEnv("BROKER_ACCESS_TOKEN", "")
	cfg.BrokerURL = getEnv("BROKER_URL", "")
	if cfg.APIKey == "" {
		errs = append(errs, "BROKER_API_KEY must be set")
	}
	if cfg.AccessToken == "" {
		errs = append(errs, "BROKER_ACCESS_TOKEN must be set")
	}

	cfg.DBPath = getEnv("DB_PATH", "./data/options_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	orderDelayMs := getEnvAsInt("ORDER_DELAY_MS", 800)
	if orderDelayMs < 0 {
		errs = append(errs, "ORDER_DELAY_MS cannot be negative")
	}
	cfg.OrderDelay = time.Duration(orderDelayMs) * time.Millisecond

	cfg.StrategiesPath = getEnv("STRATEGIES_PATH", "./strategies.yaml")
	if cfg.StrategiesPath == "" {
		errs = append(errs, "STRATEGIES_PATH must be set")
	}

	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	cfg.PersistQueueSize = getEnvAsInt("PERSIST_QUEUE_SIZE", 256)
	if cfg.PersistQueueSize <= 0 {
		errs = append(errs, "PERSIST_QUEUE_SIZE must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
