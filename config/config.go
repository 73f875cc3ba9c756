package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	// Storage configuration
	StoreBackend   string // memory, redis, postgres
	RedisURL       string
	DatabaseURL    string
	StorageTimeout time.Duration

	// Selector configuration
	SelectorSeed           int64
	SelectorFloorWeight    float64
	SelectorTablePrecision int
	SelectorTableThreshold int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string

	// Logging
	LogLevel  string
	LogFormat string

	// Monitoring
	EnableMetrics bool

	// Optional YAML tree loaded into the store at startup
	SeedFile string
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		// Storage
		StoreBackend:   getEnv("STORE_BACKEND", "memory"),
		RedisURL:       getEnv("REDIS_URL", "localhost:6379"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		StorageTimeout: getEnvAsDuration("STORAGE_TIMEOUT", "2s"),

		// Selector
		SelectorSeed:           getEnvAsInt64("SELECTOR_SEED", 0),
		SelectorFloorWeight:    getEnvAsFloat("SELECTOR_FLOOR_WEIGHT", 1),
		SelectorTablePrecision: getEnvAsInt("SELECTOR_TABLE_PRECISION", 10),
		SelectorTableThreshold: getEnvAsInt("SELECTOR_TABLE_THRESHOLD", 10000),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "activity-queue"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),

		SeedFile: getEnv("SEED_FILE", ""),
	}
}

// PubNubEnabled reports whether fulfilment events can be published.
func (c *Config) PubNubEnabled() bool {
	return c.PubNubPublishKey != "" && c.PubNubSubscribeKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
