package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/wackfx/redis-smq/keys"
)

// config holds the CLI configuration. Values come from the environment
// and can be overridden with flags.
type config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Namespace     string
	Timeout       time.Duration
	Debug         bool
}

func loadConfig() *config {
	return &config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		Namespace:     getEnv("SMQ_NAMESPACE", keys.DefaultNamespace),
		Timeout:       getEnvAsDuration("SMQ_TIMEOUT", 10*time.Second),
		Debug:         getEnvAsBool("SMQ_DEBUG", false),
	}
}

func (c *config) validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("missing redis address")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("invalid redis database: %d", c.RedisDB)
	}
	if _, err := keys.ValidateName(c.Namespace); err != nil {
		return fmt.Errorf("invalid namespace: %w", err)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
