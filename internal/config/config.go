// Package config loads gateway-wide settings from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide settings for the gateway kernel and its thin
// entrypoint glue. None of these fields are read by the session kernel
// itself outside of construction time.
type Config struct {
	// Process
	Port      int
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// Gateway kernel
	AllowedHosts  []string
	VaultIdleTTL  time.Duration
	ShellCols     int
	ShellRows     int
	ArgonMemoryMB uint32
	ArgonTime     uint32
	ArgonThreads  uint8

	// Redis (asynq housekeeping worker)
	RedisAddr string

	// CORS (thin demo mux only — the real route table is out of scope)
	CORSAllowedOrigins []string
}

// Load reads configuration from the environment, loading a .env file first
// if one is present in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnvAsInt("GATEWAY_PORT", 8080),
		Env:                getEnv("GATEWAY_ENV", "development"),
		Version:            getEnv("GATEWAY_VERSION", "0.1.0"),
		LogLevel:           getEnv("GATEWAY_LOG_LEVEL", "info"),
		LogFormat:          getEnv("GATEWAY_LOG_FORMAT", "json"),
		AllowedHosts:       getEnvAsSlice("GATEWAY_ALLOWED_HOSTS", nil),
		VaultIdleTTL:       getEnvAsDuration("GATEWAY_VAULT_IDLE_TTL", 30*time.Minute),
		ShellCols:          getEnvAsInt("GATEWAY_SHELL_COLS", 120),
		ShellRows:          getEnvAsInt("GATEWAY_SHELL_ROWS", 40),
		ArgonMemoryMB:      uint32(getEnvAsInt("GATEWAY_ARGON_MEMORY_MB", 64)),
		ArgonTime:          uint32(getEnvAsInt("GATEWAY_ARGON_TIME", 3)),
		ArgonThreads:       uint8(getEnvAsInt("GATEWAY_ARGON_THREADS", 2)),
		RedisAddr:          getEnv("GATEWAY_REDIS_ADDR", "localhost:6379"),
		CORSAllowedOrigins: getEnvAsSlice("GATEWAY_CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
	}

	return cfg, nil
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	// Simple CSV split (for more complex parsing, use a proper CSV library)
	var result []string
	current := ""
	for _, char := range valueStr {
		if char == ',' {
			if current != "" {
				result = append(result, strings.TrimSpace(current))
				current = ""
			}
		} else {
			current += string(char)
		}
	}
	if current != "" {
		result = append(result, strings.TrimSpace(current))
	}

	return result
}
