package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the bot
type Config struct {
	// Discord
	DiscordToken string

	// Database
	DatabasePath string

	// Auto-clean sweep
	SweepIntervalSeconds  int
	DefaultAutoCleanHours int

	// How long shutdown waits for a running sweep to finish
	ShutdownTimeoutSeconds int

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken: os.Getenv("DISCORD_BOT_TOKEN"),
		DatabasePath: getEnvOrDefault("DATABASE_PATH", "./data/bot.db"),
		LogLevel:     getEnvOrDefault("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.SweepIntervalSeconds, err = getIntOrDefault("SWEEP_INTERVAL_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.DefaultAutoCleanHours, err = getIntOrDefault("DEFAULT_AUTOCLEAN_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeoutSeconds, err = getIntOrDefault("SHUTDOWN_TIMEOUT_SECONDS", 60); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}
	if cfg.SweepIntervalSeconds <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive, got %d", cfg.SweepIntervalSeconds)
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT_SECONDS must be positive, got %d", cfg.ShutdownTimeoutSeconds)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
