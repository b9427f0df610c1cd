package logging

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LoadConfigFromEnv loads logging configuration from environment variables
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
		switch strings.ToLower(levelStr) {
		case "debug":
			config.Level = slog.LevelDebug
		case "info":
			config.Level = slog.LevelInfo
		case "warn", "warning":
			config.Level = slog.LevelWarn
		case "error":
			config.Level = slog.LevelError
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		if format == "text" || format == "json" {
			config.OutputFormat = format
		}
	}

	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = parseBool(addSource)
	}

	if enableSampling := os.Getenv("LOG_ENABLE_SAMPLING"); enableSampling != "" {
		config.EnableSampling = parseBool(enableSampling)
	}

	if sampleRate := os.Getenv("LOG_SAMPLE_RATE"); sampleRate != "" {
		if rate, err := strconv.ParseFloat(sampleRate, 64); err == nil && rate > 0 && rate <= 1 {
			config.SampleRate = rate
		}
	}

	return config
}

// parseBool parses a boolean string with common variations
func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	}
	return false
}
