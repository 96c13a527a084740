// Package config reads runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all settings for the relay and the dev server.
type Config struct {
	StateTable  string
	DatabaseURL string
	ParamPrefix string

	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterModel   string
	TelegramBotToken  string
	TelegramAPIBase   string

	UsageLimit    int
	HistoryWindow int
	SystemPrompt  string
	DedupeUpdates bool

	LogLevel         slog.Level
	MetricsNamespace string

	Addr            string
	ShutdownTimeout time.Duration
}

// Load reads environment variables, applies defaults and validates the result.
func Load() (Config, error) {
	cfg := Config{
		StateTable:        trimmed("STATE_TABLE"),
		DatabaseURL:       trimmed("DATABASE_URL"),
		ParamPrefix:       strings.TrimRight(trimmed("PARAM_PREFIX"), "/"),
		OpenRouterAPIKey:  trimmed("OPENROUTER_API_KEY"),
		OpenRouterBaseURL: envOrDefault("OPENROUTER_BASE_URL", ""),
		OpenRouterModel:   envOrDefault("OPENROUTER_MODEL", ""),
		TelegramBotToken:  trimmed("TELEGRAM_BOT_TOKEN"),
		TelegramAPIBase:   envOrDefault("TELEGRAM_API_BASE", ""),
		SystemPrompt:      envOrDefault("SYSTEM_PROMPT", ""),
		MetricsNamespace:  envOrDefault("METRICS_NAMESPACE", "chat_relay"),
		Addr:              envOrDefault("ADDR", ":8080"),
		UsageLimit:        5,
		HistoryWindow:     10,
		ShutdownTimeout:   10 * time.Second,
	}

	var err error
	if cfg.UsageLimit, err = intFromEnv("USAGE_LIMIT", cfg.UsageLimit); err != nil {
		return Config{}, err
	}
	if cfg.HistoryWindow, err = intFromEnv("HISTORY_WINDOW", cfg.HistoryWindow); err != nil {
		return Config{}, err
	}
	if cfg.DedupeUpdates, err = boolFromEnv("DEDUPE_UPDATES", false); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = levelFromEnv("LOG_LEVEL", slog.LevelInfo); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that a store and both credentials can be resolved.
func (c Config) Validate() error {
	if c.StateTable == "" && c.DatabaseURL == "" {
		return fmt.Errorf("STATE_TABLE or DATABASE_URL must be set")
	}
	if c.ParamPrefix == "" && (c.OpenRouterAPIKey == "" || c.TelegramBotToken == "") {
		return fmt.Errorf("PARAM_PREFIX is required unless OPENROUTER_API_KEY and TELEGRAM_BOT_TOKEN are both set")
	}
	if c.UsageLimit <= 0 {
		return fmt.Errorf("USAGE_LIMIT must be > 0")
	}
	if c.HistoryWindow <= 0 || c.HistoryWindow > 50 {
		return fmt.Errorf("HISTORY_WINDOW must be in 1..50")
	}
	return nil
}

// UsesPostgres reports whether the SQL store replaces DynamoDB.
func (c Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// NeedsAWS reports whether any component talks to AWS.
func (c Config) NeedsAWS() bool {
	return !c.UsesPostgres() || c.OpenRouterAPIKey == "" || c.TelegramBotToken == ""
}

// OpenRouterTokenParam is the SSM parameter holding the completion API key.
func (c Config) OpenRouterTokenParam() string {
	return c.ParamPrefix + "/open-router-token"
}

// TelegramTokenParam is the SSM parameter holding the bot token.
func (c Config) TelegramTokenParam() string {
	return c.ParamPrefix + "/telegram-bot-token"
}

func trimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envOrDefault(key, fallback string) string {
	if v := trimmed(key); v != "" {
		return v
	}
	return fallback
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := trimmed(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	raw := trimmed(key)
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := trimmed(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func levelFromEnv(key string, fallback slog.Level) (slog.Level, error) {
	raw := trimmed(key)
	if raw == "" {
		return fallback, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return lvl, nil
}
