// Package config reads server settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port string

	DatabaseURL string
	AuthToken   string
	RedisURL    string

	CountsCacheTTL      time.Duration
	ReservationDuration time.Duration
	LockWait            time.Duration

	SweepInterval   time.Duration
	SweepBatchSize  int
	SweepMaxBatches int

	TelegramToken string
	AdminChatID   int64
	AdminIDs      []int64
	AdminPassword string

	LogLevel  string
	LogFormat string
}

// Load reads .env files (when present) and the process environment.
func Load(envFiles ...string) (Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("PORT", "8080")
	v.SetDefault("COUNTS_CACHE_TTL", "10s")
	v.SetDefault("RESERVATION_DURATION", "15m")
	v.SetDefault("LOCK_WAIT", "5s")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("SWEEP_BATCH_SIZE", 500)
	v.SetDefault("SWEEP_MAX_BATCHES", 20)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		dbURL = v.GetString("TURSO_DATABASE_URL")
	}

	adminIDs, err := parseIDs(v.GetString("ADMIN_TELEGRAM_IDS"))
	if err != nil {
		return Config{}, fmt.Errorf("ADMIN_TELEGRAM_IDS: %w", err)
	}
	var adminChat int64
	if raw := strings.TrimSpace(v.GetString("ADMIN_CHAT_ID")); raw != "" {
		adminChat, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("ADMIN_CHAT_ID: %w", err)
		}
	}

	cfg := Config{
		Port:                v.GetString("PORT"),
		DatabaseURL:         dbURL,
		AuthToken:           v.GetString("TURSO_AUTH_TOKEN"),
		RedisURL:            v.GetString("REDIS_URL"),
		CountsCacheTTL:      v.GetDuration("COUNTS_CACHE_TTL"),
		ReservationDuration: v.GetDuration("RESERVATION_DURATION"),
		LockWait:            v.GetDuration("LOCK_WAIT"),
		SweepInterval:       v.GetDuration("SWEEP_INTERVAL"),
		SweepBatchSize:      v.GetInt("SWEEP_BATCH_SIZE"),
		SweepMaxBatches:     v.GetInt("SWEEP_MAX_BATCHES"),
		TelegramToken:       v.GetString("TELEGRAM_TOKEN"),
		AdminChatID:         adminChat,
		AdminIDs:            adminIDs,
		AdminPassword:       v.GetString("ADMIN_PASSWORD"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogFormat:           v.GetString("LOG_FORMAT"),
	}
	return cfg, cfg.Validate()
}

// Validate reports the first setting the server cannot start with.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL or TURSO_DATABASE_URL must be set")
	}
	durations := map[string]time.Duration{
		"COUNTS_CACHE_TTL":     c.CountsCacheTTL,
		"RESERVATION_DURATION": c.ReservationDuration,
		"LOCK_WAIT":            c.LockWait,
		"SWEEP_INTERVAL":       c.SweepInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", name)
		}
	}
	if c.SweepBatchSize <= 0 {
		return errors.New("SWEEP_BATCH_SIZE must be positive")
	}
	if c.SweepMaxBatches <= 0 {
		return errors.New("SWEEP_MAX_BATCHES must be positive")
	}
	return nil
}

// parseIDs reads a comma separated list of Telegram user IDs.
func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
