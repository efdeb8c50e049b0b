/**
 * @description
 * Configuration management for the settlement service. Settings come from
 * environment variables, optionally seeded from a .env file in the given path,
 * through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: Environment binding and defaults.
 * - github.com/shopspring/decimal: Money-valued settings.
 */

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the settlement service.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	EventsExchange string `mapstructure:"EVENTS_EXCHANGE"`
	IngestQueue    string `mapstructure:"INGEST_QUEUE"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	RulesFile      string `mapstructure:"RULES_FILE"`
	MatchTolerance string `mapstructure:"MATCH_TOLERANCE"`

	SweepSchedule                string `mapstructure:"SWEEP_SCHEDULE"`
	SweepLimit                   int    `mapstructure:"SWEEP_LIMIT"`
	AcceptanceWindowSeconds      int    `mapstructure:"ACCEPTANCE_WINDOW_SECONDS"`
	PoolWindowSeconds            int    `mapstructure:"POOL_WINDOW_SECONDS"`
	BacklogDwellSeconds          int    `mapstructure:"BACKLOG_DWELL_SECONDS"`
	BacklogBatchSize             int    `mapstructure:"BACKLOG_BATCH_SIZE"`
	PushDelaySeconds             int    `mapstructure:"PUSH_DELAY_SECONDS"`
	MinDeposit                   string `mapstructure:"MIN_DEPOSIT"`
	SelectionStrategy            string `mapstructure:"SELECTION_STRATEGY"`
	NotificationDedupeTTLSeconds int    `mapstructure:"NOTIFICATION_DEDUPE_TTL_SECONDS"`

	RedisRateLimitPrefix           string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ClaimRateLimitPerMinute        int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	NotificationRateLimitPerMinute int    `mapstructure:"NOTIFICATION_RATE_LIMIT_PER_MINUTE"`
}

var keys = []string{
	"SERVER_PORT", "DATABASE_URL", "DB_MAX_CONNS", "REDIS_URL", "RABBITMQ_URL",
	"EVENTS_EXCHANGE", "INGEST_QUEUE", "JWT_SECRET", "INTERNAL_API_KEY",
	"RULES_FILE", "MATCH_TOLERANCE", "SWEEP_SCHEDULE", "SWEEP_LIMIT",
	"ACCEPTANCE_WINDOW_SECONDS", "POOL_WINDOW_SECONDS", "BACKLOG_DWELL_SECONDS",
	"BACKLOG_BATCH_SIZE", "PUSH_DELAY_SECONDS", "MIN_DEPOSIT", "SELECTION_STRATEGY",
	"NOTIFICATION_DEDUPE_TTL_SECONDS", "REDIS_RATE_LIMIT_PREFIX", "CLAIM_RATE_LIMIT_PER_MINUTE",
	"NOTIFICATION_RATE_LIMIT_PER_MINUTE",
}

// LoadConfig reads configuration from the environment and an optional .env
// file in path, then validates it.
func LoadConfig(path string) (Config, error) {
	var config Config

	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DB_MAX_CONNS", 50)
	viper.SetDefault("EVENTS_EXCHANGE", "settlement.events")
	viper.SetDefault("INGEST_QUEUE", "settlement_service.ingest")
	viper.SetDefault("MATCH_TOLERANCE", "1")
	viper.SetDefault("SWEEP_SCHEDULE", "@every 10s")
	viper.SetDefault("SWEEP_LIMIT", 500)
	viper.SetDefault("ACCEPTANCE_WINDOW_SECONDS", 900)
	viper.SetDefault("POOL_WINDOW_SECONDS", 1800)
	viper.SetDefault("BACKLOG_DWELL_SECONDS", 30)
	viper.SetDefault("BACKLOG_BATCH_SIZE", 50)
	viper.SetDefault("PUSH_DELAY_SECONDS", 60)
	viper.SetDefault("MIN_DEPOSIT", "0")
	viper.SetDefault("SELECTION_STRATEGY", "least_recent")
	viper.SetDefault("NOTIFICATION_DEDUPE_TTL_SECONDS", 86400)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "settlement:rate_limit")
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("NOTIFICATION_RATE_LIMIT_PER_MINUTE", 120)

	// Bind explicitly so keys without defaults still reach Unmarshal.
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("failed to read config file; using environment values", "error", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return config, err
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)

	return config, config.Validate()
}

// Validate rejects missing required keys and nonsensical windows.
func (c Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.InternalAPIKey == "" {
		missing = append(missing, "INTERNAL_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	windows := map[string]int{
		"ACCEPTANCE_WINDOW_SECONDS": c.AcceptanceWindowSeconds,
		"POOL_WINDOW_SECONDS":       c.PoolWindowSeconds,
		"BACKLOG_BATCH_SIZE":        c.BacklogBatchSize,
		"SWEEP_LIMIT":               c.SweepLimit,
	}
	for key, v := range windows {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, v)
		}
	}
	if c.BacklogDwellSeconds < 0 || c.PushDelaySeconds < 0 {
		return errors.New("BACKLOG_DWELL_SECONDS and PUSH_DELAY_SECONDS must not be negative")
	}
	if c.ClaimRateLimitPerMinute < 0 || c.NotificationRateLimitPerMinute < 0 {
		return errors.New("rate limits must not be negative; use 0 to disable")
	}

	if _, err := c.Tolerance(); err != nil {
		return err
	}
	if _, err := c.MinDepositAmount(); err != nil {
		return err
	}
	return nil
}

// Tolerance is the matcher's absolute amount tolerance.
func (c Config) Tolerance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.MatchTolerance))
	if err != nil {
		return decimal.Zero, fmt.Errorf("MATCH_TOLERANCE: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("MATCH_TOLERANCE must not be negative, got %s", d)
	}
	return d, nil
}

// MinDepositAmount is the minimum trader deposit for payout eligibility.
func (c Config) MinDepositAmount() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.MinDeposit))
	if err != nil {
		return decimal.Zero, fmt.Errorf("MIN_DEPOSIT: %w", err)
	}
	return d, nil
}

func (c Config) AcceptanceWindow() time.Duration {
	return time.Duration(c.AcceptanceWindowSeconds) * time.Second
}

func (c Config) PoolWindow() time.Duration {
	return time.Duration(c.PoolWindowSeconds) * time.Second
}

func (c Config) BacklogDwell() time.Duration {
	return time.Duration(c.BacklogDwellSeconds) * time.Second
}

func (c Config) PushDelay() time.Duration {
	return time.Duration(c.PushDelaySeconds) * time.Second
}

func (c Config) DedupeTTL() time.Duration {
	return time.Duration(c.NotificationDedupeTTLSeconds) * time.Second
}
