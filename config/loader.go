package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "GIGESCROW_"

// Load applies defaults, then the TOML file at path when path is not empty,
// then .env, then the environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// a missing .env is fine
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, envPrefix+"LOG_LEVEL")

	setStr(&cfg.Server.Addr, envPrefix+"SERVER_ADDR")
	setStr(&cfg.Server.JWTSecret, envPrefix+"JWT_SECRET")
	setStr(&cfg.Server.WebhookSecret, envPrefix+"WEBHOOK_SECRET")
	setDuration(&cfg.Server.TokenTTL, envPrefix+"TOKEN_TTL")
	setFloat64(&cfg.Server.RateLimitRPS, envPrefix+"RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, envPrefix+"RATE_LIMIT_BURST")

	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.DSN, envPrefix+"DATABASE_DSN")
	setInt(&cfg.Database.MaxConns, envPrefix+"DATABASE_MAX_CONNS")
	setInt(&cfg.Database.MinConns, envPrefix+"DATABASE_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, envPrefix+"DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, envPrefix+"REDIS_ADDR")
	setStr(&cfg.Redis.Password, envPrefix+"REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, envPrefix+"REDIS_DB")

	setStr(&cfg.S3.Endpoint, envPrefix+"S3_ENDPOINT")
	setStr(&cfg.S3.Region, envPrefix+"S3_REGION")
	setStr(&cfg.S3.Bucket, envPrefix+"S3_BUCKET")
	setStr(&cfg.S3.AccessKey, envPrefix+"S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, envPrefix+"S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, envPrefix+"S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.PublicBaseURL, envPrefix+"S3_PUBLIC_BASE_URL")

	setBool(&cfg.Scheduler.Enabled, envPrefix+"SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.Interval, envPrefix+"SCHEDULER_INTERVAL")
	setInt(&cfg.Scheduler.BatchSize, envPrefix+"SCHEDULER_BATCH_SIZE")

	setDuration(&cfg.Outbox.Interval, envPrefix+"OUTBOX_INTERVAL")
	setInt(&cfg.Outbox.BatchSize, envPrefix+"OUTBOX_BATCH_SIZE")

	setStr(&cfg.Notify.WebhookURL, envPrefix+"NOTIFY_WEBHOOK_URL")
	setStr(&cfg.Notify.Stream, envPrefix+"NOTIFY_STREAM")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
