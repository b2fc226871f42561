// Package config loads the API process configuration from defaults, an
// optional TOML file, a .env file and GIGESCROW_* environment variables, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gigescrow/dispute"
	"gigescrow/fees"
)

type Config struct {
	LogLevel  string          `toml:"log_level"`
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Outbox    OutboxConfig    `toml:"outbox"`
	Notify    NotifyConfig    `toml:"notify"`
	Fees      FeesConfig      `toml:"fees"`
	Disputes  DisputesConfig  `toml:"disputes"`
}

// Duration lets TOML carry values like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	JWTSecret       string   `toml:"jwt_secret"`
	TokenTTL        Duration `toml:"token_ttl"`
	WebhookSecret   string   `toml:"webhook_secret"`
	RateLimitRPS    float64  `toml:"rate_limit_rps"`
	RateLimitBurst  int      `toml:"rate_limit_burst"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	MaxUploadBytes  int64    `toml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	DSN             string   `toml:"dsn"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime Duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	PoolSize int    `toml:"pool_size"`
}

type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PublicBaseURL  string `toml:"public_base_url"`
}

type SchedulerConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  Duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
	LockTTL   Duration `toml:"lock_ttl"`
}

type OutboxConfig struct {
	Interval  Duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

type NotifyConfig struct {
	WebhookURL string   `toml:"webhook_url"`
	Stream     string   `toml:"stream"`
	Timeout    Duration `toml:"timeout"`
}

// FeesConfig overrides the default rates with decimal strings such as "0.035".
type FeesConfig struct {
	Tiers   map[string]string `toml:"tiers"`
	Methods map[string]string `toml:"methods"`
}

type DisputesConfig struct {
	Roster map[string]RosterTier `toml:"roster"`
}

// RosterTier is keyed by lower-case priority in TOML: low, medium, high.
type RosterTier struct {
	Agents []string `toml:"agents"`
	Admins []string `toml:"admins"`
}

func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8080",
			TokenTTL:        Duration{24 * time.Hour},
			RateLimitRPS:    5,
			RateLimitBurst:  20,
			ShutdownTimeout: Duration{15 * time.Second},
			MaxUploadBytes:  10 << 20,
		},
		Database: DatabaseConfig{
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: Duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			PoolSize: 10,
		},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			Interval:  Duration{time.Minute},
			BatchSize: 100,
			LockTTL:   Duration{2 * time.Minute},
		},
		Outbox: OutboxConfig{
			Interval:  Duration{2 * time.Second},
			BatchSize: 100,
		},
		Notify: NotifyConfig{
			Stream:  "gigescrow:notifications",
			Timeout: Duration{5 * time.Second},
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var priorityKeys = map[string]dispute.Priority{
	"low":    dispute.PriorityLow,
	"medium": dispute.PriorityMedium,
	"high":   dispute.PriorityHigh,
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database: dsn is required (or set DATABASE_URL)")
	}
	if c.Server.JWTSecret == "" {
		errs = append(errs, "server: jwt_secret is required")
	}
	if c.Server.Addr == "" {
		errs = append(errs, "server: addr is required")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval.Duration <= 0 {
		errs = append(errs, "scheduler: interval must be positive")
	}
	if c.Outbox.Interval.Duration <= 0 {
		errs = append(errs, "outbox: interval must be positive")
	}
	if _, err := c.FeeSchedule(); err != nil {
		errs = append(errs, err.Error())
	}
	for key, tier := range c.Disputes.Roster {
		if _, ok := priorityKeys[strings.ToLower(key)]; !ok {
			errs = append(errs, fmt.Sprintf("disputes: unknown roster priority %q", key))
			continue
		}
		if len(tier.Agents) == 0 {
			errs = append(errs, fmt.Sprintf("disputes: roster %q has no agents", key))
		}
	}
	for key := range priorityKeys {
		if _, ok := c.Disputes.Roster[key]; !ok {
			errs = append(errs, fmt.Sprintf("disputes: roster %q is missing", key))
		}
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// FeeSchedule merges the configured rates over the defaults.
func (c *Config) FeeSchedule() (fees.Schedule, error) {
	if len(c.Fees.Tiers) == 0 && len(c.Fees.Methods) == 0 {
		return fees.DefaultSchedule(), nil
	}
	return fees.ParseSchedule(c.Fees.Tiers, c.Fees.Methods)
}

// Roster converts the TOML roster to the dispute package's form.
func (c *Config) Roster() dispute.Roster {
	r := dispute.Roster{
		Agents: make(map[dispute.Priority][]string, len(c.Disputes.Roster)),
		Admins: make(map[dispute.Priority][]string, len(c.Disputes.Roster)),
	}
	for key, tier := range c.Disputes.Roster {
		p, ok := priorityKeys[strings.ToLower(key)]
		if !ok {
			continue
		}
		r.Agents[p] = append([]string(nil), tier.Agents...)
		r.Admins[p] = append([]string(nil), tier.Admins...)
	}
	return r
}
