// Package config loads service settings from defaults, an optional YAML
// file and LIVINGROSARY_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"livingrosary.org/internal/schedule"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIVINGROSARY_"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	Store    StoreConfig    `yaml:"store"`
	Auth     AuthConfig     `yaml:"auth"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Rotation RotationConfig `yaml:"rotation"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type ScheduleConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Spec         string        `yaml:"spec"`
	Timezone     string        `yaml:"timezone"`
	RunHour      int           `yaml:"run_hour"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type RotationConfig struct {
	HistoryWindow int `yaml:"history_window"`
	Parallelism   int `yaml:"parallelism"`
}

type HTTPConfig struct {
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Default returns settings suitable for a local run.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "data/livingrosary.db",
		},
		Auth: AuthConfig{
			Issuer:   "livingrosary",
			TokenTTL: 24 * time.Hour,
		},
		Schedule: ScheduleConfig{
			Enabled:      true,
			Spec:         schedule.DefaultSpec,
			Timezone:     "UTC",
			RunHour:      schedule.DefaultRunHour,
			PollInterval: schedule.DefaultPollInterval,
		},
		Rotation: RotationConfig{
			HistoryWindow: 5,
			Parallelism:   1,
		},
		HTTP: HTTPConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			MaxBodyBytes:   1 << 20,
			ShutdownGrace:  15 * time.Second,
		},
	}
}

// Load builds and validates the configuration. path may be empty; otherwise
// the file must exist. LIVINGROSARY_CONFIG is used when path is empty.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read layers defaults, the file and the environment without validating,
// for tools that need only part of the settings.
func Read(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("STORE_DRIVER", &cfg.Store.Driver)
	str("PG_DSN", &cfg.Store.DSN)
	str("SQLITE_PATH", &cfg.Store.SQLitePath)
	str("AUTH_SECRET", &cfg.Auth.Secret)
	str("AUTH_ISSUER", &cfg.Auth.Issuer)
	duration("TOKEN_TTL", &cfg.Auth.TokenTTL)
	boolean("SCHEDULE_ENABLED", &cfg.Schedule.Enabled)
	str("SCHEDULE_SPEC", &cfg.Schedule.Spec)
	str("TIMEZONE", &cfg.Schedule.Timezone)
	integer("RUN_HOUR", &cfg.Schedule.RunHour)
	duration("POLL_INTERVAL", &cfg.Schedule.PollInterval)
	integer("HISTORY_WINDOW", &cfg.Rotation.HistoryWindow)
	integer("PARALLELISM", &cfg.Rotation.Parallelism)
	integer("RATE_LIMIT_BURST", &cfg.HTTP.RateLimitBurst)
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_RPS: %w", EnvPrefix, err))
		} else {
			cfg.HTTP.RateLimitRPS = f
		}
	}
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok {
		cfg.HTTP.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.HTTP.AllowedOrigins = append(cfg.HTTP.AllowedOrigins, o)
			}
		}
	}
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once. An unusable schedule spec
// is not an error here: the trigger falls back to polling.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	case DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of postgres, sqlite, memory", c.Store.Driver))
	}
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth.secret must be at least 16 bytes"))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	if c.Schedule.RunHour < 0 || c.Schedule.RunHour > 23 {
		errs = append(errs, fmt.Errorf("schedule.run_hour %d out of range 0-23", c.Schedule.RunHour))
	}
	if c.Schedule.PollInterval < time.Minute {
		errs = append(errs, errors.New("schedule.poll_interval must be at least 1m"))
	}
	if c.Rotation.HistoryWindow < 0 {
		errs = append(errs, errors.New("rotation.history_window must not be negative"))
	}
	if c.Rotation.Parallelism < 1 {
		errs = append(errs, errors.New("rotation.parallelism must be at least 1"))
	}
	if c.HTTP.RateLimitRPS <= 0 || c.HTTP.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("http rate limit must be positive"))
	}
	return errors.Join(errs...)
}

// Location returns the schedule zone. Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
