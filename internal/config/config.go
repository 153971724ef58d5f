// Package config loads the daemon's TOML configuration and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration written as "1s", "500ms" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents <data_dir>/config.toml.
type Config struct {
	LogLevel string `toml:"log_level"`

	API      APIConfig      `toml:"api"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Session  SessionConfig  `toml:"session"`
	Send     SendConfig     `toml:"send"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Enrich   EnrichConfig   `toml:"enrich"`
}

type APIConfig struct {
	Addr        string   `toml:"addr"`
	RateRPS     float64  `toml:"rate_rps"`
	RateBurst   int      `toml:"rate_burst"`
	CORSOrigins []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// DSN is the Postgres connection string; sqlite uses the data dir.
	DSN string `toml:"dsn"`
}

type RedisConfig struct {
	// URL enables Redis notifications when set.
	URL           string `toml:"url"`
	ChannelPrefix string `toml:"channel_prefix"`
}

type SessionConfig struct {
	PairingSaveAttempts  int      `toml:"pairing_save_attempts"`
	PairingSaveBackoff   Duration `toml:"pairing_save_backoff"`
	StartWait            Duration `toml:"start_wait"`
	EventTimeout         Duration `toml:"event_timeout"`
	RecoveryPollAttempts int      `toml:"recovery_poll_attempts"`
	RecoveryPollInterval Duration `toml:"recovery_poll_interval"`
	SyncOnReady          bool     `toml:"sync_on_ready"`
	RestoreConcurrency   int      `toml:"restore_concurrency"`
}

type SendConfig struct {
	RatePerMinute int `toml:"rate_per_minute"`
	Burst         int `toml:"burst"`
}

type OutboxConfig struct {
	PollInterval Duration `toml:"poll_interval"`
}

type EnrichConfig struct {
	Timeout Duration `toml:"timeout"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			Addr:      "127.0.0.1:8787",
			RateRPS:   20,
			RateBurst: 40,
		},
		Database: DatabaseConfig{Driver: "sqlite"},
		Redis:    RedisConfig{ChannelPrefix: "wpphub"},
		Session: SessionConfig{
			PairingSaveAttempts:  3,
			PairingSaveBackoff:   Duration{time.Second},
			StartWait:            Duration{25 * time.Second},
			EventTimeout:         Duration{30 * time.Second},
			RecoveryPollAttempts: 10,
			RecoveryPollInterval: Duration{time.Second},
			SyncOnReady:          true,
			RestoreConcurrency:   4,
		},
		Send:   SendConfig{RatePerMinute: 60, Burst: 10},
		Outbox: OutboxConfig{PollInterval: Duration{500 * time.Millisecond}},
		Enrich: EnrichConfig{Timeout: Duration{5 * time.Second}},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that treats a missing file as Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overrides cfg with WPPHUB_* environment variables.
func ApplyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("WPPHUB_LOG_LEVEL", &cfg.LogLevel)
	str("WPPHUB_API_ADDR", &cfg.API.Addr)
	str("WPPHUB_DATABASE_DRIVER", &cfg.Database.Driver)
	str("WPPHUB_DATABASE_DSN", &cfg.Database.DSN)
	str("WPPHUB_REDIS_URL", &cfg.Redis.URL)
	str("WPPHUB_REDIS_CHANNEL_PREFIX", &cfg.Redis.ChannelPrefix)
	num("WPPHUB_API_RATE_BURST", &cfg.API.RateBurst)
	num("WPPHUB_SESSION_PAIRING_SAVE_ATTEMPTS", &cfg.Session.PairingSaveAttempts)
	num("WPPHUB_SESSION_RECOVERY_POLL_ATTEMPTS", &cfg.Session.RecoveryPollAttempts)
	num("WPPHUB_SESSION_RESTORE_CONCURRENCY", &cfg.Session.RestoreConcurrency)
	num("WPPHUB_SEND_RATE_PER_MINUTE", &cfg.Send.RatePerMinute)
	num("WPPHUB_SEND_BURST", &cfg.Send.Burst)
	dur("WPPHUB_SESSION_PAIRING_SAVE_BACKOFF", &cfg.Session.PairingSaveBackoff)
	dur("WPPHUB_SESSION_START_WAIT", &cfg.Session.StartWait)
	dur("WPPHUB_SESSION_EVENT_TIMEOUT", &cfg.Session.EventTimeout)
	dur("WPPHUB_SESSION_RECOVERY_POLL_INTERVAL", &cfg.Session.RecoveryPollInterval)
	dur("WPPHUB_OUTBOX_POLL_INTERVAL", &cfg.Outbox.PollInterval)
	dur("WPPHUB_ENRICH_TIMEOUT", &cfg.Enrich.Timeout)

	if v, ok := os.LookupEnv("WPPHUB_API_RATE_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WPPHUB_API_RATE_RPS: %w", err))
		} else {
			cfg.API.RateRPS = f
		}
	}
	if v, ok := os.LookupEnv("WPPHUB_SESSION_SYNC_ON_READY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("WPPHUB_SESSION_SYNC_ON_READY: %w", err))
		} else {
			cfg.Session.SyncOnReady = b
		}
	}
	if v, ok := os.LookupEnv("WPPHUB_API_CORS_ORIGINS"); ok && v != "" {
		cfg.API.CORSOrigins = splitCSV(v)
	}
	return errors.Join(errs...)
}

// Validate reports settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Session.PairingSaveAttempts < 1 {
		return errors.New("session.pairing_save_attempts must be >= 1")
	}
	if c.Session.RestoreConcurrency < 1 {
		return errors.New("session.restore_concurrency must be >= 1")
	}
	if c.API.RateRPS < 0 {
		return errors.New("api.rate_rps must be >= 0")
	}
	if c.API.RateRPS > 0 && c.API.RateBurst < 1 {
		return errors.New("api.rate_burst must be >= 1")
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
