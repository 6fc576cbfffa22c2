package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/nicktill/tinystats/pkg/batch"
	"github.com/nicktill/tinystats/pkg/sqldb"
)

// Config is the resolved configuration from file, environment and flags.
type Config struct {
	Source        SourceConfig      `mapstructure:"source"`
	Store         StoreConfig       `mapstructure:"store"`
	HTTP          HTTPConfig        `mapstructure:"http"`
	Log           LogConfig         `mapstructure:"log"`
	Retry         RetryConfig       `mapstructure:"retry"`
	Schedule      string            `mapstructure:"schedule"`
	Workers       int               `mapstructure:"workers"`
	UpdateTimeout time.Duration     `mapstructure:"update-timeout"`
	Windows       map[string]string `mapstructure:"windows"`
}

// SourceConfig points at the ledger database.
type SourceConfig struct {
	Backend string        `mapstructure:"backend"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects where chart series are persisted.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	Path        string `mapstructure:"path"`
	DSN         string `mapstructure:"dsn"`
	MaxMemoryMB int64  `mapstructure:"max-memory-mb"`
}

// HTTPConfig configures the read API.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// RetryConfig bounds retries of retryable update failures.
type RetryConfig struct {
	MaxElapsed time.Duration `mapstructure:"max-elapsed"`
}

// SetDefaults registers every default with v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.backend", string(sqldb.Postgres))
	v.SetDefault("source.dsn", "")
	v.SetDefault("source.timeout", DefaultSourceTimeout)
	v.SetDefault("store.backend", BackendBadger)
	v.SetDefault("store.path", DefaultDataDir)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max-memory-mb", DefaultMaxMemoryMB)
	v.SetDefault("http.addr", DefaultAddr)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.pretty", false)
	v.SetDefault("retry.max-elapsed", DefaultRetryElapsed)
	v.SetDefault("schedule", DefaultSchedule)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("update-timeout", DefaultUpdateTimeout)
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field that can be wrong.
func (c *Config) Validate() error {
	if _, err := c.SourceDialect(); err != nil {
		return fmt.Errorf("source.backend: %w", err)
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if _, err := c.ParsedSchedule(); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.UpdateTimeout <= 0 {
		return fmt.Errorf("update-timeout must be positive, got %s", c.UpdateTimeout)
	}
	if c.Retry.MaxElapsed < 0 {
		return fmt.Errorf("retry.max-elapsed must not be negative, got %s", c.Retry.MaxElapsed)
	}
	if _, err := c.BatchWindows(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch strings.ToLower(c.Store.Backend) {
	case BackendBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the badger store")
		}
		return nil
	case BackendMemory:
		return nil
	}
	d, err := sqldb.ParseDialect(c.Store.Backend)
	if err != nil {
		return fmt.Errorf("store.backend: must be badger, memory, sqlite, mysql or postgresql, got %q", c.Store.Backend)
	}
	if d != sqldb.SQLite && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the %s store", d)
	}
	return nil
}

// SourceDialect parses source.backend.
func (c *Config) SourceDialect() (sqldb.Dialect, error) {
	return sqldb.ParseDialect(c.Source.Backend)
}

// ParsedSchedule parses the update schedule. Seconds are optional.
func (c *Config) ParsedSchedule() (cron.Schedule, error) {
	s, err := Parser.Parse(c.Schedule)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", c.Schedule, err)
	}
	return s, nil
}

// Parser is the cron dialect used for schedules.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// BatchWindows parses the per-chart window overrides.
func (c *Config) BatchWindows() (map[string]batch.Window, error) {
	out := make(map[string]batch.Window, len(c.Windows))
	for name, text := range c.Windows {
		w, err := batch.ParseWindow(text)
		if err != nil {
			return nil, fmt.Errorf("windows.%s: %w", name, err)
		}
		out[name] = w
	}
	return out, nil
}
