// Package config loads durable server settings.
// Priority: env vars > durable.yaml > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Journal backends.
const (
	BackendLibSQL = "libsql"
	BackendRedis  = "redis"
)

// Config holds all server configuration.
type Config struct {
	ListenAddr string        `yaml:"listen_addr"`
	DBPath     string        `yaml:"db_path"`
	LogLevel   string        `yaml:"log_level"`
	LogFormat  string        `yaml:"log_format"`
	PoolSize   int           `yaml:"pool_size"`
	TimerSweep time.Duration `yaml:"timer_sweep"`

	Journal JournalConfig `yaml:"journal"`
	Breaker BreakerConfig `yaml:"breaker"`
	Archive ArchiveConfig `yaml:"archive"`
}

// JournalConfig selects where events are written.
type JournalConfig struct {
	Backend     string        `yaml:"backend"`
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	RetryMax    int           `yaml:"retry_max"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// BreakerConfig tunes the journal circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ArchiveConfig enables archiving of finished executions. An empty BucketURL
// disables it.
type ArchiveConfig struct {
	BucketURL string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`
}

const (
	DefaultListenAddr  = ":4200"
	DefaultPoolSize    = 10
	DefaultTimerSweep  = time.Second
	DefaultRetryMax    = 3
	DefaultRetryDelay  = 100 * time.Millisecond
	DefaultThreshold   = 5
	DefaultCooldown    = 30 * time.Second
	DefaultRedisPrefix = "durable"
)

var (
	ErrInvalidListenAddr  = errors.New("listen_addr is required")
	ErrInvalidDBPath      = errors.New("db_path is required")
	ErrInvalidLogLevel    = errors.New("log_level must be debug, info, warn or error")
	ErrInvalidLogFormat   = errors.New("log_format must be text, json or empty")
	ErrInvalidPoolSize    = errors.New("pool_size must be positive")
	ErrInvalidTimerSweep  = errors.New("timer_sweep must be at least 10ms")
	ErrInvalidBackend     = errors.New("journal.backend must be libsql or redis")
	ErrMissingRedisAddr   = errors.New("journal.redis_addr is required for the redis backend")
	ErrInvalidRetryMax    = errors.New("journal.retry_max cannot be negative")
	ErrInvalidRetryDelay  = errors.New("journal.retry_delay must be positive")
	ErrInvalidThreshold   = errors.New("breaker.failure_threshold must be positive")
	ErrInvalidCooldown    = errors.New("breaker.cooldown must be positive")
	ErrInvalidEnvOverride = errors.New("invalid environment override")
)

// Dir is the default state directory, ~/.durable.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".durable"
	}
	return filepath.Join(home, ".durable")
}

// DefaultPath is where Load looks when no file is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "durable.yaml")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		DBPath:     filepath.Join(Dir(), "durable.db"),
		LogLevel:   "info",
		PoolSize:   DefaultPoolSize,
		TimerSweep: DefaultTimerSweep,
		Journal: JournalConfig{
			Backend:     BackendLibSQL,
			RedisPrefix: DefaultRedisPrefix,
			RetryMax:    DefaultRetryMax,
			RetryDelay:  DefaultRetryDelay,
		},
		Breaker: BreakerConfig{
			FailureThreshold: DefaultThreshold,
			Cooldown:         DefaultCooldown,
		},
	}
}

// Load layers path (ignored when missing) and DURABLE_* variables over the
// defaults, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.loadEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadEnv() error {
	loadEnvString("DURABLE_LISTEN_ADDR", &c.ListenAddr)
	loadEnvString("DURABLE_DB_PATH", &c.DBPath)
	loadEnvString("DURABLE_LOG_LEVEL", &c.LogLevel)
	loadEnvString("DURABLE_LOG_FORMAT", &c.LogFormat)
	loadEnvString("DURABLE_JOURNAL_BACKEND", &c.Journal.Backend)
	loadEnvString("DURABLE_REDIS_ADDR", &c.Journal.RedisAddr)
	loadEnvString("DURABLE_REDIS_PREFIX", &c.Journal.RedisPrefix)
	loadEnvString("DURABLE_ARCHIVE_BUCKET_URL", &c.Archive.BucketURL)
	loadEnvString("DURABLE_ARCHIVE_PREFIX", &c.Archive.Prefix)

	for name, dst := range map[string]*int{
		"DURABLE_POOL_SIZE":         &c.PoolSize,
		"DURABLE_JOURNAL_RETRY_MAX": &c.Journal.RetryMax,
		"DURABLE_BREAKER_THRESHOLD": &c.Breaker.FailureThreshold,
	} {
		if err := loadEnvInt(name, dst); err != nil {
			return err
		}
	}
	for name, dst := range map[string]*time.Duration{
		"DURABLE_TIMER_SWEEP":         &c.TimerSweep,
		"DURABLE_JOURNAL_RETRY_DELAY": &c.Journal.RetryDelay,
		"DURABLE_BREAKER_COOLDOWN":    &c.Breaker.Cooldown,
	} {
		if err := loadEnvDuration(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return ErrInvalidListenAddr
	case c.DBPath == "":
		return ErrInvalidDBPath
	case !validLevel(c.LogLevel):
		return ErrInvalidLogLevel
	case c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json":
		return ErrInvalidLogFormat
	case c.PoolSize <= 0:
		return ErrInvalidPoolSize
	case c.TimerSweep < 10*time.Millisecond:
		return ErrInvalidTimerSweep
	case c.Journal.Backend != BackendLibSQL && c.Journal.Backend != BackendRedis:
		return ErrInvalidBackend
	case c.Journal.Backend == BackendRedis && c.Journal.RedisAddr == "":
		return ErrMissingRedisAddr
	case c.Journal.RetryMax < 0:
		return ErrInvalidRetryMax
	case c.Journal.RetryDelay <= 0:
		return ErrInvalidRetryDelay
	case c.Breaker.FailureThreshold <= 0:
		return ErrInvalidThreshold
	case c.Breaker.Cooldown <= 0:
		return ErrInvalidCooldown
	}
	return nil
}

func validLevel(s string) bool {
	switch s {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func loadEnvString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func loadEnvInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidEnvOverride, name, v)
	}
	*dst = n
	return nil
}

func loadEnvDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidEnvOverride, name, v)
	}
	*dst = d
	return nil
}
