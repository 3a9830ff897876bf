package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendLibSQL, cfg.Journal.Backend)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.yaml")
	writeFile(t, path, `
listen_addr: ":9000"
db_path: /tmp/durable.db
log_level: debug
timer_sweep: 250ms
journal:
  backend: redis
  redis_addr: localhost:6379
  retry_delay: 50ms
archive:
  bucket_url: mem://
`)
	t.Setenv("DURABLE_LISTEN_ADDR", ":9100")
	t.Setenv("DURABLE_POOL_SIZE", "32")
	t.Setenv("DURABLE_BREAKER_COOLDOWN", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.ListenAddr, "env beats the file")
	assert.Equal(t, "/tmp/durable.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.TimerSweep)
	assert.Equal(t, BackendRedis, cfg.Journal.Backend)
	assert.Equal(t, 50*time.Millisecond, cfg.Journal.RetryDelay)
	assert.Equal(t, DefaultRetryMax, cfg.Journal.RetryMax, "unset fields keep defaults")
	assert.Equal(t, 32, cfg.PoolSize)
	assert.Equal(t, time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, "mem://", cfg.Archive.BucketURL)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "listen_addr: [")
	_, err := Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	writeFile(t, invalid, "journal:\n  backend: redis\n")
	_, err = Load(invalid)
	assert.ErrorIs(t, err, ErrMissingRedisAddr)

	t.Setenv("DURABLE_POOL_SIZE", "lots")
	_, err = Load(filepath.Join(dir, "absent.yaml"))
	assert.ErrorIs(t, err, ErrInvalidEnvOverride)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"listen addr", func(c *Config) { c.ListenAddr = "" }, ErrInvalidListenAddr},
		{"db path", func(c *Config) { c.DBPath = "" }, ErrInvalidDBPath},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, ErrInvalidLogLevel},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, ErrInvalidLogFormat},
		{"pool size", func(c *Config) { c.PoolSize = 0 }, ErrInvalidPoolSize},
		{"timer sweep", func(c *Config) { c.TimerSweep = time.Millisecond }, ErrInvalidTimerSweep},
		{"backend", func(c *Config) { c.Journal.Backend = "s3" }, ErrInvalidBackend},
		{"retry max", func(c *Config) { c.Journal.RetryMax = -1 }, ErrInvalidRetryMax},
		{"retry delay", func(c *Config) { c.Journal.RetryDelay = 0 }, ErrInvalidRetryDelay},
		{"threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, ErrInvalidThreshold},
		{"cooldown", func(c *Config) { c.Breaker.Cooldown = 0 }, ErrInvalidCooldown},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}
}

func TestCompare(t *testing.T) {
	old := Default()
	assert.True(t, Compare(old, old).Empty())

	next := old
	next.LogLevel = "debug"
	next.ListenAddr = ":1"
	next.Journal.RetryMax = 9
	d := Compare(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.False(t, d.LogFormatChanged)
	assert.Equal(t, []string{"listen_addr", "journal"}, d.RestartNeeded)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durable.yaml")
	writeFile(t, path, "log_level: info\n")
	current, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloads := make(chan Config, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, Watch(ctx, path, current, logger, func(next Config, d Diff) {
		if d.LogLevelChanged {
			reloads <- next
		}
	}))

	writeFile(t, path, "log_level: debug\n")
	select {
	case next := <-reloads:
		assert.Equal(t, "debug", next.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}
