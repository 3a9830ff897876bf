package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/rendis/durable/internal/archive"
	"github.com/rendis/durable/internal/config"
	"github.com/rendis/durable/internal/demo"
	"github.com/rendis/durable/internal/engine"
	"github.com/rendis/durable/internal/logging"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/internal/streaming"
	"github.com/rendis/durable/pkg/schema"
)

// registerHandlers adds the handlers this binary ships with.
var registerHandlers = demo.Register

// app is the wired host and everything it depends on.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	level     *slog.LevelVar
	logs      *handlerSwapper
	logOutput io.Writer

	store   store.Store
	hub     *streaming.MemoryHub
	host    *engine.Host
	closers []func() error
}

// open builds an app from the loaded configuration.
func (o *rootOptions) open(ctx context.Context) (*app, error) {
	cfg := o.cfg
	rt := &app{cfg: cfg, level: new(slog.LevelVar), logOutput: o.logOutput}
	rt.level.Set(logging.ParseLevel(cfg.LogLevel))
	rt.logs = newHandlerSwapper(logging.NewHandler(o.logOutput, logging.Format(cfg.LogFormat), rt.level))
	rt.logger = slog.New(rt.logs)

	st, err := o.openStore(ctx, cfg)
	if err != nil {
		return nil, withExitCode(exitCommandError, err)
	}
	rt.store = st
	rt.closers = append(rt.closers, st.Close)

	hostCfg := engine.HostConfig{
		JournalRetry: schema.RetryPolicy{
			Max:      cfg.Journal.RetryMax,
			Backoff:  "exponential",
			Delay:    cfg.Journal.RetryDelay,
			MaxDelay: engine.DefaultJournalRetry.MaxDelay,
		},
		Breaker: &engine.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
			HalfOpenMax:      1,
		},
		Logger: rt.logger,
	}

	var journal store.Journal = st
	if cfg.Journal.Backend == config.BackendRedis {
		rj := store.NewRedisJournal(store.RedisConfig{Addr: cfg.Journal.RedisAddr, Prefix: cfg.Journal.RedisPrefix})
		rt.closers = append(rt.closers, rj.Close)
		if err := rj.Ping(ctx); err != nil {
			_ = rt.Close()
			return nil, withExitCode(exitCommandError, schema.NewErrorf(schema.ErrCodeJournalUnavailable,
				"redis journal at %s: %s", cfg.Journal.RedisAddr, err.Error()).WithCause(err))
		}
		journal = rj
		hostCfg.Journal = rj
	}

	rt.hub = streaming.NewMemoryHub()
	hostCfg.Hub = rt.hub

	reg := engine.NewRegistry()
	if err := registerHandlers(reg); err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.host = engine.NewHost(st, reg, hostCfg)

	if cfg.Archive.BucketURL != "" {
		a, err := archive.NewBlobArchiver(ctx, cfg.Archive.BucketURL, cfg.Archive.Prefix, journal, rt.logger)
		if err != nil {
			_ = rt.Close()
			return nil, withExitCode(exitCommandError, err)
		}
		a.Attach(rt.host.FSM())
		rt.closers = append(rt.closers, a.Close)
	}

	rt.logger.Debug("host ready",
		slog.String("db_path", cfg.DBPath),
		slog.String("journal", cfg.Journal.Backend),
		slog.Any("handlers", reg.Names()),
	)
	return rt, nil
}

// applyReload applies the live-reloadable parts of a new configuration.
func (rt *app) applyReload(next config.Config, diff config.Diff) {
	if diff.LogLevelChanged {
		rt.level.Set(logging.ParseLevel(next.LogLevel))
	}
	if diff.LogFormatChanged {
		rt.logs.Swap(logging.NewHandler(rt.logOutput, logging.Format(next.LogFormat), rt.level))
	}
	if diff.LogLevelChanged || diff.LogFormatChanged {
		rt.logger.Info("logging reconfigured",
			slog.String("log_level", next.LogLevel), slog.String("log_format", next.LogFormat))
	}
	rt.cfg.LogLevel, rt.cfg.LogFormat = next.LogLevel, next.LogFormat
}

// Close releases resources in reverse order of acquisition.
func (rt *app) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
