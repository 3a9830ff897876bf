package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/internal/config"
	"github.com/rendis/durable/internal/scheduler"
	"github.com/rendis/durable/internal/server"
	"github.com/rendis/durable/internal/timer"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the timer sweep and the cron scheduler",
		Long: `Run the HTTP API, the timer sweep and the cron scheduler.

The config file is watched; log_level and log_format changes apply live,
other changes are logged and need a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listenAddr != "" {
				opts.cfg.ListenAddr = listenAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, nil)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen-addr", "", "TCP listen address (overrides listen_addr)")
	return cmd
}

// runServe blocks until ctx is done or the listener fails. ready, when set,
// receives the bound address once the API accepts connections.
func runServe(ctx context.Context, opts *rootOptions, ready chan<- string) error {
	rt, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	timers := timer.NewManager(rt.store, rt.host, clock.System(), rt.logger, timer.Config{
		Interval: cfg.TimerSweep,
		PoolSize: cfg.PoolSize,
	})
	if err := timers.Start(ctx); err != nil {
		return err
	}
	defer timers.Stop()

	sched := scheduler.NewScheduler(rt.store, rt.host, clock.System(), rt.logger)
	if _, err := sched.RecoverMissed(ctx); err != nil {
		rt.logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	if err := config.Watch(ctx, opts.configPath, cfg, rt.logger, rt.applyReload); err != nil {
		rt.logger.Warn("config watch disabled", slog.String("path", opts.configPath), slog.String("error", err.Error()))
	}

	gin.SetMode(gin.ReleaseMode)
	api := server.New(rt.host, rt.hub, rt.logger)
	httpSrv := &http.Server{
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return withExitCode(exitCommandError, err)
	}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.Serve(ln) }()

	rt.logger.Info("durable listening",
		slog.String("addr", ln.Addr().String()),
		slog.Any("handlers", rt.host.Registry().Names()),
	)
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	api.CloseWebSockets()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
