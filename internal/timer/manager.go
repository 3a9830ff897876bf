// Package timer fires durable timers. Pending waits persist a timer row; the
// Manager sweeps due rows on a cron schedule and hands each one to the host,
// which settles the wait and resumes the execution.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/internal/engine"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// Source lists timers that are due.
type Source interface {
	ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*store.Timer, error)
}

// Firer settles the wait behind a timer. Satisfied by *engine.Host.
type Firer interface {
	FireTimer(ctx context.Context, executionID, operationID string) (*engine.ExecutionResult, error)
}

// Config tunes the sweep.
type Config struct {
	Interval  time.Duration // sweep period, rounded up to whole seconds by cron
	BatchSize int           // max timers picked up per sweep
	PoolSize  int           // max concurrent firings
}

const (
	DefaultInterval  = time.Second
	DefaultBatchSize = 100
	DefaultPoolSize  = 10
)

type key struct {
	executionID, operationID string
}

// Manager periodically fires due timers through a bounded Pool.
type Manager struct {
	source Source
	firer  Firer
	clock  clock.Clock
	logger *slog.Logger
	cfg    Config
	pool   *Pool

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[key]struct{}
}

// NewManager creates a Manager. Zero Config fields take the defaults.
func NewManager(source Source, firer Firer, clk clock.Clock, logger *slog.Logger, cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		source:   source,
		firer:    firer,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
		pool:     NewPool(cfg.PoolSize),
		inflight: make(map[key]struct{}),
	}
}

// Start schedules Sweep every Config.Interval. Timers that came due while the
// process was down are picked up by the first sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("timer manager already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("@every "+m.cfg.Interval.String(), func() {
		if _, err := m.Sweep(sweepCtx); err != nil && sweepCtx.Err() == nil {
			m.logger.Error("timer sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule timer sweep: %w", err)
	}
	c.Start()
	m.cron, m.cancel = c, cancel

	m.logger.Info("timer manager started", slog.Duration("interval", m.cfg.Interval))
	return nil
}

// Stop halts the schedule and waits for in-flight firings.
func (m *Manager) Stop() {
	m.mu.Lock()
	c, cancel := m.cron, m.cancel
	m.cron, m.cancel = nil, nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		cancel()
	}
	m.pool.Shutdown()
	m.logger.Info("timer manager stopped")
}

// Sweep dispatches every due timer not already being fired and returns how
// many were dispatched. Firings run asynchronously; use Wait to join them.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	due, err := m.source.ListDueTimers(ctx, m.clock.Now(), m.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, t := range due {
		k := key{t.ExecutionID, t.OperationID}
		if !m.tryAcquire(k) {
			continue
		}
		err := m.pool.Submit(ctx, func(ctx context.Context) error {
			defer m.release(k)
			return m.fire(ctx, t)
		})
		if err != nil {
			m.release(k)
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// Wait blocks until dispatched firings finish.
func (m *Manager) Wait() { m.pool.Wait() }

// Metrics reports the dispatch pool counters.
func (m *Manager) Metrics() PoolMetrics { return m.pool.Metrics() }

func (m *Manager) fire(ctx context.Context, t *store.Timer) error {
	res, err := m.firer.FireTimer(ctx, t.ExecutionID, t.OperationID)
	switch {
	case err == nil:
		m.logger.Debug("timer fired",
			slog.String("execution_id", t.ExecutionID),
			slog.String("operation_id", t.OperationID),
			slog.String("status", string(res.Status)),
		)
		return nil
	case schema.IsCode(err, schema.ErrCodeConflict), schema.IsCode(err, schema.ErrCodeNotFound):
		// Another firer won, or the timer moved; nothing to do.
		m.logger.Debug("timer skipped",
			slog.String("execution_id", t.ExecutionID),
			slog.String("operation_id", t.OperationID),
			slog.String("reason", err.Error()),
		)
		return nil
	case errors.Is(err, context.Canceled):
		return err
	}
	m.logger.Error("fire timer failed",
		slog.String("execution_id", t.ExecutionID),
		slog.String("operation_id", t.OperationID),
		slog.String("error", err.Error()),
	)
	return err
}

func (m *Manager) tryAcquire(k key) bool {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	if _, ok := m.inflight[k]; ok {
		return false
	}
	m.inflight[k] = struct{}{}
	return true
}

func (m *Manager) release(k key) {
	m.inflightMu.Lock()
	defer m.inflightMu.Unlock()
	delete(m.inflight, k)
}
