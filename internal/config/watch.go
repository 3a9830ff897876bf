package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Diff describes what changed between two configurations.
type Diff struct {
	LogLevelChanged  bool
	LogFormatChanged bool
	RestartNeeded    []string // fields that only apply after a restart
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.LogFormatChanged && len(d.RestartNeeded) == 0
}

// Compare returns the differences from old to next.
func Compare(old, next Config) Diff {
	var d Diff
	d.LogLevelChanged = old.LogLevel != next.LogLevel
	d.LogFormatChanged = old.LogFormat != next.LogFormat

	restart := func(name string, changed bool) {
		if changed {
			d.RestartNeeded = append(d.RestartNeeded, name)
		}
	}
	restart("listen_addr", old.ListenAddr != next.ListenAddr)
	restart("db_path", old.DBPath != next.DBPath)
	restart("pool_size", old.PoolSize != next.PoolSize)
	restart("timer_sweep", old.TimerSweep != next.TimerSweep)
	restart("journal", old.Journal != next.Journal)
	restart("breaker", old.Breaker != next.Breaker)
	restart("archive", old.Archive != next.Archive)
	return d
}

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(next Config, diff Diff)

// debounce coalesces editor write bursts into one reload.
const debounce = 100 * time.Millisecond

// Watch reloads path whenever it changes until ctx is done. Invalid files are
// logged and skipped; current stays in effect. The parent directory is watched
// so editors that replace the file are followed.
func Watch(ctx context.Context, path string, current Config, logger *slog.Logger, onReload ReloadFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)

		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				fire = time.After(debounce)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", slog.String("error", err.Error()))
			case <-fire:
				fire = nil
				next, err := Load(path)
				if err != nil {
					logger.Warn("config reload rejected", slog.String("path", path), slog.String("error", err.Error()))
					continue
				}
				d := Compare(current, next)
				if d.Empty() {
					continue
				}
				current = next
				if len(d.RestartNeeded) > 0 {
					logger.Info("config changed, restart needed", slog.Any("fields", d.RestartNeeded))
				}
				onReload(next, d)
			}
		}
	}()
	return nil
}
