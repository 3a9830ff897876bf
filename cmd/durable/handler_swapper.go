package main

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// handlerSwapper is a slog.Handler whose target can be replaced atomically.
// Used for switching log_format when the config file changes. Loggers derived
// with With or WithGroup keep following the swapped target.
type handlerSwapper struct {
	root *swapTarget
	ops  []func(slog.Handler) slog.Handler
}

type swapTarget struct {
	mu      sync.RWMutex
	handler slog.Handler
}

func newHandlerSwapper(h slog.Handler) *handlerSwapper {
	return &handlerSwapper{root: &swapTarget{handler: h}}
}

// Swap replaces the underlying handler atomically.
func (s *handlerSwapper) Swap(h slog.Handler) {
	s.root.mu.Lock()
	s.root.handler = h
	s.root.mu.Unlock()
}

func (s *handlerSwapper) current() slog.Handler {
	s.root.mu.RLock()
	h := s.root.handler
	s.root.mu.RUnlock()
	for _, op := range s.ops {
		h = op(h)
	}
	return h
}

func (s *handlerSwapper) Enabled(ctx context.Context, level slog.Level) bool {
	return s.current().Enabled(ctx, level)
}

func (s *handlerSwapper) Handle(ctx context.Context, r slog.Record) error {
	return s.current().Handle(ctx, r)
}

func (s *handlerSwapper) WithAttrs(attrs []slog.Attr) slog.Handler {
	return s.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (s *handlerSwapper) WithGroup(name string) slog.Handler {
	return s.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (s *handlerSwapper) derive(op func(slog.Handler) slog.Handler) *handlerSwapper {
	return &handlerSwapper{root: s.root, ops: append(slices.Clip(s.ops), op)}
}
