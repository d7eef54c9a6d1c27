// Package slogutil wires log/slog for the process: rotating output,
// runtime level changes, and context-carried attributes such as the job id
// a fetch is working for.
package slogutil

import (
	"context"
	"log/slog"
	"os"
)

// A hook mutates a record before the wrapped handler sees it.
type hook func(ctx context.Context, r *slog.Record)

// contextAttrsHook copies the attributes stored via With onto the record.
func contextAttrsHook(ctx context.Context, r *slog.Record) {
	r.AddAttrs(contextAttrs(ctx)...)
}

// Handler decorates a slog.Handler so every record picks up the attributes
// carried by its context.
type Handler struct {
	next  slog.Handler
	hooks []hook
}

// WrapHandler builds the decorated handler. A nil next falls back to text
// output on stderr.
func WrapHandler(next slog.Handler) Handler {
	if next == nil {
		next = slog.NewTextHandler(os.Stderr, nil)
	}
	return Handler{
		next:  next,
		hooks: []hook{contextAttrsHook},
	}
}

func (h Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	r = r.Clone()
	for _, hk := range h.hooks {
		hk(ctx, &r)
	}
	return h.next.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{next: h.next.WithAttrs(attrs), hooks: h.hooks}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{next: h.next.WithGroup(name), hooks: h.hooks}
}
