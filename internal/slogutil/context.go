package slogutil

import (
	"context"
	"log/slog"
)

// attrsKey carries log attributes through a context so call sites deep in
// the fetch path emit them without a logger being threaded down to them.
type attrsKey struct{}

// With returns a context whose log records carry the given key-value
// pairs. Setting a key again on a derived context replaces the value.
func With(ctx context.Context, kvargs ...any) context.Context {
	if len(kvargs) == 0 {
		return ctx
	}

	var rec slog.Record
	rec.Add(kvargs...)

	prev := contextAttrs(ctx)
	merged := make([]slog.Attr, len(prev), len(prev)+rec.NumAttrs())
	copy(merged, prev)
	rec.Attrs(func(a slog.Attr) bool {
		for i := range merged {
			if merged[i].Key == a.Key {
				merged[i] = a
				return true
			}
		}
		merged = append(merged, a)
		return true
	})

	return context.WithValue(ctx, attrsKey{}, merged)
}

func contextAttrs(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey{}).([]slog.Attr)
	return attrs
}
