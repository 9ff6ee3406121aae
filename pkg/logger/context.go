package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// With returns a context whose logger carries args in addition to whatever the
// parent context already had. Session ids go through WithSession instead.
func With(ctx context.Context, args ...any) context.Context {
	return context.WithValue(ctx, ctxKey{}, stored(ctx).With(args...))
}

// FromContext возвращает логгер из контекста (или глобальный) с user_id/conn_id и trace_id/span_id.
func FromContext(ctx context.Context) *slog.Logger {
	l := stored(ctx)
	if attrs := AttrsFromCtx(ctx); len(attrs) > 0 {
		args := make([]any, len(attrs))
		for i, a := range attrs {
			args[i] = a
		}
		l = l.With(args...)
	}
	return l
}

func stored(ctx context.Context) *slog.Logger {
	if v, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && v != nil {
		return v
	}
	return L()
}
