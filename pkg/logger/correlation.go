package logger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type sessionKey struct{}

type sessionIDs struct {
	userID string
	connID string
}

// WithSession tags ctx with the websocket connection it serves. Loggers taken
// from ctx carry user_id and conn_id exactly once, however many layers tag
// the same context.
func WithSession(ctx context.Context, userID, connID string) context.Context {
	want := sessionIDs{userID: userID, connID: connID}
	if cur, ok := ctx.Value(sessionKey{}).(sessionIDs); ok && cur == want {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, want)
}

// AttrsFromCtx returns the correlation attributes found in ctx: the session
// (user_id, conn_id) and the active span (trace_id, span_id).
func AttrsFromCtx(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if s, ok := ctx.Value(sessionKey{}).(sessionIDs); ok {
		out = append(out,
			slog.String("user_id", s.userID),
			slog.String("conn_id", s.connID))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = append(out,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()))
	}
	return out
}
