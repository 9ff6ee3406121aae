package grpcx

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor tags the context with the method, recovers panics
// and bounds calls that arrive without a deadline by guard.
func UnaryServerInterceptor(guard time.Duration) grpc.UnaryServerInterceptor {
	if guard <= 0 {
		guard = 10 * time.Second
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, guard)
			defer cancel()
		}
		ctx = logger.With(ctx, "grpc_method", info.FullMethod)

		defer func() { err = finish(ctx, "unary", start, recover(), err) }()
		return handler(ctx, req)
	}
}

// StreamServerInterceptor does the same for streams (health Watch). Streams
// are long-lived, so no deadline is imposed.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		ctx := logger.With(ss.Context(), "grpc_method", info.FullMethod)

		defer func() { err = finish(ctx, "stream", start, recover(), err) }()
		return handler(srv, ss)
	}
}

// finish turns a panic into codes.Internal and logs the call at a level that
// follows its status: failures of this service are errors, an unreachable
// store is a warning, the rest is debug noise from probes.
func finish(ctx context.Context, kind string, start time.Time, panicked any, err error) error {
	log := logger.FromContext(ctx)
	if panicked != nil {
		log.Error("grpc: panic", "kind", kind, "panic", panicked, "stack", string(debug.Stack()))
		err = status.Error(codes.Internal, "internal server error")
	}

	code := status.Code(err)
	lvl := slog.LevelDebug
	switch code {
	case codes.Internal, codes.Unknown, codes.DataLoss:
		lvl = slog.LevelError
	case codes.Unavailable, codes.DeadlineExceeded:
		lvl = slog.LevelWarn
	}
	log.Log(ctx, lvl, "grpc: call",
		"kind", kind,
		"code", code.String(),
		"dur_ms", time.Since(start).Milliseconds())
	return err
}
