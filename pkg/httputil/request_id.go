package httputil

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/google/uuid"
)

type ctxKey string

const (
	HeaderRequestID        = "X-Request-ID"
	ctxKeyReqID     ctxKey = "req_id"
)

// MiddlewareRequestID: пробрасывает/генерирует X-Request-ID и кладёт его в логгер контекста.
func MiddlewareRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)

		ctx := context.WithValue(r.Context(), ctxKeyReqID, reqID)
		ctx = logger.With(ctx, slog.String("req_id", reqID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext: достать request id из контекста.
func FromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyReqID).(string)
	return v, ok
}
