package httputil

import (
	"net/http"
	"time"

	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/go-chi/chi/v5/middleware"
)

// MiddlewareLogging логирует метод, путь, статус и длительность. Обёртка
// сохраняет http.Hijacker, так что через неё проходит и websocket upgrade.
func MiddlewareLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 && r.Header.Get("Upgrade") != "" {
			status = http.StatusSwitchingProtocols
		}
		log := logger.FromContext(r.Context())
		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("http request", args...)
			return
		}
		log.Info("http request", args...)
	})
}
