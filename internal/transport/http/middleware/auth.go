package httpmw

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cwrk-planet/presence-service/internal/auth"
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/pkg/httputil"
	"github.com/cwrk-planet/presence-service/pkg/logger"
)

type ctxKey string

const ctxKeyIdentity ctxKey = "identity"

// Auth проверяет bearer-токен тем же верификатором, что и websocket gate,
// и кладёт личность вызывающего в контекст.
func Auth(v auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := auth.Credential(r)
			if tok == "" {
				httputil.Error(r.Context(), w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			id, err := v.Verify(r.Context(), tok)
			if err != nil {
				logger.FromContext(r.Context()).Info("http: token rejected", "err", err)
				httputil.Error(r.Context(), w, http.StatusUnauthorized, "unauthenticated", "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyIdentity, id)
			ctx = logger.With(ctx, slog.String("caller_id", id.UserID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func IdentityFromCtx(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(domain.Identity)
	return id, ok
}
