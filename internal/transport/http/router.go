package http

import (
	"net/http"
	"time"

	"github.com/cwrk-planet/presence-service/internal/auth"
	httpmw "github.com/cwrk-planet/presence-service/internal/transport/http/middleware"
	"github.com/cwrk-planet/presence-service/pkg/httputil"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Deps struct {
	Handler        *Handler
	Verifier       auth.Verifier
	WS             http.HandlerFunc
	AllowedOrigins []string
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	h := d.Handler

	r := chi.NewRouter()
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(httputil.MiddlewareRequestID)
	r.Use(httputil.MiddlewareLogging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WS endpoint: аутентификация внутри, до upgrade
	if d.WS != nil {
		r.Get("/ws", d.WS)
	}

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Group(func(pr chi.Router) {
		pr.Use(httpmw.Auth(d.Verifier))
		pr.Use(middlewareChi.Timeout(d.RequestTimeout))

		pr.Route("/presence", func(pp chi.Router) {
			pp.Get("/online", h.OnlineUsers)
			pp.Get("/stats", h.Stats)
			pp.Get("/rooms/{id}/users", h.RoomUsers)
			pp.Get("/users/{id}/status", h.UserStatus)
			pp.Get("/users/{id}/room", h.UserRoom)
		})
		pr.Get("/debug/events", h.RecentEvents)
	})

	return r
}
