package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/presence"
	httpmw "github.com/cwrk-planet/presence-service/internal/transport/http/middleware"
	"github.com/cwrk-planet/presence-service/pkg/httputil"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"github.com/go-chi/chi/v5"
)

// Presence is the query capability exposed to the CRUD/UI layer.
type Presence interface {
	GetOnlineUsers(ctx context.Context) ([]domain.PresenceRecord, error)
	GetUsersInRoom(ctx context.Context, roomID string) ([]domain.PresenceRecord, error)
	IsUserOnline(ctx context.Context, userID string) (bool, error)
	GetUserCurrentRoom(ctx context.Context, userID string) (string, bool, error)
	GetPresenceStats(ctx context.Context) (domain.Stats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

var errForbidden = errors.New("forbidden")

type Handler struct {
	presence   Presence
	privileged map[string]struct{}
	store      Pinger
	fanoutLive func() bool
	ring       *logger.Ring
}

func NewHandler(p Presence, privilegedRoles []string, store Pinger, fanoutLive func() bool, ring *logger.Ring) *Handler {
	h := &Handler{
		presence:   p,
		privileged: make(map[string]struct{}, len(privilegedRoles)),
		store:      store,
		fanoutLive: fanoutLive,
		ring:       ring,
	}
	for _, r := range privilegedRoles {
		h.privileged[r] = struct{}{}
	}
	return h
}

func (h *Handler) isPrivileged(ctx context.Context) bool {
	id, ok := httpmw.IdentityFromCtx(ctx)
	if !ok {
		return false
	}
	_, ok = h.privileged[id.Role]
	return ok
}

// selfOrPrivileged: данные об одном пользователе видит он сам или привилегированная роль.
func (h *Handler) selfOrPrivileged(ctx context.Context, userID string) error {
	id, ok := httpmw.IdentityFromCtx(ctx)
	if !ok {
		return domain.ErrUnauthenticated
	}
	if id.UserID == userID || h.isPrivileged(ctx) {
		return nil
	}
	return errForbidden
}

func (h *Handler) view(ctx context.Context, recs []domain.PresenceRecord) []domain.PresenceRecord {
	if recs == nil {
		recs = []domain.PresenceRecord{}
	}
	if h.isPrivileged(ctx) {
		return recs
	}
	return presence.Redact(recs)
}

// GET /presence/online
func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	recs, err := h.presence.GetOnlineUsers(r.Context())
	if err != nil {
		h.fail(w, r, "handler.OnlineUsers", err)
		return
	}
	httputil.OK(r.Context(), w, UsersResponse{Users: h.view(r.Context(), recs)})
}

// GET /presence/rooms/{id}/users
func (h *Handler) RoomUsers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	recs, err := h.presence.GetUsersInRoom(r.Context(), roomID)
	if err != nil {
		h.fail(w, r, "handler.RoomUsers", err)
		return
	}
	httputil.OK(r.Context(), w, RoomUsersResponse{RoomID: roomID, Users: h.view(r.Context(), recs)})
}

// GET /presence/users/{id}/status
func (h *Handler) UserStatus(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := h.selfOrPrivileged(r.Context(), userID); err != nil {
		h.fail(w, r, "handler.UserStatus", err)
		return
	}
	online, err := h.presence.IsUserOnline(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "handler.UserStatus", err)
		return
	}
	httputil.OK(r.Context(), w, StatusResponse{UserID: userID, Online: online})
}

// GET /presence/users/{id}/room
func (h *Handler) UserRoom(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if err := h.selfOrPrivileged(r.Context(), userID); err != nil {
		h.fail(w, r, "handler.UserRoom", err)
		return
	}
	roomID, ok, err := h.presence.GetUserCurrentRoom(r.Context(), userID)
	if err != nil {
		h.fail(w, r, "handler.UserRoom", err)
		return
	}
	resp := CurrentRoomResponse{UserID: userID}
	if ok {
		resp.RoomID = &roomID
	}
	httputil.OK(r.Context(), w, resp)
}

// GET /presence/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.presence.GetPresenceStats(r.Context())
	if err != nil {
		h.fail(w, r, "handler.Stats", err)
		return
	}
	httputil.OK(r.Context(), w, StatsResponse{TotalOnline: st.TotalOnline, ActiveRooms: st.ActiveRooms})
}

// GET /debug/events
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if !h.isPrivileged(r.Context()) {
		h.fail(w, r, "handler.RecentEvents", errForbidden)
		return
	}
	if h.ring == nil {
		httputil.Error(r.Context(), w, http.StatusNotFound, "disabled", "debug ring disabled")
		return
	}
	httputil.OK(r.Context(), w, EventsResponse{Items: h.ring.Recent()})
}

// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	httputil.OK(r.Context(), w, map[string]string{"status": "ok"})
}

// GET /readyz. Presence degradation is reported but the process stays up.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadyResponse{Store: "ok", Fanout: "ok"}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		resp.Store = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if h.fanoutLive != nil && !h.fanoutLive() {
		resp.Fanout = "local-only"
	}
	httputil.JSON(r.Context(), w, status, resp)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := toHTTP(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error(op, "err", err)
	} else {
		log.Debug(op, "err", err)
	}
	httputil.Error(r.Context(), w, status, code, http.StatusText(status))
}

func toHTTP(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidUserID), errors.Is(err, domain.ErrInvalidRoomID):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
