// Package presence tracks who is connected and which rooms they occupy. All
// state lives in the shared store; events go out through an Emitter.
package presence

import (
	"context"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/fanout"
	"github.com/cwrk-planet/presence-service/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Store interface {
	SetPresence(ctx context.Context, rec domain.PresenceRecord) (string, error)
	TouchPresence(ctx context.Context, userID, connID string, now time.Time) (bool, error)
	DeletePresence(ctx context.Context, userID, connID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	GetPresence(ctx context.Context, userID string) (*domain.PresenceRecord, error)
	Records(ctx context.Context, ids []string) ([]domain.PresenceRecord, []string, error)
	ListOnline(ctx context.Context) ([]domain.PresenceRecord, error)

	AddMember(ctx context.Context, roomID, userID, connID string) (bool, error)
	RemoveMember(ctx context.Context, roomID, userID string) (bool, error)
	ReleaseMember(ctx context.Context, roomID, userID, connID string) (bool, error)
	Members(ctx context.Context, roomID string) ([]string, error)
	CurrentRoom(ctx context.Context, userID string) (string, bool, error)
	ActiveRooms(ctx context.Context) (int64, error)
}

// Emitter hands an event to the fan-out layer. Delivery is best-effort.
type Emitter interface {
	Emit(ctx context.Context, env fanout.Envelope)
}

type Options struct {
	InstanceID    string
	Now           func() time.Time
	MeterProvider metric.MeterProvider
}

func (o Options) withDefaults() Options {
	if o.InstanceID == "" {
		o.InstanceID = logger.NewInstanceID()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MeterProvider == nil {
		o.MeterProvider = otel.GetMeterProvider()
	}
	return o
}

type counters struct {
	connects         metric.Int64Counter
	disconnects      metric.Int64Counter
	staleDisconnects metric.Int64Counter
	roomJoins        metric.Int64Counter
	roomLeaves       metric.Int64Counter
	storeErrors      metric.Int64Counter
}

func newCounters(mp metric.MeterProvider) *counters {
	meter := mp.Meter("presence-service")
	c := &counters{}
	c.connects, _ = meter.Int64Counter("presence_connects_total",
		metric.WithDescription("Presence records written on connect"))
	c.disconnects, _ = meter.Int64Counter("presence_disconnects_total",
		metric.WithDescription("Presence records removed on disconnect"))
	c.staleDisconnects, _ = meter.Int64Counter("presence_stale_disconnects_total",
		metric.WithDescription("Disconnects ignored because a newer connection owns the record"))
	c.roomJoins, _ = meter.Int64Counter("presence_room_joins_total",
		metric.WithDescription("Room joins"))
	c.roomLeaves, _ = meter.Int64Counter("presence_room_leaves_total",
		metric.WithDescription("Room leaves that removed a member"))
	c.storeErrors, _ = meter.Int64Counter("presence_store_errors_total",
		metric.WithDescription("Failed presence store operations"))
	return c
}

func sessionCtx(ctx context.Context, sess *domain.Session) context.Context {
	return logger.WithSession(ctx, sess.Identity.UserID, sess.ConnectionID)
}

func emit(ctx context.Context, e Emitter, event string, scope fanout.Scope, roomID, origin, exclude string, payload any) {
	env, err := fanout.NewEnvelope(event, scope, roomID, origin, payload)
	if err != nil {
		logger.FromContext(ctx).Error("presence: build envelope", "event", event, "err", err)
		return
	}
	env.ExcludeConn = exclude
	e.Emit(ctx, env)
}
