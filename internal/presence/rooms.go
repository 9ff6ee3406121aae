package presence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/fanout"
	"github.com/cwrk-planet/presence-service/pkg/logger"
)

// Rooms manages room membership. Membership does not imply presence: listing
// resolves members against live presence records and skips the expired ones.
type Rooms struct {
	store Store
	emit  Emitter
	opts  Options
	m     *counters
}

func NewRooms(store Store, emit Emitter, opts Options) *Rooms {
	opts = opts.withDefaults()
	return &Rooms{store: store, emit: emit, opts: opts, m: newCounters(opts.MeterProvider)}
}

// Join adds the user to the room and emits user-joined-room to the room. A
// repeated join leaves the set unchanged but emits the event again.
func (r *Rooms) Join(ctx context.Context, sess *domain.Session, roomID string) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return err
	}
	ctx = logger.With(sessionCtx(ctx, sess), slog.String("room_id", roomID))

	added, err := r.store.AddMember(ctx, roomID, sess.Identity.UserID, sess.ConnectionID)
	if err != nil {
		r.m.storeErrors.Add(ctx, 1)
		return fmt.Errorf("presence.Join: %w", err)
	}
	sess.AddRoom(roomID)
	r.m.roomJoins.Add(ctx, 1)
	logger.FromContext(ctx).Debug("presence: joined room", "added", added)

	emit(ctx, r.emit, EventUserJoinedRoom, fanout.ScopeRoom, roomID, r.opts.InstanceID, "",
		RoomEventPayload{
			UserID:      sess.Identity.UserID,
			DisplayName: sess.Identity.DisplayName,
			RoomID:      roomID,
			Timestamp:   r.opts.Now(),
		})
	return nil
}

// Leave removes the user from the room. Leaving a room the user is not in is a
// no-op and emits nothing.
func (r *Rooms) Leave(ctx context.Context, sess *domain.Session, roomID string) error {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return err
	}
	ctx = logger.With(sessionCtx(ctx, sess), slog.String("room_id", roomID))

	removed, err := r.store.RemoveMember(ctx, roomID, sess.Identity.UserID)
	if err != nil {
		r.m.storeErrors.Add(ctx, 1)
		return fmt.Errorf("presence.Leave: %w", err)
	}
	sess.RemoveRoom(roomID)
	if removed {
		r.left(ctx, sess, roomID)
	}
	return nil
}

// LeaveAll releases every room the session joined. The user stays in a room
// another of their connections also joined; otherwise user-left-room goes out
// as for Leave. This holds whether or not the session still owns the presence
// record. Failures are logged and the remaining rooms are still attempted.
func (r *Rooms) LeaveAll(ctx context.Context, sess *domain.Session) {
	ctx = sessionCtx(ctx, sess)
	for _, roomID := range sess.Rooms() {
		rctx := logger.With(ctx, slog.String("room_id", roomID))
		removed, err := r.store.ReleaseMember(rctx, roomID, sess.Identity.UserID, sess.ConnectionID)
		if err != nil {
			r.m.storeErrors.Add(rctx, 1)
			logger.FromContext(rctx).Warn("presence: leave on disconnect failed", "err", err)
			continue
		}
		sess.RemoveRoom(roomID)
		if removed {
			r.left(rctx, sess, roomID)
		} else {
			logger.FromContext(rctx).Debug("presence: room still held by another connection")
		}
	}
}

func (r *Rooms) left(ctx context.Context, sess *domain.Session, roomID string) {
	r.m.roomLeaves.Add(ctx, 1)
	emit(ctx, r.emit, EventUserLeftRoom, fanout.ScopeRoom, roomID, r.opts.InstanceID, "",
		RoomEventPayload{
			UserID:      sess.Identity.UserID,
			DisplayName: sess.Identity.DisplayName,
			RoomID:      roomID,
			Timestamp:   r.opts.Now(),
		})
}

// Members returns presence records of the room's members that are online.
func (r *Rooms) Members(ctx context.Context, roomID string) ([]domain.PresenceRecord, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	ids, err := r.store.Members(ctx, roomID)
	if err != nil {
		r.m.storeErrors.Add(ctx, 1)
		return nil, fmt.Errorf("presence.Members: %w", err)
	}
	recs, stale, err := r.store.Records(ctx, ids)
	if err != nil {
		r.m.storeErrors.Add(ctx, 1)
		return nil, fmt.Errorf("presence.Members: %w", err)
	}
	if len(stale) > 0 {
		logger.FromContext(ctx).Debug("presence: room lists members without presence",
			"room_id", roomID, "stale", len(stale))
	}
	sortRecords(recs)
	return recs, nil
}

// CurrentRoom returns the room the user joined last and has not left.
func (r *Rooms) CurrentRoom(ctx context.Context, userID string) (string, bool, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return "", false, err
	}
	roomID, ok, err := r.store.CurrentRoom(ctx, userID)
	if err != nil {
		r.m.storeErrors.Add(ctx, 1)
		return "", false, fmt.Errorf("presence.CurrentRoom: %w", err)
	}
	return roomID, ok, nil
}
