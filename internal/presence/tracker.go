package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/internal/fanout"
	"github.com/cwrk-planet/presence-service/pkg/logger"
)

// Tracker keeps one presence record per user. Several connections from the
// same user share that record: the last connect wins, and a disconnect only
// removes the record its own connection wrote.
type Tracker struct {
	store Store
	emit  Emitter
	opts  Options
	m     *counters
}

func NewTracker(store Store, emit Emitter, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{store: store, emit: emit, opts: opts, m: newCounters(opts.MeterProvider)}
}

func (t *Tracker) InstanceID() string { return t.opts.InstanceID }

// Connect writes the session's presence record and announces user-online to
// every other connection.
func (t *Tracker) Connect(ctx context.Context, sess *domain.Session) (domain.PresenceRecord, error) {
	ctx = sessionCtx(ctx, sess)
	now := t.opts.Now()
	rec := domain.PresenceRecord{
		UserID:       sess.Identity.UserID,
		DisplayName:  sess.Identity.DisplayName,
		Role:         sess.Identity.Role,
		ConnectionID: sess.ConnectionID,
		InstanceID:   t.opts.InstanceID,
		JoinedAt:     now,
		LastSeenAt:   now,
	}

	prev, err := t.store.SetPresence(ctx, rec)
	if err != nil {
		t.m.storeErrors.Add(ctx, 1)
		return rec, fmt.Errorf("presence.Connect: %w", err)
	}
	t.m.connects.Add(ctx, 1)

	log := logger.FromContext(ctx)
	if prev != "" && prev != sess.ConnectionID {
		// несколько вкладок/устройств: запись одна, последняя побеждает
		log.Info("presence: record superseded by newer connection", "prev_conn_id", prev)
	} else {
		log.Debug("presence: online")
	}

	emit(ctx, t.emit, EventUserOnline, fanout.ScopeGlobal, "", t.opts.InstanceID, sess.ConnectionID,
		UserOnlinePayload{
			UserID:      rec.UserID,
			DisplayName: rec.DisplayName,
			Role:        rec.Role,
			Timestamp:   now,
		})
	return rec, nil
}

// Disconnect removes the session's record and announces user-offline. When a
// later connection owns the record it returns domain.ErrStaleConnection and
// changes nothing.
func (t *Tracker) Disconnect(ctx context.Context, sess *domain.Session) error {
	ctx = sessionCtx(ctx, sess)

	err := t.store.DeletePresence(ctx, sess.Identity.UserID, sess.ConnectionID)
	switch {
	case errors.Is(err, domain.ErrStaleConnection):
		t.m.staleDisconnects.Add(ctx, 1)
		logger.FromContext(ctx).Debug("presence: stale disconnect ignored")
		return err
	case err != nil:
		t.m.storeErrors.Add(ctx, 1)
		return fmt.Errorf("presence.Disconnect: %w", err)
	}
	t.m.disconnects.Add(ctx, 1)

	emit(ctx, t.emit, EventUserOffline, fanout.ScopeGlobal, "", t.opts.InstanceID, sess.ConnectionID,
		UserOfflinePayload{
			UserID:      sess.Identity.UserID,
			DisplayName: sess.Identity.DisplayName,
			Timestamp:   t.opts.Now(),
		})
	return nil
}

// Touch extends the record TTL on transport heartbeats. Returns false when the
// record is gone or owned by another connection.
func (t *Tracker) Touch(ctx context.Context, sess *domain.Session) (bool, error) {
	ok, err := t.store.TouchPresence(ctx, sess.Identity.UserID, sess.ConnectionID, t.opts.Now())
	if err != nil {
		t.m.storeErrors.Add(ctx, 1)
		return false, fmt.Errorf("presence.Touch: %w", err)
	}
	return ok, nil
}

func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return false, err
	}
	ok, err := t.store.IsOnline(ctx, userID)
	if err != nil {
		t.m.storeErrors.Add(ctx, 1)
		return false, fmt.Errorf("presence.IsOnline: %w", err)
	}
	return ok, nil
}

// ListOnline is O(n) over connected users; fine for one institution's
// concurrent users, not for millions.
func (t *Tracker) ListOnline(ctx context.Context) ([]domain.PresenceRecord, error) {
	recs, err := t.store.ListOnline(ctx)
	if err != nil {
		t.m.storeErrors.Add(ctx, 1)
		return nil, fmt.Errorf("presence.ListOnline: %w", err)
	}
	sortRecords(recs)
	return recs, nil
}
