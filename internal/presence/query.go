package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/cwrk-planet/presence-service/internal/domain"
)

// Query is the read-only surface used by the CRUD/UI layer. Every call reads the
// store directly; nothing is cached here.
type Query struct {
	tracker *Tracker
	rooms   *Rooms
	store   Store
}

func NewQuery(tracker *Tracker, rooms *Rooms, store Store) *Query {
	return &Query{tracker: tracker, rooms: rooms, store: store}
}

func (q *Query) GetOnlineUsers(ctx context.Context) ([]domain.PresenceRecord, error) {
	return q.tracker.ListOnline(ctx)
}

func (q *Query) GetUsersInRoom(ctx context.Context, roomID string) ([]domain.PresenceRecord, error) {
	return q.rooms.Members(ctx, roomID)
}

func (q *Query) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	return q.tracker.IsOnline(ctx, userID)
}

// GetUserCurrentRoom reports ("", false) when the user is offline or in no room.
func (q *Query) GetUserCurrentRoom(ctx context.Context, userID string) (string, bool, error) {
	online, err := q.tracker.IsOnline(ctx, userID)
	if err != nil || !online {
		return "", false, err
	}
	return q.rooms.CurrentRoom(ctx, userID)
}

func (q *Query) GetPresenceStats(ctx context.Context) (domain.Stats, error) {
	recs, err := q.tracker.ListOnline(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	rooms, err := q.store.ActiveRooms(ctx)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("presence.GetPresenceStats: %w", err)
	}
	return domain.Stats{TotalOnline: int64(len(recs)), ActiveRooms: rooms}, nil
}

// Redact drops process-level fields for callers without elevated privileges.
func Redact(recs []domain.PresenceRecord) []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, len(recs))
	for i, r := range recs {
		r.ConnectionID = ""
		r.InstanceID = ""
		out[i] = r
	}
	return out
}

func sortRecords(recs []domain.PresenceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].JoinedAt.Equal(recs[j].JoinedAt) {
			return recs[i].JoinedAt.Before(recs[j].JoinedAt)
		}
		return recs[i].UserID < recs[j].UserID
	})
}
