package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, Options{Prefix: "test:", TTL: time.Minute}), mr
}

func record(userID, connID string) domain.PresenceRecord {
	now := time.Now()
	return domain.PresenceRecord{
		UserID:       userID,
		DisplayName:  "User " + userID,
		Role:         "student",
		ConnectionID: connID,
		InstanceID:   "node-1",
		JoinedAt:     now,
		LastSeenAt:   now,
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(nil, Options{})
	if s.ttl != 24*time.Hour {
		t.Errorf("ttl = %v, want 24h", s.ttl)
	}
	if s.opTimeout != 2*time.Second {
		t.Errorf("opTimeout = %v, want 2s", s.opTimeout)
	}
}

func TestStore_SetAndGetPresence(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	rec := record("a", "c1")
	prev, err := s.SetPresence(ctx, rec)
	if err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	if prev != "" {
		t.Fatalf("prev = %q, want empty", prev)
	}

	got, err := s.GetPresence(ctx, "a")
	if err != nil || got == nil {
		t.Fatalf("GetPresence: %v, %v", got, err)
	}
	if got.ConnectionID != "c1" || got.DisplayName != "User a" || got.Role != "student" || got.InstanceID != "node-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.JoinedAt.UnixMilli() != rec.JoinedAt.UnixMilli() {
		t.Fatalf("joinedAt = %v, want %v", got.JoinedAt, rec.JoinedAt)
	}
	if ttl := mr.TTL("test:presence:a"); ttl != time.Minute {
		t.Fatalf("ttl = %v, want 1m", ttl)
	}
	if ok, _ := mr.SIsMember("test:presence:online", "a"); !ok {
		t.Fatal("user missing from online index")
	}

	prev, err = s.SetPresence(ctx, record("a", "c2"))
	if err != nil {
		t.Fatalf("SetPresence again: %v", err)
	}
	if prev != "c1" {
		t.Fatalf("prev = %q, want c1", prev)
	}
}

func TestStore_GetPresence_Missing(t *testing.T) {
	s, _ := setupStore(t)

	got, err := s.GetPresence(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil record, got %+v", got)
	}
}

func TestStore_DeletePresence_StaleGuard(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	if _, err := s.SetPresence(ctx, record("a", "c1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetPresence(ctx, record("a", "c2")); err != nil {
		t.Fatal(err)
	}

	if err := s.DeletePresence(ctx, "a", "c1"); !errors.Is(err, domain.ErrStaleConnection) {
		t.Fatalf("expected ErrStaleConnection, got %v", err)
	}
	if ok, _ := s.IsOnline(ctx, "a"); !ok {
		t.Fatal("c2 record was clobbered by a stale delete")
	}

	if err := s.DeletePresence(ctx, "a", "c2"); err != nil {
		t.Fatalf("DeletePresence: %v", err)
	}
	if ok, _ := s.IsOnline(ctx, "a"); ok {
		t.Fatal("record still present after matching delete")
	}
}

func TestStore_DeletePresence_AlreadyExpired(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	if _, err := s.SetPresence(ctx, record("a", "c1")); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	if err := s.DeletePresence(ctx, "a", "c1"); err != nil {
		t.Fatalf("expired record should delete cleanly, got %v", err)
	}
	if ok, _ := mr.SIsMember("test:presence:online", "a"); ok {
		t.Fatal("expired user left in online index")
	}
}

func TestStore_TouchPresence(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	if _, err := s.SetPresence(ctx, record("a", "c1")); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(40 * time.Second)

	ok, err := s.TouchPresence(ctx, "a", "c1", time.Now())
	if err != nil || !ok {
		t.Fatalf("TouchPresence = %v, %v", ok, err)
	}
	if ttl := mr.TTL("test:presence:a"); ttl != time.Minute {
		t.Fatalf("ttl after touch = %v, want 1m", ttl)
	}

	ok, err = s.TouchPresence(ctx, "a", "other", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("touch by a foreign connection must not refresh")
	}

	ok, err = s.TouchPresence(ctx, "ghost", "c1", time.Now())
	if err != nil || ok {
		t.Fatalf("touch of missing record = %v, %v", ok, err)
	}
}

func TestStore_ListOnline_PrunesExpired(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.SetPresence(ctx, record(id, "conn-"+id)); err != nil {
			t.Fatal(err)
		}
	}
	mr.Del("test:presence:b")

	recs, err := s.ListOnline(ctx)
	if err != nil {
		t.Fatalf("ListOnline: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(recs), recs)
	}
	for _, r := range recs {
		if r.UserID == "b" {
			t.Fatal("expired user listed")
		}
	}
	if ok, _ := mr.SIsMember("test:presence:online", "b"); ok {
		t.Fatal("stale id not pruned from index")
	}
}

func TestStore_ListOnline_PruneKeepsReconnectedUser(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	if _, err := s.SetPresence(ctx, record("a", "c1")); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Minute)

	// A reader observes the expired record...
	ids, err := s.members(ctx, s.onlineKey(), "test")
	if err != nil {
		t.Fatal(err)
	}
	_, stale, err := s.Records(ctx, ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0] != "a" {
		t.Fatalf("stale = %v, want [a]", stale)
	}

	// ...the user reconnects before the reader prunes.
	if _, err := s.SetPresence(ctx, record("a", "c2")); err != nil {
		t.Fatal(err)
	}
	s.pruneOnline(ctx, stale)

	if ok, _ := mr.SIsMember("test:presence:online", "a"); !ok {
		t.Fatal("prune removed a user whose record was rewritten")
	}
	if ok, err := s.TouchPresence(ctx, "a", "c2", time.Now()); err != nil || !ok {
		t.Fatalf("TouchPresence = %v, %v", ok, err)
	}

	recs, err := s.ListOnline(ctx)
	if err != nil {
		t.Fatalf("ListOnline: %v", err)
	}
	if len(recs) != 1 || recs[0].UserID != "a" || recs[0].ConnectionID != "c2" {
		t.Fatalf("ListOnline = %+v, want a/c2", recs)
	}
}

func TestStore_TouchPresence_RestoresIndex(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	if _, err := s.SetPresence(ctx, record("a", "c1")); err != nil {
		t.Fatal(err)
	}
	if _, err := mr.SRem("test:presence:online", "a"); err != nil {
		t.Fatal(err)
	}

	if ok, err := s.TouchPresence(ctx, "a", "c1", time.Now()); err != nil || !ok {
		t.Fatalf("TouchPresence = %v, %v", ok, err)
	}
	if ok, _ := mr.SIsMember("test:presence:online", "a"); !ok {
		t.Fatal("touch did not restore the index entry")
	}

	// A foreign touch must not resurrect anything.
	if ok, _ := s.TouchPresence(ctx, "ghost", "c1", time.Now()); ok {
		t.Fatal("touch of missing record reported success")
	}
	if ok, _ := mr.SIsMember("test:presence:online", "ghost"); ok {
		t.Fatal("failed touch added an index entry")
	}
}

func TestStore_Rooms(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	added, err := s.AddMember(ctx, "grading-1", "a", "c1")
	if err != nil || !added {
		t.Fatalf("AddMember = %v, %v", added, err)
	}
	added, err = s.AddMember(ctx, "grading-1", "a", "c1")
	if err != nil || added {
		t.Fatalf("second AddMember = %v, %v; want false", added, err)
	}
	if _, err := s.AddMember(ctx, "grading-1", "b", "c2"); err != nil {
		t.Fatal(err)
	}

	ids, err := s.Members(ctx, "grading-1")
	if err != nil || len(ids) != 2 {
		t.Fatalf("Members = %v, %v", ids, err)
	}

	room, ok, err := s.CurrentRoom(ctx, "a")
	if err != nil || !ok || room != "grading-1" {
		t.Fatalf("CurrentRoom = %q %v %v", room, ok, err)
	}

	n, _ := s.ActiveRooms(ctx)
	if n != 1 {
		t.Fatalf("ActiveRooms = %d, want 1", n)
	}

	removed, err := s.RemoveMember(ctx, "grading-1", "a")
	if err != nil || !removed {
		t.Fatalf("RemoveMember = %v, %v", removed, err)
	}
	if _, ok, _ := s.CurrentRoom(ctx, "a"); ok {
		t.Fatal("current room should be cleared after leaving it")
	}
	removed, _ = s.RemoveMember(ctx, "grading-1", "a")
	if removed {
		t.Fatal("second remove should report false")
	}
}

func TestStore_EmptyRoomIsDeleted(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	if _, err := s.AddMember(ctx, "r1", "a", "c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RemoveMember(ctx, "r1", "a"); err != nil {
		t.Fatal(err)
	}

	if mr.Exists("test:room:r1") {
		t.Fatal("empty room key should be deleted")
	}
	if n, _ := s.ActiveRooms(ctx); n != 0 {
		t.Fatalf("ActiveRooms = %d, want 0", n)
	}
	ids, err := s.Members(ctx, "r1")
	if err != nil || len(ids) != 0 {
		t.Fatalf("Members of deleted room = %v, %v", ids, err)
	}
}

func TestStore_CurrentRoom_KeepsLaterRoom(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, _ = s.AddMember(ctx, "r1", "a", "c1")
	_, _ = s.AddMember(ctx, "r2", "a", "c1")
	_, _ = s.RemoveMember(ctx, "r1", "a")

	room, ok, err := s.CurrentRoom(ctx, "a")
	if err != nil || !ok || room != "r2" {
		t.Fatalf("CurrentRoom = %q %v %v, want r2", room, ok, err)
	}
}

func TestStore_ReleaseMember_OtherConnectionKeepsUser(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	_, _ = s.AddMember(ctx, "grading-1", "a", "c1")
	_, _ = s.AddMember(ctx, "grading-1", "a", "c2")

	removed, err := s.ReleaseMember(ctx, "grading-1", "a", "c1")
	if err != nil || removed {
		t.Fatalf("ReleaseMember(c1) = %v, %v; want false while c2 holds the room", removed, err)
	}
	if ok, _ := mr.SIsMember("test:room:grading-1", "a"); !ok {
		t.Fatal("user dropped although c2 is still in the room")
	}

	removed, err = s.ReleaseMember(ctx, "grading-1", "a", "c2")
	if err != nil || !removed {
		t.Fatalf("ReleaseMember(c2) = %v, %v", removed, err)
	}
	if mr.Exists("test:room:grading-1") || mr.Exists("test:roomConns:grading-1") {
		t.Fatal("room keys left behind after the last hold was released")
	}
	if n, _ := s.ActiveRooms(ctx); n != 0 {
		t.Fatalf("ActiveRooms = %d, want 0", n)
	}
}

func TestStore_ReleaseMember_ByConnectionThatNeverJoined(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, _ = s.AddMember(ctx, "grading-1", "a", "c1")

	removed, err := s.ReleaseMember(ctx, "grading-1", "a", "c2")
	if err != nil || removed {
		t.Fatalf("ReleaseMember(c2) = %v, %v; want false", removed, err)
	}
	ids, _ := s.Members(ctx, "grading-1")
	if len(ids) != 1 {
		t.Fatalf("Members = %v, want [a]", ids)
	}
}

func TestStore_RemoveMember_DropsEveryHold(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	_, _ = s.AddMember(ctx, "grading-1", "a", "c1")
	_, _ = s.AddMember(ctx, "grading-1", "a", "c2")
	_, _ = s.AddMember(ctx, "grading-1", "b", "c3")

	removed, err := s.RemoveMember(ctx, "grading-1", "a")
	if err != nil || !removed {
		t.Fatalf("RemoveMember = %v, %v", removed, err)
	}
	holders, err := mr.HKeys("test:roomConns:grading-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(holders) != 1 || holders[0] != "c3" {
		t.Fatalf("holders = %v, want [c3]", holders)
	}
}

func TestStore_Unavailable(t *testing.T) {
	s, mr := setupStore(t)
	mr.Close()

	_, err := s.SetPresence(context.Background(), record("a", "c1"))
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("Ping: expected ErrStoreUnavailable, got %v", err)
	}
}
