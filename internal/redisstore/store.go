// Package redisstore keeps presence records and room membership in Redis so every
// process answers the same way regardless of which one holds the live connection.
//
// Layout (relative to the key prefix):
//
//	presence:<userId>   hash, PresenceRecord, expires after TTL
//	presence:online     set of user ids with a written record (index, pruned on read)
//	room:<roomId>       set of member user ids, no TTL
//	rooms:active        set of room ids with at least one member
//	userRoom:<userId>   id of the room the user joined last
//	roomConns:<roomId>  hash connectionId -> userId, which connections hold the membership
//
// Multi-key scripts assume a single Redis node (or sentinel), not cluster mode.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cwrk-planet/presence-service/internal/domain"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Prefix    string
	TTL       time.Duration
	OpTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Prefix:    "",
		TTL:       24 * time.Hour,
		OpTimeout: 2 * time.Second,
	}
}

type Store struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	opTimeout time.Duration
}

func New(rdb *redis.Client, opts Options) *Store {
	def := DefaultOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = def.OpTimeout
	}
	return &Store{
		rdb:       rdb,
		prefix:    opts.Prefix,
		ttl:       opts.TTL,
		opTimeout: opts.OpTimeout,
	}
}

func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) presenceKey(userID string) string { return s.prefix + "presence:" + userID }
func (s *Store) onlineKey() string                { return s.prefix + "presence:online" }
func (s *Store) roomKey(roomID string) string     { return s.prefix + "room:" + roomID }
func (s *Store) roomsKey() string                 { return s.prefix + "rooms:active" }
func (s *Store) userRoomKey(userID string) string { return s.prefix + "userRoom:" + userID }
func (s *Store) roomConnsKey(roomID string) string { return s.prefix + "roomConns:" + roomID }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("redisstore.%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return storeErr("Ping", err)
	}
	return nil
}

// --- presence ---

// перезаписывает запись целиком и возвращает connectionId предыдущей (если была)
var setPresenceScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'connectionId')
redis.call('DEL', KEYS[1])
for i = 3, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return prev
`)

// SetPresence writes rec with the store TTL (last writer wins) and returns the
// connection id of the record it replaced, or "" if there was none.
func (s *Store) SetPresence(ctx context.Context, rec domain.PresenceRecord) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	args := []any{s.ttl.Milliseconds(), rec.UserID}
	for _, kv := range encodeRecord(rec) {
		args = append(args, kv[0], kv[1])
	}
	prev, err := setPresenceScript.Run(ctx, s.rdb,
		[]string{s.presenceKey(rec.UserID), s.onlineKey()}, args...).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("SetPresence", err)
	}
	return prev, nil
}

// A touch also re-asserts the index entry, so a concurrent prune that raced a
// reconnect cannot hide a live record for longer than one heartbeat.
var touchPresenceScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'connectionId') ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'lastSeenAt', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// TouchPresence extends the TTL of the user's record if connID still owns it.
func (s *Store) TouchPresence(ctx context.Context, userID, connID string, now time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := touchPresenceScript.Run(ctx, s.rdb, []string{s.presenceKey(userID), s.onlineKey()},
		connID, now.UnixMilli(), s.ttl.Milliseconds(), userID).Int()
	if err != nil {
		return false, storeErr("TouchPresence", err)
	}
	return n == 1, nil
}

var deletePresenceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'connectionId')
if not cur then
	redis.call('SREM', KEYS[2], ARGV[2])
	return 0
end
if cur ~= ARGV[1] then
	return -1
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

// DeletePresence removes the user's record only if it was written by connID.
// A record owned by another connection is left untouched and ErrStaleConnection
// is returned. A record that already expired counts as removed.
func (s *Store) DeletePresence(ctx context.Context, userID, connID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := deletePresenceScript.Run(ctx, s.rdb,
		[]string{s.presenceKey(userID), s.onlineKey()}, connID, userID).Int()
	if err != nil {
		return storeErr("DeletePresence", err)
	}
	if n < 0 {
		return domain.ErrStaleConnection
	}
	return nil
}

func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.Exists(ctx, s.presenceKey(userID)).Result()
	if err != nil {
		return false, storeErr("IsOnline", err)
	}
	return n == 1, nil
}

// GetPresence returns nil without error when the user has no live record.
func (s *Store) GetPresence(ctx context.Context, userID string) (*domain.PresenceRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m, err := s.rdb.HGetAll(ctx, s.presenceKey(userID)).Result()
	if err != nil {
		return nil, storeErr("GetPresence", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	rec := decodeRecord(m)
	return &rec, nil
}

// Records resolves ids against live presence records, in input order.
// Ids without a record are returned separately as stale.
func (s *Store) Records(ctx context.Context, ids []string) ([]domain.PresenceRecord, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.presenceKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, storeErr("Records", err)
	}

	out := make([]domain.PresenceRecord, 0, len(ids))
	var stale []string
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, decodeRecord(m))
	}
	return out, stale, nil
}

// ListOnline reads the online index and resolves every id, O(n) over connected
// users. Ids whose record expired are dropped from the index on the way.
func (s *Store) ListOnline(ctx context.Context) ([]domain.PresenceRecord, error) {
	ids, err := s.members(ctx, s.onlineKey(), "ListOnline")
	if err != nil {
		return nil, err
	}
	recs, stale, err := s.Records(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		s.pruneOnline(ctx, stale)
	}
	return recs, nil
}

// --- rooms ---

// AddMember puts userID into the room set on behalf of connID and marks the
// room as the user's current one. Reports whether the user was newly added.
func (s *Store) AddMember(ctx context.Context, roomID, userID, connID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var added *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.SAdd(ctx, s.roomKey(roomID), userID)
		p.HSet(ctx, s.roomConnsKey(roomID), connID, userID)
		p.SAdd(ctx, s.roomsKey(), roomID)
		p.Set(ctx, s.userRoomKey(userID), roomID, 0)
		return nil
	})
	if err != nil {
		return false, storeErr("AddMember", err)
	}
	return added.Val() == 1, nil
}

// ARGV[3] empty: the user leaves, every connection's hold is dropped.
// ARGV[3] set: only that connection lets go, and the user stays a member while
// another of their connections still holds the room.
// Redis drops a set once its last member is removed; the room leaves the
// active index at the same moment.
var removeMemberScript = redis.NewScript(`
if ARGV[3] ~= '' then
	redis.call('HDEL', KEYS[4], ARGV[3])
	for _, uid in ipairs(redis.call('HVALS', KEYS[4])) do
		if uid == ARGV[1] then
			return 0
		end
	end
else
	local held = redis.call('HGETALL', KEYS[4])
	for i = 1, #held, 2 do
		if held[i + 1] == ARGV[1] then
			redis.call('HDEL', KEYS[4], held[i])
		end
	end
end
local n = redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[2])
	redis.call('DEL', KEYS[4])
end
if redis.call('GET', KEYS[3]) == ARGV[2] then
	redis.call('DEL', KEYS[3])
end
return n
`)

// RemoveMember reports whether userID was a member of the room.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) (bool, error) {
	return s.removeMember(ctx, roomID, userID, "", "RemoveMember")
}

// ReleaseMember drops connID's hold on the room. The user is removed only
// when none of their other connections joined it; reports whether that
// happened.
func (s *Store) ReleaseMember(ctx context.Context, roomID, userID, connID string) (bool, error) {
	if connID == "" {
		return false, fmt.Errorf("redisstore.ReleaseMember: empty connection id")
	}
	return s.removeMember(ctx, roomID, userID, connID, "ReleaseMember")
}

func (s *Store) removeMember(ctx context.Context, roomID, userID, connID, op string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := removeMemberScript.Run(ctx, s.rdb,
		[]string{s.roomKey(roomID), s.roomsKey(), s.userRoomKey(userID), s.roomConnsKey(roomID)},
		userID, roomID, connID).Int()
	if err != nil {
		return false, storeErr(op, err)
	}
	return n == 1, nil
}

func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	return s.members(ctx, s.roomKey(roomID), "Members")
}

func (s *Store) CurrentRoom(ctx context.Context, userID string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	roomID, err := s.rdb.Get(ctx, s.userRoomKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr("CurrentRoom", err)
	}
	return roomID, true, nil
}

func (s *Store) ActiveRooms(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.SCard(ctx, s.roomsKey()).Result()
	if err != nil {
		return 0, storeErr("ActiveRooms", err)
	}
	return n, nil
}

// --- helpers ---

func (s *Store) members(ctx context.Context, key, op string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, storeErr(op, err)
	}
	return ids, nil
}

// KEYS[1] is the index, KEYS[i+1] the presence key of ARGV[i]. An id is only
// dropped if its record is still gone at the time of removal: a reconnect
// between the read and the prune keeps its index entry.
var pruneOnlineScript = redis.NewScript(`
local n = 0
for i = 1, #ARGV do
	if redis.call('EXISTS', KEYS[i + 1]) == 0 then
		n = n + redis.call('SREM', KEYS[1], ARGV[i])
	end
end
return n
`)

// best-effort: ошибка чистки не влияет на ответ
func (s *Store) pruneOnline(ctx context.Context, ids []string) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, s.onlineKey())
	args := make([]any, len(ids))
	for i, id := range ids {
		keys = append(keys, s.presenceKey(id))
		args[i] = id
	}
	_ = pruneOnlineScript.Run(ctx, s.rdb, keys, args...).Err()
}
