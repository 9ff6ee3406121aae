package domain

import (
	"regexp"
	"sort"
	"sync"
	"time"
)

// Identity: то, что отдаёт внешний верификатор токена.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Email       string `json:"email,omitempty"`
}

// PresenceRecord is the stored fact that a user is connected. Its existence in the
// store is the only source of truth for "online"; the store expires it after the TTL.
type PresenceRecord struct {
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	Role         string    `json:"role"`
	ConnectionID string    `json:"connectionId"`
	InstanceID   string    `json:"instanceId"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

type Stats struct {
	TotalOnline int64 `json:"totalOnline"`
	ActiveRooms int64 `json:"activeRooms"`
}

// Session binds one live connection to an identity. Lives only in process memory.
type Session struct {
	Identity     Identity
	ConnectionID string
	ConnectedAt  time.Time

	mu    sync.Mutex
	rooms map[string]struct{}
}

func NewSession(id Identity, connID string, now time.Time) *Session {
	return &Session{
		Identity:     id,
		ConnectionID: connID,
		ConnectedAt:  now,
		rooms:        make(map[string]struct{}),
	}
}

func (s *Session) AddRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = struct{}{}
}

func (s *Session) RemoveRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms returns the joined rooms sorted by id.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// ids end up inside store keys and channel payloads, so glob characters,
// whitespace and anything unbounded are refused.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]{0,127}$`)

func ValidateUserID(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidUserID
	}
	return nil
}

func ValidateRoomID(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidRoomID
	}
	return nil
}
