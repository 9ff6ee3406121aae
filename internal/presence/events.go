package presence

import "time"

// wire-level event names
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"

	EventUserOnline     = "user-online"
	EventUserOffline    = "user-offline"
	EventOnlineUsers    = "online-users"
	EventUserJoinedRoom = "user-joined-room"
	EventUserLeftRoom   = "user-left-room"
	EventError          = "error"
)

type UserOnlinePayload struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	Timestamp   time.Time `json:"timestamp"`
}

type UserOfflinePayload struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

type RoomEventPayload struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	RoomID      string    `json:"roomId"`
	Timestamp   time.Time `json:"timestamp"`
}
