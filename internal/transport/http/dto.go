package http

import (
	"github.com/cwrk-planet/presence-service/internal/domain"
	"github.com/cwrk-planet/presence-service/pkg/logger"
)

type UsersResponse struct {
	Users []domain.PresenceRecord `json:"users"`
}

type RoomUsersResponse struct {
	RoomID string                  `json:"roomId"`
	Users  []domain.PresenceRecord `json:"users"`
}

type StatusResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// RoomID is null when the user is offline or in no room.
type CurrentRoomResponse struct {
	UserID string  `json:"userId"`
	RoomID *string `json:"roomId"`
}

type StatsResponse struct {
	TotalOnline int64 `json:"totalOnline"`
	ActiveRooms int64 `json:"activeRooms"`
}

type EventsResponse struct {
	Items []logger.Entry `json:"items"`
}

type ReadyResponse struct {
	Store  string `json:"store"`
	Fanout string `json:"fanout"`
}
