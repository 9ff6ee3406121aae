package domain

import "errors"

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrTokenExpired     = errors.New("token expired or not valid yet")
	ErrStoreUnavailable = errors.New("presence store unavailable")
	ErrStaleConnection  = errors.New("connection superseded by a newer one")
	ErrInvalidUserID    = errors.New("invalid user id")
	ErrInvalidRoomID    = errors.New("invalid room id")
)
