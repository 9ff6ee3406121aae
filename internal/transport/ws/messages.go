package ws

import "encoding/json"

// Message is the frame exchanged over the socket in both directions.
// Event names are listed in the presence package.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// входящие join-room / leave-room
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// ErrorPayload answers a frame the server could not act on.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

const (
	CodeBadMessage    = "bad_message"
	CodeUnknownType   = "unknown_type"
	CodeInvalidRoomID = "invalid_room_id"
)

func newMessage(typ string, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: b}, nil
}
