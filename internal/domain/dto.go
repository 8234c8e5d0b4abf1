package domain

// ClientEvent is a single frame read from a client socket. Type selects
// the operation; only the fields that operation needs are set.
type ClientEvent struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Content  string `json:"content,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
}

// Client event types accepted by the gateway.
const (
	ClientEventJoin          = "join"
	ClientEventLeave         = "leave"
	ClientEventSend          = "send"
	ClientEventCheckPresence = "check_presence"
	ClientEventTyping        = "typing"
	ClientEventPing          = "ping"
)

// ServerFrame is every frame written to a client socket.
type ServerFrame struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SendMessageRequest carries the validated portion of a send event.
type SendMessageRequest struct {
	RoomID  string `json:"room_id" validate:"required,uuid"`
	Content string `json:"content" validate:"required,min=1,max=2000"`
}

// CreateRoomRequest is the REST body for create-or-get room.
type CreateRoomRequest struct {
	CustomerID string `json:"customer_id" validate:"required,uuid"`
	VendorID   string `json:"vendor_id" validate:"required,uuid"`
}

// PresenceResponse answers a presence check, over REST or the socket.
type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}
