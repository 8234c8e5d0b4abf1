package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event types carried over the fan-out bus and pushed to clients.
const (
	EventNewMessage       = "new_message"
	EventMessageRead      = "message_read"
	EventUserJoinedRoom   = "user_joined_room"
	EventUserLeftRoom     = "user_left_room"
	EventTypingIndicator  = "typing_indicator"
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventChatNotification = "chat_notification"
)

// MessagePayload is the wire form of a persisted message, identical on
// the bus and on client sockets.
type MessagePayload struct {
	ID         uuid.UUID `json:"id"`
	ChatRoomID uuid.UUID `json:"chat_room_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewMessagePayload(m *ChatMessage) *MessagePayload {
	return &MessagePayload{
		ID:         m.ID,
		ChatRoomID: m.ChatRoomID,
		SenderID:   m.SenderID,
		Content:    m.Content,
		IsRead:     m.IsRead,
		CreatedAt:  m.CreatedAt,
	}
}

// RoomEvent is broadcast to every connection subscribed to the room, on
// every gateway instance. Events for one room are totally ordered by the
// bus partition keyed on RoomID.
type RoomEvent struct {
	Type      string          `json:"type"`
	RoomID    uuid.UUID       `json:"room_id"`
	UserID    uuid.UUID       `json:"user_id,omitempty"`
	Role      string          `json:"role,omitempty"`
	IsTyping  bool            `json:"is_typing,omitempty"`
	Message   *MessagePayload `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// UserEvent targets a single user's live connections wherever they are
// in the fleet. A nil TargetUserID means every connection (global
// presence changes).
type UserEvent struct {
	Type         string          `json:"type"`
	TargetUserID uuid.UUID       `json:"target_user_id,omitempty"`
	UserID       uuid.UUID       `json:"user_id,omitempty"`
	Message      *MessagePayload `json:"message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}
