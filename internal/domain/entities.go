package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleCustomer = "customer"
	RoleVendor   = "vendor"
)

// ChatRoom is the 1:1 conversation channel between one customer and one
// vendor. The composite unique index is what survives the concurrent
// first-contact race; application code only retries the lookup.
type ChatRoom struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CustomerID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chat_rooms_pair,priority:1" json:"customer_id"`
	VendorID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chat_rooms_pair,priority:2" json:"vendor_id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ChatRoom) TableName() string {
	return "chat_rooms"
}

func (r *ChatRoom) HasMember(userID uuid.UUID) bool {
	return r.CustomerID == userID || r.VendorID == userID
}

// OtherMember returns the room member that is not the given user.
// ok is false when the user is not a member at all.
func (r *ChatRoom) OtherMember(userID uuid.UUID) (uuid.UUID, bool) {
	switch userID {
	case r.CustomerID:
		return r.VendorID, true
	case r.VendorID:
		return r.CustomerID, true
	default:
		return uuid.Nil, false
	}
}

// ChatMessage is immutable once written, except for the monotonic
// is_read flag. created_at is assigned at persistence time and is the
// canonical ordering key within a room.
type ChatMessage struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChatRoomID uuid.UUID `gorm:"type:uuid;not null;index:idx_chat_messages_room_created,priority:1" json:"chat_room_id"`
	SenderID   uuid.UUID `gorm:"type:uuid;not null" json:"sender_id"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	IsRead     bool      `gorm:"not null;default:false" json:"is_read"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index:idx_chat_messages_room_created,priority:2" json:"created_at"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// User is the narrow slice of the user directory the chat path consumes:
// identity, role and the registered push token (empty when none).
type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Role      string    `gorm:"type:varchar(20);not null" json:"role"`
	PushToken string    `gorm:"type:text" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// PushJob is the unit of work handed to the async delivery queue.
// At-least-once semantics; delivery beyond the retry budget is dropped.
type PushJob struct {
	Token   string      `json:"token"`
	Title   string      `json:"title"`
	Body    string      `json:"body"`
	Payload PushPayload `json:"payload"`
}

// PushPayload is the opaque data blob forwarded to the push provider so
// the client app can deep-link back into the conversation.
type PushPayload struct {
	RoomID      uuid.UUID `json:"room_id"`
	MessageType string    `json:"message_type"`
}
