package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Locator identifies where in the fleet a user is currently connected.
type Locator struct {
	InstanceID  string    `json:"instance_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// PresenceStore is the shared user -> locator registry. Entries are
// ephemeral leases: they expire unless refreshed by the owning gateway,
// so a crashed instance cannot leave a user online forever. Absence
// means "possibly offline", never a hard guarantee.
type PresenceStore interface {
	Set(ctx context.Context, userID uuid.UUID, loc Locator) error
	Refresh(ctx context.Context, userID uuid.UUID) error
	Delete(ctx context.Context, userID uuid.UUID) error
	// Get returns nil when no live entry exists.
	Get(ctx context.Context, userID uuid.UUID) (*Locator, error)
}

// RoomMember describes one live participant of a room.
type RoomMember struct {
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomPresence tracks who currently has a room open anywhere in the
// fleet. Distinct from PresenceStore: a user can be online globally
// without viewing this room.
type RoomPresence interface {
	Add(ctx context.Context, roomID, userID uuid.UUID, role string) error
	Remove(ctx context.Context, roomID, userID uuid.UUID) error
	IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	Members(ctx context.Context, roomID uuid.UUID) (map[string]RoomMember, error)
}

// FanoutBus broadcasts events to every gateway instance. Delivery is
// at-least-once; events for one room arrive in publish order.
type FanoutBus interface {
	PublishRoomEvent(ctx context.Context, evt RoomEvent) error
	PublishUserEvent(ctx context.Context, evt UserEvent) error
}

// RoomRepository owns the durable room records.
type RoomRepository interface {
	// CreateOrGet returns the unique room for the pair, creating it
	// lazily on first contact.
	CreateOrGet(ctx context.Context, customerID, vendorID uuid.UUID) (*ChatRoom, error)
	Get(ctx context.Context, id uuid.UUID) (*ChatRoom, error)
}

// MessageRepository owns the append-only message log.
type MessageRepository interface {
	Save(ctx context.Context, roomID, senderID uuid.UUID, content string) (*ChatMessage, error)
	// MarkRead flips is_read for every unread message in the room not
	// sent by the reader, up to and including the given message.
	// Returns the number of rows flipped.
	MarkRead(ctx context.Context, roomID, uptoMessageID, readerID uuid.UUID) (int64, error)
	// Latest returns nil when the room has no messages.
	Latest(ctx context.Context, roomID uuid.UUID) (*ChatMessage, error)
	History(ctx context.Context, roomID uuid.UUID, before time.Time, limit int) ([]ChatMessage, error)
}

// UserDirectory is the narrow lookup the router needs from the wider
// user system. An empty token with a nil error means "none on file".
type UserDirectory interface {
	PushTokenOf(ctx context.Context, userID uuid.UUID) (string, error)
}

// PushQueue enqueues an async delivery job. Enqueueing must never block
// on or fail with push-provider state; the provider is only contacted by
// the worker pool.
type PushQueue interface {
	Enqueue(ctx context.Context, job PushJob) error
}
