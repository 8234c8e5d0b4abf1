package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"marketchat-ws/internal/domain"
	"marketchat-ws/internal/logger"
)

// DeliveryPlan is the outcome of the per-message routing decision.
type DeliveryPlan int

const (
	// DeliverInRoom: receiver has the room open somewhere in the fleet;
	// deliver synchronously and mark read immediately.
	DeliverInRoom DeliveryPlan = iota
	// DeliverCrossInstance: receiver is online but not viewing this
	// room; notify their socket, unread.
	DeliverCrossInstance
	// EnqueuePush: receiver is offline with a registered token.
	EnqueuePush
	// NoDelivery: offline and no token on file. Terminal, not an error;
	// the message is already persisted.
	NoDelivery
)

const (
	pushTitle       = "New Message"
	pushMessageType = "chat"

	roomCacheTTL     = 5 * time.Minute
	roomCacheCleanup = 10 * time.Minute
)

// Decide picks the delivery path from the three presence facts. Pure so
// the branching is testable without sockets or stores.
func Decide(receiverInRoom, receiverOnline, hasPushToken bool) DeliveryPlan {
	switch {
	case receiverInRoom:
		return DeliverInRoom
	case receiverOnline:
		return DeliverCrossInstance
	case hasPushToken:
		return EnqueuePush
	default:
		return NoDelivery
	}
}

// NotificationRouter resolves the receiving party of a persisted message
// and executes the delivery plan. It runs on the send path after
// persistence; its failures are logged, never bounced to the sender.
type NotificationRouter struct {
	rooms        domain.RoomRepository
	messages     domain.MessageRepository
	users        domain.UserDirectory
	presence     domain.PresenceStore
	roomPresence domain.RoomPresence
	bus          domain.FanoutBus
	queue        domain.PushQueue
	roomCache    *gocache.Cache
	logger       logger.ILogger
}

func NewNotificationRouter(
	rooms domain.RoomRepository,
	messages domain.MessageRepository,
	users domain.UserDirectory,
	presence domain.PresenceStore,
	roomPresence domain.RoomPresence,
	bus domain.FanoutBus,
	queue domain.PushQueue,
	log logger.ILogger,
) *NotificationRouter {
	return &NotificationRouter{
		rooms:        rooms,
		messages:     messages,
		users:        users,
		presence:     presence,
		roomPresence: roomPresence,
		bus:          bus,
		queue:        queue,
		roomCache:    gocache.New(roomCacheTTL, roomCacheCleanup),
		logger:       log,
	}
}

// Route decides and executes delivery to the other party of the room.
// The send has already succeeded by the time this runs; any failure here
// degrades delivery, it never undoes persistence.
func (r *NotificationRouter) Route(ctx context.Context, room *domain.ChatRoom, msg *domain.ChatMessage) error {
	receiverID, ok := room.OtherMember(msg.SenderID)
	if !ok {
		r.logger.Warn("NotificationRouter", "Sender is not a room member, skipping delivery", map[string]interface{}{
			"room_id":   room.ID,
			"sender_id": msg.SenderID,
		})
		return nil
	}

	// Presence reads failing degrade to the next tier rather than losing
	// the message: the persisted copy is the source of truth either way.
	inRoom, err := r.roomPresence.IsMember(ctx, room.ID, receiverID)
	if err != nil {
		r.logger.Warn("NotificationRouter", "Room membership check failed, treating receiver as absent", map[string]interface{}{
			"room_id": room.ID,
			"error":   err.Error(),
		})
		inRoom = false
	}

	online := false
	if !inRoom {
		loc, err := r.presence.Get(ctx, receiverID)
		if err != nil {
			r.logger.Warn("NotificationRouter", "Presence check failed, treating receiver as offline", map[string]interface{}{
				"user_id": receiverID,
				"error":   err.Error(),
			})
		}
		online = loc != nil
	}

	token := ""
	if !inRoom && !online {
		token, err = r.users.PushTokenOf(ctx, receiverID)
		if err != nil {
			r.logger.Warn("NotificationRouter", "Push token lookup failed", map[string]interface{}{
				"user_id": receiverID,
				"error":   err.Error(),
			})
			token = ""
		}
	}

	switch Decide(inRoom, online, token != "") {
	case DeliverInRoom:
		return r.deliverInRoom(ctx, room, msg, receiverID)
	case DeliverCrossInstance:
		return r.deliverCrossInstance(ctx, msg, receiverID)
	case EnqueuePush:
		return r.enqueuePush(ctx, msg, token)
	default:
		return nil
	}
}

func (r *NotificationRouter) deliverInRoom(ctx context.Context, room *domain.ChatRoom, msg *domain.ChatMessage, receiverID uuid.UUID) error {
	// TODO: marking read based on a point-in-time membership check can
	// race with messages persisted while the receiver is joining; move
	// to a per-member read cursor before relying on unread counts.
	flipped, err := r.messages.MarkRead(ctx, room.ID, msg.ID, receiverID)
	if err != nil {
		r.logger.Error("NotificationRouter", "Failed to mark message read", map[string]interface{}{
			"room_id":    room.ID,
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return err
	}
	if flipped == 0 {
		return nil
	}

	msg.IsRead = true
	return r.bus.PublishRoomEvent(ctx, domain.RoomEvent{
		Type:      domain.EventMessageRead,
		RoomID:    room.ID,
		UserID:    receiverID,
		Message:   domain.NewMessagePayload(msg),
		Timestamp: time.Now(),
	})
}

func (r *NotificationRouter) deliverCrossInstance(ctx context.Context, msg *domain.ChatMessage, receiverID uuid.UUID) error {
	return r.bus.PublishUserEvent(ctx, domain.UserEvent{
		Type:         domain.EventChatNotification,
		TargetUserID: receiverID,
		UserID:       msg.SenderID,
		Message:      domain.NewMessagePayload(msg),
		Timestamp:    time.Now(),
	})
}

func (r *NotificationRouter) enqueuePush(ctx context.Context, msg *domain.ChatMessage, token string) error {
	job := domain.PushJob{
		Token: token,
		Title: pushTitle,
		Body:  msg.Content,
		Payload: domain.PushPayload{
			RoomID:      msg.ChatRoomID,
			MessageType: pushMessageType,
		},
	}
	if err := r.queue.Enqueue(ctx, job); err != nil {
		r.logger.Error("NotificationRouter", "Failed to enqueue push job", map[string]interface{}{
			"room_id": msg.ChatRoomID,
			"error":   err.Error(),
		})
		return err
	}
	return nil
}

// RoomOf resolves the room record, caching the immutable member pair so
// the hot send path skips the store.
func (r *NotificationRouter) RoomOf(ctx context.Context, roomID uuid.UUID) (*domain.ChatRoom, error) {
	if cached, ok := r.roomCache.Get(roomID.String()); ok {
		return cached.(*domain.ChatRoom), nil
	}
	room, err := r.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.roomCache.Set(roomID.String(), room, gocache.DefaultExpiration)
	return room, nil
}
