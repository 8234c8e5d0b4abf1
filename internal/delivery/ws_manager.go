package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"marketchat-ws/internal/auth"
	"marketchat-ws/internal/domain"
	"marketchat-ws/internal/logger"
	"marketchat-ws/internal/router"
)

// socketConn is the slice of the websocket connection the gateway uses.
// Satisfied by *websocket.Conn; tests substitute a fake.
type socketConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// WSConnection is the per-connection state owned by the accepting
// instance: verified identity plus the set of live room subscriptions.
// Destroyed on disconnect, never persisted.
type WSConnection struct {
	conn   socketConn
	UserID uuid.UUID
	Role   string

	writeMux sync.Mutex // serializes frames onto the socket

	mu    sync.Mutex
	rooms map[uuid.UUID]struct{}
}

func newWSConnection(conn socketConn, identity *auth.Identity) *WSConnection {
	return &WSConnection{
		conn:   conn,
		UserID: identity.UserID,
		Role:   identity.Role,
		rooms:  make(map[uuid.UUID]struct{}),
	}
}

// subscribe reports whether the subscription is new; joining a room
// twice must not duplicate anything.
func (c *WSConnection) subscribe(roomID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *WSConnection) unsubscribe(roomID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

func (c *WSConnection) subscribedTo(roomID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *WSConnection) roomIDs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}

// safeWriteJSON writes a frame with mutex protection and panic recovery.
func (c *WSConnection) safeWriteJSON(frame interface{}) (err error) {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = domain.NewTransientStoreError("socket write panicked", nil)
		}
	}()

	return c.conn.WriteJSON(frame)
}

// WSManagerConfig carries the per-instance knobs.
type WSManagerConfig struct {
	InstanceID  string
	PresenceTTL time.Duration
}

// WSManager is the connection gateway: it authenticates connections,
// manages room subscriptions, validates and persists messages and hands
// delivery decisions to the notification router. All cross-instance
// state lives in the presence store and the fan-out bus.
type WSManager struct {
	cfg          WSManagerConfig
	verifier     *auth.Verifier
	presence     domain.PresenceStore
	roomPresence domain.RoomPresence
	messages     domain.MessageRepository
	notifRouter  *router.NotificationRouter
	bus          domain.FanoutBus
	validate     *validator.Validate
	logger       logger.ILogger

	mu     sync.RWMutex
	byRoom map[uuid.UUID][]*WSConnection
	byUser map[uuid.UUID][]*WSConnection
}

func NewWSManager(
	cfg WSManagerConfig,
	verifier *auth.Verifier,
	presence domain.PresenceStore,
	roomPresence domain.RoomPresence,
	messages domain.MessageRepository,
	notifRouter *router.NotificationRouter,
	bus domain.FanoutBus,
	log logger.ILogger,
) *WSManager {
	return &WSManager{
		cfg:          cfg,
		verifier:     verifier,
		presence:     presence,
		roomPresence: roomPresence,
		messages:     messages,
		notifRouter:  notifRouter,
		bus:          bus,
		validate:     validator.New(),
		logger:       log,
		byRoom:       make(map[uuid.UUID][]*WSConnection),
		byUser:       make(map[uuid.UUID][]*WSConnection),
	}
}

// HandleConnection runs a single client connection: auth first, then the
// event loop. Nothing is read from the socket before the credential
// verifies.
func (m *WSManager) HandleConnection(c socketConn, token string) {
	defer c.Close()

	ctx := context.Background()

	identity, err := m.verifier.Verify(token)
	if err != nil {
		// Refused with an explicit reason; no events are processed.
		_ = c.WriteJSON(domain.ServerFrame{
			Type:    "error",
			Success: false,
			Error:   domain.MessageOf(err),
		})
		m.logger.Warn("Gateway", "Connection refused", map[string]interface{}{"reason": domain.MessageOf(err)})
		return
	}

	conn := newWSConnection(c, identity)
	m.registerConnection(ctx, conn)
	defer m.cleanupConnection(ctx, conn)

	done := make(chan struct{})
	defer close(done)
	go m.refreshPresence(conn.UserID, done)

	m.sendWelcome(conn)

	m.logger.Info("Gateway", "Client connected", map[string]interface{}{
		"user_id": conn.UserID,
		"role":    conn.Role,
	})

	for {
		var evt domain.ClientEvent
		if err := c.ReadJSON(&evt); err != nil {
			m.logger.Info("Gateway", "Read loop ended", map[string]interface{}{
				"user_id": conn.UserID,
				"error":   err.Error(),
			})
			break
		}
		m.handleEvent(ctx, conn, &evt)
	}
}

func (m *WSManager) registerConnection(ctx context.Context, conn *WSConnection) {
	m.mu.Lock()
	m.byUser[conn.UserID] = append(m.byUser[conn.UserID], conn)
	m.mu.Unlock()

	loc := domain.Locator{InstanceID: m.cfg.InstanceID, ConnectedAt: time.Now()}
	if err := m.presence.Set(ctx, conn.UserID, loc); err != nil {
		m.logger.Error("Gateway", "Failed to register presence", map[string]interface{}{
			"user_id": conn.UserID,
			"error":   err.Error(),
		})
	}

	if err := m.bus.PublishUserEvent(ctx, domain.UserEvent{
		Type:      domain.EventUserOnline,
		UserID:    conn.UserID,
		Timestamp: time.Now(),
	}); err != nil {
		m.logger.Warn("Gateway", "Failed to broadcast online event", map[string]interface{}{"error": err.Error()})
	}
}

func (m *WSManager) cleanupConnection(ctx context.Context, conn *WSConnection) {
	for _, roomID := range conn.roomIDs() {
		conn.unsubscribe(roomID)
		m.removeRoomConn(roomID, conn)
		if err := m.roomPresence.Remove(ctx, roomID, conn.UserID); err != nil {
			m.logger.Warn("Gateway", "Failed to clear room membership", map[string]interface{}{
				"room_id": roomID,
				"error":   err.Error(),
			})
		}
		m.publishRoomEvent(ctx, domain.RoomEvent{
			Type:      domain.EventUserLeftRoom,
			RoomID:    roomID,
			UserID:    conn.UserID,
			Role:      conn.Role,
			Timestamp: time.Now(),
		})
	}

	m.mu.Lock()
	conns := m.byUser[conn.UserID]
	for i, existing := range conns {
		if existing == conn {
			m.byUser[conn.UserID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	lastLocal := len(m.byUser[conn.UserID]) == 0
	if lastLocal {
		delete(m.byUser, conn.UserID)
	}
	m.mu.Unlock()

	// Another tab of the same user may still be live here; only the
	// last local connection takes the user offline.
	if lastLocal {
		if err := m.presence.Delete(ctx, conn.UserID); err != nil {
			m.logger.Warn("Gateway", "Failed to delete presence entry", map[string]interface{}{
				"user_id": conn.UserID,
				"error":   err.Error(),
			})
		}

		if err := m.bus.PublishUserEvent(ctx, domain.UserEvent{
			Type:      domain.EventUserOffline,
			UserID:    conn.UserID,
			Timestamp: time.Now(),
		}); err != nil {
			m.logger.Warn("Gateway", "Failed to broadcast offline event", map[string]interface{}{"error": err.Error()})
		}
	}

	m.logger.Info("Gateway", "Client disconnected", map[string]interface{}{"user_id": conn.UserID})
}

// refreshPresence keeps the presence lease alive while the connection
// lives, so only a crashed instance lets entries expire.
func (m *WSManager) refreshPresence(userID uuid.UUID, done <-chan struct{}) {
	interval := m.cfg.PresenceTTL / 3
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := m.presence.Refresh(context.Background(), userID); err != nil {
				m.logger.Warn("Gateway", "Presence refresh failed", map[string]interface{}{
					"user_id": userID,
					"error":   err.Error(),
				})
			}
		}
	}
}

func (m *WSManager) handleEvent(ctx context.Context, conn *WSConnection, evt *domain.ClientEvent) {
	switch evt.Type {
	case domain.ClientEventJoin:
		m.handleJoin(ctx, conn, evt.RoomID)
	case domain.ClientEventLeave:
		m.handleLeave(ctx, conn, evt.RoomID)
	case domain.ClientEventSend:
		m.handleSend(ctx, conn, evt)
	case domain.ClientEventCheckPresence:
		m.handleCheckPresence(ctx, conn, evt.UserID)
	case domain.ClientEventTyping:
		m.handleTyping(ctx, conn, evt)
	case domain.ClientEventPing:
		m.sendFrame(conn, domain.ServerFrame{
			Type:    "pong",
			Success: true,
			Data:    map[string]interface{}{"timestamp": time.Now().Format(time.RFC3339)},
		})
	default:
		m.sendFrame(conn, domain.ServerFrame{
			Type:    "error",
			Success: false,
			Error:   "unknown event type: " + evt.Type,
		})
	}
}

func (m *WSManager) handleJoin(ctx context.Context, conn *WSConnection, roomIDStr string) {
	roomID, err := uuid.Parse(roomIDStr)
	if err != nil {
		m.sendAck(conn, domain.ClientEventJoin, domain.NewValidationError("malformed room id"), nil)
		return
	}

	room, err := m.notifRouter.RoomOf(ctx, roomID)
	if err != nil {
		m.sendAck(conn, domain.ClientEventJoin, err, nil)
		return
	}
	if !room.HasMember(conn.UserID) {
		// Indistinguishable from a missing room on purpose.
		m.sendAck(conn, domain.ClientEventJoin, domain.NewNotFoundError("room not found"), nil)
		return
	}

	if !conn.subscribe(roomID) {
		// Already joined: no duplicate subscription, no duplicate event.
		m.sendAck(conn, domain.ClientEventJoin, nil, map[string]interface{}{"room_id": roomID})
		return
	}
	m.addRoomConn(roomID, conn)

	if err := m.roomPresence.Add(ctx, roomID, conn.UserID, conn.Role); err != nil {
		m.logger.Warn("Gateway", "Failed to record room membership", map[string]interface{}{
			"room_id": roomID,
			"error":   err.Error(),
		})
	}

	m.publishRoomEvent(ctx, domain.RoomEvent{
		Type:      domain.EventUserJoinedRoom,
		RoomID:    roomID,
		UserID:    conn.UserID,
		Role:      conn.Role,
		Timestamp: time.Now(),
	})

	// Opening the conversation implies having seen its latest state.
	m.markLatestRead(ctx, roomID, conn.UserID)

	m.sendAck(conn, domain.ClientEventJoin, nil, map[string]interface{}{"room_id": roomID})
}

func (m *WSManager) markLatestRead(ctx context.Context, roomID, readerID uuid.UUID) {
	latest, err := m.messages.Latest(ctx, roomID)
	if err != nil {
		m.logger.Warn("Gateway", "Failed to fetch latest message on join", map[string]interface{}{
			"room_id": roomID,
			"error":   err.Error(),
		})
		return
	}
	if latest == nil || latest.SenderID == readerID || latest.IsRead {
		return
	}

	flipped, err := m.messages.MarkRead(ctx, roomID, latest.ID, readerID)
	if err != nil {
		m.logger.Warn("Gateway", "Failed to mark latest message read on join", map[string]interface{}{
			"room_id": roomID,
			"error":   err.Error(),
		})
		return
	}
	if flipped == 0 {
		return
	}

	latest.IsRead = true
	m.publishRoomEvent(ctx, domain.RoomEvent{
		Type:      domain.EventMessageRead,
		RoomID:    roomID,
		UserID:    readerID,
		Message:   domain.NewMessagePayload(latest),
		Timestamp: time.Now(),
	})
}

func (m *WSManager) handleLeave(ctx context.Context, conn *WSConnection, roomIDStr string) {
	roomID, err := uuid.Parse(roomIDStr)
	if err != nil {
		m.sendAck(conn, domain.ClientEventLeave, domain.NewValidationError("malformed room id"), nil)
		return
	}

	if !conn.unsubscribe(roomID) {
		m.sendAck(conn, domain.ClientEventLeave, nil, map[string]interface{}{"room_id": roomID})
		return
	}
	m.removeRoomConn(roomID, conn)

	if err := m.roomPresence.Remove(ctx, roomID, conn.UserID); err != nil {
		m.logger.Warn("Gateway", "Failed to clear room membership", map[string]interface{}{
			"room_id": roomID,
			"error":   err.Error(),
		})
	}

	m.publishRoomEvent(ctx, domain.RoomEvent{
		Type:      domain.EventUserLeftRoom,
		RoomID:    roomID,
		UserID:    conn.UserID,
		Role:      conn.Role,
		Timestamp: time.Now(),
	})

	m.sendAck(conn, domain.ClientEventLeave, nil, map[string]interface{}{"room_id": roomID})
}

func (m *WSManager) handleSend(ctx context.Context, conn *WSConnection, evt *domain.ClientEvent) {
	req := domain.SendMessageRequest{RoomID: evt.RoomID, Content: evt.Content}
	if err := m.validate.Struct(&req); err != nil {
		m.sendAck(conn, domain.ClientEventSend, domain.NewValidationError(validationReason(err)), nil)
		return
	}
	roomID := uuid.MustParse(req.RoomID)

	room, err := m.notifRouter.RoomOf(ctx, roomID)
	if err != nil {
		m.sendAck(conn, domain.ClientEventSend, err, nil)
		return
	}
	if !room.HasMember(conn.UserID) {
		m.sendAck(conn, domain.ClientEventSend, domain.NewNotFoundError("room not found"), nil)
		return
	}

	msg, err := m.messages.Save(ctx, roomID, conn.UserID, req.Content)
	if err != nil {
		// Surfaced as an opaque failure so the client retries the send.
		m.logger.Error("Gateway", "Message persist failed", map[string]interface{}{
			"room_id": roomID,
			"user_id": conn.UserID,
			"error":   err.Error(),
		})
		m.sendAck(conn, domain.ClientEventSend, err, nil)
		return
	}

	// All subscribers, on every instance, receive the message through the
	// bus in persistence order.
	m.publishRoomEvent(ctx, domain.RoomEvent{
		Type:      domain.EventNewMessage,
		RoomID:    roomID,
		UserID:    conn.UserID,
		Message:   domain.NewMessagePayload(msg),
		Timestamp: time.Now(),
	})

	// Routing runs before the ack so a same-room receiver's read receipt
	// is observable no later than the sender's acknowledgment.
	if err := m.notifRouter.Route(ctx, room, msg); err != nil {
		m.logger.Warn("Gateway", "Delivery routing degraded", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
	}

	m.sendAck(conn, domain.ClientEventSend, nil, domain.NewMessagePayload(msg))
}

func (m *WSManager) handleCheckPresence(ctx context.Context, conn *WSConnection, userIDStr string) {
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		m.sendAck(conn, domain.ClientEventCheckPresence, domain.NewValidationError("malformed user id"), nil)
		return
	}

	loc, err := m.presence.Get(ctx, userID)
	if err != nil {
		m.sendAck(conn, domain.ClientEventCheckPresence, err, nil)
		return
	}

	m.sendFrame(conn, domain.ServerFrame{
		Type:    "presence",
		Success: true,
		Data:    domain.PresenceResponse{UserID: userID.String(), Online: loc != nil},
	})
}

func (m *WSManager) handleTyping(ctx context.Context, conn *WSConnection, evt *domain.ClientEvent) {
	roomID, err := uuid.Parse(evt.RoomID)
	if err != nil || !conn.subscribedTo(roomID) {
		return
	}
	m.publishRoomEvent(ctx, domain.RoomEvent{
		Type:      domain.EventTypingIndicator,
		RoomID:    roomID,
		UserID:    conn.UserID,
		Role:      conn.Role,
		IsTyping:  evt.IsTyping,
		Timestamp: time.Now(),
	})
}

// --- fan-out bus delivery (EventHandler implementation) ---

// HandleRoomEvent delivers a bus event to every local subscriber of the
// room; every instance, including the publisher's, delivers this way so
// all subscribers observe one order.
func (m *WSManager) HandleRoomEvent(evt domain.RoomEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Gateway", "Recovered from panic delivering room event", map[string]interface{}{"panic": r})
		}
	}()

	frame := domain.ServerFrame{Type: evt.Type, Success: true, Data: evt}
	m.broadcastToRoom(evt.RoomID, frame)
}

// HandleUserEvent delivers a user-targeted event to that user's local
// connections; a nil target means every local connection.
func (m *WSManager) HandleUserEvent(evt domain.UserEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Gateway", "Recovered from panic delivering user event", map[string]interface{}{"panic": r})
		}
	}()

	frame := domain.ServerFrame{Type: evt.Type, Success: true, Data: evt}

	m.mu.RLock()
	var conns []*WSConnection
	if evt.TargetUserID == uuid.Nil {
		for _, userConns := range m.byUser {
			conns = append(conns, userConns...)
		}
	} else {
		conns = append(conns, m.byUser[evt.TargetUserID]...)
	}
	m.mu.RUnlock()

	m.writeAll(conns, frame)
}

func (m *WSManager) broadcastToRoom(roomID uuid.UUID, frame domain.ServerFrame) {
	m.mu.RLock()
	conns := make([]*WSConnection, len(m.byRoom[roomID]))
	copy(conns, m.byRoom[roomID])
	m.mu.RUnlock()

	m.writeAll(conns, frame)
}

func (m *WSManager) writeAll(conns []*WSConnection, frame domain.ServerFrame) {
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *WSConnection) {
			defer wg.Done()
			if err := c.safeWriteJSON(frame); err != nil {
				// The dead connection's own read loop runs the cleanup.
				m.logger.Warn("Gateway", "Failed to deliver frame", map[string]interface{}{
					"user_id": c.UserID,
					"error":   err.Error(),
				})
			}
		}(conn)
	}
	wg.Wait()
}

// --- local subscription bookkeeping ---

func (m *WSManager) addRoomConn(roomID uuid.UUID, conn *WSConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRoom[roomID] = append(m.byRoom[roomID], conn)
}

func (m *WSManager) removeRoomConn(roomID uuid.UUID, conn *WSConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := m.byRoom[roomID]
	for i, existing := range conns {
		if existing == conn {
			m.byRoom[roomID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(m.byRoom[roomID]) == 0 {
		delete(m.byRoom, roomID)
	}
}

// --- frame helpers ---

func (m *WSManager) publishRoomEvent(ctx context.Context, evt domain.RoomEvent) {
	if err := m.bus.PublishRoomEvent(ctx, evt); err != nil {
		m.logger.Error("Gateway", "Failed to publish room event", map[string]interface{}{
			"type":    evt.Type,
			"room_id": evt.RoomID,
			"error":   err.Error(),
		})
	}
}

func (m *WSManager) sendWelcome(conn *WSConnection) {
	m.sendFrame(conn, domain.ServerFrame{
		Type:    "connection_established",
		Success: true,
		Data: map[string]interface{}{
			"user_id":     conn.UserID,
			"role":        conn.Role,
			"instance_id": m.cfg.InstanceID,
			"timestamp":   time.Now().Format(time.RFC3339),
		},
	})
}

// sendAck reports an operation's outcome on the connection's
// acknowledgment channel. A nil err acks success.
func (m *WSManager) sendAck(conn *WSConnection, event string, err error, data interface{}) {
	frame := domain.ServerFrame{Type: "ack", Success: err == nil, Data: data}
	if err != nil {
		frame.Error = domain.MessageOf(err)
		frame.Data = map[string]interface{}{"event": event}
	} else if data == nil {
		frame.Data = map[string]interface{}{"event": event}
	}
	m.sendFrame(conn, frame)
}

func (m *WSManager) sendFrame(conn *WSConnection, frame domain.ServerFrame) {
	if err := conn.safeWriteJSON(frame); err != nil {
		m.logger.Warn("Gateway", "Failed to write frame", map[string]interface{}{
			"user_id": conn.UserID,
			"error":   err.Error(),
		})
	}
}

// validationReason turns the first failed constraint into an actionable
// reason for the ack.
func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := verrs[0]
		switch strings.ToLower(field.Field()) {
		case "roomid":
			return "malformed room id"
		case "content":
			return "content must be between 1 and 2000 characters"
		}
	}
	return "invalid request"
}
