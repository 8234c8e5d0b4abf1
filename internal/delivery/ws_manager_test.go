package delivery

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat-ws/internal/auth"
	"marketchat-ws/internal/domain"
	"marketchat-ws/internal/logger"
	"marketchat-ws/internal/router"
)

// opLog records the relative order of writes and publications across
// fakes, so ordering guarantees are assertable.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) indexOf(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.ops {
		if o == op {
			return i
		}
	}
	return -1
}

type stubSocket struct {
	mu     sync.Mutex
	frames []domain.ServerFrame
	reads  []domain.ClientEvent
	readAt int
	log    *opLog
	closed bool
}

func (s *stubSocket) ReadJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readAt >= len(s.reads) {
		return io.EOF
	}
	*(v.(*domain.ClientEvent)) = s.reads[s.readAt]
	s.readAt++
	return nil
}

func (s *stubSocket) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := v.(domain.ServerFrame)
	s.frames = append(s.frames, frame)
	if s.log != nil {
		s.log.add("write:" + frame.Type)
	}
	return nil
}

func (s *stubSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSocket) frameTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.frames))
	for i, f := range s.frames {
		types[i] = f.Type
	}
	return types
}

func (s *stubSocket) lastFrame() domain.ServerFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

type memPresence struct {
	mu      sync.Mutex
	entries map[uuid.UUID]domain.Locator
	sets    int
	deletes int
}

func newMemPresence() *memPresence {
	return &memPresence{entries: make(map[uuid.UUID]domain.Locator)}
}

func (p *memPresence) Set(ctx context.Context, userID uuid.UUID, loc domain.Locator) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[userID] = loc
	p.sets++
	return nil
}

func (p *memPresence) Refresh(ctx context.Context, userID uuid.UUID) error { return nil }

func (p *memPresence) Delete(ctx context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, userID)
	p.deletes++
	return nil
}

func (p *memPresence) Get(ctx context.Context, userID uuid.UUID) (*domain.Locator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loc, ok := p.entries[userID]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

func (p *memPresence) online() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

type memRoomPresence struct {
	mu      sync.Mutex
	members map[uuid.UUID]map[uuid.UUID]domain.RoomMember
	adds    int
}

func newMemRoomPresence() *memRoomPresence {
	return &memRoomPresence{members: make(map[uuid.UUID]map[uuid.UUID]domain.RoomMember)}
}

func (r *memRoomPresence) Add(ctx context.Context, roomID, userID uuid.UUID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[roomID] == nil {
		r.members[roomID] = make(map[uuid.UUID]domain.RoomMember)
	}
	r.members[roomID][userID] = domain.RoomMember{Role: role, JoinedAt: time.Now()}
	r.adds++
	return nil
}

func (r *memRoomPresence) Remove(ctx context.Context, roomID, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[roomID], userID)
	return nil
}

func (r *memRoomPresence) IsMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[roomID][userID]
	return ok, nil
}

func (r *memRoomPresence) Members(ctx context.Context, roomID uuid.UUID) (map[string]domain.RoomMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.RoomMember, len(r.members[roomID]))
	for id, m := range r.members[roomID] {
		out[id.String()] = m
	}
	return out, nil
}

type memBus struct {
	mu         sync.Mutex
	roomEvents []domain.RoomEvent
	userEvents []domain.UserEvent
	log        *opLog
}

func (b *memBus) PublishRoomEvent(ctx context.Context, evt domain.RoomEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomEvents = append(b.roomEvents, evt)
	if b.log != nil {
		b.log.add("publish:" + evt.Type)
	}
	return nil
}

func (b *memBus) PublishUserEvent(ctx context.Context, evt domain.UserEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userEvents = append(b.userEvents, evt)
	if b.log != nil {
		b.log.add("publish:" + evt.Type)
	}
	return nil
}

func (b *memBus) roomEventsOfType(evtType string) []domain.RoomEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.RoomEvent
	for _, e := range b.roomEvents {
		if e.Type == evtType {
			out = append(out, e)
		}
	}
	return out
}

func (b *memBus) userEventsOfType(evtType string) []domain.UserEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.UserEvent
	for _, e := range b.userEvents {
		if e.Type == evtType {
			out = append(out, e)
		}
	}
	return out
}

type memMessages struct {
	mu        sync.Mutex
	byRoom    map[uuid.UUID][]*domain.ChatMessage
	saves     int
	markReads int
}

func newMemMessages() *memMessages {
	return &memMessages{byRoom: make(map[uuid.UUID][]*domain.ChatMessage)}
}

func (s *memMessages) Save(ctx context.Context, roomID, senderID uuid.UUID, content string) (*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &domain.ChatMessage{
		ID:         uuid.New(),
		ChatRoomID: roomID,
		SenderID:   senderID,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	s.byRoom[roomID] = append(s.byRoom[roomID], msg)
	s.saves++
	// Callers mutate the returned message; the stored copy only changes
	// through MarkRead.
	cp := *msg
	return &cp, nil
}

func (s *memMessages) MarkRead(ctx context.Context, roomID, uptoMessageID, readerID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReads++
	var cutoff time.Time
	for _, m := range s.byRoom[roomID] {
		if m.ID == uptoMessageID {
			cutoff = m.CreatedAt
		}
	}
	var flipped int64
	for _, m := range s.byRoom[roomID] {
		if !m.IsRead && m.SenderID != readerID && !m.CreatedAt.After(cutoff) {
			m.IsRead = true
			flipped++
		}
	}
	return flipped, nil
}

func (s *memMessages) Latest(ctx context.Context, roomID uuid.UUID) (*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.byRoom[roomID]
	if len(msgs) == 0 {
		return nil, nil
	}
	latest := *msgs[len(msgs)-1]
	return &latest, nil
}

func (s *memMessages) History(ctx context.Context, roomID uuid.UUID, before time.Time, limit int) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatMessage
	msgs := s.byRoom[roomID]
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if !before.IsZero() && !msgs[i].CreatedAt.Before(before) {
			continue
		}
		out = append(out, *msgs[i])
	}
	return out, nil
}

// readSequence returns the is_read flags in persistence order.
func (s *memMessages) readSequence(roomID uuid.UUID) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flags := make([]bool, len(s.byRoom[roomID]))
	for i, m := range s.byRoom[roomID] {
		flags[i] = m.IsRead
	}
	return flags
}

func (s *memMessages) unreadCount(roomID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.byRoom[roomID] {
		if !m.IsRead {
			n++
		}
	}
	return n
}

type memRooms struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*domain.ChatRoom
}

func newMemRooms() *memRooms {
	return &memRooms{rooms: make(map[uuid.UUID]*domain.ChatRoom)}
}

func (r *memRooms) add(customerID, vendorID uuid.UUID) *domain.ChatRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := &domain.ChatRoom{ID: uuid.New(), CustomerID: customerID, VendorID: vendorID, CreatedAt: time.Now()}
	r.rooms[room.ID] = room
	return room
}

func (r *memRooms) CreateOrGet(ctx context.Context, customerID, vendorID uuid.UUID) (*domain.ChatRoom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range r.rooms {
		if room.CustomerID == customerID && room.VendorID == vendorID {
			return room, nil
		}
	}
	room := &domain.ChatRoom{ID: uuid.New(), CustomerID: customerID, VendorID: vendorID, CreatedAt: time.Now()}
	r.rooms[room.ID] = room
	return room, nil
}

func (r *memRooms) Get(ctx context.Context, id uuid.UUID) (*domain.ChatRoom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, domain.NewNotFoundError("room not found")
	}
	return room, nil
}

type memDirectory struct {
	tokens map[uuid.UUID]string
}

func (d *memDirectory) PushTokenOf(ctx context.Context, userID uuid.UUID) (string, error) {
	return d.tokens[userID], nil
}

type memQueue struct {
	mu   sync.Mutex
	jobs []domain.PushJob
}

func (q *memQueue) Enqueue(ctx context.Context, job domain.PushJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) jobCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type gatewayFixture struct {
	manager      *WSManager
	presence     *memPresence
	roomPresence *memRoomPresence
	messages     *memMessages
	rooms        *memRooms
	directory    *memDirectory
	queue        *memQueue
	bus          *memBus
	log          *opLog
	secret       string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		presence:     newMemPresence(),
		roomPresence: newMemRoomPresence(),
		messages:     newMemMessages(),
		rooms:        newMemRooms(),
		directory:    &memDirectory{tokens: make(map[uuid.UUID]string)},
		queue:        &memQueue{},
		log:          &opLog{},
		secret:       "gateway-test-secret",
	}
	f.bus = &memBus{log: f.log}

	notifRouter := router.NewNotificationRouter(
		f.rooms, f.messages, f.directory,
		f.presence, f.roomPresence,
		f.bus, f.queue,
		logger.NewNop(),
	)
	f.manager = NewWSManager(
		WSManagerConfig{InstanceID: "gw-test", PresenceTTL: time.Minute},
		auth.NewVerifier(f.secret),
		f.presence, f.roomPresence, f.messages,
		notifRouter, f.bus,
		logger.NewNop(),
	)
	return f
}

func (f *gatewayFixture) connect(t *testing.T, userID uuid.UUID, role string) *WSConnection {
	t.Helper()
	sock := &stubSocket{log: f.log}
	conn := newWSConnection(sock, &auth.Identity{UserID: userID, Role: role})
	f.manager.registerConnection(context.Background(), conn)
	return conn
}

func (f *gatewayFixture) socketOf(conn *WSConnection) *stubSocket {
	return conn.conn.(*stubSocket)
}

func (f *gatewayFixture) token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	token, err := auth.Issue(f.secret, userID, role, time.Minute)
	require.NoError(t, err)
	return token
}

func TestHandleConnectionRefusesInvalidToken(t *testing.T) {
	f := newGatewayFixture(t)
	sock := &stubSocket{reads: []domain.ClientEvent{{Type: domain.ClientEventPing}}}

	f.manager.HandleConnection(sock, "garbage")

	require.Len(t, sock.frames, 1)
	assert.Equal(t, "error", sock.frames[0].Type)
	assert.False(t, sock.frames[0].Success)
	assert.True(t, sock.closed)
	// The queued event is never read.
	assert.Zero(t, sock.readAt)
	assert.Zero(t, f.presence.sets)
}

func TestHandleConnectionLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	userID := uuid.New()
	sock := &stubSocket{reads: []domain.ClientEvent{{Type: domain.ClientEventPing}}}

	f.manager.HandleConnection(sock, f.token(t, userID, domain.RoleCustomer))

	types := sock.frameTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, "connection_established", types[0])
	assert.Contains(t, types, "pong")

	// Connected then disconnected: presence set and removed, both
	// transitions broadcast.
	assert.Equal(t, 1, f.presence.sets)
	assert.Equal(t, 1, f.presence.deletes)
	assert.Zero(t, f.presence.online())
	assert.Len(t, f.bus.userEventsOfType(domain.EventUserOnline), 1)
	assert.Len(t, f.bus.userEventsOfType(domain.EventUserOffline), 1)
	assert.True(t, sock.closed)
}

func TestPresenceTracksConnectAndDisconnect(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	conns := make([]*WSConnection, 5)
	for i := range conns {
		conns[i] = f.connect(t, uuid.New(), domain.RoleCustomer)
	}
	assert.Equal(t, 5, f.presence.online())

	for _, conn := range conns[:2] {
		f.manager.cleanupConnection(ctx, conn)
	}
	assert.Equal(t, 3, f.presence.online())
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	room := f.rooms.add(customerID, uuid.New())
	conn := f.connect(t, customerID, domain.RoleCustomer)

	f.manager.handleJoin(ctx, conn, room.ID.String())
	f.manager.handleJoin(ctx, conn, room.ID.String())

	assert.True(t, conn.subscribedTo(room.ID))
	assert.Equal(t, 1, f.roomPresence.adds)
	assert.Len(t, f.bus.roomEventsOfType(domain.EventUserJoinedRoom), 1)

	f.manager.mu.RLock()
	assert.Len(t, f.manager.byRoom[room.ID], 1)
	f.manager.mu.RUnlock()

	// Both joins ack success.
	sock := f.socketOf(conn)
	acks := 0
	for _, frame := range sock.frames {
		if frame.Type == "ack" && frame.Success {
			acks++
		}
	}
	assert.Equal(t, 2, acks)
}

func TestJoinRejectsNonMember(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	room := f.rooms.add(uuid.New(), uuid.New())
	outsider := f.connect(t, uuid.New(), domain.RoleCustomer)

	f.manager.handleJoin(ctx, outsider, room.ID.String())

	assert.False(t, outsider.subscribedTo(room.ID))
	sock := f.socketOf(outsider)
	last := sock.lastFrame()
	assert.Equal(t, "ack", last.Type)
	assert.False(t, last.Success)
	assert.Equal(t, "room not found", last.Error)
}

func TestJoinUnknownRoomLooksLikeNonMembership(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	room := f.rooms.add(uuid.New(), uuid.New())
	outsider := f.connect(t, uuid.New(), domain.RoleCustomer)

	f.manager.handleJoin(ctx, outsider, room.ID.String())
	nonMemberAck := f.socketOf(outsider).lastFrame()

	f.manager.handleJoin(ctx, outsider, uuid.New().String())
	missingAck := f.socketOf(outsider).lastFrame()

	assert.Equal(t, nonMemberAck.Error, missingAck.Error)
}

func TestJoinMalformedRoomID(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, uuid.New(), domain.RoleCustomer)

	f.manager.handleJoin(context.Background(), conn, "not-a-uuid")

	last := f.socketOf(conn).lastFrame()
	assert.False(t, last.Success)
	assert.Equal(t, "malformed room id", last.Error)
}

func TestJoinMarksPendingMessagesRead(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	vendorID := uuid.New()
	room := f.rooms.add(customerID, vendorID)

	_, err := f.messages.Save(ctx, room.ID, customerID, "hello?")
	require.NoError(t, err)
	_, err = f.messages.Save(ctx, room.ID, customerID, "anyone there?")
	require.NoError(t, err)

	vendor := f.connect(t, vendorID, domain.RoleVendor)
	f.manager.handleJoin(ctx, vendor, room.ID.String())

	assert.Zero(t, f.messages.unreadCount(room.ID))
	reads := f.bus.roomEventsOfType(domain.EventMessageRead)
	require.Len(t, reads, 1)
	assert.Equal(t, vendorID, reads[0].UserID)
}

func TestJoinDoesNotMarkOwnMessagesRead(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	room := f.rooms.add(customerID, uuid.New())

	_, err := f.messages.Save(ctx, room.ID, customerID, "ping")
	require.NoError(t, err)

	customer := f.connect(t, customerID, domain.RoleCustomer)
	f.manager.handleJoin(ctx, customer, room.ID.String())

	assert.Equal(t, 1, f.messages.unreadCount(room.ID))
	assert.Empty(t, f.bus.roomEventsOfType(domain.EventMessageRead))
}

func TestRejoinDoesNotRevertOrRepeatReads(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	vendorID := uuid.New()
	room := f.rooms.add(customerID, vendorID)

	_, err := f.messages.Save(ctx, room.ID, customerID, "first")
	require.NoError(t, err)

	vendor := f.connect(t, vendorID, domain.RoleVendor)
	f.manager.handleJoin(ctx, vendor, room.ID.String())
	f.manager.handleLeave(ctx, vendor, room.ID.String())
	f.manager.handleJoin(ctx, vendor, room.ID.String())

	// Once read, a message stays read; the rejoin emits no second
	// read event and flips nothing.
	assert.Zero(t, f.messages.unreadCount(room.ID))
	assert.Len(t, f.bus.roomEventsOfType(domain.EventMessageRead), 1)
}

func TestLeaveClearsMembership(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	room := f.rooms.add(customerID, uuid.New())
	conn := f.connect(t, customerID, domain.RoleCustomer)

	f.manager.handleJoin(ctx, conn, room.ID.String())
	f.manager.handleLeave(ctx, conn, room.ID.String())

	assert.False(t, conn.subscribedTo(room.ID))
	member, err := f.roomPresence.IsMember(ctx, room.ID, customerID)
	require.NoError(t, err)
	assert.False(t, member)
	assert.Len(t, f.bus.roomEventsOfType(domain.EventUserLeftRoom), 1)
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	roomA := f.rooms.add(customerID, uuid.New())
	roomB := f.rooms.add(customerID, uuid.New())
	conn := f.connect(t, customerID, domain.RoleCustomer)

	f.manager.handleJoin(ctx, conn, roomA.ID.String())
	f.manager.handleJoin(ctx, conn, roomB.ID.String())
	f.manager.cleanupConnection(ctx, conn)

	assert.Len(t, f.bus.roomEventsOfType(domain.EventUserLeftRoom), 2)
	for _, roomID := range []uuid.UUID{roomA.ID, roomB.ID} {
		member, err := f.roomPresence.IsMember(ctx, roomID, customerID)
		require.NoError(t, err)
		assert.False(t, member)
	}
}

func TestSendValidation(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	room := f.rooms.add(customerID, uuid.New())
	conn := f.connect(t, customerID, domain.RoleCustomer)

	tests := []struct {
		name    string
		roomID  string
		content string
	}{
		{"missing room id", "", "hello"},
		{"malformed room id", "nope", "hello"},
		{"empty content", room.ID.String(), ""},
		{"content too long", room.ID.String(), strings.Repeat("a", 2001)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.manager.handleSend(ctx, conn, &domain.ClientEvent{
				Type:    domain.ClientEventSend,
				RoomID:  tt.roomID,
				Content: tt.content,
			})
			last := f.socketOf(conn).lastFrame()
			assert.False(t, last.Success)
		})
	}
	assert.Zero(t, f.messages.saves)
}

func TestSendAtMaxLengthIsAccepted(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	room := f.rooms.add(customerID, uuid.New())
	conn := f.connect(t, customerID, domain.RoleCustomer)

	f.manager.handleSend(ctx, conn, &domain.ClientEvent{
		Type:    domain.ClientEventSend,
		RoomID:  room.ID.String(),
		Content: strings.Repeat("a", 2000),
	})

	assert.Equal(t, 1, f.messages.saves)
	assert.True(t, f.socketOf(conn).lastFrame().Success)
}

func TestSendRejectsNonMember(t *testing.T) {
	f := newGatewayFixture(t)
	room := f.rooms.add(uuid.New(), uuid.New())
	outsider := f.connect(t, uuid.New(), domain.RoleCustomer)

	f.manager.handleSend(context.Background(), outsider, &domain.ClientEvent{
		Type:    domain.ClientEventSend,
		RoomID:  room.ID.String(),
		Content: "let me in",
	})

	assert.Zero(t, f.messages.saves)
	last := f.socketOf(outsider).lastFrame()
	assert.False(t, last.Success)
	assert.Equal(t, "room not found", last.Error)
}

func TestSendPersistsPublishesAndAcks(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	vendorID := uuid.New()
	room := f.rooms.add(customerID, vendorID)
	sender := f.connect(t, customerID, domain.RoleCustomer)

	f.manager.handleSend(ctx, sender, &domain.ClientEvent{
		Type:    domain.ClientEventSend,
		RoomID:  room.ID.String(),
		Content: "is this still available?",
	})

	assert.Equal(t, 1, f.messages.saves)

	newMsgs := f.bus.roomEventsOfType(domain.EventNewMessage)
	require.Len(t, newMsgs, 1)
	require.NotNil(t, newMsgs[0].Message)
	assert.Equal(t, "is this still available?", newMsgs[0].Message.Content)
	assert.Equal(t, customerID, newMsgs[0].UserID)

	last := f.socketOf(sender).lastFrame()
	assert.Equal(t, "ack", last.Type)
	assert.True(t, last.Success)
	payload, ok := last.Data.(*domain.MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "is this still available?", payload.Content)
}

func TestSendToInRoomReceiverEmitsReadBeforeAck(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	vendorID := uuid.New()
	room := f.rooms.add(customerID, vendorID)

	sender := f.connect(t, customerID, domain.RoleCustomer)
	receiver := f.connect(t, vendorID, domain.RoleVendor)
	f.manager.handleJoin(ctx, sender, room.ID.String())
	f.manager.handleJoin(ctx, receiver, room.ID.String())

	f.manager.handleSend(ctx, sender, &domain.ClientEvent{
		Type:    domain.ClientEventSend,
		RoomID:  room.ID.String(),
		Content: "hello",
	})

	// The read receipt is published before the sender's ack is written.
	readIdx := f.log.indexOf("publish:" + domain.EventMessageRead)
	ackIdx := f.log.indexOf("write:ack")
	require.GreaterOrEqual(t, readIdx, 0)
	// Joins also write acks; take the last ack written.
	f.log.mu.Lock()
	lastAck := -1
	for i, op := range f.log.ops {
		if op == "write:ack" {
			lastAck = i
		}
	}
	f.log.mu.Unlock()
	require.GreaterOrEqual(t, ackIdx, 0)
	assert.Less(t, readIdx, lastAck)

	// In-room delivery marks the message read; no push is queued.
	assert.Zero(t, f.messages.unreadCount(room.ID))
	assert.Zero(t, f.queue.jobCount())
}

func TestSendToOfflineReceiverQueuesPush(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	vendorID := uuid.New()
	room := f.rooms.add(customerID, vendorID)
	f.directory.tokens[vendorID] = "vendor-device-token"

	sender := f.connect(t, customerID, domain.RoleCustomer)
	f.manager.handleSend(ctx, sender, &domain.ClientEvent{
		Type:    domain.ClientEventSend,
		RoomID:  room.ID.String(),
		Content: "are you open tomorrow?",
	})

	assert.Equal(t, 1, f.queue.jobCount())
	assert.Equal(t, 1, f.messages.unreadCount(room.ID))
	assert.Empty(t, f.bus.userEventsOfType(domain.EventChatNotification))
}

func TestSendToOnlineElsewhereReceiverNotifies(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	vendorID := uuid.New()
	room := f.rooms.add(customerID, vendorID)

	sender := f.connect(t, customerID, domain.RoleCustomer)
	f.connect(t, vendorID, domain.RoleVendor) // online, room not open

	f.manager.handleSend(ctx, sender, &domain.ClientEvent{
		Type:    domain.ClientEventSend,
		RoomID:  room.ID.String(),
		Content: "quick question",
	})

	notifs := f.bus.userEventsOfType(domain.EventChatNotification)
	require.Len(t, notifs, 1)
	assert.Equal(t, vendorID, notifs[0].TargetUserID)
	assert.Equal(t, 1, f.messages.unreadCount(room.ID))
	assert.Zero(t, f.queue.jobCount())
}

func TestMidJoinReadStateStaysMonotonic(t *testing.T) {
	const messages = 25

	for round := 0; round < 20; round++ {
		f := newGatewayFixture(t)
		ctx := context.Background()
		customerID := uuid.New()
		vendorID := uuid.New()
		room := f.rooms.add(customerID, vendorID)

		sender := f.connect(t, customerID, domain.RoleCustomer)
		f.manager.handleJoin(ctx, sender, room.ID.String())
		receiver := f.connect(t, vendorID, domain.RoleVendor)

		_, err := f.messages.Save(ctx, room.ID, customerID, "seed")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < messages; i++ {
				f.manager.handleSend(ctx, sender, &domain.ClientEvent{
					Type:    domain.ClientEventSend,
					RoomID:  room.ID.String(),
					Content: fmt.Sprintf("m%d", i),
				})
			}
		}()
		f.manager.handleJoin(ctx, receiver, room.ID.String())
		wg.Wait()

		// Whatever interleaving the join landed in, the read flags must
		// form a prefix of the persistence order: a message is only read
		// when everything before it is read, and is_read never reverts.
		flags := f.messages.readSequence(room.ID)
		require.Len(t, flags, messages+1)
		seenUnread := false
		for i, read := range flags {
			if !read {
				seenUnread = true
				continue
			}
			if seenUnread {
				t.Fatalf("round %d: message %d is read but an earlier one is not", round, i)
			}
		}

		// The join observed at least the seed message; everything up to
		// that observation is read.
		assert.True(t, flags[0])
	}
}

func TestConcurrentSendersYieldOneObservedOrder(t *testing.T) {
	const perSender = 20

	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	vendorID := uuid.New()
	room := f.rooms.add(customerID, vendorID)

	customer := f.connect(t, customerID, domain.RoleCustomer)
	vendor := f.connect(t, vendorID, domain.RoleVendor)
	f.manager.handleJoin(ctx, customer, room.ID.String())
	f.manager.handleJoin(ctx, vendor, room.ID.String())

	var wg sync.WaitGroup
	send := func(conn *WSConnection, prefix string) {
		defer wg.Done()
		for i := 0; i < perSender; i++ {
			f.manager.handleSend(ctx, conn, &domain.ClientEvent{
				Type:    domain.ClientEventSend,
				RoomID:  room.ID.String(),
				Content: fmt.Sprintf("%s%d", prefix, i),
			})
		}
	}
	wg.Add(2)
	go send(customer, "c")
	go send(vendor, "v")
	wg.Wait()

	// Sockets only see what the bus delivers; replay the published room
	// events the way the consumer does.
	published := f.bus.roomEventsOfType(domain.EventNewMessage)
	require.Len(t, published, 2*perSender)
	for _, evt := range published {
		f.manager.HandleRoomEvent(evt)
	}

	contentsOf := func(sock *stubSocket) []string {
		var out []string
		sock.mu.Lock()
		defer sock.mu.Unlock()
		for _, frame := range sock.frames {
			if frame.Type != domain.EventNewMessage {
				continue
			}
			evt := frame.Data.(domain.RoomEvent)
			out = append(out, evt.Message.Content)
		}
		return out
	}
	busOrder := make([]string, 0, len(published))
	for _, evt := range published {
		busOrder = append(busOrder, evt.Message.Content)
	}

	// Both subscribers observe the same order, equal to publish order,
	// with each sender's own messages in send order.
	customerSaw := contentsOf(f.socketOf(customer))
	vendorSaw := contentsOf(f.socketOf(vendor))
	assert.Equal(t, busOrder, customerSaw)
	assert.Equal(t, busOrder, vendorSaw)

	for _, prefix := range []string{"c", "v"} {
		i := 0
		for _, content := range customerSaw {
			if strings.HasPrefix(content, prefix) {
				assert.Equal(t, fmt.Sprintf("%s%d", prefix, i), content)
				i++
			}
		}
		assert.Equal(t, perSender, i)
	}
}

func TestCleanupKeepsPresenceWhileAnotherTabLives(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	tabA := f.connect(t, userID, domain.RoleCustomer)
	tabB := f.connect(t, userID, domain.RoleCustomer)

	f.manager.cleanupConnection(ctx, tabA)

	loc, err := f.presence.Get(ctx, userID)
	require.NoError(t, err)
	assert.NotNil(t, loc)
	assert.Empty(t, f.bus.userEventsOfType(domain.EventUserOffline))

	f.manager.cleanupConnection(ctx, tabB)

	loc, err = f.presence.Get(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, loc)
	assert.Len(t, f.bus.userEventsOfType(domain.EventUserOffline), 1)
}

func TestHandleRoomEventReachesOnlySubscribers(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	vendorID := uuid.New()
	room := f.rooms.add(customerID, vendorID)

	subscriber := f.connect(t, customerID, domain.RoleCustomer)
	bystander := f.connect(t, uuid.New(), domain.RoleVendor)
	f.manager.handleJoin(ctx, subscriber, room.ID.String())

	f.manager.HandleRoomEvent(domain.RoomEvent{
		Type:      domain.EventNewMessage,
		RoomID:    room.ID,
		UserID:    vendorID,
		Timestamp: time.Now(),
	})

	assert.Contains(t, f.socketOf(subscriber).frameTypes(), domain.EventNewMessage)
	assert.NotContains(t, f.socketOf(bystander).frameTypes(), domain.EventNewMessage)
}

func TestHandleUserEventTargetsOneUser(t *testing.T) {
	f := newGatewayFixture(t)
	targetID := uuid.New()
	target := f.connect(t, targetID, domain.RoleVendor)
	other := f.connect(t, uuid.New(), domain.RoleCustomer)

	f.manager.HandleUserEvent(domain.UserEvent{
		Type:         domain.EventChatNotification,
		TargetUserID: targetID,
		Timestamp:    time.Now(),
	})

	assert.Contains(t, f.socketOf(target).frameTypes(), domain.EventChatNotification)
	assert.NotContains(t, f.socketOf(other).frameTypes(), domain.EventChatNotification)
}

func TestHandleUserEventWithoutTargetReachesEveryone(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.connect(t, uuid.New(), domain.RoleCustomer)
	b := f.connect(t, uuid.New(), domain.RoleVendor)

	f.manager.HandleUserEvent(domain.UserEvent{
		Type:      domain.EventUserOnline,
		UserID:    uuid.New(),
		Timestamp: time.Now(),
	})

	assert.Contains(t, f.socketOf(a).frameTypes(), domain.EventUserOnline)
	assert.Contains(t, f.socketOf(b).frameTypes(), domain.EventUserOnline)
}

func TestCheckPresence(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	onlineID := uuid.New()
	f.connect(t, onlineID, domain.RoleVendor)
	asker := f.connect(t, uuid.New(), domain.RoleCustomer)

	f.manager.handleCheckPresence(ctx, asker, onlineID.String())
	frame := f.socketOf(asker).lastFrame()
	require.Equal(t, "presence", frame.Type)
	resp, ok := frame.Data.(domain.PresenceResponse)
	require.True(t, ok)
	assert.True(t, resp.Online)

	f.manager.handleCheckPresence(ctx, asker, uuid.New().String())
	resp, ok = f.socketOf(asker).lastFrame().Data.(domain.PresenceResponse)
	require.True(t, ok)
	assert.False(t, resp.Online)
}

func TestTypingRequiresSubscription(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()
	customerID := uuid.New()
	room := f.rooms.add(customerID, uuid.New())
	conn := f.connect(t, customerID, domain.RoleCustomer)

	f.manager.handleTyping(ctx, conn, &domain.ClientEvent{
		Type:     domain.ClientEventTyping,
		RoomID:   room.ID.String(),
		IsTyping: true,
	})
	assert.Empty(t, f.bus.roomEventsOfType(domain.EventTypingIndicator))

	f.manager.handleJoin(ctx, conn, room.ID.String())
	f.manager.handleTyping(ctx, conn, &domain.ClientEvent{
		Type:     domain.ClientEventTyping,
		RoomID:   room.ID.String(),
		IsTyping: true,
	})

	typing := f.bus.roomEventsOfType(domain.EventTypingIndicator)
	require.Len(t, typing, 1)
	assert.True(t, typing[0].IsTyping)
}

func TestUnknownEventType(t *testing.T) {
	f := newGatewayFixture(t)
	conn := f.connect(t, uuid.New(), domain.RoleCustomer)

	f.manager.handleEvent(context.Background(), conn, &domain.ClientEvent{Type: "shout"})

	last := f.socketOf(conn).lastFrame()
	assert.Equal(t, "error", last.Type)
	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "shout")
}
