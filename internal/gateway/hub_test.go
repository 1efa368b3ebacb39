package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/auth"
	"github.com/pulsechat/pulsechat-server/internal/config"
	"github.com/pulsechat/pulsechat-server/internal/contact"
	"github.com/pulsechat/pulsechat-server/internal/conversation"
	"github.com/pulsechat/pulsechat-server/internal/message"
	"github.com/pulsechat/pulsechat-server/internal/presence"
	"github.com/pulsechat/pulsechat-server/internal/ratelimit"
	"github.com/pulsechat/pulsechat-server/internal/user"
	"github.com/pulsechat/pulsechat-server/internal/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		GatewayHeartbeatIntervalMS: 25000,
		GatewayMaxConnections:      10,
		JWTAccessSecret:            "test-secret-for-defaults-minimum-32-bytes",
	}
}

// fakeUserRepo implements user.Repository with only the fields tests care about populated.
type fakeUserRepo struct {
	users map[uuid.UUID]*user.User
}

func newFakeUserRepo(users ...*user.User) *fakeUserRepo {
	m := make(map[uuid.UUID]*user.User, len(users))
	for _, u := range users {
		m[u.ID] = u
	}
	return &fakeUserRepo{users: m}
}

func (r *fakeUserRepo) Create(context.Context, user.CreateParams) (uuid.UUID, error) { return uuid.Nil, nil }
func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}
func (r *fakeUserRepo) GetByEmail(context.Context, string) (*user.User, error)             { return nil, nil }
func (r *fakeUserRepo) Update(context.Context, uuid.UUID, user.UpdateParams) (*user.User, error) {
	return nil, nil
}
func (r *fakeUserRepo) UpdateStatus(context.Context, uuid.UUID, user.Status) error           { return nil }
func (r *fakeUserRepo) UpdateHideReadStatus(context.Context, uuid.UUID, bool) error          { return nil }
func (r *fakeUserRepo) UpdatePasswordHash(context.Context, uuid.UUID, string) error          { return nil }
func (r *fakeUserRepo) TouchLastSeen(context.Context, uuid.UUID, time.Time) error            { return nil }
func (r *fakeUserRepo) Deactivate(context.Context, uuid.UUID) error                          { return nil }
func (r *fakeUserRepo) Search(context.Context, string, []uuid.UUID, int) ([]user.Public, error) {
	return nil, nil
}

// fakeConversationRepo implements conversation.Repository with the subset the gateway dispatch handlers use.
type fakeConversationRepo struct {
	convs        map[uuid.UUID]*conversation.Conversation
	participants map[uuid.UUID]map[uuid.UUID]bool // conversationID -> userID -> active
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{
		convs:        make(map[uuid.UUID]*conversation.Conversation),
		participants: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (r *fakeConversationRepo) addConversation(id uuid.UUID, participantIDs ...uuid.UUID) {
	r.convs[id] = &conversation.Conversation{ID: id, Type: conversation.TypeGroup}
	members := make(map[uuid.UUID]bool, len(participantIDs))
	for _, p := range participantIDs {
		members[p] = true
	}
	r.participants[id] = members
}

func (r *fakeConversationRepo) CreateDirect(context.Context, uuid.UUID, uuid.UUID) (*conversation.Conversation, bool, error) {
	return nil, false, nil
}
func (r *fakeConversationRepo) CreateGroup(context.Context, conversation.CreateGroupParams) (*conversation.Conversation, error) {
	return nil, nil
}
func (r *fakeConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*conversation.Conversation, error) {
	if c, ok := r.convs[id]; ok {
		return c, nil
	}
	return nil, conversation.ErrNotFound
}
func (r *fakeConversationRepo) ExistsAndParticipant(_ context.Context, id, userID uuid.UUID) (bool, bool, error) {
	members, exists := r.participants[id]
	if !exists {
		return false, false, nil
	}
	return true, members[userID], nil
}
func (r *fakeConversationRepo) ListForUser(context.Context, uuid.UUID, *string, int, int) ([]conversation.Summary, int, error) {
	return nil, 0, nil
}
func (r *fakeConversationRepo) UpdateGroup(context.Context, uuid.UUID, conversation.UpdateGroupParams) (*conversation.Conversation, error) {
	return nil, nil
}
func (r *fakeConversationRepo) TouchUpdatedAt(context.Context, uuid.UUID, time.Time) error { return nil }
func (r *fakeConversationRepo) ListParticipants(_ context.Context, id uuid.UUID) ([]conversation.ParticipantWithProfile, error) {
	members := r.participants[id]
	out := make([]conversation.ParticipantWithProfile, 0, len(members))
	for userID := range members {
		out = append(out, conversation.ParticipantWithProfile{UserID: userID})
	}
	return out, nil
}
func (r *fakeConversationRepo) GetParticipant(context.Context, uuid.UUID, uuid.UUID) (*conversation.Participant, error) {
	return nil, nil
}
func (r *fakeConversationRepo) AddParticipants(context.Context, uuid.UUID, []uuid.UUID) ([]conversation.ParticipantWithProfile, error) {
	return nil, nil
}
func (r *fakeConversationRepo) RemoveParticipant(context.Context, uuid.UUID, uuid.UUID) (*uuid.UUID, error) {
	return nil, nil
}
func (r *fakeConversationRepo) SetAdmin(context.Context, uuid.UUID, uuid.UUID, bool) error    { return nil }
func (r *fakeConversationRepo) SetMuted(context.Context, uuid.UUID, uuid.UUID, bool) error    { return nil }
func (r *fakeConversationRepo) SetArchived(context.Context, uuid.UUID, uuid.UUID, bool) error { return nil }
func (r *fakeConversationRepo) AdvanceLastReadAt(context.Context, uuid.UUID, uuid.UUID, time.Time) error {
	return nil
}

// fakeMessageRepo implements message.Repository with an in-memory map, sufficient for send/edit/delete/status tests.
type fakeMessageRepo struct {
	messages map[uuid.UUID]*message.Message
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: make(map[uuid.UUID]*message.Message)}
}

func (r *fakeMessageRepo) Create(_ context.Context, params message.CreateParams) (*message.Message, error) {
	now := time.Now()
	msg := &message.Message{
		ID:             uuid.New(),
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		Content:        params.Content,
		ReplyToID:      params.ReplyToID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.messages[msg.ID] = msg
	return msg, nil
}
func (r *fakeMessageRepo) GetByID(_ context.Context, id uuid.UUID) (*message.Message, error) {
	if m, ok := r.messages[id]; ok {
		return m, nil
	}
	return nil, message.ErrNotFound
}
func (r *fakeMessageRepo) List(context.Context, uuid.UUID, *message.Cursor, int, bool) ([]message.Message, error) {
	return nil, nil
}
func (r *fakeMessageRepo) Update(_ context.Context, id uuid.UUID, content string, at time.Time) (*message.Message, error) {
	m, ok := r.messages[id]
	if !ok {
		return nil, message.ErrNotFound
	}
	m.Content = content
	m.UpdatedAt = at
	return m, nil
}
func (r *fakeMessageRepo) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	m, ok := r.messages[id]
	if !ok {
		return message.ErrNotFound
	}
	m.DeletedAt = &at
	return nil
}
func (r *fakeMessageRepo) MarkDelivered(_ context.Context, _ uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, error) {
	var transitioned []uuid.UUID
	for _, id := range messageIDs {
		if _, ok := r.messages[id]; ok {
			transitioned = append(transitioned, id)
		}
	}
	return transitioned, nil
}
func (r *fakeMessageRepo) MarkRead(_ context.Context, _ uuid.UUID, messageIDs []uuid.UUID) ([]uuid.UUID, *time.Time, error) {
	var transitioned []uuid.UUID
	var latest *time.Time
	for _, id := range messageIDs {
		m, ok := r.messages[id]
		if !ok {
			continue
		}
		transitioned = append(transitioned, id)
		if latest == nil || m.CreatedAt.After(*latest) {
			t := m.CreatedAt
			latest = &t
		}
	}
	return transitioned, latest, nil
}
func (r *fakeMessageRepo) MarkConversationRead(_ context.Context, conversationID, _ uuid.UUID) ([]uuid.UUID, *time.Time, error) {
	var transitioned []uuid.UUID
	var latest *time.Time
	for id, m := range r.messages {
		if m.ConversationID != conversationID {
			continue
		}
		transitioned = append(transitioned, id)
		if latest == nil || m.CreatedAt.After(*latest) {
			t := m.CreatedAt
			latest = &t
		}
	}
	return transitioned, latest, nil
}
func (r *fakeMessageRepo) UnreadCount(context.Context, uuid.UUID, uuid.UUID) (int, error) { return 0, nil }

// fakeContactRepo implements contact.Repository with no blocked relationships by default.
type fakeContactRepo struct{}

func (fakeContactRepo) Add(context.Context, uuid.UUID, uuid.UUID) error    { return nil }
func (fakeContactRepo) Remove(context.Context, uuid.UUID, uuid.UUID) error { return nil }
func (fakeContactRepo) Get(context.Context, uuid.UUID, uuid.UUID) (*contact.Contact, error) {
	return nil, nil
}
func (fakeContactRepo) Exists(context.Context, uuid.UUID, uuid.UUID) (bool, error) { return false, nil }
func (fakeContactRepo) List(context.Context, uuid.UUID) ([]contact.WithProfile, error) {
	return nil, nil
}
func (fakeContactRepo) Update(context.Context, uuid.UUID, uuid.UUID, contact.UpdateParams) (*contact.Contact, error) {
	return nil, nil
}
func (fakeContactRepo) SetBlocked(context.Context, uuid.UUID, uuid.UUID, bool) error { return nil }
func (fakeContactRepo) Blocked(context.Context, uuid.UUID, uuid.UUID) (bool, error)  { return false, nil }
func (fakeContactRepo) MutualIDs(context.Context, uuid.UUID) ([]uuid.UUID, error)    { return nil, nil }

// fakeCache implements message.Cache as a no-op.
type fakeCache struct{}

func (fakeCache) InvalidateRecent(context.Context, uuid.UUID) error { return nil }

// newTestHub assembles a Hub wired to miniredis and the fakes above, for dispatch-level tests.
func newTestHub(t *testing.T, users *fakeUserRepo, convs *fakeConversationRepo, msgRepo *fakeMessageRepo) *Hub {
	t.Helper()
	_, rdb := newTestRedis(t)
	cfg := testConfig()
	sessions := NewSessionStore(rdb, 5*time.Minute, 100)
	publisher := NewPublisher(rdb, zerolog.Nop())
	limiter := ratelimit.New(rdb, map[ratelimit.Class]ratelimit.Config{
		ratelimit.ClassSend:   {WindowCount: 100, WindowSeconds: 60, BurstCount: 100, BurstSeconds: 5, PenaltySeconds: 30},
		ratelimit.ClassMutate: {WindowCount: 100, WindowSeconds: 60, BurstCount: 100, BurstSeconds: 5, PenaltySeconds: 30},
	})
	presenceStore := presence.NewStore(rdb, users, fakeContactRepo{}, zerolog.Nop())
	msgService := message.NewService(msgRepo, convs, fakeContactRepo{}, fakeCache{}, zerolog.Nop())

	return NewHub(rdb, cfg, sessions, publisher, limiter, presenceStore, users, convs, msgService, zerolog.Nop())
}

func newTestClient(hub *Hub) *Client {
	return &Client{hub: hub, send: make(chan []byte, 256), done: make(chan struct{}), log: zerolog.Nop(), rooms: make(map[string]struct{})}
}

func TestRegisterAndUnregister_MultiDevice(t *testing.T) {
	t.Parallel()
	users := newFakeUserRepo()
	hub := newTestHub(t, users, newFakeConversationRepo(), newFakeMessageRepo())

	userID := uuid.New()
	c1 := newTestClient(hub)
	c1.mu.Lock()
	c1.userID = userID
	c1.sessionID = "s1"
	c1.identified = true
	c1.mu.Unlock()

	c2 := newTestClient(hub)
	c2.mu.Lock()
	c2.userID = userID
	c2.sessionID = "s2"
	c2.identified = true
	c2.mu.Unlock()

	if err := hub.register(c1); err != nil {
		t.Fatalf("register(c1) error = %v", err)
	}
	if err := hub.register(c2); err != nil {
		t.Fatalf("register(c2) error = %v", err)
	}

	if got := hub.ClientCount(); got != 2 {
		t.Errorf("ClientCount() = %d, want 2", got)
	}

	room := wire.UserRoom(userID.String())
	hub.mu.RLock()
	members := len(hub.rooms[room])
	hub.mu.RUnlock()
	if members != 2 {
		t.Errorf("personal room has %d members, want 2", members)
	}

	hub.unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Errorf("after unregistering one device, ClientCount() = %d, want 1", got)
	}

	hub.unregister(c2)
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("after unregistering last device, ClientCount() = %d, want 0", got)
	}
	hub.mu.RLock()
	_, stillPresent := hub.rooms[room]
	hub.mu.RUnlock()
	if stillPresent {
		t.Error("personal room should be removed once its last member leaves")
	}
}

func TestRegisterMaxConnections(t *testing.T) {
	t.Parallel()
	users := newFakeUserRepo()
	hub := newTestHub(t, users, newFakeConversationRepo(), newFakeMessageRepo())
	hub.cfg.GatewayMaxConnections = 1

	c1 := newTestClient(hub)
	c1.mu.Lock()
	c1.userID = uuid.New()
	c1.identified = true
	c1.mu.Unlock()
	if err := hub.register(c1); err != nil {
		t.Fatalf("register(c1) error = %v", err)
	}

	c2 := newTestClient(hub)
	c2.mu.Lock()
	c2.userID = uuid.New()
	c2.identified = true
	c2.mu.Unlock()
	if err := hub.register(c2); err != ErrMaxConnections {
		t.Errorf("register(c2) error = %v, want ErrMaxConnections", err)
	}
}

func TestHandleIdentify_Success(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	users := newFakeUserRepo(&user.User{ID: userID, Username: "ada"})
	hub := newTestHub(t, users, newFakeConversationRepo(), newFakeMessageRepo())

	token, err := auth.NewAccessToken(userID, hub.cfg.JWTAccessSecret, time.Hour, auth.Issuer)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	client := newTestClient(hub)
	hub.handleIdentify(client, token)

	if !client.IsIdentified() {
		t.Fatal("client should be identified")
	}
	if client.UserID() != userID {
		t.Errorf("client.UserID() = %v, want %v", client.UserID(), userID)
	}
	if client.SessionID() == "" {
		t.Error("expected a non-empty session id")
	}

	select {
	case raw := <-client.send:
		var frame wire.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if frame.Type == nil || wire.DispatchEvent(*frame.Type) != wire.DispatchAuthSuccess {
			t.Errorf("expected auth:success dispatch, got %+v", frame)
		}
	default:
		t.Fatal("expected an auth:success frame to be enqueued")
	}
}

func TestHandleConversationJoin_RequiresParticipant(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	convID := uuid.New()
	convs := newFakeConversationRepo()
	convs.addConversation(convID, uuid.New()) // userID is NOT a participant

	hub := newTestHub(t, newFakeUserRepo(), convs, newFakeMessageRepo())
	client := newTestClient(hub)
	client.mu.Lock()
	client.userID = userID
	client.identified = true
	client.mu.Unlock()

	hub.handleConversationJoin(client, wire.ConversationJoinRequest{ConversationID: convID.String()})

	hub.mu.RLock()
	_, inRoom := hub.rooms[wire.ConversationRoom(convID.String())][client]
	hub.mu.RUnlock()
	if inRoom {
		t.Error("non-participant should not be able to join the conversation room")
	}

	select {
	case raw := <-client.send:
		var frame wire.Frame
		_ = json.Unmarshal(raw, &frame)
		var payload wire.MessageErrorPayload
		_ = json.Unmarshal(frame.Data, &payload)
		if payload.Code != wire.CodeNotParticipant {
			t.Errorf("error code = %v, want %v", payload.Code, wire.CodeNotParticipant)
		}
	default:
		t.Fatal("expected a message:error frame")
	}
}

func TestHandleMessageSend_PublishesNewAndSent(t *testing.T) {
	t.Parallel()
	senderID := uuid.New()
	recipientID := uuid.New()
	convID := uuid.New()
	convs := newFakeConversationRepo()
	convs.addConversation(convID, senderID, recipientID)

	hub := newTestHub(t, newFakeUserRepo(), convs, newFakeMessageRepo())
	client := newTestClient(hub)
	client.mu.Lock()
	client.userID = senderID
	client.identified = true
	client.mu.Unlock()

	sub := hub.rdb.Subscribe(context.Background(), eventsChannel)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	hub.handleMessageSend(client, wire.MessageSendRequest{ConversationID: convID.String(), Content: "hello", TempID: "tmp-1"})

	msg, err := sub.ReceiveMessage(context.Background())
	if err != nil {
		t.Fatalf("receive published message:new: %v", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != wire.DispatchMessageNew {
		t.Errorf("published event type = %q, want %q", env.Type, wire.DispatchMessageNew)
	}
	if env.Room != wire.ConversationRoom(convID.String()) {
		t.Errorf("published room = %q, want conversation room", env.Room)
	}

	select {
	case raw := <-client.send:
		var frame wire.Frame
		_ = json.Unmarshal(raw, &frame)
		var sent wire.MessageSentPayload
		_ = json.Unmarshal(frame.Data, &sent)
		if sent.TempID != "tmp-1" {
			t.Errorf("sent.TempID = %q, want %q", sent.TempID, "tmp-1")
		}
	default:
		t.Fatal("expected a message:sent frame on the originating connection")
	}
}

func TestHandleMessageSend_EmptyContentSendsError(t *testing.T) {
	t.Parallel()
	senderID := uuid.New()
	convID := uuid.New()
	convs := newFakeConversationRepo()
	convs.addConversation(convID, senderID)

	hub := newTestHub(t, newFakeUserRepo(), convs, newFakeMessageRepo())
	client := newTestClient(hub)
	client.mu.Lock()
	client.userID = senderID
	client.identified = true
	client.mu.Unlock()

	hub.handleMessageSend(client, wire.MessageSendRequest{ConversationID: convID.String(), Content: "   "})

	select {
	case raw := <-client.send:
		var frame wire.Frame
		_ = json.Unmarshal(raw, &frame)
		var payload wire.MessageErrorPayload
		_ = json.Unmarshal(frame.Data, &payload)
		if payload.Code != wire.CodeContentEmpty {
			t.Errorf("error code = %v, want %v", payload.Code, wire.CodeContentEmpty)
		}
	default:
		t.Fatal("expected a message:error frame")
	}
}

func TestHandleMessageRead_HideReadStatusSuppressesBroadcast(t *testing.T) {
	t.Parallel()
	senderID := uuid.New()
	readerID := uuid.New()
	convID := uuid.New()

	convs := newFakeConversationRepo()
	convs.addConversation(convID, senderID, readerID)

	msgRepo := newFakeMessageRepo()
	msg, _ := msgRepo.Create(context.Background(), message.CreateParams{ConversationID: convID, SenderID: senderID, Content: "hi"})

	users := newFakeUserRepo(&user.User{ID: readerID, Username: "reader", HideReadStatus: true})
	hub := newTestHub(t, users, convs, msgRepo)

	client := newTestClient(hub)
	client.mu.Lock()
	client.userID = readerID
	client.identified = true
	client.mu.Unlock()

	sub := hub.rdb.Subscribe(context.Background(), eventsChannel)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	hub.handleMessageRead(client, wire.MessageReadRequest{MessageIDs: []string{msg.ID.String()}})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := sub.ReceiveMessage(ctx); err == nil {
		t.Error("expected no read-status broadcast when the reader has hide_read_status set")
	}
}

func TestMapMessageError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want wire.Code
	}{
		{message.ErrEmptyContent, wire.CodeContentEmpty},
		{message.ErrContentTooLong, wire.CodeContentTooLong},
		{message.ErrNotFound, wire.CodeMessageNotFound},
		{message.ErrNotOwner, wire.CodeNotOwner},
		{message.ErrEditWindowExpired, wire.CodeEditWindowExpired},
		{message.ErrBlocked, wire.CodeBlocked},
		{conversation.ErrNotFound, wire.CodeConvNotFound},
		{conversation.ErrNotParticipant, wire.CodeNotParticipant},
	}
	for _, tc := range cases {
		code, _ := mapMessageError(tc.err)
		if code != tc.want {
			t.Errorf("mapMessageError(%v) = %v, want %v", tc.err, code, tc.want)
		}
	}
}
