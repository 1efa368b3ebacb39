package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/auth"
	"github.com/pulsechat/pulsechat-server/internal/config"
	"github.com/pulsechat/pulsechat-server/internal/conversation"
	"github.com/pulsechat/pulsechat-server/internal/message"
	"github.com/pulsechat/pulsechat-server/internal/presence"
	"github.com/pulsechat/pulsechat-server/internal/ratelimit"
	"github.com/pulsechat/pulsechat-server/internal/typesense"
	"github.com/pulsechat/pulsechat-server/internal/user"
	"github.com/pulsechat/pulsechat-server/internal/wire"
)

// Hub is the central WebSocket connection registry and event distributor. It manages client connections, room
// membership, subscribes to gateway events via Redis/Valkey pub/sub, and fans events out to local connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{} // identified connections, by user id
	rooms   map[string]map[*Client]struct{}    // room name -> member connections

	rdb           *redis.Client
	cfg           *config.Config
	sessions      *SessionStore
	publisher     *Publisher
	limiter       *ratelimit.Limiter
	presence      *presence.Store
	users         user.Repository
	conversations conversation.Repository
	messages      *message.Service
	indexer       *typesense.Indexer // optional; set via SetIndexer. Nil disables search indexing.
	log           zerolog.Logger
}

// SetIndexer attaches a Typesense indexer so message send/edit/delete also update the search index. Indexing is
// best-effort: a failure here is logged but never fails the underlying gateway operation.
func (h *Hub) SetIndexer(indexer *typesense.Indexer) {
	h.indexer = indexer
}

// NewHub creates a new gateway hub.
func NewHub(
	rdb *redis.Client,
	cfg *config.Config,
	sessions *SessionStore,
	publisher *Publisher,
	limiter *ratelimit.Limiter,
	presenceStore *presence.Store,
	users user.Repository,
	conversations conversation.Repository,
	messages *message.Service,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:       make(map[uuid.UUID]map[*Client]struct{}),
		rooms:         make(map[string]map[*Client]struct{}),
		rdb:           rdb,
		cfg:           cfg,
		sessions:      sessions,
		publisher:     publisher,
		limiter:       limiter,
		presence:      presenceStore,
		users:         users,
		conversations: conversations,
		messages:      messages,
		log:           logger.With().Str("component", "gateway").Logger(),
	}
}

// Run subscribes to the gateway events pub/sub channel and dispatches events to connected clients. It blocks until
// the context is cancelled or the subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, eventsChannel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("Gateway hub subscribed to event channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handlePubSubEvent(ctx, msg.Payload)
		}
	}
}

// ServeWebSocket initialises a new client for an upgraded WebSocket connection. queryToken and headerToken carry the
// lower-priority authentication sources resolved by the HTTP handler before the upgrade (query parameter and bearer
// header, respectively). When either is set, the connection is identified from it (query parameter first) before
// any frame is read; otherwise the token comes from the Identify frame's payload field.
func (h *Hub) ServeWebSocket(conn *websocket.Conn, queryToken, headerToken string) {
	client := newClient(h, conn, queryToken, headerToken, h.log)

	hello, err := NewHelloFrame(h.cfg.GatewayHeartbeatIntervalMS)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build Hello frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send Hello frame")
		_ = conn.Close()
		return
	}

	go client.writePump()

	// If a token was already available from the handshake (query param or header), identify immediately rather
	// than waiting for an explicit Identify frame. An Identify frame that arrives afterwards is rejected by
	// handleIdentify with CloseAlreadyAuthenticated, so its token is never used on such a connection.
	if queryToken != "" || headerToken != "" {
		h.handleIdentify(client, "")
	}

	client.readPump()
}

// joinRoom adds client to room, tracking the membership on the client itself so it can be cleaned up on disconnect.
func (h *Hub) joinRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	client.addRoom(room)
}

// leaveRoom removes client from room.
func (h *Hub) leaveRoom(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(client, room)
}

func (h *Hub) leaveRoomLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	client.removeRoom(room)
}

// register adds an authenticated client to the Hub's per-user connection set and its personal room. The client's
// userID/sessionID/identified fields must already be set by the caller (handleIdentify/handleResume).
func (h *Hub) register(client *Client) error {
	userID := client.UserID()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clientCountLocked() >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}

	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}

	room := wire.UserRoom(userID.String())
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	client.addRoom(room)

	h.log.Debug().Stringer("user_id", userID).Int("total", len(h.clients[userID])).Msg("Client registered")
	return nil
}

func (h *Hub) clientCountLocked() int {
	total := 0
	for _, set := range h.clients {
		total += len(set)
	}
	return total
}

// unregister removes a client from the Hub and every room it had joined, persisting its session for future resume.
// The Presence connection count is decremented regardless of how many local connections this user still has, since
// presence.Store tracks the count globally across every gateway instance.
func (h *Hub) unregister(client *Client) {
	userID := client.UserID()
	sessionID := client.SessionID()
	wasIdentified := client.IsIdentified()
	seq := client.currentSeq()

	h.mu.Lock()
	for _, room := range client.roomSnapshot() {
		h.leaveRoomLocked(client, room)
	}
	if set, ok := h.clients[userID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, userID)
		}
	}
	h.mu.Unlock()

	client.closeSend()

	if !wasIdentified {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.sessions.Save(ctx, sessionID, userID, seq); err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to save session on disconnect")
	}

	if h.presence != nil {
		becameOffline, err := h.presence.Disconnect(ctx, userID)
		if err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to record presence disconnect")
		} else if becameOffline {
			h.broadcastPresence(ctx, userID, presence.StatusOffline)
		}
	}

	h.log.Debug().Stringer("user_id", userID).Msg("Client unregistered")
}

// handleIdentify authenticates a client using a JWT token resolved from the Identify frame payload (highest
// priority) or the connection's query/header fallbacks, assembles the auth:success payload, and registers the
// client.
func (h *Hub) handleIdentify(client *Client, payloadToken string) {
	if client.IsIdentified() {
		client.closeWithCode(CloseAlreadyAuthenticated, "already identified")
		return
	}

	token := firstNonEmpty(payloadToken, client.queryToken, client.headerToken)
	if token == "" {
		client.closeWithCode(CloseAuthFailed, "token required")
		return
	}

	claims, err := auth.ValidateAccessToken(token, h.cfg.JWTAccessSecret, "")
	if err != nil {
		h.log.Debug().Err(err).Msg("Identify token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		client.closeWithCode(CloseAuthFailed, "invalid token subject")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.users.GetByID(ctx, userID); err != nil {
		h.log.Debug().Err(err).Stringer("user_id", userID).Msg("Identify user lookup failed")
		client.closeWithCode(CloseAuthFailed, "user not found")
		return
	}

	sessionID := NewSessionID()

	client.mu.Lock()
	client.userID = userID
	client.sessionID = sessionID
	client.identified = true
	client.mu.Unlock()

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	readyPayload, err := json.Marshal(wire.ReadyData{UserID: userID.String(), SessionID: sessionID})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal ready payload")
		return
	}
	if frame, fErr := NewDispatchFrame(client.nextSeq(), wire.DispatchAuthSuccess, readyPayload); fErr == nil {
		client.enqueue(frame)
	}

	if h.presence != nil {
		status, becameOnline, pErr := h.presence.Connect(ctx, userID)
		if pErr != nil {
			h.log.Warn().Err(pErr).Stringer("user_id", userID).Msg("Failed to record presence connect")
		} else if becameOnline {
			h.broadcastPresence(ctx, userID, status)
		}
	}

	h.log.Info().Stringer("user_id", userID).Str("session_id", sessionID).Msg("Client identified")
}

// handleResume restores a client's session from Redis/Valkey and replays missed events.
func (h *Hub) handleResume(client *Client, data wire.ResumeData) {
	if client.IsIdentified() {
		client.closeWithCode(CloseAlreadyAuthenticated, "already identified")
		return
	}

	claims, err := auth.ValidateAccessToken(data.Token, h.cfg.JWTAccessSecret, "")
	if err != nil {
		h.log.Debug().Err(err).Msg("Resume token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}

	tokenUserID, err := uuid.Parse(claims.Subject)
	if err != nil {
		client.closeWithCode(CloseAuthFailed, "invalid token subject")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := h.sessions.Load(ctx, data.SessionID)
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", data.SessionID).Msg("Session not found for resume")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	if session.UserID != tokenUserID {
		h.log.Debug().Msg("Resume user ID does not match token")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	if data.Seq > session.LastSeq {
		h.log.Debug().Int64("client_seq", data.Seq).Int64("server_seq", session.LastSeq).
			Msg("Resume sequence ahead of server")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	missed, err := h.sessions.Replay(ctx, data.SessionID, data.Seq)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load replay buffer")
		if frame, fErr := NewInvalidSessionFrame(false); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	client.mu.Lock()
	client.userID = tokenUserID
	client.sessionID = data.SessionID
	client.seq.Store(session.LastSeq)
	client.identified = true
	client.mu.Unlock()

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register resumed client")
		client.closeWithCode(CloseUnknownError, "registration failed")
		return
	}

	if err := h.sessions.Delete(ctx, data.SessionID); err != nil {
		h.log.Warn().Err(err).Msg("Failed to delete session after resume")
	}

	for _, payload := range missed {
		client.enqueue(payload)
	}

	resumedData, _ := json.Marshal(struct{}{})
	if frame, fErr := NewDispatchFrame(client.nextSeq(), wire.DispatchSessionResumed, resumedData); fErr == nil {
		client.enqueue(frame)
	}

	if h.presence != nil {
		status, becameOnline, pErr := h.presence.Connect(ctx, tokenUserID)
		if pErr != nil {
			h.log.Warn().Err(pErr).Stringer("user_id", tokenUserID).Msg("Failed to record presence connect on resume")
		} else if becameOnline {
			h.broadcastPresence(ctx, tokenUserID, status)
		}
	}

	h.log.Info().Stringer("user_id", tokenUserID).Str("session_id", data.SessionID).
		Int("replayed", len(missed)).Msg("Client resumed")
}

// handlePresenceUpdate processes a client's presence:update request: validates the status, stores it, and
// broadcasts to the user's visible audience.
func (h *Hub) handlePresenceUpdate(client *Client, status string) {
	if h.presence == nil {
		return
	}

	userID := client.UserID()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.presence.SetStatus(ctx, userID, status); err != nil {
		h.log.Debug().Err(err).Stringer("user_id", userID).Msg("Set status rejected")
		return
	}
	h.broadcastPresence(ctx, userID, status)
}

// broadcastPresence resolves userID's visible audience and publishes presence:update to each member's personal
// room.
func (h *Hub) broadcastPresence(ctx context.Context, userID uuid.UUID, status string) {
	if h.presence == nil || h.publisher == nil {
		return
	}
	audience, err := h.presence.Audience(ctx, userID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to resolve presence audience")
		return
	}
	data := wire.PresenceUpdatePayload{UserID: userID.String(), Status: status}
	for _, memberID := range audience {
		if err := h.publisher.Publish(ctx, wire.UserRoom(memberID.String()), wire.DispatchPresenceUpdate, data); err != nil {
			h.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to publish presence update")
		}
	}
}

// handleConversationJoin adds client to a conversation's room, provided the caller is an active participant.
func (h *Hub) handleConversationJoin(client *Client, req wire.ConversationJoinRequest) {
	convID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		h.sendError(client, wire.CodeInvalidUUID, "invalid conversation id", "", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, isParticipant, err := h.conversations.ExistsAndParticipant(ctx, convID, client.UserID())
	if err != nil {
		h.log.Warn().Err(err).Msg("conversation participation check failed")
		h.sendError(client, wire.CodeInternal, "internal error", "", nil)
		return
	}
	if !exists {
		h.sendError(client, wire.CodeConvNotFound, "conversation not found", "", nil)
		return
	}
	if !isParticipant {
		h.sendError(client, wire.CodeNotParticipant, "not a participant of this conversation", "", nil)
		return
	}

	h.joinRoom(client, wire.ConversationRoom(convID.String()))
}

// handleConversationLeave removes client from a conversation's room. This only detaches the live connection from the
// room's realtime fan-out; it does not remove the user's conversation_participants row (that's a REST operation).
func (h *Hub) handleConversationLeave(client *Client, req wire.ConversationLeaveRequest) {
	convID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		h.sendError(client, wire.CodeInvalidUUID, "invalid conversation id", "", nil)
		return
	}
	h.leaveRoom(client, wire.ConversationRoom(convID.String()))
}

// handleMessageSend validates and persists a new message, publishes message:new to the conversation room, and sends
// message:sent directly back to the originating connection.
func (h *Hub) handleMessageSend(client *Client, req wire.MessageSendRequest) {
	if !h.checkRateLimit(client, ratelimit.ClassSend, req.TempID) {
		return
	}

	convID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		h.sendError(client, wire.CodeInvalidUUID, "invalid conversation id", req.TempID, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := h.messages.Send(ctx, convID, client.UserID(), req.Content, nil)
	if err != nil {
		code, msg := mapMessageError(err)
		h.sendError(client, code, msg, req.TempID, nil)
		return
	}

	h.joinRoom(client, wire.ConversationRoom(convID.String()))

	msg := result.Message
	payload := wire.MessagePayload{
		ID:             msg.ID.String(),
		ConversationID: msg.ConversationID.String(),
		SenderID:       msg.SenderID.String(),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      msg.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := h.publisher.Publish(ctx, wire.ConversationRoom(convID.String()), wire.DispatchMessageNew, payload); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish message:new")
	}
	h.indexMessage(msg.ID.String(), msg.Content, msg.SenderID.String(), msg.ConversationID.String(), msg.CreatedAt.Unix())

	sentPayload, _ := json.Marshal(wire.MessageSentPayload{
		TempID:    req.TempID,
		MessageID: msg.ID.String(),
		CreatedAt: msg.CreatedAt.Format(time.RFC3339Nano),
	})
	if frame, fErr := NewDispatchFrame(client.nextSeq(), wire.DispatchMessageSent, sentPayload); fErr == nil {
		client.enqueue(frame)
	}
}

// handleMessageEdit applies an edit and publishes message:edited to the conversation room.
func (h *Hub) handleMessageEdit(client *Client, req wire.MessageEditRequest) {
	if !h.checkRateLimit(client, ratelimit.ClassMutate, "") {
		return
	}

	msgID, err := uuid.Parse(req.MessageID)
	if err != nil {
		h.sendError(client, wire.CodeInvalidUUID, "invalid message id", "", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := h.messages.Edit(ctx, msgID, client.UserID(), req.Content)
	if err != nil {
		code, msg := mapMessageError(err)
		h.sendError(client, code, msg, "", nil)
		return
	}

	payload := wire.MessageEditedPayload{
		MessageID: updated.ID.String(),
		Content:   updated.Content,
		UpdatedAt: updated.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := h.publisher.Publish(ctx, wire.ConversationRoom(updated.ConversationID.String()), wire.DispatchMessageEdited, payload); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish message:edited")
	}
	h.reindexMessage(updated.ID.String(), updated.Content)
}

// handleMessageDelete soft-deletes a message and publishes message:deleted to the conversation room.
func (h *Hub) handleMessageDelete(client *Client, req wire.MessageDeleteRequest) {
	if !h.checkRateLimit(client, ratelimit.ClassMutate, "") {
		return
	}

	msgID, err := uuid.Parse(req.MessageID)
	if err != nil {
		h.sendError(client, wire.CodeInvalidUUID, "invalid message id", "", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deleted, err := h.messages.Delete(ctx, msgID, client.UserID())
	if err != nil {
		code, msg := mapMessageError(err)
		h.sendError(client, code, msg, "", nil)
		return
	}

	deletedAt := ""
	if deleted.DeletedAt != nil {
		deletedAt = deleted.DeletedAt.Format(time.RFC3339Nano)
	}
	payload := wire.MessageDeletedPayload{
		MessageID:      deleted.ID.String(),
		ConversationID: deleted.ConversationID.String(),
		DeletedAt:      deletedAt,
	}
	if err := h.publisher.Publish(ctx, wire.ConversationRoom(deleted.ConversationID.String()), wire.DispatchMessageDeleted, payload); err != nil {
		h.log.Warn().Err(err).Msg("failed to publish message:deleted")
	}
	h.deindexMessage(deleted.ID.String())
}

// indexMessage, reindexMessage, and deindexMessage push search-index updates in the background so a slow or
// unreachable Typesense node never adds latency to the message path. Indexing is a no-op when no indexer is set.
func (h *Hub) indexMessage(id, content, senderID, conversationID string, createdAt int64) {
	if h.indexer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.indexer.IndexMessage(ctx, id, content, senderID, conversationID, createdAt); err != nil {
			h.log.Warn().Err(err).Str("message_id", id).Msg("failed to index message")
		}
	}()
}

func (h *Hub) reindexMessage(id, content string) {
	if h.indexer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.indexer.UpdateMessage(ctx, id, content); err != nil {
			h.log.Warn().Err(err).Str("message_id", id).Msg("failed to update indexed message")
		}
	}()
}

func (h *Hub) deindexMessage(id string) {
	if h.indexer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.indexer.DeleteMessage(ctx, id); err != nil {
			h.log.Warn().Err(err).Str("message_id", id).Msg("failed to delete indexed message")
		}
	}()
}

// handleMessageDelivered marks a batch of messages delivered for the caller and notifies each sender's personal
// room, grouping transitioned message ids by sender since a batch may span multiple conversations/senders.
func (h *Hub) handleMessageDelivered(client *Client, req wire.MessageDeliveredRequest) {
	ids, ok := parseUUIDs(req.MessageIDs)
	if !ok {
		h.sendError(client, wire.CodeInvalidUUID, "invalid message id in batch", "", nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transitioned, err := h.messages.MarkDelivered(ctx, client.UserID(), ids)
	if err != nil {
		code, msg := mapMessageError(err)
		h.sendError(client, code, msg, "", nil)
		return
	}
	if len(transitioned) == 0 {
		return
	}

	h.publishDeliveryOrReadStatus(ctx, client.UserID(), transitioned, wire.DispatchMessageDeliveryStatus, message.StatusDelivered, false)
}

// handleMessageRead marks either a conversation's unread messages (bulk) or a specific batch as read for the
// caller, then notifies each affected sender's personal room unless the reader has hidden read receipts. Per the
// read-receipt contract, hide_read_status gates on the reader's own flag: the person performing the read action,
// not the original message sender.
func (h *Hub) handleMessageRead(client *Client, req wire.MessageReadRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reader, err := h.users.GetByID(ctx, client.UserID())
	if err != nil {
		h.sendError(client, wire.CodeUserNotFound, "user not found", "", nil)
		return
	}

	var transitioned []uuid.UUID
	if req.ConversationID != "" {
		convID, pErr := uuid.Parse(req.ConversationID)
		if pErr != nil {
			h.sendError(client, wire.CodeInvalidUUID, "invalid conversation id", "", nil)
			return
		}
		result, rErr := h.messages.MarkConversationRead(ctx, convID, client.UserID())
		if rErr != nil {
			code, msg := mapMessageError(rErr)
			h.sendError(client, code, msg, "", nil)
			return
		}
		if result != nil {
			transitioned = result.MessageIDs
		}
	} else {
		ids, ok := parseUUIDs(req.MessageIDs)
		if !ok {
			h.sendError(client, wire.CodeInvalidUUID, "invalid message id in batch", "", nil)
			return
		}
		if len(ids) == 0 {
			return
		}
		first, gErr := h.messages.GetByID(ctx, ids[0])
		if gErr != nil {
			h.sendError(client, wire.CodeMessageNotFound, "message not found", "", nil)
			return
		}
		result, rErr := h.messages.MarkRead(ctx, first.ConversationID, client.UserID(), ids)
		if rErr != nil {
			code, msg := mapMessageError(rErr)
			h.sendError(client, code, msg, "", nil)
			return
		}
		if result != nil {
			transitioned = result.MessageIDs
		}
	}

	if len(transitioned) == 0 || reader.HideReadStatus {
		return
	}

	h.publishDeliveryOrReadStatus(ctx, client.UserID(), transitioned, wire.DispatchMessageReadStatus, message.StatusRead, true)
}

// publishDeliveryOrReadStatus resolves the sender of each transitioned message, groups message ids by sender, and
// publishes one delivery/read-status dispatch per sender's personal room.
func (h *Hub) publishDeliveryOrReadStatus(ctx context.Context, actorID uuid.UUID, messageIDs []uuid.UUID, eventType wire.DispatchEvent, status string, readStatus bool) {
	bySender := make(map[uuid.UUID][]string)
	for _, id := range messageIDs {
		msg, err := h.messages.GetByID(ctx, id)
		if err != nil {
			h.log.Warn().Err(err).Stringer("message_id", id).Msg("failed to resolve message for status broadcast")
			continue
		}
		bySender[msg.SenderID] = append(bySender[msg.SenderID], msg.ID.String())
	}

	for senderID, ids := range bySender {
		room := wire.UserRoom(senderID.String())
		var payload any
		if readStatus {
			payload = wire.MessageReadStatusPayload{
				UserID:    actorID.String(),
				Status:    status,
				Timestamp: time.Now().Format(time.RFC3339Nano),
			}
		} else {
			payload = wire.MessageDeliveryStatusPayload{
				MessageIDs: ids,
				UserID:     actorID.String(),
				Status:     status,
			}
		}
		if err := h.publisher.Publish(ctx, room, eventType, payload); err != nil {
			h.log.Warn().Err(err).Msg("failed to publish delivery/read status")
		}
	}
}

// checkRateLimit enforces the per-class limiter before an expensive write operation runs, sending message:error with
// a retryAfter hint and returning false when the caller should stop processing the request.
func (h *Hub) checkRateLimit(client *Client, class ratelimit.Class, tempID string) bool {
	if h.limiter == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	allowed, retryAfter, err := h.limiter.Allow(ctx, client.UserID(), class)
	if err != nil {
		h.log.Warn().Err(err).Msg("rate limit check failed, allowing request (fail-open)")
		return true
	}
	if !allowed {
		seconds := int64(retryAfter.Seconds())
		h.sendError(client, wire.CodeRateLimited, "rate limit exceeded", tempID, &seconds)
		return false
	}
	return true
}

// mapMessageError maps a message/conversation service sentinel error to a wire.Code and human-readable message.
func mapMessageError(err error) (wire.Code, string) {
	switch err {
	case message.ErrEmptyContent:
		return wire.CodeContentEmpty, err.Error()
	case message.ErrContentTooLong:
		return wire.CodeContentTooLong, err.Error()
	case message.ErrNotFound:
		return wire.CodeMessageNotFound, err.Error()
	case message.ErrNotOwner:
		return wire.CodeNotOwner, err.Error()
	case message.ErrEditWindowExpired:
		return wire.CodeEditWindowExpired, err.Error()
	case message.ErrBlocked:
		return wire.CodeBlocked, err.Error()
	case conversation.ErrNotFound:
		return wire.CodeConvNotFound, err.Error()
	case conversation.ErrNotParticipant:
		return wire.CodeNotParticipant, err.Error()
	default:
		return wire.CodeInternal, "internal error"
	}
}

// parseUUIDs parses every string in raw, returning ok=false if any fails to parse.
func parseUUIDs(raw []string) ([]uuid.UUID, bool) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// handlePubSubEvent processes a single event from the Redis/Valkey pub/sub channel and fans it out to every local
// connection currently in the envelope's room.
func (h *Hub) handlePubSubEvent(ctx context.Context, payload string) {
	var env wire.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("Invalid gateway event envelope")
		return
	}

	h.mu.RLock()
	members := h.rooms[env.Room]
	targets := make([]*Client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		seq := c.nextSeq()
		frame, err := NewDispatchFrame(seq, env.Type, env.Data)
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to build dispatch frame")
			continue
		}
		c.enqueue(frame)

		if env.Type == wire.DispatchForceDisconnect {
			// Force-disconnect closes every local connection for the target user, not just notifies them; the frame
			// above lets the client read the reason before the socket goes away.
			c.closeWithCode(websocket.ClosePolicyViolation, "force disconnected")
			continue
		}

		if sid := c.SessionID(); sid != "" {
			if rErr := h.sessions.AppendReplay(ctx, sid, seq, frame); rErr != nil {
				h.log.Warn().Err(rErr).Str("session_id", sid).Msg("Failed to append to replay buffer")
			}
		}
	}
}

// sendError enqueues a message:error dispatch to a single connection, echoing tempID when the originating request
// carried one.
func (h *Hub) sendError(client *Client, code wire.Code, msg string, tempID string, retryAfter *int64) {
	payload, err := json.Marshal(wire.MessageErrorPayload{TempID: tempID, Code: code, Message: msg, RetryAfter: retryAfter})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal message:error payload")
		return
	}
	if frame, fErr := NewDispatchFrame(client.nextSeq(), wire.DispatchMessageError, payload); fErr == nil {
		client.enqueue(frame)
	}
}

// Shutdown gracefully closes all active connections, sending each a Reconnect frame so clients resume elsewhere
// (or against this same instance once it comes back) rather than treating the disconnect as a hard failure.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	reconnect, _ := NewReconnectFrame()
	seen := make(map[*Client]struct{})
	for _, set := range h.clients {
		for client := range set {
			if _, ok := seen[client]; ok {
				continue
			}
			seen[client] = struct{}{}
			if reconnect != nil {
				client.enqueue(reconnect)
			}
			client.closeSend()
			_ = client.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			_ = client.conn.Close()
		}
	}
	h.clients = make(map[uuid.UUID]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
	h.log.Info().Msg("Gateway hub shut down")
}

// ClientCount returns the number of currently registered connections across every user; a connection is registered
// only once it has identified.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientCountLocked()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
