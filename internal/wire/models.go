package wire

import "encoding/json"

// Frame is the wire-format envelope for every message on the gateway WebSocket connection. Dispatch frames (op 0)
// carry a sequence number and event type; control frames (hello, heartbeat ack, ...) use only Op and optionally Data.
type Frame struct {
	Op   Opcode           `json:"op"`
	Seq  *int64           `json:"s,omitempty"`
	Type *string          `json:"t,omitempty"`
	Data json.RawMessage  `json:"d,omitempty"`
}

// HelloData is sent once, immediately after the WebSocket upgrade, telling the client how often to heartbeat.
type HelloData struct {
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
}

// IdentifyData is the op-2 payload a client sends to authenticate a freshly opened connection. Token may also arrive
// via query parameter or Authorization header; when either is present the gateway identifies the connection from it
// before reading any frame, and a later Identify frame on that connection is rejected.
type IdentifyData struct {
	Token string `json:"token"`
}

// ResumeData is the op-12 payload a client sends to restore a previous session and replay missed events.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ReadyData is the payload of the auth:success dispatch sent immediately after a successful Identify.
type ReadyData struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// EventFrame is the payload shape of every op-3 (OpcodeEvent) frame: Event names which client event this is, and
// Data is the event-specific payload (MessageSendRequest, ConversationJoinRequest, ...).
type EventFrame struct {
	Event ClientEvent     `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MessageSendRequest is the op-3 message:send payload.
type MessageSendRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	TempID         string `json:"tempId,omitempty"`
}

// MessageEditRequest is the op-3 message:edit payload.
type MessageEditRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// MessageDeleteRequest is the op-3 message:delete payload.
type MessageDeleteRequest struct {
	MessageID string `json:"messageId"`
}

// MessageDeliveredRequest is the op-3 message:delivered payload: a batch of message ids the recipient's client has
// now received.
type MessageDeliveredRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// MessageReadRequest is the op-3 message:read payload. Either ConversationID (bulk "read up to now") or MessageIDs
// (per-message) is set, never both.
type MessageReadRequest struct {
	ConversationID string   `json:"conversationId,omitempty"`
	MessageIDs     []string `json:"messageIds,omitempty"`
}

// ConversationJoinRequest / ConversationLeaveRequest are the op-3 conversation:join / conversation:leave payloads.
type ConversationJoinRequest struct {
	ConversationID string `json:"conversationId"`
}

type ConversationLeaveRequest struct {
	ConversationID string `json:"conversationId"`
}

// PresenceUpdateRequest is the op-3 presence:update payload.
type PresenceUpdateRequest struct {
	Status string `json:"status"`
}

// MessagePayload is the shape of a message as it appears in message:new / REST list responses.
type MessagePayload struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversationId"`
	SenderID       string  `json:"senderId"`
	Content        string  `json:"content"`
	ReplyToID      *string `json:"replyToId,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
	Edited         bool    `json:"edited"`
	Deleted        bool    `json:"deleted"`
	TempID         string  `json:"tempId,omitempty"`
}

// MessageSentPayload is the message:sent confirmation delivered only to the sender.
type MessageSentPayload struct {
	TempID    string `json:"tempId,omitempty"`
	MessageID string `json:"messageId"`
	CreatedAt string `json:"createdAt"`
}

// MessageEditedPayload is the message:edited broadcast.
type MessageEditedPayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	UpdatedAt string `json:"updatedAt"`
}

// MessageDeletedPayload is the message:deleted broadcast.
type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	DeletedAt      string `json:"deletedAt"`
}

// MessageDeliveryStatusPayload is sent to the sender's personal room only.
type MessageDeliveryStatusPayload struct {
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
	Status     string   `json:"status"`
}

// MessageReadStatusPayload is sent to the sender's personal room only, and only when the recipient does not have
// hide_read_status set.
type MessageReadStatusPayload struct {
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// MessageErrorPayload is sent to the originating connection only. TempID is echoed when the triggering request
// carried one so the client can correlate the failure with its optimistic local state.
type MessageErrorPayload struct {
	TempID     string `json:"tempId,omitempty"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

// PresenceUpdatePayload is broadcast to each mutual contact's personal room.
type PresenceUpdatePayload struct {
	UserID   string  `json:"userId"`
	Status   string  `json:"status"`
	LastSeen *string `json:"lastSeen,omitempty"`
}

// ParticipantAddedPayload / ParticipantRemovedPayload / AdminPromotedPayload / ConversationUpdatedPayload are
// conversation-room broadcasts for membership and settings changes.
type ParticipantAddedPayload struct {
	ConversationID string   `json:"conversationId"`
	Participants   []string `json:"participants"`
	AddedBy        string   `json:"addedBy"`
}

type ParticipantRemovedPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	RemovedBy      string `json:"removedBy"`
	IsSelfRemoval  bool   `json:"isSelfRemoval"`
}

type AdminPromotedPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Reason         string `json:"reason"`
}

type ConversationUpdatedPayload struct {
	ConversationID string  `json:"conversationId"`
	Name           *string `json:"name,omitempty"`
	AvatarURL      *string `json:"avatarUrl,omitempty"`
}

// ForceDisconnectPayload is sent to every connection of the target user.
type ForceDisconnectPayload struct {
	Reason string `json:"reason"`
}

// Envelope is the JSON structure published to the gateway pub/sub channel. Room identifies which local room(s) the
// subscriber should fan the event out to; for events with no natural room scope (rare), Room is empty and the
// publisher is expected to have resolved specific rooms already.
type Envelope struct {
	Type DispatchEvent   `json:"t"`
	Room string          `json:"room"`
	Data json.RawMessage `json:"d"`
}
