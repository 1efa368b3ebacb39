package wire

// Opcode identifies the kind of frame on the gateway WebSocket connection, mirroring the teacher gateway's Discord-
// style op/dispatch split.
type Opcode int

const (
	OpcodeDispatch       Opcode = 0  // server -> client: a named event in Seq/Type/Data
	OpcodeHeartbeat      Opcode = 1 // client -> server: keep-alive
	OpcodeIdentify       Opcode = 2 // client -> server: authenticate the connection
	OpcodeEvent          Opcode = 3 // client -> server: a realtime request (send/edit/delete/join/...)
	OpcodeReconnect      Opcode = 7 // server -> client: please reconnect and resume
	OpcodeInvalidSession Opcode = 9 // server -> client: resume failed, identify again
	OpcodeHello          Opcode = 10 // server -> client: first frame after upgrade
	OpcodeHeartbeatACK   Opcode = 11 // server -> client: heartbeat acknowledged
	OpcodeResume         Opcode = 12 // client -> server: resume a previous session
)

// ClientEvent names an inbound realtime request carried inside an OpcodeEvent frame.
type ClientEvent string

const (
	EventMessageSend      ClientEvent = "message:send"
	EventMessageEdit      ClientEvent = "message:edit"
	EventMessageDelete    ClientEvent = "message:delete"
	EventMessageDelivered ClientEvent = "message:delivered"
	EventMessageRead      ClientEvent = "message:read"
	EventConversationJoin ClientEvent = "conversation:join"
	EventConversationLeave ClientEvent = "conversation:leave"
	EventPresenceUpdate   ClientEvent = "presence:update"
	EventHeartbeat        ClientEvent = "heartbeat"
)

// DispatchEvent names an outbound server->client event carried inside an OpcodeDispatch frame.
type DispatchEvent string

const (
	DispatchAuthSuccess            DispatchEvent = "auth:success"
	DispatchSessionResumed         DispatchEvent = "session:resumed"
	DispatchMessageNew             DispatchEvent = "message:new"
	DispatchMessageSent            DispatchEvent = "message:sent"
	DispatchMessageEdited          DispatchEvent = "message:edited"
	DispatchMessageDeleted         DispatchEvent = "message:deleted"
	DispatchMessageDeliveryStatus  DispatchEvent = "message:delivery-status"
	DispatchMessageReadStatus      DispatchEvent = "message:read-status"
	DispatchMessageError           DispatchEvent = "message:error"
	DispatchPresenceUpdate         DispatchEvent = "presence:update"
	DispatchParticipantAdded       DispatchEvent = "conversation:participant-added"
	DispatchParticipantRemoved     DispatchEvent = "conversation:participant-removed"
	DispatchAdminPromoted          DispatchEvent = "conversation:admin-promoted"
	DispatchConversationUpdated    DispatchEvent = "conversation:updated"
	DispatchForceDisconnect        DispatchEvent = "force:disconnect"
)

// RoomName helpers. A room is either a conversation room or a user's personal room; every identified client is
// always a member of exactly one personal room plus zero or more conversation rooms.

func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }
func UserRoom(userID string) string                 { return "user:" + userID }
