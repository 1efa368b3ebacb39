package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pulsechat/pulsechat-server/internal/wire"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// identifyTimeout is how long a client has to send Identify or Resume after connecting.
	identifyTimeout = 30 * time.Second
)

// Client represents a single WebSocket connection. Each client runs two goroutines (readPump and writePump) and
// communicates with the Hub via its send channel and callback methods.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// queryToken and headerToken are authentication fallbacks resolved by the HTTP handler before the upgrade (query
	// parameter and bearer header, respectively). handleIdentify prefers an Identify frame's token over both, but when
	// either fallback is set, ServeWebSocket identifies the connection from it (query parameter first) before any frame
	// is read, and a later Identify frame is rejected with CloseAlreadyAuthenticated.
	queryToken  string
	headerToken string

	// done is closed to signal that the client is shutting down. The send channel is never closed directly; writePump
	// and enqueue both select on done to detect termination, avoiding send-on-closed-channel panics that would
	// otherwise occur when unregister races with dispatch.
	done      chan struct{}
	closeOnce sync.Once

	// Session state, protected by mu. Fields are written during Identify/Resume and read by the Hub during dispatch.
	mu         sync.RWMutex
	userID     uuid.UUID
	sessionID  string
	seq        atomic.Int64
	identified bool
	rooms      map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, queryToken, headerToken string, logger zerolog.Logger) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		log:         logger,
		queryToken:  queryToken,
		headerToken: headerToken,
		rooms:       make(map[string]struct{}),
	}
}

// closeSend signals the client's write loop to stop. It is safe to call from multiple goroutines; only the first call
// has any effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// UserID returns the authenticated user ID. The caller must hold at least a read lock or call this after the client
// is fully identified.
func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the session identifier.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// IsIdentified returns whether the client has completed authentication.
func (c *Client) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

// nextSeq increments and returns the next sequence number for a dispatch event.
func (c *Client) nextSeq() int64 {
	return c.seq.Add(1)
}

// currentSeq returns the current sequence number without incrementing.
func (c *Client) currentSeq() int64 {
	return c.seq.Load()
}

// addRoom/removeRoom/roomSnapshot track room membership so unregister can clean up every room a client joined
// without the Hub needing a separate reverse index per client.
func (c *Client) addRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = struct{}{}
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

func (c *Client) roomSnapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// readPump reads messages from the WebSocket connection and routes them by opcode. It runs in its own goroutine and
// is responsible for closing the connection when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := time.Duration(c.hub.cfg.GatewayHeartbeatIntervalMS) * time.Millisecond
	c.conn.SetReadLimit(maxMessageSize)
	// Allow slightly more than one heartbeat interval before timing out, so a single missed heartbeat does not
	// immediately sever the connection.
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	// Identify timeout: close the connection if the client does not authenticate within the deadline.
	identifyTimer := time.AfterFunc(identifyTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("Client did not identify in time")
			c.closeWithCode(CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var frame wire.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid JSON")
			return
		}

		switch frame.Op {
		case wire.OpcodeHeartbeat:
			c.handleHeartbeat(heartbeatInterval)
		case wire.OpcodeIdentify:
			identifyTimer.Stop()
			c.handleIdentifyFrame(frame.Data)
		case wire.OpcodeResume:
			identifyTimer.Stop()
			c.handleResumeFrame(frame.Data)
		case wire.OpcodeEvent:
			c.handleEventFrame(frame.Data)
		default:
			c.closeWithCode(CloseUnknownOpcode, "unknown opcode")
			return
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and exits
// when done is closed. Any messages remaining in the send buffer are drained before returning.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-c.done:
			// Drain any messages already buffered so the client receives them before the connection closes.
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handleHeartbeat responds with a HeartbeatACK and resets the read deadline. For identified clients, the heartbeat
// also refreshes the presence TTL so the key does not expire while the connection is alive.
func (c *Client) handleHeartbeat(heartbeatInterval time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build heartbeat ACK")
		return
	}
	c.enqueue(ack)

	if c.IsIdentified() && c.hub.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.hub.presence.Heartbeat(ctx, c.UserID()); err != nil {
			c.log.Debug().Err(err).Msg("presence heartbeat refresh failed")
		}
	}
}

// handleIdentifyFrame processes an op-2 Identify payload.
func (c *Client) handleIdentifyFrame(data json.RawMessage) {
	var id wire.IdentifyData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &id); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid identify payload")
			return
		}
	}
	c.hub.handleIdentify(c, id.Token)
}

// handleResumeFrame processes an op-12 Resume payload.
func (c *Client) handleResumeFrame(data json.RawMessage) {
	var r wire.ResumeData
	if err := json.Unmarshal(data, &r); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid resume payload")
		return
	}
	if r.Token == "" || r.SessionID == "" {
		c.closeWithCode(CloseAuthFailed, "token and session_id required")
		return
	}
	c.hub.handleResume(c, r)
}

// handleEventFrame unwraps an op-3 frame's EventFrame envelope and routes to the matching Hub handler. Every event
// requires the connection to already be identified.
func (c *Client) handleEventFrame(data json.RawMessage) {
	var ef wire.EventFrame
	if err := json.Unmarshal(data, &ef); err != nil {
		c.closeWithCode(CloseDecodeError, "invalid event frame")
		return
	}

	if !c.IsIdentified() {
		c.closeWithCode(CloseNotAuthenticated, "not identified")
		return
	}

	switch ef.Event {
	case wire.EventMessageSend:
		var req wire.MessageSendRequest
		if err := json.Unmarshal(ef.Data, &req); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid message:send payload")
			return
		}
		c.hub.handleMessageSend(c, req)
	case wire.EventMessageEdit:
		var req wire.MessageEditRequest
		if err := json.Unmarshal(ef.Data, &req); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid message:edit payload")
			return
		}
		c.hub.handleMessageEdit(c, req)
	case wire.EventMessageDelete:
		var req wire.MessageDeleteRequest
		if err := json.Unmarshal(ef.Data, &req); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid message:delete payload")
			return
		}
		c.hub.handleMessageDelete(c, req)
	case wire.EventMessageDelivered:
		var req wire.MessageDeliveredRequest
		if err := json.Unmarshal(ef.Data, &req); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid message:delivered payload")
			return
		}
		c.hub.handleMessageDelivered(c, req)
	case wire.EventMessageRead:
		var req wire.MessageReadRequest
		if err := json.Unmarshal(ef.Data, &req); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid message:read payload")
			return
		}
		c.hub.handleMessageRead(c, req)
	case wire.EventConversationJoin:
		var req wire.ConversationJoinRequest
		if err := json.Unmarshal(ef.Data, &req); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid conversation:join payload")
			return
		}
		c.hub.handleConversationJoin(c, req)
	case wire.EventConversationLeave:
		var req wire.ConversationLeaveRequest
		if err := json.Unmarshal(ef.Data, &req); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid conversation:leave payload")
			return
		}
		c.hub.handleConversationLeave(c, req)
	case wire.EventPresenceUpdate:
		var req wire.PresenceUpdateRequest
		if err := json.Unmarshal(ef.Data, &req); err != nil {
			c.closeWithCode(CloseDecodeError, "invalid presence:update payload")
			return
		}
		c.hub.handlePresenceUpdate(c, req.Status)
	case wire.EventHeartbeat:
		// accepted as a no-op alias; clients are expected to use OpcodeHeartbeat instead.
	default:
		c.closeWithCode(CloseDecodeError, "unknown client event")
	}
}

// enqueue sends a message to the client's write channel. If the client has already been shut down the message is
// silently dropped. If the channel is full, the message is dropped and the connection is closed to prevent backpressure
// from stalling the Hub.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
