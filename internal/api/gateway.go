package api

import (
	"strings"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/pulsechat/pulsechat-server/internal/gateway"
)

// GatewayHandler serves the WebSocket upgrade endpoint for the real-time gateway.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET /api/v1/gateway. It upgrades the HTTP connection to a WebSocket and hands it to the Hub. The
// access token may arrive as a query parameter (browsers can't set Authorization headers on the upgrade request) or
// as a bearer header; both are passed through so the Hub can auto-identify the connection without waiting for an
// explicit Identify frame.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	queryToken := c.Query("token")
	headerToken := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, queryToken, headerToken)
	})(c)
}
