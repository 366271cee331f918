// Package transport adapts the concrete WebSocket wire (Fiber's fasthttp-based upgrader) to the gateway.Conn
// surface the Hub speaks, keeping the Hub itself transport-agnostic.
package transport

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/kanbanrt/gateway/internal/gateway"
)

// Handler serves the single WebSocket upgrade endpoint for the real-time gateway.
type Handler struct {
	hub *gateway.Hub
}

// New creates a gateway upgrade handler.
func New(hub *gateway.Hub) *Handler {
	return &Handler{hub: hub}
}

// Upgrade handles the configured gateway path. It upgrades the HTTP connection to a WebSocket and hands it to the
// Hub, which owns the connection from this point on.
func (h *Handler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	sourceKey := c.IP()
	userAgent := string(c.Request().Header.UserAgent())

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, sourceKey, userAgent)
	})(c)
}
