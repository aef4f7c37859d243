package transport

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"lanrelay/pkg/interfaces"
)

// ConnServer runs a protocol session over any frame connection.
type ConnServer interface {
	ServeConn(ctx context.Context, fc interfaces.FrameConn)
}

// Handler upgrades HTTP requests to WebSocket and hands them to a ConnServer.
// Browser peers speak the same envelopes as TCP peers, one per text message.
type Handler struct {
	ctx      context.Context
	server   ConnServer
	opts     WSOptions
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket handler. Sessions it starts end when ctx is cancelled.
func NewHandler(ctx context.Context, server ConnServer, opts WSOptions) *Handler {
	return &Handler{
		ctx:    ctx,
		server: server,
		opts:   opts,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: LAN peers load the page from arbitrary hosts,
			// so every origin is accepted.
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// ServeWS handles GET /ws.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[SERVER] WebSocket upgrade failed: addr=%s err=%v", r.RemoteAddr, err)
		return
	}

	go h.server.ServeConn(h.ctx, NewWSConn(conn, h.opts))
}
