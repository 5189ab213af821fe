package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// feedHub fans appended audit entries out to every connected live feed
// client. A single hub goroutine owns the client set — registration,
// unregistration, and broadcasting all happen there via channels, so no
// lock guards the map.
//
// The feed is best-effort: a slow client is dropped rather than allowed
// to stall the append path, and clients can re-query /api/events to
// catch up.
type feedHub struct {
	clients      map[*feedClient]bool
	broadcastCh  chan []byte
	registerCh   chan *feedClient
	unregisterCh chan *feedClient
}

// feedClient wraps a single WebSocket connection with a buffered send
// queue.
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// upgrader handles the HTTP → WebSocket protocol upgrade. The wrapper
// serves loopback only, so all origins are accepted.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFeedHub() *feedHub {
	return &feedHub{
		clients:      make(map[*feedClient]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *feedClient),
		unregisterCh: make(chan *feedClient),
	}
}

// run is the hub event loop. Runs in a background goroutine.
func (h *feedHub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.clients[c] = true
			slog.Debug("live feed client connected", "total", len(h.clients))

		case c := <-h.unregisterCh:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				slog.Debug("live feed client disconnected", "total", len(h.clients))
			}

		case msg := <-h.broadcastCh:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Send queue full — drop the client so the feed
					// never backs up into the writer.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// broadcast enqueues a message for all clients. Never blocks; if the
// hub is saturated the message is dropped.
func (h *feedHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// handleLive upgrades the connection and registers the client.
// GET /api/live
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	s.feed.registerCh <- c

	go c.writePump()
	go c.readPump(s.feed)
}

// writePump drains the send queue onto the connection. One goroutine
// per client; exits when the hub closes the queue.
func (c *feedClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump discards incoming messages; the feed is one-directional and
// reading is only needed to detect disconnection.
func (c *feedClient) readPump(hub *feedHub) {
	defer func() {
		hub.unregisterCh <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
