package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// ConflictHub fans conflict records out to connected WebSocket clients so
// operators and conversational frontends can surface unresolved conflicts as
// they happen. Slow clients are dropped, never waited on.
type ConflictHub struct {
	clients    map[*feedClient]bool
	broadcast  chan []byte
	register   chan *feedClient
	unregister chan *feedClient

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewConflictHub creates a hub. Call Run to start its loop.
func NewConflictHub() *ConflictHub {
	return &ConflictHub{
		clients:    make(map[*feedClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until Close.
func (h *ConflictHub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			log.Printf("server: conflict feed client connected (total: %d)", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Client is not keeping up; drop it.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// Broadcast queues a conflict record for all connected clients. Non-blocking;
// when the hub's buffer is full the event is dropped (the conflict log in
// storage remains the record of truth).
func (h *ConflictHub) Broadcast(c *types.Conflict) {
	data, err := json.Marshal(c)
	if err != nil {
		log.Printf("server: failed to marshal conflict event: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("server: conflict feed backlog full, dropping event %s", c.ID)
	}
}

// Close disconnects all clients and stops the hub loop.
func (h *ConflictHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// HandleWebSocket upgrades the request and streams conflict events until the
// client disconnects.
func (h *ConflictHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("server: websocket accept failed: %v", err)
		return
	}

	client := &feedClient{conn: conn, send: make(chan []byte, 32)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.mu.Unlock()

	h.register <- client
	go client.writeLoop()
	client.readLoop(r.Context(), h)
}

// readLoop consumes (and discards) client frames so pings and close frames
// are processed, unregistering on disconnect.
func (c *feedClient) readLoop(ctx context.Context, h *ConflictHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *feedClient) writeLoop() {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
}
