package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// lifecycleEvent is broadcast over /events whenever a command changes state.
type lifecycleEvent struct {
	Type      string `json:"type"` // created, claimed, completed, failed
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId,omitempty"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// hub maintains the set of connected /events observers and broadcasts
// command lifecycle transitions to all of them.
type hub struct {
	clients    map[*eventClient]bool
	broadcast  chan []byte
	register   chan *eventClient
	unregister chan *eventClient
	done       chan struct{}
	mu         sync.Mutex
}

func newHub() *hub {
	return &hub{
		broadcast:  make(chan []byte, 16),
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		clients:    make(map[*eventClient]bool),
		done:       make(chan struct{}),
	}
}

// run drains register/unregister/broadcast until ctx is canceled, then closes
// done so that blocked or future sends on those channels give up instead of
// leaking goroutines forever.
func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// eventClient is a middleman between a websocket connection and the hub.
type eventClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
}

func (c *eventClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error { _ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("events client error: %v", err)
			}
			break
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(50 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEvents upgrades GET /events to a websocket stream of command
// lifecycle transitions.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade to websocket: %v", err)
		return
	}
	client := &eventClient{hub: s.hub, conn: conn, send: make(chan []byte, 64)}
	select {
	case client.hub.register <- client:
	case <-client.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// broadcastEvent publishes a lifecycle transition to every connected
// /events observer. Best-effort: a full or absent hub drops the event.
func (s *Server) broadcastEvent(kind, commandID, agentID, status string) {
	evt := lifecycleEvent{
		Type:      kind,
		CommandID: commandID,
		AgentID:   agentID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	}
	b, err := json.Marshal(evt)
	if err != nil {
		log.Printf("failed to marshal lifecycle event: %v", err)
		return
	}
	select {
	case s.hub.broadcast <- b:
	default:
		log.Printf("events broadcast buffer full, dropping %s event for %s", kind, commandID)
	}
}
