package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event is one entry on the live event stream: a dispatch outcome or a
// connection state transition.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // press, stop, connection
	Timestamp int64  `json:"timestamp"`
	Slot      int    `json:"slot,omitempty"`
	Address   string `json:"address,omitempty"`
	Device    string `json:"device,omitempty"`
	Key       string `json:"key,omitempty"`
	Status    string `json:"status,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	State     string `json:"state,omitempty"`
}

// EventHub fans events out to connected WebSocket clients. Slow clients
// are dropped rather than allowed to stall the dispatch path.
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*eventClient]struct{}
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewEventHub creates the hub.
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*eventClient]struct{}),
	}
}

// Broadcast delivers an event to every connected client. Never blocks.
func (h *EventHub) Broadcast(ev Event) {
	ev.ID = uuid.New().String()
	ev.Timestamp = time.Now().UnixMilli()

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("EventHub: marshal failed: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client can't keep up; cut it loose
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// StateHook returns a connection transition observer that mirrors
// transitions onto the event stream.
func (h *EventHub) StateHook() func(c *Connection, from, to ConnState) {
	return func(c *Connection, from, to ConnState) {
		h.Broadcast(Event{
			Type:    "connection",
			Address: c.Label(),
			State:   to.String(),
		})
	}
}

// HandleWebSocket upgrades the request and streams events until the
// client disconnects.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("EventHub: upgrade failed: %v", err)
		return
	}

	client := &eventClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("EventHub: client connected from %s (%d total)", r.RemoteAddr, count)

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *EventHub) writeLoop(client *eventClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer client.conn.Close()

	for {
		select {
		case data, ok := <-client.send:
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(client)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(client)
				return
			}
		}
	}
}

// readLoop drains (and discards) client messages so pings/pongs and
// close frames are processed.
func (h *EventHub) readLoop(client *eventClient) {
	defer h.remove(client)
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) remove(client *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}
