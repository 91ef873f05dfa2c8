// Package main provides the WebSocket event stream for the desktop shell.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plagapro/plagapro/backend/internal/events"
	"github.com/plagapro/plagapro/backend/internal/logging"
	"github.com/plagapro/plagapro/backend/internal/uuid"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin only accepts pages served from the loopback interface.
// Requests without an Origin header come from non-browser clients.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]bool
}

// WSHub maintains active client connections and broadcasts messages.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan wsMessage
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

type wsMessage struct {
	eventType string
	payload   []byte
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan wsMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("websocket client connected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("websocket client disconnected", map[string]interface{}{
				"client_id": client.id,
				"total":     total,
			})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.subscribed(msg.eventType) {
					continue
				}
				if !client.trySend(msg.payload) {
					// Send buffer full.
					client.close()
					delete(h.clients, id)
					logging.Warn("websocket client dropped, send buffer full", map[string]interface{}{
						"client_id": id,
					})
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				client.close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close disconnects every client and stops the hub.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all subscribed clients.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	h.broadcastAt(messageType, data, time.Now())
}

func (h *WSHub) broadcastAt(messageType string, data map[string]interface{}, at time.Time) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: at.Unix(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("failed to marshal websocket message", err, map[string]interface{}{
			"type": messageType,
		})
		return
	}

	select {
	case h.broadcast <- wsMessage{eventType: messageType, payload: bytes}:
	case <-h.done:
	}
}

// Forward relays bus events to the connected clients until ctx is done or
// the channel is closed.
func (h *WSHub) Forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.broadcastAt(ev.Type, ev.Data, ev.Time)
		}
	}
}

// subscribed reports whether the client wants eventType. A client with no
// subscriptions receives everything.
func (c *WSClient) subscribed(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// trySend queues message without blocking. It returns false when the buffer
// is full; sending to a closed client is a no-op.
func (c *WSClient) trySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("websocket read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			break
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("invalid websocket message", map[string]interface{}{
				"client_id": c.id,
				"error":     err.Error(),
			})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.sendAck("subscribe_ack", msg.Events)

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.sendAck("unsubscribe_ack", msg.Events)

		case "ping":
			c.sendPong()
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendAck acknowledges a subscription change.
func (c *WSClient) sendAck(action string, events []string) {
	if events == nil {
		events = []string{}
	}
	bytes, _ := json.Marshal(map[string]interface{}{
		"action":    action,
		"events":    events,
		"timestamp": time.Now().Unix(),
	})
	c.trySend(bytes)
}

// sendPong sends a pong response.
func (c *WSClient) sendPong() {
	bytes, _ := json.Marshal(map[string]interface{}{
		"action":    "pong",
		"timestamp": time.Now().Unix(),
	})
	c.trySend(bytes)
}

// HandleWebSocket handles WebSocket connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("websocket upgrade failed", map[string]interface{}{
				"remote_addr": r.RemoteAddr,
				"error":       err.Error(),
			})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, wsSendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
