package services

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gofiber/websocket/v2"
)

// WebSocketHub streams pipeline events (worker lifecycle, circuit state,
// limiter degradation) to connected operator dashboards.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mutex      sync.RWMutex
	logger     *slog.Logger
}

func NewWebSocketHub(events *EventHub) *WebSocketHub {
	hub := &WebSocketHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		logger:     slog.Default().With(slog.String("service", "websocket")),
	}

	go hub.run()
	if events != nil {
		go hub.consume(events)
	}
	return hub
}

// consume relays hub events to all connected clients as JSON.
func (h *WebSocketHub) consume(events *EventHub) {
	ch, cancel := events.Subscribe(64)
	defer cancel()

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case h.broadcast <- payload:
		default:
			// No client keeping up, drop.
		}
	}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Debug("WebSocket client connected", slog.Int("total", total))

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mutex.Unlock()
			h.logger.Debug("WebSocket client disconnected", slog.Int("total", total))

		case message := <-h.broadcast:
			var dead []*websocket.Conn
			h.mutex.RLock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Debug("WebSocket write error", slog.String("error", err.Error()))
					dead = append(dead, client)
				}
			}
			h.mutex.RUnlock()
			if len(dead) > 0 {
				h.mutex.Lock()
				for _, client := range dead {
					client.Close()
					delete(h.clients, client)
				}
				h.mutex.Unlock()
			}
		}
	}
}

// HandleConnection keeps the connection registered until the client goes
// away. Inbound messages are ignored; the feed is one-way.
func (h *WebSocketHub) HandleConnection(c *websocket.Conn) {
	defer func() {
		h.unregister <- c
		c.Close()
	}()

	h.register <- c

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket error", slog.String("error", err.Error()))
			}
			break
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
