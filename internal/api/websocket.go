package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wagnerlcg/iqoptiontraderbot/internal/auth"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/events"
	"github.com/wagnerlcg/iqoptiontraderbot/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the stream is token-authenticated
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UserWSClient represents a user-specific WebSocket client
type UserWSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *UserWSHub
	userID    string
	closeChan chan struct{}
}

// UserWSHub manages user-specific WebSocket clients
type UserWSHub struct {
	userClients map[string]map[*UserWSClient]bool
	userCast    chan userMessage
	register    chan *UserWSClient
	unregister  chan *UserWSClient
	stop        chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
	logger      *logging.Logger
}

type userMessage struct {
	userID     string
	data       []byte
	disconnect bool // close the user's clients after delivery
}

// NewUserWSHub creates a new user-aware WebSocket hub
func NewUserWSHub() *UserWSHub {
	return &UserWSHub{
		userClients: make(map[string]map[*UserWSClient]bool),
		userCast:    make(chan userMessage, 256),
		register:    make(chan *UserWSClient),
		unregister:  make(chan *UserWSClient),
		stop:        make(chan struct{}),
		logger:      logging.WithComponent("websocket"),
	}
}

// Run starts the user-aware WebSocket hub
func (h *UserWSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.userClients[client.userID] == nil {
				h.userClients[client.userID] = make(map[*UserWSClient]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case userMsg := <-h.userCast:
			h.mu.Lock()
			for client := range h.userClients[userMsg.userID] {
				select {
				case client.send <- userMsg.data:
				default:
					// slow consumer
					h.removeLocked(client)
				}
			}
			if userMsg.disconnect {
				for client := range h.userClients[userMsg.userID] {
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for _, clients := range h.userClients {
				for client := range clients {
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
			return
		}
	}
}

// removeLocked drops client and closes its send channel, which ends its write pump
func (h *UserWSHub) removeLocked(client *UserWSClient) {
	clients, ok := h.userClients[client.userID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.userClients, client.userID)
	}
	close(client.send)
}

// Stop closes every connection and ends Run
func (h *UserWSHub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// BroadcastToUser sends an event to a specific user's connections. A logout event
// also disconnects them.
func (h *UserWSHub) BroadcastToUser(userID string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("Failed to marshal user event", "user_id", userID, "error", err)
		return
	}

	msg := userMessage{userID: userID, data: payload}
	if ev, ok := data.(events.Event); ok && ev.Type == events.EventUserLogout {
		msg.disconnect = true
		select {
		case h.userCast <- msg:
		case <-h.stop:
		}
		return
	}

	select {
	case h.userCast <- msg:
	default:
		h.logger.Warn("User broadcast channel full, dropping message", "user_id", userID)
	}
}

// GetUserClientCount returns the number of connected clients for a user
func (h *UserWSHub) GetUserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

// GetTotalClientCount returns the total number of connected clients
func (h *UserWSHub) GetTotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.userClients {
		n += len(clients)
	}
	return n
}

// writePump pumps messages from the hub to the websocket connection
func (c *UserWSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump drains the connection so pongs and close frames are processed
func (c *UserWSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

// InitUserWebSocket starts a hub and routes per-user engine events to it
func InitUserWebSocket() *UserWSHub {
	hub := NewUserWSHub()
	go hub.Run()

	events.SetBroadcastUserEvent(hub.BroadcastToUser)
	hub.logger.Info("User WebSocket hub initialized")
	return hub
}

// handleUserWebSocket upgrades an authenticated request to the user's event stream
// GET /api/ws
func (s *Server) handleUserWebSocket(c *gin.Context) {
	userID := auth.GetUserID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", "user_id", userID, "error", err)
		return
	}

	client := &UserWSClient{
		conn:      conn,
		send:      make(chan []byte, 256),
		hub:       s.hub,
		userID:    userID,
		closeChan: make(chan struct{}),
	}

	// queue the greeting before registering so it is the first frame
	welcome, _ := json.Marshal(map[string]interface{}{
		"type":      "CONNECTED",
		"message":   "WebSocket connection established",
		"timestamp": time.Now(),
		"user_id":   userID,
	})
	client.send <- welcome

	select {
	case s.hub.register <- client:
	case <-s.hub.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
