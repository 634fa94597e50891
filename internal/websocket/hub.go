package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// SecretHeader carries the admin shared secret
const SecretHeader = "X-LINK-SECRET"

// Message represents a WebSocket message
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client represents a WebSocket client
type Client struct {
	ID   string
	Conn *websocket.Conn
	Hub  *Hub
	Send chan []byte
}

// Hub fans link events out to connected admin clients
type Hub struct {
	clients        map[*Client]bool
	broadcast      chan []byte
	register       chan *Client
	unregister     chan *Client
	done           chan struct{}
	pumps          sync.WaitGroup
	mu             sync.RWMutex
	authorize      func(secret string) bool
	allowedOrigins []string
	logger         *zap.Logger
}

// NewHub creates a new Hub. authorize decides whether a presented secret may subscribe.
func NewHub(authorize func(secret string) bool, allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:        make(map[*Client]bool),
		broadcast:      make(chan []byte, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		authorize:      authorize,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// Run services the hub until ctx is done, then closes every client.
// Run must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("admin feed client connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.logger.Info("admin feed client disconnected", zap.String("client_id", client.ID))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// Slow consumer
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Wait blocks until every client goroutine has exited
func (h *Hub) Wait() {
	h.pumps.Wait()
}

// ClientCount returns the number of subscribed clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues an event for every subscriber. Events are dropped when the queue is full.
func (h *Hub) Publish(eventType string, payload interface{}) {
	msg, err := encode(eventType, payload)
	if err != nil {
		h.logger.Warn("failed to encode admin event", zap.String("type", eventType), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("admin event dropped", zap.String("type", eventType))
	}
}

// HandleWebSocket upgrades an authenticated admin connection
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(SecretHeader)
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	if h.authorize == nil || !h.authorize(secret) {
		h.logger.Warn("admin feed connection rejected", zap.String("remote_addr", r.RemoteAddr))
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	allowedOrigins := h.allowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"localhost:3000"}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: allowedOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Hub:  h,
		Send: make(chan []byte, 64),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	h.pumps.Add(2)
	go client.writePump()
	go client.readPump()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.Send)
		client.Conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, client)
	}
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close(websocket.StatusNormalClosure, "")
		c.Hub.pumps.Done()
	}()

	ctx := context.Background()
	for {
		_, message, err := c.Conn.Read(ctx)
		if err != nil {
			if !isNormalClose(err) {
				c.Hub.logger.Debug("websocket read ended", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.Hub.logger.Debug("failed to parse websocket message", zap.String("client_id", c.ID), zap.Error(err))
			continue
		}

		c.handleMessage(msg)
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump() {
	defer c.Hub.pumps.Done()

	ctx := context.Background()
	for message := range c.Send {
		if err := c.Conn.Write(ctx, websocket.MessageText, message); err != nil {
			if !isNormalClose(err) {
				c.Hub.logger.Debug("websocket write failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}

// handleMessage answers client messages; the feed is otherwise one-way
func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case "ping":
		response, _ := encode("pong", struct{}{})
		c.Hub.mu.RLock()
		defer c.Hub.mu.RUnlock()
		if _, ok := c.Hub.clients[c]; !ok {
			return
		}
		select {
		case c.Send <- response:
		default:
		}
	default:
		c.Hub.logger.Debug("unknown websocket message type", zap.String("type", msg.Type))
	}
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: msgType, Payload: payloadJSON})
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
