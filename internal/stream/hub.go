// Package stream pushes case decisions and review outcomes to websocket
// clients as they happen.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Frame is one message sent to a stream client.
type Frame struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Data      domain.CaseNotice `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
}

// Frame types.
const (
	FrameDecided  = "case.decided"
	FrameReviewed = "case.reviewed"
)

// Config holds websocket connection settings.
type Config struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConfig returns the default stream settings.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingPeriod:     54 * time.Second, // must be less than PongTimeout
		MaxMessageSize: 4 * 1024,
		SendBuffer:     256,
	}
}

// Hub fans bus notices out to connected clients.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	subs    []domain.Subscription
	closed  bool
}

type client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter domain.Classification

	closeOnce sync.Once
}

// NewHub creates a stream hub.
func NewHub(cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongTimeout {
		cfg.PingPeriod = cfg.PongTimeout * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes the hub to decision and review notices.
func (h *Hub) Start(ctx context.Context, bus domain.EventBus) error {
	for topic, frameType := range map[string]string{
		domain.TopicCaseDecided:  FrameDecided,
		domain.TopicCaseReviewed: FrameReviewed,
	} {
		sub, err := bus.Subscribe(ctx, topic, h.relay(frameType))
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		h.mu.Lock()
		h.subs = append(h.subs, sub)
		h.mu.Unlock()
	}
	return nil
}

func (h *Hub) relay(frameType string) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		var notice domain.CaseNotice
		if err := json.Unmarshal(msg.Payload, &notice); err != nil {
			return fmt.Errorf("decoding case notice: %w", err)
		}
		h.Broadcast(Frame{
			ID:        msg.ID,
			Type:      frameType,
			Data:      notice,
			Timestamp: time.Now().UTC(),
		})
		return nil
	}
}

// Broadcast sends a frame to every client whose filter matches. A client
// that cannot keep up is disconnected.
func (h *Hub) Broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("failed to encode stream frame", "error", err)
		return
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if c.filter != "" && c.filter != f.Data.Classification {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("dropping slow stream client", "client_id", c.id)
		h.unregister(c)
	}
}

// ServeHTTP upgrades the request to a websocket. The optional
// classification query parameter restricts the frames sent.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := domain.Classification(r.URL.Query().Get("classification"))
	if filter != "" && !filter.Valid() {
		http.Error(w, "unknown classification", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.New().String(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		filter: filter,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
			time.Now().Add(h.cfg.WriteTimeout))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	slog.Debug("stream client connected",
		"client_id", c.id,
		"classification", filter,
	)

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := h.subs
	h.subs = nil
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe stream", "topic", sub.Topic(), "error", err)
		}
	}
	for _, c := range clients {
		h.unregister(c)
	}
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.closeOnce.Do(func() { close(c.send) })
	}
}

// readPump only processes control frames; clients do not send data.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("stream read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
