package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/patchspool/logger"
	"github.com/teranos/patchspool/pulse"
	"github.com/teranos/patchspool/watchdog"
)

// WebSocket timeouts following the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Subscribers only send control frames
	maxMessageSize = 4096

	sendBuffer = 64
)

// MaxClients bounds concurrent subscribers
const MaxClients = 64

// Message types pushed to subscribers
const (
	MessageWatchdogStatus = "watchdog_status"
	MessageStage          = "stage"
	MessageComplete       = "complete"
)

// Message is the envelope of every pushed update
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans watchdog snapshots and engine progress out to WebSocket
// subscribers. It implements watchdog.Publisher and pulse.ProgressEmitter.
type Hub struct {
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	clients    map[*Client]bool
	lastStatus []byte // replayed to new subscribers
	closed     bool

	drops atomic.Int64
}

// NewHub creates an empty hub
func NewHub(log *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger:   log,
		upgrader: newUpgrader(),
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*Client]bool),
	}
}

// Publish implements watchdog.Publisher
func (h *Hub) Publish(s watchdog.Snapshot) {
	h.broadcast(Message{Type: MessageWatchdogStatus, Data: s, Timestamp: s.GeneratedAt}, true)
}

// EmitStage implements pulse.ProgressEmitter
func (h *Hub) EmitStage(e pulse.StageEvent) {
	h.broadcast(Message{Type: MessageStage, Data: e, Timestamp: e.Timestamp}, false)
}

// EmitComplete implements pulse.ProgressEmitter
func (h *Hub) EmitComplete(e pulse.StageEvent) {
	h.broadcast(Message{Type: MessageComplete, Data: e, Timestamp: e.Timestamp}, false)
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops returns how many messages were dropped for slow subscribers
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}

func (h *Hub) broadcast(msg Message, cache bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warnw("Failed to encode broadcast", "type", msg.Type, logger.FieldError, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if cache {
		h.lastStatus = data
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.drops.Add(1)
			h.logger.Debugw("Subscriber queue full, dropping message", "client_id", c.id, "type", msg.Type)
		}
	}
}

// ServeWS upgrades the request and subscribes the connection
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		h.logger.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   uuid.New().String()[:8],
	}
	h.wg.Add(2)
	if !h.register(c) {
		h.wg.Add(-2)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many subscribers"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= MaxClients {
		h.logger.Warnw("Rejecting subscriber", "client_id", c.id, "clients", len(h.clients))
		return false
	}
	h.clients[c] = true
	if h.lastStatus != nil {
		c.send <- h.lastStatus
	}
	h.logger.Infow("Subscriber connected", "client_id", c.id, "clients", len(h.clients))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Infow("Subscriber disconnected", "client_id", c.id, "clients", len(h.clients))
	}
}

// Close disconnects every subscriber and waits for their pumps
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}

// Client is one WebSocket subscriber
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// readPump discards inbound messages; it exists to process control frames
// and to notice when the peer goes away
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", "client_id", c.id, logger.FieldError, err)
			}
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debugw("WebSocket write error", "client_id", c.id, logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.hub.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
