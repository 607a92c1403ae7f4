// Package ws streams audit progress events to WebSocket clients. One
// topic per audit; the runner broadcasts every accepted event and closes
// the topic on the terminal. Slow clients are dropped, never waited on:
// the hub must not block event ingestion.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/metrics"
	"github.com/veritaslabs/veritas/types"
)

const (
	// sendBuffer is the per-client outbound queue. A client that falls
	// this far behind is disconnected.
	sendBuffer = 64

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// pingPeriod must be under pongWait so pings keep the read deadline alive.
	pingPeriod = 45 * time.Second
)

// client is one WebSocket subscriber on an audit topic.
type client struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub fans audit events out to per-audit subscriber sets.
type Hub struct {
	collector *metrics.Collector
	logger    *log.Logger
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	topics map[string]map[*client]struct{}
}

// NewHub creates an empty hub. collector may be nil.
func NewHub(collector *metrics.Collector, logger *log.Logger) *Hub {
	return &Hub{
		collector: collector,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		topics: make(map[string]map[*client]struct{}),
	}
}

// Broadcast delivers one event to every subscriber of the audit. Clients
// with a full send queue are dropped on the spot.
func (h *Hub) Broadcast(auditID string, ev *types.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode broadcast event", map[string]any{
			"audit_id": auditID,
			"error":    err.Error(),
		})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[auditID]
	for c := range subs {
		select {
		case c.send <- data:
		default:
			delete(subs, c)
			c.close()
			h.collector.IncWSDroppedClient()
			h.collector.AddWSClients(-1)
			h.logger.Warn("dropped slow websocket client", map[string]any{
				"audit_id": auditID,
			})
		}
	}
}

// CloseAudit closes the audit's topic. Subscribers get a normal close
// frame once their queues drain.
func (h *Hub) CloseAudit(auditID string) {
	h.mu.Lock()
	subs := h.topics[auditID]
	delete(h.topics, auditID)
	h.mu.Unlock()

	for c := range subs {
		c.close()
		h.collector.AddWSClients(-1)
	}
}

// Shutdown closes every topic.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, subs := range topics {
		for c := range subs {
			c.close()
			h.collector.AddWSClients(-1)
		}
	}
}

// ClientCount returns the number of subscribers on one audit.
func (h *Hub) ClientCount(auditID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[auditID])
}

// Subscribe upgrades the request and attaches the connection to the
// audit's topic until the client disconnects or the topic closes.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, auditID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", map[string]any{
			"audit_id": auditID,
			"error":    err.Error(),
		})
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	subs, ok := h.topics[auditID]
	if !ok {
		subs = make(map[*client]struct{})
		h.topics[auditID] = subs
	}
	subs[c] = struct{}{}
	h.mu.Unlock()
	h.collector.AddWSClients(1)

	go h.writePump(c)
	h.readPump(auditID, c)
}

// writePump drains the client's queue onto the wire and sends keepalive
// pings. A closed queue means the topic ended; send a close frame.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "audit finished"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects. Inbound data
// frames are ignored; the stream is one-way.
func (h *Hub) readPump(auditID string, c *client) {
	defer h.unsubscribe(auditID, c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unsubscribe(auditID string, c *client) {
	h.mu.Lock()
	subs, ok := h.topics[auditID]
	if ok {
		if _, member := subs[c]; member {
			delete(subs, c)
			h.mu.Unlock()
			c.close()
			h.collector.AddWSClients(-1)
			return
		}
	}
	h.mu.Unlock()
	// Already dropped or topic closed; the queue is closed by whoever
	// removed the client.
}
