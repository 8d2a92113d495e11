// Package live pushes newly recorded results to websocket subscribers of a
// patient.
package live

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

// Message is the JSON envelope sent to subscribers.
type Message struct {
	Event     string `json:"event"`
	PatientID string `json:"patientId"`
	Data      any    `json:"data,omitempty"`
}

// Hub fans out events to the subscribers of each patient. A subscriber whose
// buffer is full is disconnected instead of blocking the publisher.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. An empty allowedOrigins list accepts any origin;
// native mobile clients send none.
func NewHub(allowedOrigins []string, logger *logrus.Logger) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin] || allowed["*"]
			},
		},
		logger:  logger,
		clients: make(map[string]map[*client]struct{}),
	}
}

// Serve upgrades the connection and streams patientID's events until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, patientID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	if !h.register(patientID, c) {
		conn.Close()
		return
	}
	defer h.unregister(patientID, c)

	if data, err := json.Marshal(Message{Event: "subscribed", PatientID: patientID}); err == nil {
		h.trySend(patientID, c, data)
	}

	go c.writePump()
	c.readPump()
}

// Publish sends event to every subscriber of patientID.
func (h *Hub) Publish(patientID string, event any) {
	data, err := json.Marshal(Message{Event: "result", PatientID: patientID, Data: event})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode live event")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[patientID]))
	for c := range h.clients[patientID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !h.trySend(patientID, c, data) {
			h.logger.WithField("patient_id", patientID).Warn("Dropping slow live subscriber")
			h.unregister(patientID, c)
		}
	}
}

// Count returns the number of subscribers of patientID.
func (h *Hub) Count(patientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[patientID])
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for patientID, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, patientID)
	}
}

func (h *Hub) register(patientID string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[patientID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[patientID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(patientID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[patientID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, patientID)
	}
}

// trySend queues data without blocking. The read lock keeps unregister from
// closing the channel mid-send.
func (h *Hub) trySend(patientID string, c *client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[patientID][c]; !ok {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only processes control frames. Blocks until the connection closes.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
