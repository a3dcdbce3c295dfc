package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients connect from arbitrary origins; auth happens before upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one connected websocket subscriber with its room set.
type client struct {
	id    string
	conn  *websocket.Conn
	rooms map[string]bool
	mu    sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans broker envelopes out to websocket clients by room key.
type Hub struct {
	broker Broker
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a hub reading from broker.
func NewHub(broker Broker, logger *zap.Logger) *Hub {
	return &Hub{
		broker:  broker,
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// Start consumes the broker firehose and broadcasts until ctx ends.
func (h *Hub) Start(ctx context.Context) error {
	ch, cancel, err := h.broker.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			h.broadcast(env)
		}
	}
}

// NeedLeaderElection: every replica serves its own websocket clients.
func (h *Hub) NeedLeaderElection() bool { return false }

func (h *Hub) broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode envelope", zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0)
	for _, c := range h.clients {
		for _, room := range env.RoomKeys {
			if c.rooms[room] {
				targets = append(targets, c)
				break
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			h.logger.Debug("drop client on write failure",
				zap.String("client_id", c.id), zap.Error(err))
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscribeMessage lets a connected client adjust its rooms.
type subscribeMessage struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
}

// HandleWS upgrades the request and serves the subscription until the
// client disconnects. Initial rooms come from the "rooms" query parameter
// (comma separated); later changes arrive as subscribe messages.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:    uuid.NewString(),
		conn:  conn,
		rooms: map[string]bool{},
	}
	for _, room := range strings.Split(r.URL.Query().Get("rooms"), ",") {
		room = strings.TrimSpace(room)
		if room != "" {
			c.rooms[room] = true
		}
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.id))

	defer func() {
		h.remove(c)
		h.logger.Debug("client disconnected", zap.String("client_id", c.id))
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub subscribeMessage
		if err := json.Unmarshal(msg, &sub); err != nil {
			h.logger.Debug("invalid subscribe message",
				zap.String("client_id", c.id), zap.Error(err))
			continue
		}
		h.mu.Lock()
		for _, room := range sub.Subscribe {
			c.rooms[room] = true
		}
		for _, room := range sub.Unsubscribe {
			delete(c.rooms, room)
		}
		h.mu.Unlock()
	}
}
