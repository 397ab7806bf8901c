// Package realtime pushes price ticks and alert triggers to WebSocket subscribers.
package realtime

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/camuig/coinfolio/internal/logger"
)

const (
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeSubscribeAlerts = "subscribe_alerts"
	TypeSubscribed      = "subscribed"
	TypePriceUpdate     = "price_update"
	TypeAlertTriggered  = "alert_triggered"
	TypeError           = "error"

	writeTimeout = 5 * time.Second
)

// Message is the envelope of every frame in both directions.
type Message struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
	Alerts  bool     `json:"alerts,omitempty"`
	Data    any      `json:"data,omitempty"`
}

type PriceUpdate struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

type AlertTriggered struct {
	Alert     any       `json:"alert"`
	Timestamp time.Time `json:"timestamp"`
}

type Client struct {
	ID      string
	OwnerID uint

	conn    *websocket.Conn
	writeMu sync.Mutex

	// guarded by Hub.mu
	symbols map[string]struct{}
	alerts  bool
}

func (c *Client) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  log.With("component", "realtime"),
	}
}

// Register adds conn with no subscriptions.
func (h *Hub) Register(conn *websocket.Conn, ownerID uint) *Client {
	c := &Client{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		conn:    conn,
		symbols: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", "client_id", c.ID, "owner_id", ownerID)
	return c
}

// Remove drops the client and closes its connection. Safe to call twice.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		h.logger.Debug("client disconnected", "client_id", c.ID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve registers conn and handles its subscription messages until the connection fails.
func (h *Hub) Serve(conn *websocket.Conn, ownerID uint) {
	c := h.Register(conn, ownerID)
	defer h.Remove(c)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "client_id", c.ID, "error", err)
			}
			return
		}

		reply := h.handle(c, msg)
		if err := c.write(reply); err != nil {
			return
		}
	}
}

func (h *Hub) handle(c *Client, msg Message) Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Type {
	case TypeSubscribe:
		for _, s := range msg.Symbols {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				c.symbols[s] = struct{}{}
			}
		}
	case TypeUnsubscribe:
		for _, s := range msg.Symbols {
			delete(c.symbols, strings.ToUpper(strings.TrimSpace(s)))
		}
	case TypeSubscribeAlerts:
		c.alerts = true
	default:
		return Message{Type: TypeError, Data: "unknown message type: " + msg.Type}
	}

	symbols := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return Message{Type: TypeSubscribed, Symbols: symbols, Alerts: c.alerts}
}

// BroadcastPrices sends one price_update per symbol to the clients subscribed to it.
// It returns the number of frames delivered.
func (h *Hub) BroadcastPrices(prices map[string]float64, ts time.Time) int {
	type delivery struct {
		client *Client
		msg    Message
	}

	h.mu.RLock()
	var out []delivery
	for _, c := range h.clients {
		for symbol := range c.symbols {
			price, ok := prices[symbol]
			if !ok {
				continue
			}
			out = append(out, delivery{c, Message{
				Type: TypePriceUpdate,
				Data: PriceUpdate{Symbol: symbol, Price: price, Timestamp: ts},
			}})
		}
	}
	h.mu.RUnlock()

	sent := 0
	failed := make(map[*Client]struct{})
	for _, d := range out {
		if _, dead := failed[d.client]; dead {
			continue
		}
		if err := d.client.write(d.msg); err != nil {
			failed[d.client] = struct{}{}
			continue
		}
		sent++
	}
	h.prune(failed)
	return sent
}

// BroadcastAlert sends alert_triggered to the owner's clients that subscribed to alerts.
func (h *Hub) BroadcastAlert(ownerID uint, alert any, ts time.Time) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.alerts && c.OwnerID == ownerID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	msg := Message{Type: TypeAlertTriggered, Data: AlertTriggered{Alert: alert, Timestamp: ts}}
	sent := 0
	failed := make(map[*Client]struct{})
	for _, c := range targets {
		if err := c.write(msg); err != nil {
			failed[c] = struct{}{}
			continue
		}
		sent++
	}
	h.prune(failed)
	return sent
}

func (h *Hub) prune(failed map[*Client]struct{}) {
	for c := range failed {
		h.logger.Warn("dropping websocket client after failed send", "client_id", c.ID)
		h.Remove(c)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}
