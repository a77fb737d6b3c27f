// Package realtime streams gateway activity over WebSocket.
//
// Dashboards subscribe instead of polling:
//   - usage_recorded for every gateway call
//   - balance_changed whenever a wallet's available balance moves
//   - api_registered when a slug is registered or replaced
//
// Clients narrow the stream with a Subscription, sent as a JSON text
// message at any time or as query parameters on connect.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/registry"
	"github.com/mbd888/paygate/internal/usage"
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType names a realtime event.
type EventType string

const (
	EventUsageRecorded  EventType = "usage_recorded"
	EventBalanceChanged EventType = "balance_changed"
	EventAPIRegistered  EventType = "api_registered"
)

// Event is one message on the stream. The unexported fields carry the
// keys subscriptions filter on.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`

	wallets   []string
	listingID string
	slug      string
	amount    decimal.Decimal
}

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Wallets    []string    `json:"wallets"`
	ListingIDs []string    `json:"listingIds"`
	Slugs      []string    `json:"slugs"`
	MinCost    float64     `json:"minCost"` // usage_recorded only
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub fans events out to connected clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

var (
	_ usage.Publisher        = (*Hub)(nil)
	_ ledger.BalanceObserver = (*Hub)(nil)
	_ registry.Observer      = (*Hub)(nil)
)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := h.serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !h.shouldSend(client, event) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks an event against a client's subscription.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	if len(sub.Wallets) > 0 && !slices.ContainsFunc(event.wallets, func(w string) bool {
		return slices.Contains(sub.Wallets, w)
	}) {
		return false
	}
	if len(sub.ListingIDs) > 0 && event.listingID != "" && !slices.Contains(sub.ListingIDs, event.listingID) {
		return false
	}
	if len(sub.Slugs) > 0 && event.slug != "" && !slices.Contains(sub.Slugs, event.slug) {
		return false
	}
	if sub.MinCost > 0 && event.Type == EventUsageRecorded {
		if event.amount.LessThan(decimal.NewFromFloat(sub.MinCost)) {
			return false
		}
	}
	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast queues an event. It never blocks: when the queue is full the
// event is dropped and logged.
func (h *Hub) Broadcast(event *Event) {
	metrics.RealtimeEventsTotal.WithLabelValues(string(event.Type)).Inc()
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// UsageRecorded publishes a usage event to subscribers of the caller,
// the owner, the listing, or the slug.
func (h *Hub) UsageRecorded(e *usage.Event) {
	h.Broadcast(&Event{
		Type:      EventUsageRecorded,
		Timestamp: e.Timestamp,
		Data:      e,
		wallets:   []string{e.CallerWallet, e.OwnerWallet},
		listingID: e.ListingID,
		slug:      e.Slug,
		amount:    e.Cost,
	})
}

// BalanceChanged publishes a wallet's new available balance.
func (h *Hub) BalanceChanged(wallet string, available decimal.Decimal) {
	h.Broadcast(&Event{
		Type:      EventBalanceChanged,
		Timestamp: time.Now(),
		Data:      map[string]any{"wallet": wallet, "available": available},
		wallets:   []string{wallet},
	})
}

// APIRegistered publishes a new or replaced registration.
func (h *Hub) APIRegistered(reg *registry.Registration) {
	h.Broadcast(&Event{
		Type:      EventAPIRegistered,
		Timestamp: reg.UpdatedAt,
		Data:      reg,
		wallets:   []string{reg.OwnerWallet},
		listingID: reg.ListingID,
		slug:      reg.Slug,
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// subscriptionFromQuery builds the initial subscription from
// ?types=&wallets=&listings=&slugs= (comma separated).
func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	split := func(key string) []string {
		v := strings.TrimSpace(q.Get(key))
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}

	sub := Subscription{
		Wallets:    split("wallets"),
		ListingIDs: split("listings"),
		Slugs:      split("slugs"),
	}
	for _, t := range split("types") {
		sub.EventTypes = append(sub.EventTypes, EventType(t))
	}
	sub.AllEvents = len(sub.EventTypes) == 0 && len(sub.Wallets) == 0 &&
		len(sub.ListingIDs) == 0 && len(sub.Slugs) == 0
	return sub
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  subscriptionFromQuery(r),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump applies subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
