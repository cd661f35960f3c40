// Package websocket accepts long-lived subscriber connections, performs
// the authentication handshake, and relays control messages between the
// peer and the broadcaster.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/logwarden/logwarden/internal/audit"
	"github.com/logwarden/logwarden/internal/auth"
	"github.com/logwarden/logwarden/internal/broadcast"
	"github.com/logwarden/logwarden/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// controlFrame is a server-originated non-event frame.
type controlFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// inboundMessage is every control message a peer may send.
type inboundMessage struct {
	Type            string   `json:"type"`
	EventTypes      []string `json:"event_types,omitempty"`
	ReplaceExisting bool     `json:"replace_existing,omitempty"`
	Filter          *struct {
		EventTypes  []string `json:"event_types,omitempty"`
		Categories  []string `json:"categories,omitempty"`
		MinPriority int      `json:"min_priority,omitempty"`
		MaxPriority int      `json:"max_priority,omitempty"`
		Sources     []string `json:"sources,omitempty"`
	} `json:"filter,omitempty"`
}

// Options tune the transport.
type Options struct {
	PingInterval   time.Duration // default 30s
	PingMissLimit  int           // detach after this many missed pongs
	WriteTimeout   time.Duration
	MaxConnections int
	SendBuffer     int
}

func (o *Options) setDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PingMissLimit < 1 {
		o.PingMissLimit = 2
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxConnections < 1 {
		o.MaxConnections = 500
	}
	if o.SendBuffer < 1 {
		o.SendBuffer = 256
	}
}

// StatsProvider supplies the server half of a status_response.
type StatsProvider func() map[string]any

// Handler upgrades HTTP requests into subscriber connections.
type Handler struct {
	opts        Options
	sessions    *auth.SessionStore
	broadcaster *broadcast.Broadcaster
	sink        *audit.Sink
	serverStats StatsProvider

	mu      sync.Mutex
	clients map[string]*client

	connections atomic.Int64
}

// NewHandler wires the transport's collaborators.
func NewHandler(sessions *auth.SessionStore, b *broadcast.Broadcaster, sink *audit.Sink,
	serverStats StatsProvider, opts Options) *Handler {
	opts.setDefaults()
	if serverStats == nil {
		serverStats = func() map[string]any { return nil }
	}
	return &Handler{
		opts:        opts,
		sessions:    sessions,
		broadcaster: b,
		sink:        sink,
		serverStats: serverStats,
		clients:     make(map[string]*client),
	}
}

// ConnectionCount reports currently attached peers.
func (h *Handler) ConnectionCount() int {
	return int(h.connections.Load())
}

// ServeHTTP performs accept -> authenticate -> register -> message loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if int(h.connections.Load()) >= h.opts.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	token := bearerToken(r)
	principal, ok := h.sessions.Validate(token)
	if !ok || !principal.Can(auth.PermWSConnect) {
		h.sink.Log(r.Context(), audit.Entry{
			EventType:   audit.EventWSAuthFailed,
			Severity:    "warning",
			ClientIP:    clientIP(r),
			Description: "websocket authentication failed",
			Success:     false,
		})
		// Complete the upgrade so the close code reaches the peer.
		if conn, err := upgrader.Upgrade(w, r, nil); err == nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
				time.Now().Add(time.Second))
			conn.Close()
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	subscriberID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}

	// A client-chosen id only resumes state the same user created.
	if owner, exists := h.broadcaster.Principal(subscriberID); exists && owner.UserID != principal.UserID {
		h.sink.Log(r.Context(), audit.Entry{
			EventType:   audit.EventWSAuthFailed,
			Severity:    "warning",
			UserID:      principal.UserID,
			Username:    principal.Username,
			ClientIP:    clientIP(r),
			ResourceID:  subscriberID,
			Description: "subscriber id owned by another user",
			Success:     false,
		})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber id in use"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	client := &client{
		handler:      h,
		conn:         conn,
		send:         make(chan []byte, h.opts.SendBuffer),
		subscriberID: subscriberID,
		principal:    principal,
	}

	// Register before Attach so a superseded connection's teardown cannot
	// detach the new transport.
	h.mu.Lock()
	prev := h.clients[subscriberID]
	h.clients[subscriberID] = client
	h.mu.Unlock()
	if prev != nil {
		log.Debug().Str("subscriber", subscriberID).Msg("Superseding existing connection")
		prev.close(websocket.CloseGoingAway, "superseded by newer connection")
	}

	h.connections.Add(1)
	h.broadcaster.Attach(subscriberID, principal, client)
	h.sink.Log(r.Context(), audit.Entry{
		EventType:   audit.EventWSConnect,
		Severity:    "info",
		UserID:      principal.UserID,
		Username:    principal.Username,
		ClientIP:    clientIP(r),
		ResourceID:  subscriberID,
		Description: "websocket subscriber connected",
		Success:     true,
	})

	client.sendControl("connection_established", map[string]any{
		"subscriber_id": subscriberID,
		"username":      principal.Username,
		"role":          string(principal.Role),
		"auth_required": true,
	})

	go client.writePump()
	go client.readPump()
}

// client is one attached peer. Deliver implements broadcast.Transport
// without blocking: a full send buffer reports failure and the
// broadcaster buffers the message instead.
type client struct {
	handler      *Handler
	conn         *websocket.Conn
	send         chan []byte
	subscriberID string
	principal    auth.Principal
}

// Deliver implements broadcast.Transport.
func (c *client) Deliver(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendControl(frameType string, data any) {
	frame := controlFrame{Type: frameType, Data: data, Timestamp: time.Now()}
	if encoded, err := json.Marshal(frame); err == nil {
		c.Deliver(encoded)
	}
}

func (c *client) sendError(message string) {
	c.sendControl("error", map[string]string{"message": message})
}

func (c *client) readPump() {
	defer c.detach()

	readWait := c.handler.opts.PingInterval*time.Duration(c.handler.opts.PingMissLimit) + 5*time.Second
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("subscriber", c.subscriberID).Msg("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *client) handleMessage(msg inboundMessage) {
	b := c.handler.broadcaster
	switch msg.Type {
	case "subscribe":
		b.Subscribe(c.subscriberID, toEventTypes(msg.EventTypes), msg.ReplaceExisting)
		c.sendControl("subscription_updated", map[string]any{
			"subscriptions": b.Subscriptions(c.subscriberID),
		})
	case "unsubscribe":
		b.Unsubscribe(c.subscriberID, toEventTypes(msg.EventTypes))
		c.sendControl("subscription_updated", map[string]any{
			"subscriptions": b.Subscriptions(c.subscriberID),
		})
	case "set_filter":
		if msg.Filter == nil {
			c.sendError("set_filter requires a filter object")
			return
		}
		filter := &models.EventFilter{
			MinPriority: msg.Filter.MinPriority,
			MaxPriority: msg.Filter.MaxPriority,
		}
		if len(msg.Filter.EventTypes) > 0 {
			filter.EventTypes = make(map[models.EventType]struct{}, len(msg.Filter.EventTypes))
			for _, t := range msg.Filter.EventTypes {
				filter.EventTypes[models.EventType(t)] = struct{}{}
			}
		}
		if len(msg.Filter.Categories) > 0 {
			filter.Categories = make(map[string]struct{}, len(msg.Filter.Categories))
			for _, cat := range msg.Filter.Categories {
				filter.Categories[cat] = struct{}{}
			}
		}
		if len(msg.Filter.Sources) > 0 {
			filter.Sources = make(map[string]struct{}, len(msg.Filter.Sources))
			for _, src := range msg.Filter.Sources {
				filter.Sources[src] = struct{}{}
			}
		}
		b.SetFilter(c.subscriberID, filter)
		c.sendControl("filter_updated", map[string]any{"active": true})
	case "clear_filter":
		b.ClearFilter(c.subscriberID)
		c.sendControl("filter_updated", map[string]any{"active": false})
	case "ping":
		c.sendControl("pong", map[string]int64{"server_time": time.Now().Unix()})
	case "get_status":
		c.sendControl("status_response", map[string]any{
			"subscriber_id": c.subscriberID,
			"subscriptions": b.Subscriptions(c.subscriberID),
			"buffered":      b.CatchupLen(c.subscriberID),
			"server":        c.handler.serverStats(),
		})
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.handler.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.handler.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain whatever queued behind this message.
			for i := len(c.send); i > 0; i-- {
				select {
				case queued := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
						return
					}
				default:
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.handler.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close pushes a close frame to the peer and tears the connection down.
// Safe to call from any goroutine; the read pump's teardown handles the
// rest.
func (c *client) close(code int, reason string) {
	deadline := time.Now().Add(c.handler.opts.WriteTimeout)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.conn.Close()
}

// CloseSubscriber force-closes the attached connection for one subscriber
// id. Broadcaster state is left to the caller.
func (h *Handler) CloseSubscriber(id string) bool {
	h.mu.Lock()
	c := h.clients[id]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	c.close(websocket.ClosePolicyViolation, "connection terminated")
	return true
}

// CloseUser force-closes every connection owned by the user and reports
// how many were closed.
func (h *Handler) CloseUser(userID string) int {
	h.mu.Lock()
	targets := make([]*client, 0, 2)
	for _, c := range h.clients {
		if c.principal.UserID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.close(websocket.ClosePolicyViolation, "session terminated")
	}
	return len(targets)
}

// detach keeps subscriber state alive for the catch-up window. A
// superseded connection skips the broadcaster detach: the id already
// belongs to its replacement.
func (c *client) detach() {
	c.conn.Close()
	c.handler.connections.Add(-1)

	c.handler.mu.Lock()
	current := c.handler.clients[c.subscriberID] == c
	if current {
		delete(c.handler.clients, c.subscriberID)
	}
	c.handler.mu.Unlock()

	if current {
		c.handler.broadcaster.Detach(c.subscriberID)
	}
	c.handler.sink.Log(context.Background(), audit.Entry{
		EventType:   audit.EventWSDisconnect,
		Severity:    "info",
		UserID:      c.principal.UserID,
		Username:    c.principal.Username,
		ResourceID:  c.subscriberID,
		Description: "websocket subscriber disconnected",
		Success:     true,
	})
}

func toEventTypes(raw []string) []models.EventType {
	out := make([]models.EventType, 0, len(raw))
	for _, t := range raw {
		out = append(out, models.EventType(t))
	}
	return out
}

func bearerToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return host
}
