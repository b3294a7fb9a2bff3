package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/okm-core/internal/crawler"
	"github.com/nerrad567/okm-core/internal/infrastructure/config"
	"github.com/nerrad567/okm-core/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// WSChannelAll follows every event type.
	WSChannelAll = "*"

	// wsQueueSize is how many frames a client may fall behind before
	// events to it are dropped.
	wsQueueSize = 256
)

// WSMessage is a frame sent to a client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe requests.
// Channels are crawler event types ("unlocked", "denied", ...) or "*".
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// wsRequest is a frame received from a client. The payload is decoded
// once the type is known.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by corsMiddleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub relays crawler events to WebSocket clients. It implements
// crawler.Observer and never blocks the crawler on a slow client.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*WSClient]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client and
// refuses new ones.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.stop()
	}
}

// Notify implements crawler.Observer.
func (h *Hub) Notify(e crawler.Event) {
	channel := string(e.Type)
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	frame, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: at.UTC().Format(time.RFC3339),
		Payload:   e,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "type", channel, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		if c.watching(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	dropped := 0
	for _, c := range targets {
		if !c.enqueue(frame) {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug("websocket event dropped for slow clients", "type", channel, "clients", dropped)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// add reports false once the hub has shut down.
func (h *Hub) add(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

// WSClient is one connected event stream. Frames queue on out and a
// single writer goroutine owns the connection's write side.
type WSClient struct {
	conn    *websocket.Conn
	subject string // token subject, empty when auth is off

	out      chan []byte
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	channels map[string]struct{}
}

func newWSClient(conn *websocket.Conn, subject string) *WSClient {
	return &WSClient{
		conn:     conn,
		subject:  subject,
		out:      make(chan []byte, wsQueueSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
}

// stop tells the writer to say goodbye and close the connection.
func (c *WSClient) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// enqueue reports false when the frame was dropped.
func (c *WSClient) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *WSClient) watching(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[WSChannelAll]; ok {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

func (c *WSClient) follow(channels []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if on {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
}

// handle answers one client request. The reply is nil only if it could
// not be encoded.
func (c *WSClient) handle(data []byte) []byte {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return wsError("", "invalid JSON message")
	}

	switch req.Type {
	case WSTypePing:
		return wsReply(req.ID, WSTypePong, nil)

	case WSTypeSubscribe, WSTypeUnsubscribe:
		var p WSSubscribePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return wsError(req.ID, "invalid "+req.Type+" payload")
		}
		on := req.Type == WSTypeSubscribe
		c.follow(p.Channels, on)

		key := "unsubscribed"
		if on {
			key = "subscribed"
		}
		return wsReply(req.ID, WSTypeResponse, map[string][]string{key: p.Channels})
	}

	return wsError(req.ID, "unknown message type: "+req.Type)
}

func wsReply(id, msgType string, payload any) []byte {
	frame, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return nil
	}
	return frame
}

func wsError(id, message string) []byte {
	return wsReply(id, WSTypeError, map[string]string{"message": message})
}

// handleWebSocket upgrades the request and serves the stream until the
// client goes away or the hub shuts down. Authentication already happened
// in authMiddleware.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	var subject string
	if claims := claimsFrom(r.Context()); claims != nil {
		subject = claims.Subject
	}
	client := newWSClient(conn, subject)
	if !s.hub.add(client) {
		conn.Close()
		return
	}
	s.logger.Debug("websocket client connected", "subject", subject, "clients", s.hub.ClientCount())

	go client.writeLoop(s.wsCfg)
	client.readLoop(s.wsCfg, s.logger)

	s.hub.remove(client)
	s.logger.Debug("websocket client disconnected", "subject", subject, "clients", s.hub.ClientCount())
}

// readLoop handles requests until the connection fails. A client that
// stops answering pings times out after PingInterval+PongTimeout.
func (c *WSClient) readLoop(cfg config.WebSocketConfig, log *logging.Logger) {
	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		_ = extend()
		if reply := c.handle(data); reply != nil {
			c.enqueue(reply)
		}
	}
}

// writeLoop is the only writer on the connection. It closes the
// connection on exit, which also ends readLoop.
func (c *WSClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer ping.Stop()
	defer c.conn.Close()

	wait := time.Duration(cfg.PongTimeout) * time.Second
	write := func(kind int, data []byte) error {
		if err := c.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
			return err
		}
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case frame := <-c.out:
			if err := write(websocket.TextMessage, frame); err != nil {
				c.stop()
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		}
	}
}
