// Package realtime pushes events to agents over WebSocket connections.
// With a Redis broker every instance publishes to and consumes from one
// channel, so an agent connected anywhere sees events raised anywhere.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeoCryptoFlow/aixin/internal/metrics"
)

// Event types.
const (
	EventMessage        = "message"
	EventGroupMessage   = "group_message"
	EventFriendRequest  = "friend_request"
	EventFriendAccepted = "friend_accepted"
	EventTaskReceived   = "task_received"
	EventTaskUpdated    = "task_updated"
	EventPresence       = "presence"
)

// Presence statuses carried by EventPresence.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Presence is the payload of EventPresence.
type Presence struct {
	AXID   string `json:"ax_id"`
	Status string `json:"status"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
	readLimit  = 4096
)

// Broker carries events between instances.
type Broker interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) *redis.PubSub
	MarkOnline(ctx context.Context, axID string) error
	MarkOffline(ctx context.Context, axID string) error
}

// Frame is what a connected agent receives.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	TS   int64           `json:"ts"`
}

// envelope is a Frame plus its audience, as sent over the broker. All
// addresses every connected agent.
type envelope struct {
	Frame
	To  []string `json:"to,omitempty"`
	All bool     `json:"all,omitempty"`
}

// Hub tracks connections per AX-ID.
type Hub struct {
	logger zerolog.Logger
	broker Broker

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}

	upgrader websocket.Upgrader

	// pingPeriod paces keepalive pings and presence refreshes.
	pingPeriod time.Duration
}

type client struct {
	axID string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates a hub. A nil broker delivers to local connections only.
func NewHub(logger zerolog.Logger, broker Broker) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "realtime").Logger(),
		broker:  broker,
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingPeriod: pingPeriod,
	}
}

// Publish sends an event of the given type to the listed agents. Failures
// are logged; the operation that raised the event has already committed.
func (h *Hub) Publish(ctx context.Context, eventType string, data any, to ...string) {
	if len(to) == 0 {
		return
	}
	h.publish(ctx, envelope{Frame: Frame{Type: eventType}, To: to}, data)
}

// Broadcast sends an event to every connected agent.
func (h *Hub) Broadcast(ctx context.Context, eventType string, data any) {
	h.publish(ctx, envelope{Frame: Frame{Type: eventType}, All: true}, data)
}

func (h *Hub) publish(ctx context.Context, env envelope, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", env.Type).Msg("encode event")
		return
	}
	env.Data = raw
	env.TS = time.Now().UnixMilli()

	if h.broker == nil {
		h.deliver(env)
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Str("event", env.Type).Msg("encode envelope")
		return
	}
	if err := h.broker.Publish(ctx, payload); err != nil {
		h.logger.Warn().Err(err).Str("event", env.Type).Msg("broker publish failed, delivering locally")
		h.deliver(env)
	}
}

// Run consumes broker events until ctx is done. Without a broker it just
// waits for ctx.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		<-ctx.Done()
		return nil
	}
	sub := h.broker.Subscribe(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.logger.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			h.deliver(env)
		}
	}
}

func (h *Hub) deliver(env envelope) {
	frame, err := json.Marshal(env.Frame)
	if err != nil {
		return
	}
	h.mu.RLock()
	var slow []*client
	push := func(set map[*client]struct{}) {
		for c := range set {
			select {
			case c.send <- frame:
			default:
				slow = append(slow, c)
			}
		}
	}
	if env.All {
		for _, set := range h.clients {
			push(set)
		}
	} else {
		for _, axID := range env.To {
			push(h.clients[axID])
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("ax_id", c.axID).Msg("send buffer full, dropping connection")
		h.unregister(c)
	}
}

// Connected returns how many connections axID holds on this instance.
func (h *Hub) Connected(axID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[axID])
}

// Connections returns the number of live connections on this instance.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	set, ok := h.clients[c.axID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.axID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	metrics.WebSocketConnections.Inc()

	h.markOnline(c.axID)
	if !ok {
		h.Broadcast(context.Background(), EventPresence, Presence{AXID: c.axID, Status: StatusOnline})
	}
	h.logger.Info().Str("ax_id", c.axID).Msg("agent connected")
}

// markOnline stamps axID in the shared presence set. Live connections
// call it again on every ping so the stamp stays inside the online window.
func (h *Hub) markOnline(axID string) {
	if h.broker == nil {
		return
	}
	if err := h.broker.MarkOnline(context.Background(), axID); err != nil {
		h.logger.Warn().Err(err).Str("ax_id", axID).Msg("mark online failed")
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	set := h.clients[c.axID]
	_, ok := set[c]
	if ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.axID)
		}
	}
	last := len(h.clients[c.axID]) == 0
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.WebSocketConnections.Dec()
	c.close()

	if last {
		if h.broker != nil {
			if err := h.broker.MarkOffline(context.Background(), c.axID); err != nil {
				h.logger.Warn().Err(err).Str("ax_id", c.axID).Msg("mark offline failed")
			}
		}
		h.Broadcast(context.Background(), EventPresence, Presence{AXID: c.axID, Status: StatusOffline})
	}
	h.logger.Info().Str("ax_id", c.axID).Msg("agent disconnected")
}

// ServeWS upgrades the request and streams events for axID until the
// connection closes. The caller has already authenticated axID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, axID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{axID: axID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames; it exists to process control frames
// and notice when the peer goes away.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("ax_id", c.axID).Msg("websocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			h.markOnline(c.axID)
		}
	}
}
