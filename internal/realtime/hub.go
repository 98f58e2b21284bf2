package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Hub is the platform broadcast boundary: it fans broadcasts out to WebSocket clients,
// in-process listeners and, through Redis, to other daemon instances sharing the same store.
type Hub struct {
	origin    string
	clients   map[string]*Client
	listeners map[string]*listener
	cancelSub func()
	mu        sync.RWMutex
	logger    *zap.Logger
	redisPub  RedisPublisher
	redisSub  RedisSubscriber
}

// RedisPublisher publishes broadcasts for other instances.
type RedisPublisher interface {
	PublishEvent(origin, event string, payload []byte) error
}

// RedisSubscriber delivers broadcasts published by any instance.
type RedisSubscriber interface {
	SubscribeEvents(handler func(origin, event string, payload []byte)) (cancel func(), err error)
}

type listener struct {
	filter map[string]bool
	fn     func(WSMessage)
}

// NewHub creates a hub. redisPub and redisSub may be nil for a single-instance daemon.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		origin:    uuid.NewString(),
		clients:   make(map[string]*Client),
		listeners: make(map[string]*listener),
		logger:    logger,
		redisPub:  redisPub,
		redisSub:  redisSub,
	}
}

// Origin identifies this instance in Redis messages.
func (h *Hub) Origin() string { return h.origin }

// Register adds a client. Starts the Redis subscription with the first receiver.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.ensureSubscribedLocked()
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.Int("clients", count))
}

// Unregister removes a client and closes its send channel. Cancels the Redis subscription when the last receiver leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
	}
	h.releaseSubscriptionLocked()
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.Int("clients", count))
}

// Listen registers an in-process receiver for the named broadcasts; no names means all.
func (h *Hub) Listen(names []string, fn func(WSMessage)) (cancel func()) {
	id := uuid.NewString()
	h.mu.Lock()
	h.listeners[id] = &listener{filter: toFilter(names), fn: fn}
	h.ensureSubscribedLocked()
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.releaseSubscriptionLocked()
			h.mu.Unlock()
		})
	}
}

// Broadcast delivers to local receivers and publishes to Redis for other instances.
func (h *Hub) Broadcast(name string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Warn("broadcast encode failed", zap.String("event", name), zap.Error(err))
		return
	}
	h.BroadcastLocal(name, data)
	if h.redisPub != nil {
		if err := h.redisPub.PublishEvent(h.origin, name, data); err != nil {
			h.logger.Warn("broadcast publish failed", zap.String("event", name), zap.Error(err))
		}
	}
}

// BroadcastLocal delivers to this instance's receivers only.
func (h *Hub) BroadcastLocal(name string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: name, Data: data}

	h.mu.RLock()
	var fns []func(WSMessage)
	for _, l := range h.listeners {
		if l.wants(name) {
			fns = append(fns, l.fn)
		}
	}
	for _, c := range h.clients {
		if !c.wants(name) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close cancels the Redis subscription and drops every listener. Connected clients are left to their pumps.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = make(map[string]*listener)
	if h.cancelSub != nil {
		h.cancelSub()
		h.cancelSub = nil
	}
}

func (h *Hub) ensureSubscribedLocked() {
	if h.redisSub == nil || h.cancelSub != nil {
		return
	}
	cancel, err := h.redisSub.SubscribeEvents(func(origin, event string, payload []byte) {
		if origin == h.origin {
			return
		}
		h.BroadcastLocal(event, json.RawMessage(payload))
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.Error(err))
		return
	}
	h.cancelSub = cancel
}

func (h *Hub) releaseSubscriptionLocked() {
	if len(h.clients) > 0 || len(h.listeners) > 0 || h.cancelSub == nil {
		return
	}
	h.cancelSub()
	h.cancelSub = nil
}

func (l *listener) wants(name string) bool {
	return len(l.filter) == 0 || l.filter[name]
}

func toFilter(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func encode(payload interface{}) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
