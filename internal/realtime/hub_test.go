package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryPubSub loops published messages back to every subscriber, like a shared Redis channel.
type memoryPubSub struct {
	mu       sync.Mutex
	handlers map[int]func(origin, event string, payload []byte)
	next     int
	cancels  int
}

func newMemoryPubSub() *memoryPubSub {
	return &memoryPubSub{handlers: make(map[int]func(string, string, []byte))}
}

func (m *memoryPubSub) PublishEvent(origin, event string, payload []byte) error {
	m.mu.Lock()
	var hs []func(string, string, []byte)
	for _, h := range m.handlers {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		h(origin, event, payload)
	}
	return nil
}

func (m *memoryPubSub) SubscribeEvents(handler func(origin, event string, payload []byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.handlers[id] = handler
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.cancels++
		m.mu.Unlock()
	}, nil
}

func (m *memoryPubSub) subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

type collected struct {
	mu   sync.Mutex
	msgs []WSMessage
}

func (c *collected) add(m WSMessage) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collected) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Event
	}
	return out
}

func TestListenFiltersByName(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	warnings := &collected{}
	everything := &collected{}
	hub.Listen([]string{"guest-time-warning"}, warnings.add)
	cancel := hub.Listen(nil, everything.add)

	hub.Broadcast("guest-time-warning", map[string]interface{}{"remaining": 300, "level": "warning"})
	hub.Broadcast("progress-updated", map[string]string{"courseCode": "PY101"})
	cancel()
	cancel()
	hub.Broadcast("lesson-completed", nil)

	assert.Equal(t, []string{"guest-time-warning"}, warnings.events())
	assert.Equal(t, []string{"guest-time-warning", "progress-updated"}, everything.events())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(warnings.msgs[0].Data, &body))
	assert.Equal(t, "warning", body["level"])
}

func TestRedisFanOutSkipsOwnOrigin(t *testing.T) {
	ps := newMemoryPubSub()
	a := NewHub(nil, ps, ps)
	b := NewHub(nil, ps, ps)
	gotA := &collected{}
	gotB := &collected{}
	a.Listen(nil, gotA.add)
	b.Listen(nil, gotB.add)

	a.Broadcast("lesson-completed", map[string]int{"lessonId": 3})

	assert.Equal(t, []string{"lesson-completed"}, gotA.events(), "local delivery happens once")
	assert.Equal(t, []string{"lesson-completed"}, gotB.events())
}

func TestRedisSubscriptionFollowsReceivers(t *testing.T) {
	ps := newMemoryPubSub()
	hub := NewHub(nil, ps, ps)
	assert.Zero(t, ps.subscribers())

	cancel := hub.Listen(nil, func(WSMessage) {})
	assert.Equal(t, 1, ps.subscribers())
	cancel()
	assert.Zero(t, ps.subscribers())
	assert.Equal(t, 1, ps.cancels)
}

func TestServeWsStreamsBroadcasts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil, nil, nil)
	r := gin.New()
	r.GET("/ws", ServeWs(hub, zap.NewNop()))
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?events=guest-session-expired"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast("progress-updated", map[string]string{"courseCode": "PY101"})
	hub.Broadcast("guest-session-expired", map[string]string{"sessionId": "S"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "guest-session-expired", msg.Event)
	assert.JSONEq(t, `{"sessionId":"S"}`, string(msg.Data))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
