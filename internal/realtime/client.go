package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the control API only listens locally
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one WebSocket connection of the UI shell.
type Client struct {
	ID          string
	ConnectedAt time.Time
	filter      map[string]bool
	hub         *Hub
	conn        *websocket.Conn
	send        chan WSMessage
	logger      *zap.Logger
	// done and release are set for subscription streams, which are not hub clients.
	done    chan struct{}
	release func()
}

// SubscribeFunc attaches deliver to an event source and returns the matching cancel.
// deliver never blocks.
type SubscribeFunc func(deliver func(WSMessage)) (cancel func(), err error)

// ServeWs upgrades the request and streams broadcasts. The optional "events" query parameter
// is a comma-separated list of broadcast names to receive.
func ServeWs(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var names []string
		for _, n := range strings.Split(c.Query("events"), ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:          uuid.New().String(),
			ConnectedAt: time.Now(),
			filter:      toFilter(names),
			hub:         hub,
			conn:        conn,
			send:        make(chan WSMessage, 256),
			logger:      logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// ServeSubscription upgrades the request and streams whatever subscribe delivers. The
// subscription is cancelled when the connection closes.
func ServeSubscription(subscribe SubscribeFunc, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		client := &Client{
			ID:          uuid.New().String(),
			ConnectedAt: time.Now(),
			conn:        conn,
			send:        make(chan WSMessage, 256),
			logger:      logger,
			done:        make(chan struct{}),
		}
		cancel, err := subscribe(client.deliver)
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		client.release = func() {
			cancel()
			close(client.done)
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) deliver(msg WSMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("subscription stream full, dropping event", zap.String("client_id", c.ID), zap.String("event", msg.Event))
	}
}

func (c *Client) wants(name string) bool {
	return len(c.filter) == 0 || c.filter[name]
}

// readPump only keeps the connection alive; the stream is server-to-client.
func (c *Client) readPump() {
	defer func() {
		if c.release != nil {
			c.release()
		} else {
			c.hub.Unregister(c)
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
