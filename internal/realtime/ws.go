package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	sendBufferSize = 64
)

// ClientFrame is what a websocket client sends.
type ClientFrame struct {
	Type    string            `json:"type"` // join, leave, publish, ping
	Channel string            `json:"channel,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Upgrader is shared by every websocket endpoint. Origin checks happen in
// the HTTP CORS layer.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket to Conn.
type wsConn struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan Message

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(m Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ServeWS upgrades the request and pumps frames until the client goes away.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		id:     uuid.NewString(),
		userID: userID,
		conn:   ws,
		send:   make(chan Message, sendBufferSize),
		done:   make(chan struct{}),
	}
	h.Register(c)
	slog.Info("websocket client connected", "conn", c.id, "user", userID)

	go c.writePump()
	c.readPump(h)

	h.Unregister(c.id)
	c.Close()
	slog.Info("websocket client disconnected", "conn", c.id)
}

func (c *wsConn) readPump(h *Hub) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f ClientFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "conn", c.id, "error", err)
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		c.handleFrame(h, f)
	}
}

func (c *wsConn) handleFrame(h *Hub, f ClientFrame) {
	var err error
	switch f.Type {
	case "join":
		err = h.Join(f.Channel, Member{ConnectionID: c.id, UserID: c.userID, Meta: f.Meta})
	case "leave":
		err = h.Leave(f.Channel, c.id)
	case "publish":
		err = h.ClientPublish(f.Channel, c.id, f.Data)
	case "ping":
		c.Send(Message{Type: TypePong, Sent: time.Now().UTC()})
	default:
		err = errors.New("unknown frame type")
	}
	if err != nil {
		data, _ := json.Marshal(map[string]string{"error": err.Error(), "frame": f.Type})
		c.Send(Message{Type: TypeError, Channel: f.Channel, Data: data, Sent: time.Now().UTC()})
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case m := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(m); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
