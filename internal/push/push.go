// Package push is the Push Channel: a per-user WebSocket session map with
// best-effort delivery — a send failure drops and disconnects that
// session rather than blocking or retrying.
//
// Uses gorilla/websocket for the transport; messages carry a
// {type, user_no, data} envelope addressed per-user.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antigravity-dev/gameserver/internal/metrics"
)

// Message is the envelope pushed to a connected client.
type Message struct {
	Type   string `json:"type"`
	UserNo int64  `json:"user_no"`
	Data   any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type session struct {
	conn *websocket.Conn
	send chan Message
}

// Channel holds all live per-user sessions.
type Channel struct {
	mu           sync.RWMutex
	sessions     map[int64]*session
	pingInterval time.Duration
	writeTimeout time.Duration
	metrics      *metrics.Registry
	logger       *slog.Logger
}

// New constructs an empty Push Channel. mr may be nil, in which case
// connection counts go unmeasured.
func New(pingInterval, writeTimeout time.Duration, mr *metrics.Registry, logger *slog.Logger) *Channel {
	return &Channel{
		sessions:     make(map[int64]*session),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		metrics:      mr,
		logger:       logger,
	}
}

// Upgrade accepts a WebSocket connection for userID, replacing any prior
// session for that user, and starts its write pump.
func (c *Channel) Upgrade(w http.ResponseWriter, r *http.Request, userID int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sess := &session{conn: conn, send: make(chan Message, 64)}

	c.mu.Lock()
	if old, ok := c.sessions[userID]; ok {
		close(old.send)
		old.conn.Close()
	}
	c.sessions[userID] = sess
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.PushConnections.Inc()
	}

	go c.writePump(userID, sess)
	go c.readPump(userID, sess)

	c.logger.Info("push session connected", "user_id", userID)
	return nil
}

func (c *Channel) writePump(userID int64, sess *session) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	defer c.disconnect(userID, sess)

	for {
		select {
		case msg, ok := <-sess.send:
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			sess.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			payload, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error("push message marshal failed", "user_id", userID, "error", err)
				continue
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warn("push write failed, dropping session", "user_id", userID, "error", err)
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) readPump(userID int64, sess *session) {
	defer c.disconnect(userID, sess)
	sess.conn.SetReadLimit(1024)
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Channel) disconnect(userID int64, sess *session) {
	c.mu.Lock()
	existed := c.sessions[userID] == sess
	if existed {
		delete(c.sessions, userID)
	}
	c.mu.Unlock()
	if existed && c.metrics != nil {
		c.metrics.PushConnections.Dec()
	}
	sess.conn.Close()
	c.logger.Info("push session disconnected", "user_id", userID)
}

// Send best-effort delivers a message to a user's live session. If the
// user has no connected session, or the session's send buffer is full,
// the message is dropped — push is best-effort, not durable.
func (c *Channel) Send(userID int64, msgType string, data any) {
	c.mu.RLock()
	sess, ok := c.sessions[userID]
	c.mu.RUnlock()
	if !ok {
		return
	}

	msg := Message{Type: msgType, UserNo: userID, Data: data}
	select {
	case sess.send <- msg:
	default:
		c.logger.Warn("push send buffer full, dropping message", "user_id", userID, "type", msgType)
	}
}

// Connected reports whether a user currently has a live session.
func (c *Channel) Connected(userID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sessions[userID]
	return ok
}
