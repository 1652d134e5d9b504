package internal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 65536
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 10
)

var errConnClosed = errors.New("connection closed")
var errSendBufferFull = errors.New("send buffer full")

// Conn wraps a single websocket connection with a buffered send queue. The
// joined map is only touched from the read pump goroutine, so it carries no
// lock. One user may hold several Conns at once (tabs, devices).
type Conn struct {
	id           string
	userID       string
	conn         *websocket.Conn
	send         chan []byte
	closing      chan struct{}
	closeOnce    sync.Once
	joined       map[string]bool
	messageTimes []time.Time
}

func newConn(wsConn *websocket.Conn, userID string) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		userID:       userID,
		conn:         wsConn,
		send:         make(chan []byte, 256),
		closing:      make(chan struct{}),
		joined:       make(map[string]bool),
		messageTimes: make([]time.Time, 0, rateLimitBurst),
	}
}

// Send enqueues payload for delivery. If the client is slow and the buffer
// is full, the connection is closed to keep backpressure bounded.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.closing:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		c.beginClose()
		return errSendBufferFull
	}
}

func (c *Conn) beginClose() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}

func (c *Conn) sendFrame(frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = c.Send(payload)
}

func (c *Conn) readPump(server *Server) {
	defer func() {
		c.beginClose()
		c.conn.Close()
		server.disconnect(c)
	}()
	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			return
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.sendFrame(Frame{Type: FrameError, Code: "bad_frame", Error: "invalid payload"})
			continue
		}
		server.handleFrame(c, frame)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.closing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sliding-window limit on inbound message frames
func (c *Conn) allowMessage(now time.Time) bool {
	cutoff := now.Add(-rateLimitWindow)
	idx := 0
	for _, ts := range c.messageTimes {
		if ts.After(cutoff) {
			c.messageTimes[idx] = ts
			idx++
		}
	}
	c.messageTimes = c.messageTimes[:idx]
	if len(c.messageTimes) >= rateLimitBurst {
		return false
	}
	c.messageTimes = append(c.messageTimes, now)
	return true
}
