package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxReconnectAttempts = 5
	reconnectBaseDelay   = 2 * time.Second
)

// ErrAuth means the credential was rejected. Terminal: surfaced to the user,
// never retried.
var ErrAuth = errors.New("credential rejected")

// ErrConnectionLost means the reconnect bound was exhausted. Surfaced once
// as a single actionable condition, not per failed attempt.
var ErrConnectionLost = errors.New("connection lost")

// ChannelHandlers are the lifecycle and frame callbacks a Channel owner
// installs before Connect. All callbacks fire from the channel's goroutines.
type ChannelHandlers struct {
	OnConnected    func()
	OnDisconnected func(reason error)
	OnReconnected  func(attempt int)
	OnLost         func(err error)
	OnFrame        func(frame Frame)
}

// Channel is the single persistent bidirectional connection between one
// client session and the hub. It redials automatically on transport
// failure, up to maxReconnectAttempts with increasing delay; the server
// forgets room membership across a drop, so the owner must replay its
// joins from OnReconnected.
type Channel struct {
	wsURL     string
	token     string
	handlers  ChannelHandlers
	baseDelay time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    bool
	reconnect context.CancelFunc
}

// NewChannel builds a channel for the given websocket endpoint and bearer
// credential. Call Connect to open it.
func NewChannel(wsURL, token string, handlers ChannelHandlers) (*Channel, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return &Channel{wsURL: parsed.String(), token: token, handlers: handlers, baseDelay: reconnectBaseDelay}, nil
}

// Connect dials the hub and starts the read loop. An HTTP 401 during the
// handshake is ErrAuth and is not retried.
func (ch *Channel) Connect(ctx context.Context) error {
	conn, err := ch.dial(ctx)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()
	if ch.handlers.OnConnected != nil {
		ch.handlers.OnConnected()
	}
	go ch.readLoop(conn)
	return nil
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, ch.wsURL, http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuth
		}
		return nil, err
	}
	return conn, nil
}

// Send marshals and writes a frame. Writes are serialized; gorilla permits
// only one concurrent writer.
func (ch *Channel) Send(frame Frame) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Connected reports whether the channel currently has a live socket.
func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

// Close tears the channel down for good and cancels any in-flight
// reconnect attempt.
func (ch *Channel) Close() {
	ch.mu.Lock()
	ch.closed = true
	if ch.reconnect != nil {
		ch.reconnect()
		ch.reconnect = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}

func (ch *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			ch.handleDrop(conn, err)
			return
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		if ch.handlers.OnFrame != nil {
			ch.handlers.OnFrame(frame)
		}
	}
}

func (ch *Channel) handleDrop(conn *websocket.Conn, reason error) {
	_ = conn.Close()
	ch.mu.Lock()
	if ch.closed || ch.conn != conn {
		ch.mu.Unlock()
		return
	}
	ch.conn = nil
	// a new reconnect run supersedes any previous one.
	if ch.reconnect != nil {
		ch.reconnect()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch.reconnect = cancel
	ch.mu.Unlock()

	if ch.handlers.OnDisconnected != nil {
		ch.handlers.OnDisconnected(reason)
	}
	go ch.reconnectLoop(ctx)
}

// reconnectLoop retries with increasing delay and gives up after the
// attempt bound, surfacing ErrConnectionLost exactly once.
func (ch *Channel) reconnectLoop(ctx context.Context) {
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(ch.delay(attempt)):
		}
		conn, err := ch.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrAuth) {
				if ch.handlers.OnLost != nil {
					ch.handlers.OnLost(ErrAuth)
				}
				return
			}
			continue
		}
		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			_ = conn.Close()
			return
		}
		ch.conn = conn
		// this run is over; release its context.
		if ch.reconnect != nil {
			ch.reconnect()
			ch.reconnect = nil
		}
		ch.mu.Unlock()
		if ch.handlers.OnReconnected != nil {
			ch.handlers.OnReconnected(attempt)
		}
		go ch.readLoop(conn)
		return
	}
	if ch.handlers.OnLost != nil {
		ch.handlers.OnLost(ErrConnectionLost)
	}
}

// delay scales the attempt schedule by this channel's base delay.
func (ch *Channel) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * ch.baseDelay
}

// ReconnectDelay returns the wait before the given attempt (1-based).
// Exposed for the schedule's own sake in tests and for UI countdowns.
func ReconnectDelay(attempt int) time.Duration {
	return (&Channel{baseDelay: reconnectBaseDelay}).delay(attempt)
}
