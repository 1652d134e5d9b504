package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"campuschat/internal/storage"

	"github.com/gorilla/websocket"
)

var errUnauthorized = errors.New("unauthorized")

// Server owns the hub, the presence and typing trackers, and the SQLite
// store. All room-scoped and global fan-out goes through here.
type Server struct {
	store       *storage.Store
	hub         *Hub
	presence    *PresenceTracker
	typing      *TypingTracker
	metrics     *Metrics
	authLimiter *RateLimiter
	tokenTTL    time.Duration
	logger      *slog.Logger
}

func NewServer(store *storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:       store,
		hub:         NewHub(),
		presence:    NewPresenceTracker(),
		metrics:     NewMetrics(),
		authLimiter: NewRateLimiter(10, time.Minute),
		tokenTTL:    24 * time.Hour,
		logger:      logger,
	}
	s.typing = NewTypingTracker(s.broadcastTyping)
	return s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// we allow all origins in development; in production you should
		// tighten this if the server is exposed publicly.
		return true
	},
}

// ServeWS upgrades the request to a websocket after validating the bearer
// credential. The connection starts with no joined rooms; the client must
// issue join frames, and must re-issue them after every reconnect.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errUnauthorized) {
			status = http.StatusUnauthorized
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	conn := newConn(wsConn, authCtx.UserID)
	s.hub.addConn(conn)
	s.metrics.IncConn()
	s.presence.Increment(authCtx.UserID)
	s.logger.Info("connection opened", "conn_id", conn.id, "user_id", conn.userID)

	go conn.writePump()

	conn.sendFrame(Frame{Type: FrameHello, UserID: authCtx.UserID})
	// full snapshot to everyone on each connect, the new client included.
	s.broadcastPresence()

	go conn.readPump(s)
}

func (s *Server) handleFrame(c *Conn, frame Frame) {
	switch frame.Type {
	case FrameJoin:
		s.handleJoin(c, frame.RoomID)
	case FrameLeave:
		s.handleLeave(c, frame.RoomID)
	case FrameMessage:
		s.handleMessage(c, frame)
	case FrameTyping:
		s.handleTyping(c, frame)
	case FrameRead:
		s.handleRead(c, frame)
	default:
		c.sendFrame(Frame{Type: FrameError, Code: "unsupported_type", Error: "unknown frame type"})
	}
}

// join is idempotent: joining a room the connection already belongs to only
// re-sends the ack. The room must exist in storage; a mistyped or deleted
// id would otherwise leave a phantom fan-out actor behind.
func (s *Server) handleJoin(c *Conn, roomID string) {
	if roomID == "" {
		c.sendFrame(Frame{Type: FrameError, Code: "bad_frame", Error: "room_id required"})
		return
	}
	if !c.joined[roomID] {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := s.store.GetRoom(ctx, roomID)
		cancel()
		if err != nil {
			if errors.Is(err, storage.ErrRoomNotFound) {
				c.sendFrame(Frame{Type: FrameError, Code: "room_not_found", RoomID: roomID, Error: "no such room"})
				return
			}
			s.logger.Error("join lookup failed", "room_id", roomID, "err", err)
			return
		}
		s.hub.JoinRoom(roomID, c)
		c.joined[roomID] = true
	}
	c.sendFrame(Frame{Type: FrameJoin, RoomID: roomID})
}

// leave is idempotent: leaving a room the connection never joined is a no-op.
func (s *Server) handleLeave(c *Conn, roomID string) {
	if !c.joined[roomID] {
		return
	}
	delete(c.joined, roomID)
	s.hub.LeaveRoom(roomID, c)
	s.typing.Remove(roomID, c.userID)
	c.sendFrame(Frame{Type: FrameLeave, RoomID: roomID})
}

// handleMessage fans a canonical, already-persisted message out to the
// room's subscribers. The emitting connection is excluded; the sender's
// other connections still receive it for their own timelines.
func (s *Server) handleMessage(c *Conn, frame Frame) {
	if frame.Message == nil || frame.Message.ID == "" {
		c.sendFrame(Frame{Type: FrameError, Code: "bad_frame", Error: "canonical message required"})
		return
	}
	roomID := frame.Message.RoomID
	if !c.joined[roomID] {
		c.sendFrame(Frame{Type: FrameError, Code: "not_joined", RoomID: roomID, Error: "join the room first"})
		return
	}
	if !c.allowMessage(time.Now()) {
		c.sendFrame(Frame{Type: FrameError, Code: "rate_limited", RoomID: roomID, Error: "sending too quickly, slow down"})
		return
	}
	payload, err := json.Marshal(Frame{Type: FrameMessage, RoomID: roomID, Message: frame.Message})
	if err != nil {
		return
	}
	s.hub.Broadcast(roomID, payload, c, "")
	s.metrics.IncMessage()
}

func (s *Server) handleTyping(c *Conn, frame Frame) {
	if frame.RoomID == "" || !c.joined[frame.RoomID] {
		return
	}
	s.typing.Set(frame.RoomID, c.userID, frame.Typing)
}

// handleRead appends the acknowledging user to the message's read set and
// broadcasts the updated set so senders can render seen indicators.
func (s *Server) handleRead(c *Conn, frame Frame) {
	if frame.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := s.store.GetMessage(ctx, frame.MessageID)
	if err != nil {
		s.logger.Error("read lookup failed", "message_id", frame.MessageID, "err", err)
		return
	}
	if msg == nil {
		return
	}
	if err := s.store.MarkRead(ctx, msg.ID, c.userID); err != nil {
		s.logger.Error("mark read failed", "message_id", msg.ID, "err", err)
		return
	}
	readBy, err := s.store.ReadBy(ctx, msg.ID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(Frame{Type: FrameRead, RoomID: msg.RoomID, MessageID: msg.ID, UserID: c.userID, ReadBy: readBy})
	if err != nil {
		return
	}
	s.hub.Broadcast(msg.RoomID, payload, nil, "")
	s.metrics.IncRead()
}

func (s *Server) disconnect(c *Conn) {
	s.hub.removeConn(c)
	for roomID := range c.joined {
		s.hub.LeaveRoom(roomID, c)
		s.typing.Remove(roomID, c.userID)
	}
	c.joined = make(map[string]bool)
	s.presence.Decrement(c.userID)
	s.metrics.DecConn()
	s.logger.Info("connection closed", "conn_id", c.id, "user_id", c.userID)
	s.broadcastPresence()
}

// broadcastPresence pushes the full online set to every connection. The
// snapshot form means a client that missed an earlier update is consistent
// again after the next one.
func (s *Server) broadcastPresence() {
	payload, err := json.Marshal(Frame{Type: FramePresence, Online: s.presence.Snapshot()})
	if err != nil {
		return
	}
	s.hub.BroadcastAll(payload)
}

// broadcastTyping sends the full typing set for a room to its subscribers,
// excluding the user whose state changed.
func (s *Server) broadcastTyping(roomID, userID string, typingSet []string) {
	payload, err := json.Marshal(Frame{Type: FrameTyping, RoomID: roomID, TypingSet: typingSet})
	if err != nil {
		return
	}
	s.hub.Broadcast(roomID, payload, nil, userID)
}

// MetricsHandler exposes the counters endpoint.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

type authContext struct {
	UserID   string
	Username string
	Token    string
}

// authenticateRequest resolves the bearer credential from the Authorization
// header or the token query parameter (the websocket path).
func (s *Server) authenticateRequest(r *http.Request) (*authContext, error) {
	token := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, errUnauthorized
	}
	session, err := s.store.GetSession(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if session == nil || session.ExpiresAt.Before(time.Now()) {
		return nil, errUnauthorized
	}
	user, err := s.store.GetUserByID(r.Context(), session.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errUnauthorized
	}
	return &authContext{UserID: user.ID, Username: user.Username, Token: token}, nil
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
