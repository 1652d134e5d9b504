package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"campuschat/internal/storage"
)

type signupRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token       string    `json:"token"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type createRoomRequest struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

type roomDTO struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids,omitempty"`
	// Active reports whether anyone is currently subscribed over the
	// realtime channel.
	Active bool `json:"active"`
}

type roomsResponse struct {
	Rooms []roomDTO `json:"rooms"`
}

type memberDTO struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

type membersResponse struct {
	Members []memberDTO `json:"members"`
}

type sendMessageRequest struct {
	Content       string `json:"content"`
	AttachmentRef string `json:"attachment_ref"`
}

type messagesResponse struct {
	Messages []*Message `json:"messages"`
}

type passwordChangeRequest struct {
	Current string `json:"current_password"`
	New     string `json:"new_password"`
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	userID, err := s.store.CreateUser(r.Context(), username, strings.TrimSpace(req.DisplayName), hash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": userID, "username": username})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(s.tokenTTL)
	if err := s.store.CreateSession(r.Context(), user.ID, token, expiresAt); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{
		Token:       token,
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		ExpiresAt:   expiresAt,
	})
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		authError(w, err)
		return
	}
	if err := s.store.DeleteSession(r.Context(), authCtx.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		authError(w, err)
		return
	}
	var req passwordChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.New) == "" || strings.TrimSpace(req.Current) == "" {
		writeError(w, http.StatusBadRequest, errors.New("both current and new passwords required"))
		return
	}
	user, err := s.store.GetUserByID(r.Context(), authCtx.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Current)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("current password incorrect"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.New), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.store.UpdatePassword(r.Context(), authCtx.UserID, hash); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRooms serves GET /rooms (the caller's rooms) and POST /rooms
// (create a direct or group room; the caller is always a member).
func (s *Server) HandleRooms(w http.ResponseWriter, r *http.Request) {
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		authError(w, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rooms, err := s.store.ListRoomsForUser(r.Context(), authCtx.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp := roomsResponse{Rooms: make([]roomDTO, 0, len(rooms))}
		for _, room := range rooms {
			memberIDs, err := s.store.RoomMembers(r.Context(), room.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			resp.Rooms = append(resp.Rooms, roomDTO{ID: room.ID, Kind: room.Kind, Name: room.Name, MemberIDs: memberIDs, Active: s.hub.Exists(room.ID)})
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req createRoomRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		members := map[string]struct{}{authCtx.UserID: {}}
		for _, id := range req.MemberIDs {
			if id != "" {
				members[id] = struct{}{}
			}
		}
		room, err := s.store.CreateRoom(r.Context(), req.Kind, strings.TrimSpace(req.Name), sortedSet(members))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, roomDTO{ID: room.ID, Kind: room.Kind, Name: room.Name})
	default:
		methodNotAllowed(w, http.MethodGet+", "+http.MethodPost)
	}
}

// HandleRoomSubpath dispatches /rooms/{id}/messages and /rooms/{id}/members.
func (s *Server) HandleRoomSubpath(w http.ResponseWriter, r *http.Request) {
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		authError(w, err)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/rooms/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	roomID := parts[0]
	member, err := s.store.IsRoomMember(r.Context(), roomID, authCtx.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !member {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	switch parts[1] {
	case "messages":
		switch r.Method {
		case http.MethodGet:
			s.handleListMessages(w, r, roomID)
		case http.MethodPost:
			s.handleSendMessage(w, r, authCtx, roomID)
		default:
			methodNotAllowed(w, http.MethodGet+", "+http.MethodPost)
		}
	case "members":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleRoomMembers(w, r, roomID)
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

// the poll path: a full ordered batch the client merges idempotently.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}
	messages, err := s.store.ListMessages(r.Context(), roomID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := messagesResponse{Messages: make([]*Message, 0, len(messages))}
	for i := range messages {
		resp.Messages = append(resp.Messages, toWireMessage(&messages[i]))
	}
	s.metrics.IncPollFetch()
	writeJSON(w, http.StatusOK, resp)
}

// the persist collaborator: assigns the canonical id and timestamp and
// returns the canonical Message the client swaps in for its optimistic entry.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, authCtx *authContext, roomID string) {
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, err := s.store.InsertMessage(r.Context(), roomID, authCtx.UserID, req.Content, req.AttachmentRef)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrEmptyMessage):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, storage.ErrNotMember):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toWireMessage(msg))
}

func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request, roomID string) {
	memberIDs, err := s.store.RoomMembers(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := membersResponse{Members: make([]memberDTO, 0, len(memberIDs))}
	for _, id := range memberIDs {
		user, err := s.store.GetUserByID(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if user == nil {
			continue
		}
		resp.Members = append(resp.Members, memberDTO{
			UserID:      user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			Online:      s.presence.Online(user.ID),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleMarkRead serves POST /messages/{id}/read for clients on the poll
// path that have no live websocket to ack through.
func (s *Server) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	authCtx, err := s.authenticateRequest(r)
	if err != nil {
		authError(w, err)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/messages/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "read" {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	messageID := parts[0]
	msg, err := s.store.GetMessage(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msg == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	if err := s.store.MarkRead(r.Context(), messageID, authCtx.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	readBy, err := s.store.ReadBy(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// keep websocket subscribers in sync even when the ack arrived over REST.
	if payload, err := json.Marshal(Frame{Type: FrameRead, RoomID: msg.RoomID, MessageID: messageID, UserID: authCtx.UserID, ReadBy: readBy}); err == nil {
		s.hub.Broadcast(msg.RoomID, payload, nil, "")
	}
	s.metrics.IncRead()
	w.WriteHeader(http.StatusNoContent)
}

func toWireMessage(msg *storage.Message) *Message {
	return &Message{
		ID:            msg.ID,
		RoomID:        msg.RoomID,
		SenderID:      msg.SenderID,
		Content:       msg.Content,
		AttachmentRef: msg.AttachmentRef,
		CreatedAt:     msg.CreatedAt,
		ReadBy:        msg.ReadBy,
	}
}

func authError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, errUnauthorized) {
		status = http.StatusUnauthorized
	}
	http.Error(w, http.StatusText(status), status)
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
