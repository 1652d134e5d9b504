package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	pollInterval         = 5 * time.Second
	typingDebounce       = 2 * time.Second
	pollFailureThreshold = 3
	engineOpsBuffer      = 256
)

// errRoomNotActive surfaces through SendFailed when a send targets a room
// that was never joined or was already left.
var errRoomNotActive = errors.New("room is not active")

// RoomPhase is the client-side lifecycle of one room subscription.
type RoomPhase int

const (
	PhaseIdle RoomPhase = iota
	PhaseJoining
	PhaseJoined
	PhaseReconciling
	PhaseRejoining
	PhaseLeft
)

// EngineCallbacks deliver change notifications to the UI layer. They fire
// on the engine's own goroutine, so they must not call back into the
// engine synchronously.
type EngineCallbacks struct {
	NewMessage        func(roomID string, msg Message)
	MessageResolved   func(roomID, tempID string, msg Message)
	SendFailed        func(roomID, tempID, content, attachmentRef string, err error)
	UserTyping        func(roomID string, typingSet []string)
	MessageReadUpdate func(roomID, messageID string, readBy []string)
	OnlineUsers       func(online []string)
	Connected         func()
	Disconnected      func(reason error)
	Reconnected       func(attempt int)
	ConnectionLost    func(err error)
	PollDegraded      func(roomID string, err error)
}

type roomState struct {
	id           string
	kind         string
	phase        RoomPhase
	timeline     *Timeline
	pollStop     chan struct{}
	pollBackstop bool
	pollFailures int
	typingTimer  *time.Timer
	typingActive bool
}

// Engine is the client's collaboration core. It merges three independent
// update sources — optimistic inserts, push frames, and poll snapshots —
// into one consistent list per room. Every mutation is a closure posted to
// the ops queue and run by a single goroutine, so the merge never races
// with itself and only needs to be idempotent across repeated inputs.
type Engine struct {
	api       *APIClient
	channel   *Channel
	userID    string
	callbacks EngineCallbacks
	logger    *slog.Logger

	ops    chan func()
	done   chan struct{}
	rooms  map[string]*roomState
	kinds  map[string]string
	online []string
}

// NewEngine wires the REST collaborators and the transport channel. The
// userID comes from the authenticated credentials.
func NewEngine(api *APIClient, wsURL, token, userID string, callbacks EngineCallbacks, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		api:       api,
		userID:    userID,
		callbacks: callbacks,
		logger:    logger,
		ops:       make(chan func(), engineOpsBuffer),
		done:      make(chan struct{}),
		rooms:     make(map[string]*roomState),
		kinds:     make(map[string]string),
	}
	channel, err := NewChannel(wsURL, token, ChannelHandlers{
		OnConnected: func() {
			if callbacks.Connected != nil {
				callbacks.Connected()
			}
		},
		OnDisconnected: func(reason error) { e.post(func() { e.onDisconnected(reason) }) },
		OnReconnected:  func(attempt int) { e.post(func() { e.onReconnected(attempt) }) },
		OnLost: func(err error) {
			if callbacks.ConnectionLost != nil {
				callbacks.ConnectionLost(err)
			}
		},
		OnFrame: func(frame Frame) { e.post(func() { e.handleFrame(frame) }) },
	})
	if err != nil {
		return nil, err
	}
	e.channel = channel
	return e, nil
}

// Start opens the transport channel and begins processing updates.
func (e *Engine) Start(ctx context.Context) error {
	go e.run()
	return e.channel.Connect(ctx)
}

// Stop tears everything down: channel, pollers, timers.
func (e *Engine) Stop() {
	e.post(func() {
		for _, rs := range e.rooms {
			e.stopPoller(rs)
			e.stopTypingTimer(rs)
		}
	})
	e.channel.Close()
	close(e.done)
}

func (e *Engine) run() {
	for {
		select {
		case op := <-e.ops:
			op()
		case <-e.done:
			return
		}
	}
}

func (e *Engine) post(op func()) {
	select {
	case e.ops <- op:
	case <-e.done:
	}
}

// LoadRooms fetches the caller's rooms and caches their kinds so the
// engine knows which rooms need the polling path.
func (e *Engine) LoadRooms() ([]RoomInfo, error) {
	rooms, err := e.api.ListRooms()
	if err != nil {
		return nil, err
	}
	e.post(func() {
		for _, room := range rooms {
			e.kinds[room.ID] = room.Kind
		}
	})
	return rooms, nil
}

// JoinChat subscribes to a room. Idempotent: joining an already-joined
// room is a no-op. Group rooms also start a poll ticker, since their push
// delivery is treated as unreliable.
func (e *Engine) JoinChat(roomID string) {
	e.post(func() {
		rs := e.rooms[roomID]
		if rs == nil {
			rs = &roomState{id: roomID, kind: e.kindOf(roomID), timeline: NewTimeline()}
			e.rooms[roomID] = rs
		}
		switch rs.phase {
		case PhaseJoining, PhaseJoined, PhaseReconciling, PhaseRejoining:
			return
		}
		rs.phase = PhaseJoining
		if err := e.channel.Send(Frame{Type: FrameJoin, RoomID: roomID}); err != nil {
			e.logger.Warn("join not sent, will replay on reconnect", "room_id", roomID, "err", err)
		}
		if rs.kind != "direct" {
			e.startPoller(rs, false)
		} else if !e.channel.Connected() {
			// the join frame above went nowhere; poll until the channel
			// comes back so nothing sent meanwhile is missed.
			e.startPoller(rs, true)
		}
	})
}

// LeaveChat unsubscribes from a room and stops its poll and typing timers.
func (e *Engine) LeaveChat(roomID string) {
	e.post(func() {
		rs := e.rooms[roomID]
		if rs == nil || rs.phase == PhaseLeft {
			return
		}
		_ = e.channel.Send(Frame{Type: FrameLeave, RoomID: roomID})
		e.stopPoller(rs)
		e.stopTypingTimer(rs)
		rs.phase = PhaseLeft
	})
}

// SendMessage inserts an optimistic entry, persists through the REST
// collaborator, then swaps in the canonical message at the same position
// and fans it out over the channel. On failure the optimistic entry is
// removed and the content handed back so the user can retry; failed sends
// are never silently dropped or retried.
func (e *Engine) SendMessage(roomID, content, attachmentRef string) (string, error) {
	if strings.TrimSpace(content) == "" && attachmentRef == "" {
		return "", errors.New("message needs content or an attachment")
	}
	tempID := NewTempID()
	optimistic := Message{
		ID:            tempID,
		RoomID:        roomID,
		SenderID:      e.userID,
		Content:       content,
		AttachmentRef: attachmentRef,
		CreatedAt:     time.Now().UTC(),
		ReadBy:        []string{e.userID},
	}
	e.post(func() {
		rs := e.roomOrNil(roomID)
		if rs == nil {
			if e.callbacks.SendFailed != nil {
				e.callbacks.SendFailed(roomID, tempID, content, attachmentRef, errRoomNotActive)
			}
			return
		}
		rs.timeline.InsertOptimistic(&optimistic)
		if e.callbacks.NewMessage != nil {
			e.callbacks.NewMessage(roomID, optimistic)
		}
		go e.persistAndResolve(roomID, tempID, content, attachmentRef)
	})
	return tempID, nil
}

func (e *Engine) persistAndResolve(roomID, tempID, content, attachmentRef string) {
	canonical, err := e.api.Persist(roomID, content, attachmentRef)
	if err != nil {
		e.post(func() {
			rs := e.roomOrNil(roomID)
			if rs != nil {
				rs.timeline.Rollback(tempID)
			}
			if e.callbacks.SendFailed != nil {
				e.callbacks.SendFailed(roomID, tempID, content, attachmentRef, err)
			}
		})
		return
	}
	e.post(func() {
		rs := e.roomOrNil(roomID)
		if rs == nil {
			return
		}
		rs.timeline.Resolve(tempID, canonical)
		if e.callbacks.MessageResolved != nil {
			e.callbacks.MessageResolved(roomID, tempID, *canonical)
		}
	})
	// fan out the canonical record so subscribers see it without waiting
	// for their next poll. Best effort: across a dropped channel the poll
	// path is the backstop.
	if err := e.channel.Send(Frame{Type: FrameMessage, RoomID: roomID, Message: canonical}); err != nil {
		e.logger.Warn("fan-out not sent", "room_id", roomID, "err", err)
	}
}

// SetTyping reports the local user's typing state. Each call with true
// (re)starts the debounce timer; when it expires the stop signal is
// emitted exactly once.
func (e *Engine) SetTyping(roomID string, typing bool) {
	e.post(func() {
		rs := e.roomOrNil(roomID)
		if rs == nil {
			return
		}
		if typing {
			_ = e.channel.Send(Frame{Type: FrameTyping, RoomID: roomID, Typing: true})
			rs.typingActive = true
			if rs.typingTimer != nil {
				rs.typingTimer.Reset(typingDebounce)
				return
			}
			rs.typingTimer = time.AfterFunc(typingDebounce, func() {
				e.post(func() { e.stopTyping(rs) })
			})
			return
		}
		if rs.typingTimer != nil {
			rs.typingTimer.Stop()
		}
		e.stopTyping(rs)
	})
}

func (e *Engine) stopTyping(rs *roomState) {
	if !rs.typingActive {
		return
	}
	rs.typingActive = false
	_ = e.channel.Send(Frame{Type: FrameTyping, RoomID: rs.id, Typing: false})
}

// MarkMessageAsRead acknowledges a rendered message. Skipped for the
// user's own messages and for ones already acknowledged; the readBy set
// only ever grows.
func (e *Engine) MarkMessageAsRead(messageID, roomID string) {
	e.post(func() {
		rs := e.roomOrNil(roomID)
		if rs == nil {
			return
		}
		msg := rs.timeline.Get(messageID)
		if msg == nil || IsTempID(messageID) || msg.SenderID == e.userID || msg.ReadByContains(e.userID) {
			return
		}
		// local echo; the server broadcast will confirm it.
		rs.timeline.ApplyRead(messageID, []string{e.userID})
		if e.channel.Connected() {
			_ = e.channel.Send(Frame{Type: FrameRead, RoomID: roomID, MessageID: messageID})
			return
		}
		go func() {
			if err := e.api.MarkRead(messageID); err != nil {
				e.logger.Warn("mark read failed", "message_id", messageID, "err", err)
			}
		}()
	})
}

// SeedHistory merges a fetched history batch into a room's timeline.
// Idempotent against anything the push path already delivered.
func (e *Engine) SeedHistory(roomID string, batch []*Message) {
	e.post(func() {
		rs := e.roomOrNil(roomID)
		if rs == nil {
			return
		}
		rs.timeline.MergeBatch(batch)
	})
}

// Messages returns the reconciled ordered list for a room.
func (e *Engine) Messages(roomID string) []Message {
	result := make(chan []Message, 1)
	e.post(func() {
		rs := e.roomOrNil(roomID)
		if rs == nil {
			result <- nil
			return
		}
		result <- rs.timeline.Messages()
	})
	select {
	case msgs := <-result:
		return msgs
	case <-e.done:
		return nil
	}
}

// OnlineUsers returns the latest presence snapshot.
func (e *Engine) OnlineUsers() []string {
	result := make(chan []string, 1)
	e.post(func() {
		out := make([]string, len(e.online))
		copy(out, e.online)
		result <- out
	})
	select {
	case online := <-result:
		return online
	case <-e.done:
		return nil
	}
}

// Phase reports the lifecycle phase of a room subscription.
func (e *Engine) Phase(roomID string) RoomPhase {
	result := make(chan RoomPhase, 1)
	e.post(func() {
		rs := e.rooms[roomID]
		if rs == nil {
			result <- PhaseIdle
			return
		}
		result <- rs.phase
	})
	select {
	case phase := <-result:
		return phase
	case <-e.done:
		return PhaseIdle
	}
}

func (e *Engine) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameHello:
		if frame.UserID != "" {
			e.userID = frame.UserID
		}
	case FrameJoin:
		if rs := e.rooms[frame.RoomID]; rs != nil && rs.phase != PhaseLeft {
			rs.phase = PhaseJoined
		}
	case FrameMessage:
		e.mergePush(frame)
	case FrameTyping:
		if e.callbacks.UserTyping != nil {
			e.callbacks.UserTyping(frame.RoomID, frame.TypingSet)
		}
	case FrameRead:
		if rs := e.roomOrNil(frame.RoomID); rs != nil {
			rs.timeline.ApplyRead(frame.MessageID, frame.ReadBy)
			if e.callbacks.MessageReadUpdate != nil {
				e.callbacks.MessageReadUpdate(frame.RoomID, frame.MessageID, frame.ReadBy)
			}
		}
	case FramePresence:
		e.online = frame.Online
		if e.callbacks.OnlineUsers != nil {
			e.callbacks.OnlineUsers(frame.Online)
		}
	case FrameError:
		e.logger.Warn("server error frame", "code", frame.Code, "err", frame.Error)
	}
}

func (e *Engine) mergePush(frame Frame) {
	if frame.Message == nil {
		return
	}
	rs := e.roomOrNil(frame.Message.RoomID)
	if rs == nil {
		return
	}
	prev := rs.phase
	rs.phase = PhaseReconciling
	result := rs.timeline.Merge(frame.Message)
	rs.phase = prev
	if result == mergeInserted && e.callbacks.NewMessage != nil {
		e.callbacks.NewMessage(frame.Message.RoomID, *frame.Message)
	}
}

func (e *Engine) onDisconnected(reason error) {
	if e.callbacks.Disconnected != nil {
		e.callbacks.Disconnected(reason)
	}
	// push is gone; every active room falls back to polling until the
	// channel comes back.
	for _, rs := range e.rooms {
		if rs.phase == PhaseLeft {
			continue
		}
		if rs.pollStop == nil {
			e.startPoller(rs, true)
		}
	}
}

func (e *Engine) onReconnected(attempt int) {
	if e.callbacks.Reconnected != nil {
		e.callbacks.Reconnected(attempt)
	}
	// the server forgot our memberships with the dropped connection;
	// replay every join before expecting room-scoped events again.
	for _, rs := range e.rooms {
		if rs.phase == PhaseLeft {
			continue
		}
		rs.phase = PhaseRejoining
		if err := e.channel.Send(Frame{Type: FrameJoin, RoomID: rs.id}); err != nil {
			e.logger.Warn("join replay failed", "room_id", rs.id, "err", err)
		}
		// typing state did not survive the gap; drop the local debounce.
		e.stopTypingTimer(rs)
		if rs.pollBackstop && rs.kind == "direct" {
			e.stopPoller(rs)
			// the backstop ticker may never have fired during a short gap,
			// and direct rooms have no steady poller to pick up pushes
			// that were lost while the channel was down. One catch-up
			// fetch closes the gap.
			go e.fetchRoom(rs.id)
		}
	}
}

func (e *Engine) startPoller(rs *roomState, backstop bool) {
	if rs.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	rs.pollStop = stop
	rs.pollBackstop = backstop
	roomID := rs.id
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-e.done:
				return
			case <-ticker.C:
			}
			e.fetchRoom(roomID)
		}
	}()
}

// fetchRoom pulls the room's messages once and hands them to the merge.
// Runs off the engine goroutine; only the merge itself is posted.
func (e *Engine) fetchRoom(roomID string) {
	batch, err := e.api.ListMessages(roomID, 0)
	e.post(func() { e.mergePoll(roomID, batch, err) })
}

func (e *Engine) mergePoll(roomID string, batch []*Message, err error) {
	rs := e.roomOrNil(roomID)
	if rs == nil {
		return
	}
	if err != nil {
		rs.pollFailures++
		e.logger.Warn("poll fetch failed", "room_id", roomID, "failures", rs.pollFailures, "err", err)
		if rs.pollFailures == pollFailureThreshold && e.callbacks.PollDegraded != nil {
			e.callbacks.PollDegraded(roomID, err)
		}
		return
	}
	rs.pollFailures = 0
	prev := rs.phase
	rs.phase = PhaseReconciling
	for _, msg := range batch {
		if rs.timeline.Merge(msg) == mergeInserted && e.callbacks.NewMessage != nil {
			e.callbacks.NewMessage(roomID, *msg)
		}
	}
	rs.phase = prev
}

func (e *Engine) stopPoller(rs *roomState) {
	if rs.pollStop != nil {
		close(rs.pollStop)
		rs.pollStop = nil
		rs.pollBackstop = false
	}
}

func (e *Engine) stopTypingTimer(rs *roomState) {
	if rs.typingTimer != nil {
		rs.typingTimer.Stop()
	}
	rs.typingActive = false
}

// roomOrNil only returns rooms that are still active.
func (e *Engine) roomOrNil(roomID string) *roomState {
	rs := e.rooms[roomID]
	if rs == nil || rs.phase == PhaseLeft {
		return nil
	}
	return rs
}

func (e *Engine) kindOf(roomID string) string {
	if kind, ok := e.kinds[roomID]; ok {
		return kind
	}
	// unknown rooms poll; the backstop is cheaper than missed messages.
	return "group"
}
