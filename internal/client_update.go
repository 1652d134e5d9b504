package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type (
	newMessageMsg struct {
		roomID string
		msg    Message
	}
	resolvedMsg   struct{ roomID string }
	sendFailedMsg struct {
		roomID  string
		content string
		err     error
	}
	typingMsg struct {
		roomID    string
		typingSet []string
	}
	readUpdateMsg struct{ roomID string }
	presenceMsg   struct{ online []string }
	connStateMsg  struct {
		state connState
		err   error
	}
	pollDegradedMsg struct {
		roomID string
		err    error
	}
	authOKMsg struct {
		creds *Credentials
		err   error
	}
	signupDoneMsg struct{ err error }
	roomsMsg      struct {
		rooms []RoomInfo
		err   error
	}
	roomCreatedMsg struct {
		room *RoomInfo
		err  error
	}
	membersMsg struct {
		roomID  string
		members []Member
		err     error
	}
	messagesMsg struct {
		roomID   string
		messages []Message
	}
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			return model, tea.Quit
		}
		switch model.mode {
		case modeAuthMenu:
			return model.updateAuthMenu(typedMessage)
		case modeAuthUsername, modeAuthPassword:
			return model.updateAuthPrompt(typedMessage)
		case modeRooms:
			return model.updateRooms(typedMessage)
		case modeRoomName:
			return model.updateRoomName(typedMessage)
		case modeChat:
			return model.updateChat(typedMessage)
		}

	case authOKMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice("Login failed: " + typedMessage.err.Error())
			model.mode = modeAuthMenu
			return model, nil
		}
		model.userID = typedMessage.creds.UserID
		model.connState = connConnecting
		return model, model.startEngineCmd(typedMessage.creds)

	case signupDoneMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice("Signup failed: " + typedMessage.err.Error())
			model.mode = modeAuthMenu
			return model, nil
		}
		// account exists, now log in with the same credentials
		model.loading = true
		return model, model.loginCmd(model.username, model.password)

	case roomsMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice("Could not load rooms: " + typedMessage.err.Error())
			return model, nil
		}
		model.rooms = typedMessage.rooms
		if model.selectedRoom >= len(model.rooms) {
			model.selectedRoom = 0
		}
		if model.mode == modeAuthMenu || model.mode == modeAuthUsername || model.mode == modeAuthPassword {
			model.mode = modeRooms
		}
		return model, nil

	case roomCreatedMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice("Could not create room: " + typedMessage.err.Error())
			model.mode = modeRooms
			return model, nil
		}
		model.mode = modeRooms
		return model, model.loadRoomsCmd()

	case membersMsg:
		if typedMessage.err != nil {
			model.logger.Warn("member fetch failed", "room_id", typedMessage.roomID, "err", typedMessage.err)
			return model, nil
		}
		for _, member := range typedMessage.members {
			model.memberNames[member.UserID] = member.Username
		}
		return model, nil

	case newMessageMsg:
		if model.currentRoom != nil && model.currentRoom.ID == typedMessage.roomID {
			return model, model.messagesCmd(typedMessage.roomID)
		}
		return model, nil

	case resolvedMsg, readUpdateMsg:
		roomID := ""
		switch m := message.(type) {
		case resolvedMsg:
			roomID = m.roomID
		case readUpdateMsg:
			roomID = m.roomID
		}
		if model.currentRoom != nil && model.currentRoom.ID == roomID {
			return model, model.messagesCmd(roomID)
		}
		return model, nil

	case sendFailedMsg:
		model.addNotice("Send failed: " + typedMessage.err.Error())
		// put the text back so the user can retry
		if model.mode == modeChat && model.textInput.Value() == "" {
			model.textInput.SetValue(typedMessage.content)
		}
		if model.currentRoom != nil && model.currentRoom.ID == typedMessage.roomID {
			return model, model.messagesCmd(typedMessage.roomID)
		}
		return model, nil

	case typingMsg:
		if model.currentRoom != nil && model.currentRoom.ID == typedMessage.roomID {
			model.typingSet = typedMessage.typingSet
		}
		return model, nil

	case presenceMsg:
		model.online = typedMessage.online
		return model, nil

	case connStateMsg:
		model.connState = typedMessage.state
		model.connErr = typedMessage.err
		if typedMessage.state == connOffline && typedMessage.err != nil {
			model.addNotice("Connection lost: " + typedMessage.err.Error())
		}
		return model, nil

	case pollDegradedMsg:
		model.addNotice(fmt.Sprintf("Updates for a room are delayed: %v", typedMessage.err))
		return model, nil

	case messagesMsg:
		if model.currentRoom == nil || model.currentRoom.ID != typedMessage.roomID {
			return model, nil
		}
		model.messages = typedMessage.messages
		// everything rendered counts as read
		for _, msg := range typedMessage.messages {
			if msg.SenderID != model.userID && !msg.ReadByContains(model.userID) {
				model.engine.MarkMessageAsRead(msg.ID, typedMessage.roomID)
			}
		}
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateAuthMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "l", "L":
		model.authIntent = authIntentLogin
		return model, model.beginAuthPrompt()
	case "2", "s", "S":
		model.authIntent = authIntentSignup
		return model, model.beginAuthPrompt()
	case "q", "Q", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) beginAuthPrompt() tea.Cmd {
	model.mode = modeAuthUsername
	model.textInput.SetValue("")
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Placeholder = "username"
	model.textInput.Prompt = "> "
	return model.textInput.Focus()
}

func (model *TUIModel) updateAuthPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.mode = modeAuthMenu
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		if model.mode == modeAuthUsername {
			model.username = trimmed
			model.mode = modeAuthPassword
			model.textInput.SetValue("")
			model.textInput.EchoMode = textinput.EchoPassword
			model.textInput.Placeholder = "password"
			return model, nil
		}
		model.password = trimmed
		model.textInput.SetValue("")
		model.textInput.EchoMode = textinput.EchoNormal
		model.textInput.Blur()
		model.loading = true
		if model.authIntent == authIntentSignup {
			return model, model.signupCmd(model.username, model.password)
		}
		return model, model.loginCmd(model.username, model.password)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateRooms(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "up", "k":
		if model.selectedRoom > 0 {
			model.selectedRoom--
		}
		return model, nil
	case "down", "j":
		if model.selectedRoom < len(model.rooms)-1 {
			model.selectedRoom++
		}
		return model, nil
	case "enter":
		if len(model.rooms) == 0 {
			return model, nil
		}
		room := model.rooms[model.selectedRoom]
		return model, model.enterRoom(room)
	case "n", "N":
		model.mode = modeRoomName
		model.textInput.SetValue("")
		model.textInput.Placeholder = "room name"
		model.textInput.Prompt = "> "
		return model, model.textInput.Focus()
	case "r", "R":
		model.loading = true
		return model, model.loadRoomsCmd()
	case "q", "Q", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) updateRoomName(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.mode = modeRooms
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		model.textInput.SetValue("")
		model.textInput.Blur()
		model.loading = true
		return model, model.createRoomCmd(trimmed)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		if model.currentRoom != nil {
			model.engine.LeaveChat(model.currentRoom.ID)
		}
		model.currentRoom = nil
		model.messages = nil
		model.typingSet = nil
		model.mode = modeRooms
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" || model.currentRoom == nil {
			return model, nil
		}
		if strings.EqualFold(trimmed, "/quit") || strings.EqualFold(trimmed, "/exit") {
			return model, tea.Quit
		}
		roomID := model.currentRoom.ID
		if _, err := model.engine.SendMessage(roomID, trimmed, ""); err != nil {
			model.addNotice(err.Error())
			return model, nil
		}
		model.engine.SetTyping(roomID, false)
		model.textInput.SetValue("")
		return model, model.messagesCmd(roomID)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	// every keystroke refreshes the server-side typing timer
	if model.currentRoom != nil && model.textInput.Value() != "" {
		model.engine.SetTyping(model.currentRoom.ID, true)
	}
	return model, cmd
}

func (model *TUIModel) enterRoom(room RoomInfo) tea.Cmd {
	model.currentRoom = &room
	model.messages = nil
	model.typingSet = nil
	model.mode = modeChat
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
	focusCmd := model.textInput.Focus()
	model.engine.JoinChat(room.ID)
	return tea.Batch(focusCmd, model.membersCmd(room.ID), model.messagesCmd(room.ID), model.seedMessagesCmd(room.ID))
}

func (model *TUIModel) loginCmd(username, password string) tea.Cmd {
	return func() tea.Msg {
		creds, err := model.api.Authenticate(username, password)
		return authOKMsg{creds: creds, err: err}
	}
}

func (model *TUIModel) signupCmd(username, password string) tea.Cmd {
	return func() tea.Msg {
		return signupDoneMsg{err: model.api.Signup(username, username, password)}
	}
}

// startEngineCmd builds the collaboration engine once credentials are in
// hand, opens the channel, and loads the room list.
func (model *TUIModel) startEngineCmd(creds *Credentials) tea.Cmd {
	return func() tea.Msg {
		engine, err := NewEngine(model.api, model.wsURL, creds.Token, creds.UserID, model.engineCallbacks(), model.logger)
		if err != nil {
			return authOKMsg{err: err}
		}
		model.engine = engine
		if err := engine.Start(context.Background()); err != nil {
			engine.Stop()
			model.engine = nil
			return authOKMsg{err: err}
		}
		rooms, err := engine.LoadRooms()
		return roomsMsg{rooms: rooms, err: err}
	}
}

func (model *TUIModel) loadRoomsCmd() tea.Cmd {
	return func() tea.Msg {
		rooms, err := model.engine.LoadRooms()
		return roomsMsg{rooms: rooms, err: err}
	}
}

func (model *TUIModel) createRoomCmd(name string) tea.Cmd {
	return func() tea.Msg {
		room, err := model.api.CreateRoom("group", name, nil)
		return roomCreatedMsg{room: room, err: err}
	}
}

func (model *TUIModel) membersCmd(roomID string) tea.Cmd {
	return func() tea.Msg {
		members, err := model.api.RoomMembers(roomID)
		return membersMsg{roomID: roomID, members: members, err: err}
	}
}

// messagesCmd snapshots the reconciled list off the UI goroutine.
func (model *TUIModel) messagesCmd(roomID string) tea.Cmd {
	return func() tea.Msg {
		return messagesMsg{roomID: roomID, messages: model.engine.Messages(roomID)}
	}
}

// seedMessagesCmd backfills history over HTTP when a room is first opened;
// the merge dedupes anything the channel already delivered.
func (model *TUIModel) seedMessagesCmd(roomID string) tea.Cmd {
	return func() tea.Msg {
		batch, err := model.api.ListMessages(roomID, 100)
		if err != nil {
			model.logger.Warn("history fetch failed", "room_id", roomID, "err", err)
			return nil
		}
		model.engine.SeedHistory(roomID, batch)
		return messagesMsg{roomID: roomID, messages: model.engine.Messages(roomID)}
	}
}
