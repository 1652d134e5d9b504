package internal

import (
	"io"
	"log/slog"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// tui model struct for all the components and modes
type TUIModel struct {
	program   *tea.Program
	api       *APIClient
	engine    *Engine
	httpURL   string
	wsURL     string
	logger    *slog.Logger
	textInput textinput.Model

	mode       appMode
	authIntent authIntent
	username   string
	password   string
	userID     string

	rooms        []RoomInfo
	selectedRoom int
	currentRoom  *RoomInfo
	memberNames  map[string]string
	messages     []Message
	typingSet    []string
	online       []string
	notices      []string
	loading      bool
	connState    connState
	connErr      error
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthPassword
	modeRooms
	modeRoomName
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

type connState int

const (
	connConnecting connState = iota
	connOnline
	connReconnecting
	connOffline
)

func NewTUIModel(httpURL, wsURL string, logger *slog.Logger) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0
	input.Prompt = ""
	input.Placeholder = ""

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &TUIModel{
		api:         NewAPIClient(httpURL),
		httpURL:     httpURL,
		wsURL:       wsURL,
		logger:      logger,
		textInput:   input,
		mode:        modeAuthMenu,
		memberNames: make(map[string]string),
		connState:   connOffline,
	}
}

func (model *TUIModel) Init() tea.Cmd {
	return nil
}

// entry for bubbletea
func RunClient(httpURL, wsURL string, logger *slog.Logger) error {
	model := NewTUIModel(httpURL, wsURL, logger)
	program := tea.NewProgram(model, tea.WithAltScreen())
	model.program = program
	_, err := program.Run()
	if model.engine != nil {
		model.engine.Stop()
	}
	return err
}

// engineCallbacks bridges the collaboration engine to bubbletea. The
// engine fires on its own goroutine; program.Send hands each event to
// Update on the UI loop.
func (model *TUIModel) engineCallbacks() EngineCallbacks {
	send := func(msg tea.Msg) {
		if model.program != nil {
			model.program.Send(msg)
		}
	}
	return EngineCallbacks{
		NewMessage: func(roomID string, msg Message) {
			send(newMessageMsg{roomID: roomID, msg: msg})
		},
		MessageResolved: func(roomID, tempID string, msg Message) {
			send(resolvedMsg{roomID: roomID})
		},
		SendFailed: func(roomID, tempID, content, attachmentRef string, err error) {
			send(sendFailedMsg{roomID: roomID, content: content, err: err})
		},
		UserTyping: func(roomID string, typingSet []string) {
			send(typingMsg{roomID: roomID, typingSet: typingSet})
		},
		MessageReadUpdate: func(roomID, messageID string, readBy []string) {
			send(readUpdateMsg{roomID: roomID})
		},
		OnlineUsers: func(online []string) {
			send(presenceMsg{online: online})
		},
		Connected: func() {
			send(connStateMsg{state: connOnline})
		},
		Disconnected: func(reason error) {
			send(connStateMsg{state: connReconnecting, err: reason})
		},
		Reconnected: func(attempt int) {
			send(connStateMsg{state: connOnline})
		},
		ConnectionLost: func(err error) {
			send(connStateMsg{state: connOffline, err: err})
		},
		PollDegraded: func(roomID string, err error) {
			send(pollDegradedMsg{roomID: roomID, err: err})
		},
	}
}

func (model *TUIModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > 3 {
		model.notices = model.notices[len(model.notices)-3:]
	}
}

func (model *TUIModel) displayName(userID string) string {
	if name, ok := model.memberNames[userID]; ok {
		return name
	}
	if userID == model.userID {
		return model.username
	}
	if len(userID) > 8 {
		return userID[:8]
	}
	return userID
}
