package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// pre styled colors, all from lipgloss
var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	pendingStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	readMarkStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	typingStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("178")).Italic(true)
	roomSelectedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	roomItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthUsername, modeAuthPassword:
		return model.renderAuthPromptView()
	case modeRooms:
		return model.renderRoomsView()
	case modeRoomName:
		return model.renderPrompt("New room", "Enter a name for the room and press Enter.")
	default:
		return model.renderChatView()
	}
}

func (model TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("CampusChat")
	subtitle := subtitleStyle.Render("Course rooms, messages, and who's around")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}

	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}

	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}

	viewSections = append(viewSections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderAuthPromptView() string {
	title := "Log in"
	if model.authIntent == authIntentSignup {
		title = "Create an account"
	}
	hint := "Enter your username"
	if model.mode == modeAuthPassword {
		hint = "Enter your password"
	}
	return model.renderPrompt(title, hint)
}

func (model TUIModel) renderPrompt(title, hint string) string {
	header := appTitleStyle.Render(title)
	hintText := menuHintStyle.Render(hint)

	viewSections := []string{header, hintText}

	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Working…"))
	}

	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}

	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderRoomsView() string {
	title := appTitleStyle.Render(fmt.Sprintf("Welcome, %s", model.username))
	subtitle := subtitleStyle.Render(fmt.Sprintf("Rooms: %d  |  Online: %d", len(model.rooms), len(model.online)))

	viewSections := []string{title, subtitle, model.renderConnStatus()}

	if model.loading {
		viewSections = append(viewSections, connectingStyle.Render("Loading rooms…"))
	}

	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}

	var roomLines []string
	if len(model.rooms) == 0 {
		roomLines = append(roomLines, menuHintStyle.Render("No rooms yet. Press N to create one."))
	} else {
		for idx, room := range model.rooms {
			label := room.Name
			if room.Kind == "direct" {
				label = model.directRoomLabel(room)
			}
			if idx == model.selectedRoom {
				roomLines = append(roomLines, roomSelectedStyle.Render("➤ "+label))
			} else {
				roomLines = append(roomLines, roomItemStyle.Render("  "+label))
			}
		}
	}
	viewSections = append(viewSections, menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, roomLines...)))

	hints := menuHintStyle.Render("↑/↓ select • Enter open • N new room • R refresh • Q quit")
	viewSections = append(viewSections, hints)

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderChatView() string {
	headerSegments := []string{"CampusChat"}
	if model.currentRoom != nil {
		if model.currentRoom.Kind == "direct" {
			headerSegments = append(headerSegments, model.directRoomLabel(*model.currentRoom))
		} else {
			headerSegments = append(headerSegments, model.currentRoom.Name)
		}
	}
	headerSegments = append(headerSegments, fmt.Sprintf("User %s", model.username))
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	statusLine := model.renderConnStatus()

	var messageLines []string
	for _, msg := range model.messages {
		messageLines = append(messageLines, model.renderChatMessage(msg))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}

	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))
	inputView := inputBoxStyle.Render(model.textInput.View())
	footerHint := menuHintStyle.Render("Esc back to rooms • /quit to exit")

	sections := []string{header}
	if statusLine != "" {
		sections = append(sections, statusLine)
	}
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, messagesView)
	if typingLine := model.renderTypingLine(); typingLine != "" {
		sections = append(sections, typingLine)
	}
	sections = append(sections, inputView, footerHint)

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model TUIModel) renderConnStatus() string {
	switch model.connState {
	case connOnline:
		return connectedStyle.Render("Connected")
	case connConnecting:
		return connectingStyle.Render("Connecting…")
	case connReconnecting:
		return connectingStyle.Render("Reconnecting…")
	default:
		if model.connErr != nil {
			return errorStyle.Render("Offline: " + model.connErr.Error())
		}
		return statusStyle.Render("Offline")
	}
}

// renderTypingLine shows who else is typing in the open room.
func (model TUIModel) renderTypingLine() string {
	var names []string
	for _, userID := range model.typingSet {
		if userID == model.userID {
			continue
		}
		names = append(names, model.displayName(userID))
	}
	if len(names) == 0 {
		return ""
	}
	if len(names) == 1 {
		return typingStyle.Render(names[0] + " is typing…")
	}
	return typingStyle.Render(strings.Join(names, ", ") + " are typing…")
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model TUIModel) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	var lines []string
	for _, notice := range model.notices {
		lines = append(lines, systemMessageStyle.Render(notice))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// renderChatMessage renders a single log line. It stamps the timestamp,
// picks a color for the sender, marks unconfirmed sends, and tags the
// user's own messages with their read count.
func (model TUIModel) renderChatMessage(msg Message) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", msg.CreatedAt.Local().Format("15:04:05")))

	senderName := msg.SenderName
	if senderName == "" {
		senderName = model.displayName(msg.SenderID)
	}
	var nameStyle lipgloss.Style
	if msg.SenderID == model.userID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(senderName))
	}
	name := nameStyle.Render(senderName)

	body := msg.Content
	if body == "" && msg.AttachmentRef != "" {
		body = "[attachment] " + msg.AttachmentRef
	}
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(body, "\n", "\n   "))

	line := lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)

	if IsTempID(msg.ID) {
		return lipgloss.JoinHorizontal(lipgloss.Left, line, " ", pendingStyle.Render("(sending…)"))
	}
	if msg.SenderID == model.userID && len(msg.ReadBy) > 1 {
		mark := readMarkStyle.Render(fmt.Sprintf("✓ %d", len(msg.ReadBy)-1))
		return lipgloss.JoinHorizontal(lipgloss.Left, line, " ", mark)
	}
	return line
}

func (model TUIModel) directRoomLabel(room RoomInfo) string {
	for _, memberID := range room.MemberIDs {
		if memberID != model.userID {
			return "DM " + model.displayName(memberID)
		}
	}
	if room.Name != "" {
		return room.Name
	}
	return "Direct message"
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
