package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	parley "github.com/parleychat/parley-go"
)

const listWidth = 28

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("247"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	onlineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	unreadStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	selectedStyle = lipgloss.NewStyle().Reverse(true)
	selfStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	peerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
	focusBoxStyle = boxStyle.BorderForeground(lipgloss.Color("63"))
)

func (m *Model) View() string {
	header := m.renderHeader()
	if m.width > 0 && (m.width < 40 || m.height < 10) {
		return header + "\nResize terminal for full view\n" + m.compose.View()
	}

	height := m.height - 4
	if height < 6 {
		height = 16
	}

	list := m.renderList(height)
	chat := m.renderChat(height)

	listBox, chatBox := boxStyle, boxStyle
	if m.focus == focusCompose {
		chatBox = focusBoxStyle
	} else {
		listBox = focusBoxStyle
	}
	chatWidth := 50
	if m.width > 0 {
		chatWidth = maxInt(20, m.width-listWidth-6)
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		listBox.Width(listWidth).Height(height).Render(list),
		chatBox.Width(chatWidth).Height(height).Render(chat),
	)

	footer := mutedStyle.Render("enter open  tab switch  / search  esc close  ctrl+c quit")
	if m.status != "" {
		footer = errorStyle.Render(m.status)
	}
	return header + "\n" + body + "\n" + footer
}

func (m *Model) renderHeader() string {
	name := "(signed out)"
	if self := m.engine.Self(); self != nil {
		name = self.FirstName
		if name == "" {
			name = self.Email
		}
	}
	state := string(m.engine.State())
	if m.engine.State() == parley.StateConnected {
		state = onlineStyle.Render(state)
	} else {
		state = mutedStyle.Render(state)
	}
	line := headerStyle.Render("parley") + "  " + name + "  " + state
	if n := m.engine.TotalUnread(); n > 0 {
		line += "  " + unreadStyle.Render(fmt.Sprintf("%d unread", n))
	}
	return line
}

func (m *Model) renderList(height int) string {
	var b strings.Builder
	if m.focus == focusSearch || m.search.Value() != "" {
		b.WriteString(m.search.View())
		b.WriteString("\n")
	}

	convs := m.engine.Conversations()
	if len(convs) == 0 {
		b.WriteString(mutedStyle.Render("No conversations"))
		return b.String()
	}

	active := m.engine.ActivePeer()
	for i, c := range convs {
		if i >= height {
			break
		}
		b.WriteString(m.renderRow(c, i == m.cursor, c.Peer.ID == active))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) renderRow(c parley.Conversation, selected, active bool) string {
	dot := mutedStyle.Render("○")
	if m.engine.IsOnline(c.Peer.ID) {
		dot = onlineStyle.Render("●")
	}
	name := displayName(c.Peer)
	if active {
		name = "*" + name
	}
	row := dot + " " + truncate(name, listWidth-10)
	if n := m.engine.Unread(c.Peer.ID); n > 0 {
		row += " " + unreadStyle.Render(fmt.Sprintf("(%d)", n))
	}
	if selected {
		return selectedStyle.Render(row)
	}
	return row
}

func (m *Model) renderChat(height int) string {
	peerID := m.engine.ActivePeer()
	if peerID == "" {
		return mutedStyle.Render("Select a conversation")
	}

	title := peerID
	for _, c := range m.engine.Conversations() {
		if c.Peer.ID == peerID {
			title = displayName(c.Peer)
			break
		}
	}

	selfID := ""
	if self := m.engine.Self(); self != nil {
		selfID = self.UserID
	}

	lines := []string{headerStyle.Render(title)}
	msgs := m.engine.Messages()
	room := height - 3
	if room < 1 {
		room = 1
	}
	start := 0
	if len(msgs) > room {
		start = len(msgs) - room
	}
	for _, msg := range msgs[start:] {
		lines = append(lines, renderMessage(msg, selfID))
	}
	if len(msgs) == 0 {
		lines = append(lines, mutedStyle.Render("No messages yet"))
	}
	if m.engine.IsTyping(peerID) {
		lines = append(lines, mutedStyle.Render(title+" is typing..."))
	}
	lines = append(lines, m.compose.View())
	return strings.Join(lines, "\n")
}

func renderMessage(msg parley.Message, selfID string) string {
	stamp := mutedStyle.Render(msg.CreatedAt.Local().Format("15:04"))
	if msg.SenderID() == selfID {
		mark := "✓"
		if msg.IsRead {
			mark = "✓✓"
		}
		return stamp + " " + selfStyle.Render("you") + ": " + msg.Content + " " + mutedStyle.Render(mark)
	}
	name := msg.Sender.FirstName
	if name == "" {
		name = msg.Sender.ID
	}
	return stamp + " " + peerStyle.Render(name) + ": " + msg.Content
}

func displayName(p parley.Peer) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Email != "" {
		return p.Email
	}
	return p.ID
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
