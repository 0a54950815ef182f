// Package tui is the interactive chat screen. It renders the engine's view
// and turns keystrokes into engine intents.
package tui

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	parley "github.com/parleychat/parley-go"
)

const opTimeout = 10 * time.Second

// Engine is the part of *parley.Engine the screen drives.
type Engine interface {
	Observe(fn func(parley.Change)) func()
	State() parley.State
	Self() *parley.User
	Conversations() []parley.Conversation
	ActivePeer() string
	Messages() []parley.Message
	Unread(peerID string) uint
	TotalUnread() uint
	IsOnline(peerID string) bool
	IsTyping(peerID string) bool
	OpenConversation(ctx context.Context, peerID string) error
	CloseConversation(ctx context.Context)
	SendMessage(ctx context.Context, peerID, content string, kind parley.MessageKind) error
	InputChanged(peerID, text string)
	Search(query string)
}

type focusArea int

const (
	focusList focusArea = iota
	focusCompose
	focusSearch
)

// changeMsg wraps an engine change for the program loop.
type changeMsg parley.Change

type closedMsg struct{}

// opResultMsg reports the outcome of an intent run off the UI goroutine.
type opResultMsg struct {
	op  string
	err error
}

// Model is the bubbletea model of the chat screen.
type Model struct {
	engine    Engine
	changes   chan parley.Change
	unobserve func()

	compose textinput.Model
	search  textinput.Model
	focus   focusArea
	cursor  int

	status string
	width  int
	height int

	// dropped holds the latest error change that did not fit the queue.
	droppedMu sync.Mutex
	dropped   error
}

// New builds the model and starts observing engine.
func New(engine Engine) *Model {
	compose := textinput.New()
	compose.Placeholder = "Type a message"
	compose.Prompt = "> "
	compose.CharLimit = 4000

	search := textinput.New()
	search.Placeholder = "Search"
	search.Prompt = "/ "

	m := &Model{
		engine:  engine,
		changes: make(chan parley.Change, 256),
		compose: compose,
		search:  search,
	}
	m.unobserve = engine.Observe(m.forward)
	return m
}

// forward hands a change to the program loop. The view re-reads the engine
// on every change, so a full queue can drop one; an error it carries is kept
// for the next change the loop handles.
func (m *Model) forward(c parley.Change) {
	select {
	case m.changes <- c:
	default:
		if c.Err != nil {
			m.droppedMu.Lock()
			m.dropped = c.Err
			m.droppedMu.Unlock()
		}
	}
}

func (m *Model) takeDropped() error {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	err := m.dropped
	m.dropped = nil
	return err
}

// Close stops observing the engine.
func (m *Model) Close() {
	if m.unobserve != nil {
		m.unobserve()
		m.unobserve = nil
	}
}

// Run shows the screen until the user quits.
func Run(engine Engine) error {
	model := New(engine)
	defer model.Close()

	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func waitChange(ch <-chan parley.Change) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return changeMsg(c)
	}
}

func runOp(op string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return opResultMsg{op: op, err: fn(ctx)}
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(waitChange(m.changes), textinput.Blink)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.compose.Width = maxInt(10, msg.Width-listWidth-6)
		m.search.Width = maxInt(10, listWidth-4)
		return m, nil

	case changeMsg:
		m.applyChange(parley.Change(msg))
		if err := m.takeDropped(); err != nil {
			m.status = err.Error()
		}
		return m, waitChange(m.changes)

	case closedMsg:
		return m, nil

	case opResultMsg:
		if msg.err != nil {
			m.status = msg.op + ": " + msg.err.Error()
		}
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.focus {
		case focusCompose:
			return m.updateCompose(msg)
		case focusSearch:
			return m.updateSearch(msg)
		default:
			return m.updateList(msg)
		}
	}

	var cmd tea.Cmd
	switch m.focus {
	case focusCompose:
		m.compose, cmd = m.compose.Update(msg)
	case focusSearch:
		m.search, cmd = m.search.Update(msg)
	}
	return m, cmd
}

func (m *Model) applyChange(c parley.Change) {
	switch c.Kind {
	case parley.SendFailed, parley.HistoryFailed, parley.ListFailed:
		if c.Err != nil {
			m.status = c.Err.Error()
		}
	case parley.ConnectionChanged:
		if c.Err != nil {
			m.status = c.Err.Error()
		} else if c.State == parley.StateConnected {
			m.status = ""
		}
	case parley.ConversationsChanged:
		if n := len(m.engine.Conversations()); m.cursor >= n {
			m.cursor = maxInt(0, n-1)
		}
	}
}

func (m *Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	convs := m.engine.Conversations()
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(convs)-1 {
			m.cursor++
		}
	case "/":
		m.focus = focusSearch
		return m, m.search.Focus()
	case "tab":
		if m.engine.ActivePeer() != "" {
			m.focus = focusCompose
			return m, m.compose.Focus()
		}
	case "enter":
		if m.cursor >= len(convs) {
			return m, nil
		}
		peerID := convs[m.cursor].Peer.ID
		m.status = ""
		m.focus = focusCompose
		m.compose.Reset()
		return m, tea.Batch(m.compose.Focus(), runOp("open", func(ctx context.Context) error {
			return m.engine.OpenConversation(ctx, peerID)
		}))
	}
	return m, nil
}

func (m *Model) updateCompose(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	peerID := m.engine.ActivePeer()
	switch msg.String() {
	case "tab":
		m.focus = focusList
		m.compose.Blur()
		return m, nil
	case "esc":
		m.focus = focusList
		m.compose.Blur()
		m.compose.Reset()
		return m, runOp("close", func(ctx context.Context) error {
			m.engine.CloseConversation(ctx)
			return nil
		})
	case "enter":
		content := strings.TrimSpace(m.compose.Value())
		if content == "" || peerID == "" {
			return m, nil
		}
		m.compose.Reset()
		return m, runOp("send", func(ctx context.Context) error {
			return m.engine.SendMessage(ctx, peerID, content, parley.KindText)
		})
	}

	var cmd tea.Cmd
	before := m.compose.Value()
	m.compose, cmd = m.compose.Update(msg)
	if after := m.compose.Value(); after != before && peerID != "" {
		m.engine.InputChanged(peerID, after)
	}
	return m, cmd
}

func (m *Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.search.Reset()
		m.search.Blur()
		m.focus = focusList
		m.engine.Search("")
		return m, nil
	case "enter", "tab":
		m.search.Blur()
		m.focus = focusList
		m.cursor = 0
		return m, nil
	}

	var cmd tea.Cmd
	before := m.search.Value()
	m.search, cmd = m.search.Update(msg)
	if after := m.search.Value(); after != before {
		m.engine.Search(after)
	}
	return m, cmd
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
