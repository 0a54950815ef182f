package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	parley "github.com/parleychat/parley-go"
)

type fakeEngine struct {
	mu sync.Mutex

	observer func(parley.Change)
	state    parley.State
	self     *parley.User
	convs    []parley.Conversation
	active   string
	messages []parley.Message
	unread   map[string]uint
	online   map[string]bool
	typing   map[string]bool

	opened   []string
	closed   int
	sent     []string
	inputs   []string
	searches []string
	sendErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		state:  parley.StateConnected,
		self:   &parley.User{UserID: "me", FirstName: "Mia"},
		unread: make(map[string]uint),
		online: make(map[string]bool),
		typing: make(map[string]bool),
		convs: []parley.Conversation{
			{Peer: parley.Peer{ID: "u-alice", DisplayName: "Alice"}},
			{Peer: parley.Peer{ID: "u-bob", DisplayName: "Bob"}},
		},
	}
}

func (f *fakeEngine) Observe(fn func(parley.Change)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observer = fn
	return func() {
		f.mu.Lock()
		f.observer = nil
		f.mu.Unlock()
	}
}

func (f *fakeEngine) State() parley.State { return f.state }
func (f *fakeEngine) Self() *parley.User  { return f.self }

func (f *fakeEngine) Conversations() []parley.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]parley.Conversation(nil), f.convs...)
}

func (f *fakeEngine) ActivePeer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeEngine) Messages() []parley.Message { return f.messages }
func (f *fakeEngine) Unread(id string) uint       { return f.unread[id] }

func (f *fakeEngine) TotalUnread() uint {
	var n uint
	for _, v := range f.unread {
		n += v
	}
	return n
}

func (f *fakeEngine) IsOnline(id string) bool { return f.online[id] }
func (f *fakeEngine) IsTyping(id string) bool { return f.typing[id] }

func (f *fakeEngine) OpenConversation(ctx context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, peerID)
	f.active = peerID
	f.unread[peerID] = 0
	return nil
}

func (f *fakeEngine) CloseConversation(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.active = ""
}

func (f *fakeEngine) SendMessage(ctx context.Context, peerID, content string, kind parley.MessageKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, peerID+":"+content)
	return f.sendErr
}

func (f *fakeEngine) InputChanged(peerID, text string) {
	f.inputs = append(f.inputs, text)
}

func (f *fakeEngine) Search(query string) {
	f.searches = append(f.searches, query)
}

func (f *fakeEngine) emit(c parley.Change) {
	f.mu.Lock()
	fn := f.observer
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func typeText(m *Model, text string) {
	for _, r := range text {
		m.Update(key(string(r)))
	}
}

// runCmd executes cmd and returns the messages it produced, descending
// into batches. Blink ticks are skipped.
func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()
	var msg tea.Msg
	select {
	case msg = <-done:
	case <-time.After(100 * time.Millisecond):
		return nil
	}
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, runCmd(c)...)
		}
		return out
	}
	return []tea.Msg{msg}
}

func opResults(msgs []tea.Msg) []opResultMsg {
	var out []opResultMsg
	for _, msg := range msgs {
		if r, ok := msg.(opResultMsg); ok {
			out = append(out, r)
		}
	}
	return out
}

func TestOpenConversationFromList(t *testing.T) {
	engine := newFakeEngine()
	engine.unread["u-bob"] = 4
	m := New(engine)
	t.Cleanup(m.Close)

	m.Update(key("down"))
	require.Equal(t, 1, m.cursor)
	m.Update(key("down"))
	require.Equal(t, 1, m.cursor, "cursor stops at the last row")

	_, cmd := m.Update(key("enter"))
	results := opResults(runCmd(cmd))
	require.Len(t, results, 1)
	require.Equal(t, "open", results[0].op)
	require.NoError(t, results[0].err)

	require.Equal(t, []string{"u-bob"}, engine.opened)
	require.Equal(t, focusCompose, m.focus)
	require.Zero(t, engine.Unread("u-bob"))
}

func TestComposeTypingAndSend(t *testing.T) {
	engine := newFakeEngine()
	engine.active = "u-alice"
	m := New(engine)
	t.Cleanup(m.Close)

	m.Update(key("tab"))
	require.Equal(t, focusCompose, m.focus)

	typeText(m, "hi")
	require.Equal(t, []string{"h", "hi"}, engine.inputs)

	_, cmd := m.Update(key("enter"))
	results := opResults(runCmd(cmd))
	require.Len(t, results, 1)
	require.Equal(t, []string{"u-alice:hi"}, engine.sent)
	require.Empty(t, m.compose.Value())

	// Whitespace-only input is not sent.
	typeText(m, "  ")
	_, cmd = m.Update(key("enter"))
	require.Nil(t, cmd)
	require.Len(t, engine.sent, 1)
}

func TestSendFailureShowsStatus(t *testing.T) {
	engine := newFakeEngine()
	engine.active = "u-alice"
	engine.sendErr = parley.ErrOffline
	m := New(engine)
	t.Cleanup(m.Close)

	m.Update(key("tab"))
	typeText(m, "hello")
	_, cmd := m.Update(key("enter"))
	for _, msg := range runCmd(cmd) {
		m.Update(msg)
	}
	require.Contains(t, m.status, parley.ErrOffline.Error())
	require.Contains(t, m.View(), parley.ErrOffline.Error())
}

func TestEscapeClosesConversation(t *testing.T) {
	engine := newFakeEngine()
	engine.active = "u-alice"
	m := New(engine)
	t.Cleanup(m.Close)

	m.Update(key("tab"))
	_, cmd := m.Update(key("esc"))
	runCmd(cmd)
	require.Equal(t, 1, engine.closed)
	require.Equal(t, focusList, m.focus)
	require.Empty(t, engine.ActivePeer())
}

func TestSearchForwardsQuery(t *testing.T) {
	engine := newFakeEngine()
	m := New(engine)
	t.Cleanup(m.Close)

	m.Update(key("/"))
	require.Equal(t, focusSearch, m.focus)
	typeText(m, "al")
	require.Equal(t, []string{"a", "al"}, engine.searches)

	m.Update(key("esc"))
	require.Equal(t, focusList, m.focus)
	require.Equal(t, []string{"a", "al", ""}, engine.searches)
}

func TestChangesAreForwarded(t *testing.T) {
	engine := newFakeEngine()
	m := New(engine)
	t.Cleanup(m.Close)

	engine.emit(parley.Change{Kind: parley.HistoryFailed, PeerID: "u-bob", Err: errors.New("history unavailable")})
	msgs := runCmd(waitChange(m.changes))
	require.Len(t, msgs, 1)

	_, cmd := m.Update(msgs[0])
	require.NotNil(t, cmd)
	require.Equal(t, "history unavailable", m.status)

	engine.emit(parley.Change{Kind: parley.ConnectionChanged, State: parley.StateConnected})
	m.Update(runCmd(waitChange(m.changes))[0])
	require.Empty(t, m.status)
}

func TestFullQueueKeepsErrors(t *testing.T) {
	engine := newFakeEngine()
	m := New(engine)
	t.Cleanup(m.Close)

	for i := 0; i < cap(m.changes); i++ {
		engine.emit(parley.Change{Kind: parley.PresenceChanged})
	}
	engine.emit(parley.Change{Kind: parley.SendFailed, Err: errors.New("recipient not found")})
	require.Len(t, m.changes, cap(m.changes))

	m.Update(runCmd(waitChange(m.changes))[0])
	require.Equal(t, "recipient not found", m.status)

	m.Update(runCmd(waitChange(m.changes))[0])
	require.Equal(t, "recipient not found", m.status, "reported once, then left on screen")
}

func TestCursorClampsWhenListShrinks(t *testing.T) {
	engine := newFakeEngine()
	m := New(engine)
	t.Cleanup(m.Close)

	m.Update(key("down"))
	require.Equal(t, 1, m.cursor)

	engine.mu.Lock()
	engine.convs = engine.convs[:1]
	engine.mu.Unlock()
	m.Update(changeMsg(parley.Change{Kind: parley.ConversationsChanged}))
	require.Zero(t, m.cursor)
}

func TestViewRendersState(t *testing.T) {
	engine := newFakeEngine()
	engine.active = "u-alice"
	engine.unread["u-bob"] = 3
	engine.online["u-alice"] = true
	engine.typing["u-alice"] = true
	read := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	engine.messages = []parley.Message{
		{ID: "m1", Sender: parley.UserRef{ID: "u-alice", FirstName: "Alice"}, Content: "hello there"},
		{ID: "m2", Sender: parley.UserRef{ID: "me"}, Content: "hi alice", IsRead: true, ReadAt: &read},
	}
	m := New(engine)
	t.Cleanup(m.Close)
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 30})

	view := m.View()
	require.Contains(t, view, "Mia")
	require.Contains(t, view, "3 unread")
	require.Contains(t, view, "Bob")
	require.Contains(t, view, "(3)")
	require.Contains(t, view, "hello there")
	require.Contains(t, view, "you")
	require.Contains(t, view, "✓✓")
	require.Contains(t, view, "Alice is typing...")
}

func TestViewWithoutConversation(t *testing.T) {
	engine := newFakeEngine()
	engine.convs = nil
	engine.self = nil
	engine.state = parley.StateDisconnected
	m := New(engine)
	t.Cleanup(m.Close)

	view := m.View()
	require.Contains(t, view, "(signed out)")
	require.Contains(t, view, "No conversations")
	require.Contains(t, view, "Select a conversation")
}

func TestQuitKeys(t *testing.T) {
	m := New(newFakeEngine())
	t.Cleanup(m.Close)

	_, cmd := m.Update(key("ctrl+c"))
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
