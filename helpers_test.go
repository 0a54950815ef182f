package parley

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Fake scheduler
// ============================================================================

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler fires timers only when Advance moves its clock past them.
type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{} }

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &fakeTimer{s: s, at: s.now + d, seq: s.seq, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock by d, running due callbacks in deadline order.
// Callbacks run without the scheduler lock so they may arm new timers.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var next *fakeTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at > target {
				continue
			}
			if next == nil || t.at < next.at || (t.at == next.at && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.at
		next.fired = true
		s.mu.Unlock()
		next.f()
	}
}

// Pending counts armed timers.
func (s *fakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ============================================================================
// Fake transport
// ============================================================================

type sentEvent struct {
	Name    string
	Payload any
}

// fakeTransport is an in-memory Transport. Deliver plays the server side.
type fakeTransport struct {
	d *eventDispatcher

	mu         sync.Mutex
	state      State
	connectErr error
	connects   int
	tokens     []string
	sent       []sentEvent
}

func newFakeTransport() *fakeTransport {
	nop := zerolog.Nop()
	return &fakeTransport{d: newEventDispatcher(&nop), state: StateDisconnected}
}

func (f *fakeTransport) Subscribe(event string, h Handler) func() {
	return f.d.subscribe(event, h)
}

func (f *fakeTransport) OnStateChange(h StateHandler) func() {
	return f.d.subscribeState(h)
}

func (f *fakeTransport) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) setState(s State, err error) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.d.emitState(s, err)
}

func (f *fakeTransport) Connect(ctx context.Context, token string) error {
	if token == "" {
		return &ConnectionError{Kind: MissingCredential}
	}
	f.mu.Lock()
	f.connects++
	f.tokens = append(f.tokens, token)
	err := f.connectErr
	f.mu.Unlock()

	f.setState(StateConnecting, nil)
	if err != nil {
		f.setState(StateFailed, err)
		return err
	}
	f.setState(StateConnected, nil)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	if f.State() == StateDisconnected {
		return nil
	}
	f.setState(StateDisconnected, nil)
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, sentEvent{Name: event, Payload: payload})
	return nil
}

// Deliver dispatches an inbound event as the session's read loop would.
func (f *fakeTransport) Deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.d.dispatch(Event{Name: event, Data: data})
}

// Drop simulates an unexpected connection loss.
func (f *fakeTransport) Drop(cause error) {
	f.setState(StateFailed, &ConnectionError{Kind: NetworkFailure, Err: cause})
}

func (f *fakeTransport) Sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeTransport) SentNames() []string {
	var names []string
	for _, e := range f.Sent() {
		names = append(names, e.Name)
	}
	return names
}

func (f *fakeTransport) ClearSent() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

// ============================================================================
// Fake REST API
// ============================================================================

type fakeAPI struct {
	mu sync.Mutex

	me    *User
	meErr error

	convs     map[string][]Conversation
	listErr   error
	listCalls []string
	// listHook runs before ListConversations returns, outside the lock.
	listHook func(query string)

	history      map[string][]Message
	historyErr   error
	historyCalls []string
	historyHook  func(peerID string)

	deleteErr error
	deleted   []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		me:      &User{UserID: "me", FirstName: "Me", Email: "me@example.com"},
		convs:   make(map[string][]Conversation),
		history: make(map[string][]Message),
	}
}

func (a *fakeAPI) Me(ctx context.Context) (*User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.meErr != nil {
		return nil, a.meErr
	}
	u := *a.me
	return &u, nil
}

func (a *fakeAPI) ListConversations(ctx context.Context, query string) ([]Conversation, error) {
	a.mu.Lock()
	a.listCalls = append(a.listCalls, query)
	hook := a.listHook
	a.mu.Unlock()

	if hook != nil {
		hook(query)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]Conversation(nil), a.convs[query]...), nil
}

func (a *fakeAPI) History(ctx context.Context, peerID string, opts *PageOptions) (*MessagePage, error) {
	a.mu.Lock()
	a.historyCalls = append(a.historyCalls, peerID)
	hook := a.historyHook
	a.mu.Unlock()

	if hook != nil {
		hook(peerID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	msgs := append([]Message(nil), a.history[peerID]...)
	return &MessagePage{Messages: msgs, Pagination: Pagination{Page: 1, Limit: 50, Count: len(msgs)}}, nil
}

func (a *fakeAPI) DeleteMessage(ctx context.Context, messageID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.deleted = append(a.deleted, messageID)
	return nil
}

func (a *fakeAPI) ListCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.listCalls...)
}

// ============================================================================
// Fixtures
// ============================================================================

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, from, to, content string) Message {
	return Message{
		ID:        id,
		Sender:    UserRef{ID: from, FirstName: from},
		Recipient: UserRef{ID: to, FirstName: to},
		Content:   content,
		Kind:      KindText,
		CreatedAt: testTime,
	}
}

func conv(peerID string, unread uint) Conversation {
	return Conversation{
		Peer:        Peer{ID: peerID, DisplayName: peerID},
		UnreadCount: unread,
	}
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func peerIDs(convs []Conversation) []string {
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.Peer.ID
	}
	return ids
}

// changeRecorder collects engine changes.
type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) record(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *changeRecorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeKind, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Kind
	}
	return out
}

func (r *changeRecorder) last(kind ChangeKind) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.changes) - 1; i >= 0; i-- {
		if r.changes[i].Kind == kind {
			return r.changes[i], true
		}
	}
	return Change{}, false
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
