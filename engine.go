package parley

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transport is the push channel the Engine runs on. *Session implements it.
type Transport interface {
	Subscriber
	Connect(ctx context.Context, token string) error
	Disconnect() error
	Send(ctx context.Context, event string, payload any) error
	State() State
	OnStateChange(h StateHandler) func()
}

// ============================================================================
// Changes
// ============================================================================

// ChangeKind says which part of the engine's view changed.
type ChangeKind int

const (
	ConnectionChanged ChangeKind = iota + 1
	ConversationsChanged
	BufferChanged
	PresenceChanged
	TypingChanged
	SendFailed
	SendConfirmed
	HistoryFailed
	ListFailed
)

func (k ChangeKind) String() string {
	switch k {
	case ConnectionChanged:
		return "connection"
	case ConversationsChanged:
		return "conversations"
	case BufferChanged:
		return "buffer"
	case PresenceChanged:
		return "presence"
	case TypingChanged:
		return "typing"
	case SendFailed:
		return "send_failed"
	case SendConfirmed:
		return "send_confirmed"
	case HistoryFailed:
		return "history_failed"
	case ListFailed:
		return "list_failed"
	default:
		return "unknown"
	}
}

// Change is delivered to observers. Observers read the new state back
// through the Engine's accessors.
type Change struct {
	Kind      ChangeKind
	State     State
	PeerID    string
	MessageID string
	Err       error
}

type changeEmitter struct {
	mu        sync.RWMutex
	log       *zerolog.Logger
	observers []subscription[func(Change)]
}

func (e *changeEmitter) observe(fn func(Change)) func() {
	id := uuid.NewString()
	e.mu.Lock()
	e.observers = append(e.observers, subscription[func(Change)]{id: id, h: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.observers = removeSubscription(e.observers, id)
			e.mu.Unlock()
		})
	}
}

func (e *changeEmitter) emit(c Change) {
	e.mu.RLock()
	subs := append([]subscription[func(Change)](nil), e.observers...)
	e.mu.RUnlock()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Str("change", c.Kind.String()).Interface("panic", r).Msg("observer panicked")
				}
			}()
			s.h(c)
		}()
	}
}

func (e *changeEmitter) removeAll() {
	e.mu.Lock()
	e.observers = nil
	e.mu.Unlock()
}

// ============================================================================
// Options
// ============================================================================

type engineConfig struct {
	scheduler      Scheduler
	logger         zerolog.Logger
	historyLimit   int
	typingTimeout  time.Duration
	searchDebounce time.Duration
	sendTimeout    time.Duration
	connectTimeout time.Duration
}

type EngineOption func(*engineConfig)

// WithScheduler replaces the timer source used for typing and search.
func WithScheduler(s Scheduler) EngineOption {
	return func(c *engineConfig) { c.scheduler = s }
}

func WithEngineLogger(log zerolog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = log }
}

// WithHistoryLimit sets the page size fetched when a conversation opens.
func WithHistoryLimit(n int) EngineOption {
	return func(c *engineConfig) { c.historyLimit = n }
}

func WithTypingTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.typingTimeout = d }
}

func WithSearchDebounce(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.searchDebounce = d }
}

// WithSendTimeout bounds background writes such as typing signals.
func WithSendTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.sendTimeout = d }
}

// WithConnectTimeout bounds reconnects triggered by a login.
func WithConnectTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) { c.connectTimeout = d }
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps the client's view of the chat consistent with the server.
// It fans push events out to the presence, typing, registry and buffer
// components and turns UI intents into server traffic.
//
// Inbound events are applied on the session's read goroutine in arrival
// order. Intents that touch several components (open, close) are
// serialized by the engine mutex; network round trips never hold it.
type Engine struct {
	session Transport
	api     API
	creds   *Credentials
	cfg     engineConfig
	log     zerolog.Logger

	presence *PresenceTracker
	typing   *TypingCoordinator
	counters *UnreadCounters
	registry *Registry
	buffer   *ActiveBuffer
	changes  changeEmitter

	mu     sync.Mutex
	unsubs []func()
	closed bool

	// inMu orders inbound applies against clearOffline.
	inMu sync.Mutex

	selfMu sync.RWMutex
	self   *User
}

// NewEngine wires an engine. Nothing touches the network until Start or
// Connect.
func NewEngine(session Transport, api API, creds *Credentials, opts ...EngineOption) *Engine {
	cfg := engineConfig{
		scheduler:      SystemScheduler,
		logger:         zerolog.Nop(),
		historyLimit:   DefaultHistoryLimit,
		typingTimeout:  DefaultTypingTimeout,
		searchDebounce: DefaultSearchDebounce,
		sendTimeout:    5 * time.Second,
		connectTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if creds == nil {
		creds = NewCredentials("")
	}

	e := &Engine{
		session:  session,
		api:      api,
		creds:    creds,
		cfg:      cfg,
		log:      cfg.logger.With().Str("component", "engine").Logger(),
		presence: NewPresenceTracker(),
		counters: NewUnreadCounters(),
		buffer:   NewActiveBuffer(),
	}
	e.changes.log = &e.log
	e.typing = NewTypingCoordinator(e.emitTyping, cfg.scheduler, cfg.typingTimeout)
	e.registry = NewRegistry(api, e.counters, RegistryOptions{
		Scheduler:      cfg.scheduler,
		SearchDebounce: cfg.searchDebounce,
		Logger:         &cfg.logger,
		OnSearch:       e.searchDone,
	})

	e.unsubs = append(e.unsubs,
		session.OnStateChange(e.onState),
		OnNewMessage(session, e.onNewMessage),
		OnMessageNotification(session, e.onNotification),
		OnMessageSent(session, e.onMessageSent),
		OnMessageError(session, e.onMessageError),
		OnUserTyping(session, e.onUserTyping),
		OnMessagesRead(session, e.onMessagesRead),
		OnUserOnline(session, e.onUserOnline),
		OnUserOffline(session, e.onUserOffline),
		OnOnlineUsers(session, e.onOnlineUsers),
		creds.OnChange(e.onCredentials),
	)
	return e
}

// Observe registers fn for every change. It returns an unsubscribe func.
func (e *Engine) Observe(fn func(Change)) func() {
	return e.changes.observe(fn)
}

func (e *Engine) emit(c Change) {
	e.changes.emit(c)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start connects if a token is present. Later logins and logouts are
// followed automatically.
func (e *Engine) Start(ctx context.Context) error {
	if !e.creds.LoggedIn() {
		e.log.Info().Msg("no credential, waiting for login")
		return nil
	}
	return e.Connect(ctx)
}

// Connect resolves the current user, opens the session and loads the
// conversation list.
func (e *Engine) Connect(ctx context.Context) error {
	token := e.creds.Token()
	if token == "" {
		return &ConnectionError{Kind: MissingCredential}
	}

	if err := e.resolveSelf(ctx); err != nil {
		return fmt.Errorf("resolve current user: %w", err)
	}
	if err := e.session.Connect(ctx, token); err != nil {
		return err
	}
	if _, err := e.LoadConversations(ctx, ""); err != nil && !errors.Is(err, ErrSuperseded) {
		e.log.Warn().Err(err).Msg("initial conversation load")
	}
	return nil
}

func (e *Engine) resolveSelf(ctx context.Context) error {
	me, err := e.api.Me(ctx)
	if err != nil {
		return err
	}
	e.selfMu.Lock()
	e.self = me
	e.selfMu.Unlock()
	e.registry.SetSelf(me.UserID)
	e.log.Debug().Str("user_id", me.UserID).Msg("current user")
	return nil
}

// Disconnect closes the session. Presence, typing, unread counts and the
// open conversation are cleared by the resulting state change.
func (e *Engine) Disconnect() error {
	return e.session.Disconnect()
}

// Close tears the engine down: subscriptions, timers and the session.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	e.typing.Close()
	e.registry.Close()
	err := e.session.Disconnect()
	e.changes.removeAll()
	return err
}

func (e *Engine) onCredentials(loggedIn bool) {
	if !loggedIn {
		e.log.Info().Msg("logged out")
		if err := e.session.Disconnect(); err != nil {
			e.log.Debug().Err(err).Msg("disconnect on logout")
		}
		e.clearOffline()
		e.registry.Clear()
		e.selfMu.Lock()
		e.self = nil
		e.selfMu.Unlock()
		e.emit(Change{Kind: ConversationsChanged})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.connectTimeout)
		defer cancel()
		if err := e.Connect(ctx); err != nil {
			e.log.Warn().Err(err).Msg("connect after login")
		}
	}()
}

func (e *Engine) onState(state State, err error) {
	switch state {
	case StateDisconnected, StateFailed:
		e.clearOffline()
	}
	if err != nil {
		e.log.Warn().Err(err).Str("state", string(state)).Msg("session state")
	} else {
		e.log.Debug().Str("state", string(state)).Msg("session state")
	}
	e.emit(Change{Kind: ConnectionChanged, State: state, Err: err})
}

// clearOffline drops everything that is only meaningful while connected.
func (e *Engine) clearOffline() {
	e.inMu.Lock()
	e.presence.Clear()
	e.typing.Reset()
	e.registry.Reset()
	e.registry.SetActive("")
	prev := e.buffer.Close()
	e.inMu.Unlock()

	e.emit(Change{Kind: PresenceChanged})
	e.emit(Change{Kind: TypingChanged})
	e.emit(Change{Kind: ConversationsChanged})
	if prev != "" {
		e.emit(Change{Kind: BufferChanged, PeerID: prev})
	}
}

func (e *Engine) online() bool {
	return e.session.State() == StateConnected
}

func (e *Engine) selfID() string {
	e.selfMu.RLock()
	defer e.selfMu.RUnlock()
	if e.self == nil {
		return ""
	}
	return e.self.UserID
}

// send writes an event if connected and logs a failure instead of
// returning it.
func (e *Engine) send(ctx context.Context, event string, payload any) {
	if !e.online() {
		return
	}
	if err := e.session.Send(ctx, event, payload); err != nil {
		e.log.Warn().Err(err).Str("event", event).Msg("send")
	}
}

func (e *Engine) backgroundSend(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.sendTimeout)
	defer cancel()
	e.send(ctx, event, payload)
}

func (e *Engine) emitTyping(event, peerID string) {
	e.backgroundSend(event, PeerPayload{OtherUserID: peerID})
}

// ============================================================================
// Intents
// ============================================================================

// OpenConversation makes peerID the active conversation. The previous one
// is left first. The room is joined, the peer's messages are marked read,
// its unread count drops to zero and its history is fetched.
func (e *Engine) OpenConversation(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrNoPeer
	}

	e.mu.Lock()
	prev := e.buffer.Peer()
	typingCleared := false
	if prev != "" && prev != peerID {
		typingCleared = e.leaveLocked(ctx, prev)
	}
	gen := e.buffer.Open(peerID)
	e.registry.SetActive(peerID)
	e.send(ctx, EventJoinConversation, PeerPayload{OtherUserID: peerID})
	e.send(ctx, EventMarkMessagesRead, PeerPayload{OtherUserID: peerID})
	e.registry.MarkRead(peerID)
	e.mu.Unlock()

	e.log.Debug().Str("peer", peerID).Str("previous", prev).Msg("open conversation")
	if typingCleared {
		e.emit(Change{Kind: TypingChanged, PeerID: prev})
	}
	e.emit(Change{Kind: BufferChanged, PeerID: peerID})
	e.emit(Change{Kind: ConversationsChanged})

	page, err := e.api.History(ctx, peerID, &PageOptions{Page: 1, Limit: e.cfg.historyLimit})
	if err != nil {
		herr := &HistoryLoadError{PeerID: peerID, Err: err}
		e.log.Warn().Err(err).Str("peer", peerID).Msg("history")
		e.emit(Change{Kind: HistoryFailed, PeerID: peerID, Err: herr})
		return herr
	}
	if !e.buffer.ReplaceHistory(gen, page.Messages) {
		e.log.Debug().Str("peer", peerID).Msg("discarding stale history")
		return nil
	}
	e.emit(Change{Kind: BufferChanged, PeerID: peerID})
	return nil
}

// leaveLocked leaves prev's room and drops its typing state. It reports
// whether a remote typing indicator was hidden.
func (e *Engine) leaveLocked(ctx context.Context, prev string) bool {
	e.send(ctx, EventLeaveConversation, PeerPayload{OtherUserID: prev})
	e.typing.StopLocal(prev)
	return e.typing.ClearRemote(prev)
}

// CloseConversation leaves the active conversation, if any.
func (e *Engine) CloseConversation(ctx context.Context) {
	e.mu.Lock()
	prev := e.buffer.Peer()
	if prev == "" {
		e.mu.Unlock()
		return
	}
	typingCleared := e.leaveLocked(ctx, prev)
	e.buffer.Close()
	e.registry.SetActive("")
	e.mu.Unlock()

	if typingCleared {
		e.emit(Change{Kind: TypingChanged, PeerID: prev})
	}
	e.emit(Change{Kind: BufferChanged, PeerID: prev})
}

// SendMessage sends content to peerID. The message shows up in the buffer
// when the server echoes it back. It fails with ErrOffline when the session
// is not connected.
func (e *Engine) SendMessage(ctx context.Context, peerID, content string, kind MessageKind) error {
	if peerID == "" {
		return ErrNoPeer
	}
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if kind == "" {
		kind = KindText
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown message kind %q", kind)
	}
	if !e.online() {
		return ErrOffline
	}

	e.typing.StopLocal(peerID)
	err := e.session.Send(ctx, EventSendMessage, SendMessagePayload{
		RecipientID: peerID,
		Content:     content,
		Kind:        kind,
	})
	if errors.Is(err, ErrNotConnected) {
		return ErrOffline
	}
	return err
}

// InputChanged feeds the compose box to the typing coordinator. It does
// nothing while offline.
func (e *Engine) InputChanged(peerID, text string) {
	if !e.online() {
		return
	}
	e.typing.OnLocalInputChanged(peerID, text)
}

// MarkRead tells the server the conversation with peerID has been read and
// zeroes its unread count. It does nothing while offline.
func (e *Engine) MarkRead(ctx context.Context, peerID string) {
	if peerID == "" || !e.online() {
		return
	}
	e.send(ctx, EventMarkMessagesRead, PeerPayload{OtherUserID: peerID})
	if e.registry.MarkRead(peerID) {
		e.emit(Change{Kind: ConversationsChanged})
	}
}

// DeleteMessage deletes a message on the server and, only once that
// succeeds, removes it locally.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	if err := e.api.DeleteMessage(ctx, messageID); err != nil {
		return &DeleteError{MessageID: messageID, Err: err}
	}
	if e.buffer.Remove(messageID) {
		e.emit(Change{Kind: BufferChanged, PeerID: e.buffer.Peer(), MessageID: messageID})
	}
	return nil
}

// Search reloads the conversation list for query after the search
// debounce. Only the latest query is applied.
func (e *Engine) Search(query string) {
	e.registry.Search(query)
}

func (e *Engine) searchDone(err error) {
	if err != nil {
		e.emit(Change{Kind: ListFailed, Err: err})
		return
	}
	e.emit(Change{Kind: ConversationsChanged})
}

// LoadConversations replaces the conversation list with a fresh snapshot.
func (e *Engine) LoadConversations(ctx context.Context, query string) ([]Conversation, error) {
	convs, err := e.registry.Load(ctx, query)
	if errors.Is(err, ErrSuperseded) {
		return nil, err
	}
	if err != nil {
		e.log.Warn().Err(err).Msg("load conversations")
		e.emit(Change{Kind: ListFailed, Err: err})
		return nil, err
	}
	e.emit(Change{Kind: ConversationsChanged})
	return convs, nil
}

// ============================================================================
// Inbound events
// ============================================================================

// applyInbound runs fn with the connected check held, so a frame that was
// already read when the session went down cannot land after clearOffline.
// The returned changes are emitted after the lock is released.
func (e *Engine) applyInbound(fn func() []Change) {
	e.inMu.Lock()
	if !e.online() {
		e.inMu.Unlock()
		return
	}
	changes := fn()
	e.inMu.Unlock()
	for _, c := range changes {
		e.emit(c)
	}
}

func (e *Engine) onNewMessage(msg Message) {
	e.appendInbound(msg, func() bool { return e.registry.ApplyInboundMessage(msg) })
}

func (e *Engine) onNotification(n NotificationPayload) {
	e.appendInbound(n.Message, func() bool { return e.registry.ApplyNotification(n) })
}

// appendInbound applies msg to the registry and the open buffer. A message
// from the open peer is marked read right away.
func (e *Engine) appendInbound(msg Message, applyRegistry func() bool) {
	var markRead string
	e.applyInbound(func() []Change {
		var changes []Change
		if applyRegistry() {
			changes = append(changes, Change{Kind: ConversationsChanged})
		}
		if e.buffer.Append(msg) {
			peer := e.buffer.Peer()
			changes = append(changes, Change{Kind: BufferChanged, PeerID: peer, MessageID: msg.ID})
			if msg.SenderID() == peer {
				markRead = peer
			}
		}
		return changes
	})
	if markRead != "" {
		e.backgroundSend(EventMarkMessagesRead, PeerPayload{OtherUserID: markRead})
	}
}

func (e *Engine) onMessageSent(p MessageSentPayload) {
	e.emit(Change{Kind: SendConfirmed, MessageID: p.MessageID})
}

func (e *Engine) onMessageError(p MessageErrorPayload) {
	err := &SendError{Reason: p.Error}
	e.log.Warn().Err(err).Msg("server rejected message")
	e.emit(Change{Kind: SendFailed, Err: err})
}

func (e *Engine) onUserTyping(p TypingPayload) {
	if p.UserID == "" || p.UserID == e.selfID() {
		return
	}
	e.applyInbound(func() []Change {
		if e.typing.OnRemoteTyping(p.UserID, p.IsTyping) {
			return []Change{{Kind: TypingChanged, PeerID: p.UserID}}
		}
		return nil
	})
}

func (e *Engine) onMessagesRead(p ReadPayload) {
	if p.ReadBy == "" {
		return
	}
	at := p.ReadAt
	if at.IsZero() {
		at = time.Now()
	}
	e.applyInbound(func() []Change {
		var changes []Change
		if e.registry.ApplyReadReceipt(p.ReadBy) {
			changes = append(changes, Change{Kind: ConversationsChanged})
		}
		if e.buffer.ApplyReadReceipt(e.selfID(), p.ReadBy, at) {
			changes = append(changes, Change{Kind: BufferChanged, PeerID: p.ReadBy})
		}
		return changes
	})
}

func (e *Engine) onUserOnline(p StatusPayload) {
	e.applyInbound(func() []Change {
		if e.presence.MarkOnline(p.UserID) {
			return []Change{{Kind: PresenceChanged, PeerID: p.UserID}}
		}
		return nil
	})
}

func (e *Engine) onUserOffline(p StatusPayload) {
	e.applyInbound(func() []Change {
		var changes []Change
		presence := e.presence.MarkOffline(p.UserID)
		if e.typing.ClearRemote(p.UserID) {
			changes = append(changes, Change{Kind: TypingChanged, PeerID: p.UserID})
		}
		if presence {
			changes = append(changes, Change{Kind: PresenceChanged, PeerID: p.UserID})
		}
		return changes
	})
}

func (e *Engine) onOnlineUsers(ids []string) {
	e.applyInbound(func() []Change {
		e.presence.Snapshot(ids)
		return []Change{{Kind: PresenceChanged}}
	})
}

// ============================================================================
// Read model
// ============================================================================

// State is the session's connection state.
func (e *Engine) State() State { return e.session.State() }

// Self is the current user, or nil before Connect.
func (e *Engine) Self() *User {
	e.selfMu.RLock()
	defer e.selfMu.RUnlock()
	if e.self == nil {
		return nil
	}
	u := *e.self
	return &u
}

func (e *Engine) Conversations() []Conversation { return e.registry.Conversations() }

// ActivePeer is the open conversation's peer, or "".
func (e *Engine) ActivePeer() string { return e.buffer.Peer() }

// Messages is the open conversation's log in arrival order.
func (e *Engine) Messages() []Message { return e.buffer.Messages() }

func (e *Engine) Unread(peerID string) uint { return e.counters.Get(peerID) }

func (e *Engine) TotalUnread() uint { return e.counters.Total() }

func (e *Engine) IsOnline(peerID string) bool { return e.presence.IsOnline(peerID) }

func (e *Engine) OnlinePeers() []string { return e.presence.Online() }

// IsTyping reports whether peerID is shown as typing.
func (e *Engine) IsTyping(peerID string) bool { return e.typing.IsTyping(peerID) }

func (e *Engine) TypingPeers() []string { return e.typing.Typing() }
