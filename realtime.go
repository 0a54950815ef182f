package parley

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	ReadLimit         int64
	HTTPClient        *http.Client
	Logger            *zerolog.Logger
}

func (c *SessionConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// State is the connection state of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// StateHandler observes state transitions. err is set when the transition
// was caused by a failure.
type StateHandler func(state State, err error)

// DeriveWebSocketURL maps an http(s) API base URL to the ws(s) socket endpoint.
func DeriveWebSocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.TrimSuffix(u, "/api")
	return u + "/ws"
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type subscription[H any] struct {
	id string
	h  H
}

type eventDispatcher struct {
	mu       sync.RWMutex
	log      *zerolog.Logger
	handlers map[string][]subscription[Handler]
	onState  []subscription[StateHandler]
}

func newEventDispatcher(log *zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		log:      log,
		handlers: make(map[string][]subscription[Handler]),
	}
}

func (d *eventDispatcher) subscribe(event string, h Handler) func() {
	id := uuid.NewString()
	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], subscription[Handler]{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.handlers[event] = removeSubscription(d.handlers[event], id)
			if len(d.handlers[event]) == 0 {
				delete(d.handlers, event)
			}
		})
	}
}

func (d *eventDispatcher) subscribeState(h StateHandler) func() {
	id := uuid.NewString()
	d.mu.Lock()
	d.onState = append(d.onState, subscription[StateHandler]{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.onState = removeSubscription(d.onState, id)
			d.mu.Unlock()
		})
	}
}

func removeSubscription[H any](subs []subscription[H], id string) []subscription[H] {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// dispatch runs every handler for e in subscription order on the calling
// goroutine. Handlers run to completion before the next frame is read.
func (d *eventDispatcher) dispatch(e Event) {
	d.mu.RLock()
	subs := append([]subscription[Handler](nil), d.handlers[e.Name]...)
	d.mu.RUnlock()
	for _, s := range subs {
		d.safeCall(e.Name, func() { s.h(e) })
	}
}

func (d *eventDispatcher) emitState(state State, err error) {
	d.mu.RLock()
	subs := append([]subscription[StateHandler](nil), d.onState...)
	d.mu.RUnlock()
	for _, s := range subs {
		d.safeCall("state", func() { s.h(state, err) })
	}
}

func (d *eventDispatcher) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event", name).Interface("panic", r).Msg("subscriber panicked")
		}
	}()
	fn()
}

// ============================================================================
// Session
// ============================================================================

// Session owns the websocket connection to the messaging server. It never
// reconnects on its own: an unexpected drop moves it to StateFailed and the
// caller decides what to do next.
type Session struct {
	url        string
	config     *SessionConfig
	log        zerolog.Logger
	dispatcher *eventDispatcher

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	connID   string
	epoch    uint64
}

// NewSession creates a disconnected session for the given ws(s) URL.
func NewSession(wsURL string, config *SessionConfig) *Session {
	if config == nil {
		config = &SessionConfig{}
	}
	config.defaults()
	log := config.Logger.With().Str("component", "session").Logger()
	return &Session{
		url:        wsURL,
		config:     config,
		log:        log,
		dispatcher: newEventDispatcher(&log),
		state:      StateDisconnected,
	}
}

// Subscribe registers h for the named inbound event.
func (s *Session) Subscribe(event string, h Handler) func() {
	return s.dispatcher.subscribe(event, h)
}

// OnStateChange registers a state observer.
func (s *Session) OnStateChange(h StateHandler) func() {
	return s.dispatcher.subscribeState(h)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionID is the correlation id of the current connection, or "".
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Connect dials the server and waits for the handshake. ctx bounds the dial
// and handshake only; the established connection lives until Disconnect or
// a drop.
func (s *Session) Connect(ctx context.Context, token string) error {
	if token == "" {
		return &ConnectionError{Kind: MissingCredential}
	}

	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.epoch++
	epoch := s.epoch
	s.state = StateConnecting
	s.mu.Unlock()
	s.dispatcher.emitState(StateConnecting, nil)

	conn, err := s.handshake(ctx, token)
	if err != nil {
		s.log.Warn().Err(err).Msg("connect failed")
		if s.transition(epoch, StateFailed) {
			s.dispatcher.emitState(StateFailed, err)
		}
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	connID := uuid.NewString()

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return &ConnectionError{Kind: NetworkFailure, Err: errors.New("disconnected during handshake")}
	}
	s.conn = conn
	s.cancelFn = cancel
	s.connID = connID
	s.state = StateConnected
	s.mu.Unlock()

	s.log.Info().Str("conn_id", connID).Str("url", s.url).Msg("connected")
	s.dispatcher.emitState(StateConnected, nil)

	go s.readLoop(connCtx, conn, epoch)
	go s.heartbeatLoop(connCtx, conn)

	if err := s.Send(ctx, EventGetOnlineUsers, nil); err != nil {
		s.log.Warn().Err(err).Msg("request online users")
	}
	return nil
}

func (s *Session) handshake(ctx context.Context, token string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &ConnectionError{Kind: HandshakeRejected, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
		}
		return nil, &ConnectionError{Kind: NetworkFailure, Err: fmt.Errorf("websocket dial: %w", err)}
	}
	conn.SetReadLimit(s.config.ReadLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, &ConnectionError{Kind: NetworkFailure, Err: fmt.Errorf("read handshake: %w", err)}
	}

	switch name := gjson.GetBytes(data, "event").Str; name {
	case EventConnected:
		return conn, nil
	case EventConnectError:
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, &ConnectionError{Kind: HandshakeRejected, Err: errors.New(handshakeReason(data))}
	default:
		conn.Close(websocket.StatusProtocolError, "expected connected")
		return nil, &ConnectionError{Kind: HandshakeRejected, Err: fmt.Errorf("expected %q, got %q", EventConnected, name)}
	}
}

func handshakeReason(frame []byte) string {
	data := gjson.GetBytes(frame, "data")
	if msg := data.Get("message"); msg.Exists() {
		return msg.String()
	}
	if data.Type == gjson.String {
		return data.Str
	}
	return "connection refused"
}

// Disconnect closes the connection. It is a no-op when already disconnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.epoch++
	prev := s.state
	conn := s.conn
	cancel := s.cancelFn
	s.conn = nil
	s.cancelFn = nil
	s.connID = ""
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			s.log.Debug().Err(err).Msg("close")
		}
	}
	if cancel != nil {
		cancel()
	}
	if prev != StateDisconnected {
		s.log.Info().Msg("disconnected")
		s.dispatcher.emitState(StateDisconnected, nil)
	}
	return nil
}

// Send writes one event. It returns ErrNotConnected without writing anything
// unless the session is connected.
func (s *Session) Send(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	s.log.Debug().Str("event", event).Msg("sent")
	return nil
}

// transition moves to state if epoch is still current.
func (s *Session) transition(epoch uint64, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.state = state
	return true
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.drop(epoch, err)
			return
		}

		name := gjson.GetBytes(data, "event")
		if name.Type != gjson.String || name.Str == "" {
			s.log.Debug().Int("bytes", len(data)).Msg("ignoring frame without event name")
			continue
		}
		var payload json.RawMessage
		if raw := gjson.GetBytes(data, "data").Raw; raw != "" {
			payload = json.RawMessage(raw)
		}
		if !s.current(epoch) {
			s.log.Debug().Str("event", name.Str).Msg("dropping frame from closed connection")
			return
		}
		s.dispatcher.dispatch(Event{Name: name.Str, Data: payload})
	}
}

// current reports whether epoch still names the live connection.
func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

func (s *Session) drop(epoch uint64, cause error) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	cancel := s.cancelFn
	connID := s.connID
	s.conn = nil
	s.cancelFn = nil
	s.connID = ""
	s.state = StateFailed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := &ConnectionError{Kind: NetworkFailure, Err: cause}
	s.log.Warn().Err(cause).Str("conn_id", connID).Msg("connection lost")
	s.dispatcher.emitState(StateFailed, err)
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Msg("heartbeat failed")
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}
