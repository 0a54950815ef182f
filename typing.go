package parley

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTimeout is how long local input may stay idle before a
// typing_stop is emitted.
const DefaultTypingTimeout = 3 * time.Second

// TypingEmitter sends an outbound typing signal (EventTypingStart or
// EventTypingStop) for a peer.
type TypingEmitter func(event, peerID string)

type outboundTyping struct {
	signaling bool
	gen       uint64
	timer     Timer
}

// TypingCoordinator tracks both directions of typing state.
//
// Outbound: at most one start/stop pair per continuous typing session. The
// start is guarded by a per-peer signaling flag that only the stop clears.
// Inbound: the server's isTyping flag is trusted as is.
type TypingCoordinator struct {
	mu sync.Mutex
	// emitMu keeps outbound signals in decision order while mu is free.
	emitMu sync.Mutex

	emit     TypingEmitter
	sched    Scheduler
	timeout  time.Duration
	outbound map[string]*outboundTyping
	remote   map[string]bool
	seq      uint64
	closed   bool
}

// NewTypingCoordinator creates a coordinator. A zero timeout uses
// DefaultTypingTimeout and a nil scheduler uses SystemScheduler.
func NewTypingCoordinator(emit TypingEmitter, sched Scheduler, timeout time.Duration) *TypingCoordinator {
	if sched == nil {
		sched = SystemScheduler
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if emit == nil {
		emit = func(string, string) {}
	}
	return &TypingCoordinator{
		emit:     emit,
		sched:    sched,
		timeout:  timeout,
		outbound: make(map[string]*outboundTyping),
		remote:   make(map[string]bool),
	}
}

// OnLocalInputChanged reacts to the compose box changing for peerID.
func (t *TypingCoordinator) OnLocalInputChanged(peerID, text string) {
	if peerID == "" {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	st := t.outbound[peerID]
	if text == "" {
		event := ""
		if st != nil && st.signaling {
			event = t.stopLocked(peerID, st)
		}
		t.unlockAndEmit(event, peerID)
		return
	}

	if st == nil {
		st = &outboundTyping{}
		t.outbound[peerID] = st
	}
	event := ""
	if !st.signaling {
		st.signaling = true
		event = EventTypingStart
	}
	t.armLocked(peerID, st)
	t.unlockAndEmit(event, peerID)
}

// StopLocal ends an active outbound typing session for peerID, if any.
func (t *TypingCoordinator) StopLocal(peerID string) {
	t.mu.Lock()
	event := ""
	if st := t.outbound[peerID]; st != nil && st.signaling {
		event = t.stopLocked(peerID, st)
	}
	t.unlockAndEmit(event, peerID)
}

// IsSignaling reports whether a typing_start is outstanding for peerID.
func (t *TypingCoordinator) IsSignaling(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.outbound[peerID]
	return st != nil && st.signaling
}

func (t *TypingCoordinator) armLocked(peerID string, st *outboundTyping) {
	if st.timer != nil {
		st.timer.Stop()
	}
	t.seq++
	st.gen = t.seq
	gen := st.gen
	st.timer = t.sched.AfterFunc(t.timeout, func() {
		t.expire(peerID, gen)
	})
}

func (t *TypingCoordinator) expire(peerID string, gen uint64) {
	t.mu.Lock()
	st := t.outbound[peerID]
	if st == nil || st.gen != gen || !st.signaling {
		t.mu.Unlock()
		return
	}
	st.timer = nil
	t.unlockAndEmit(t.stopLocked(peerID, st), peerID)
}

// stopLocked ends the outbound session and returns the event to emit.
func (t *TypingCoordinator) stopLocked(peerID string, st *outboundTyping) string {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen = 0
	st.signaling = false
	delete(t.outbound, peerID)
	return EventTypingStop
}

// unlockAndEmit releases mu, then emits event (if any). The emitter may
// block on the network, so it never runs under mu.
func (t *TypingCoordinator) unlockAndEmit(event, peerID string) {
	if event == "" {
		t.mu.Unlock()
		return
	}
	t.emitMu.Lock()
	t.mu.Unlock()
	defer t.emitMu.Unlock()
	t.emit(event, peerID)
}

// OnRemoteTyping records the server-asserted typing flag for peerID. It
// reports whether the displayed state changed.
func (t *TypingCoordinator) OnRemoteTyping(peerID string, isTyping bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote[peerID] == isTyping {
		return false
	}
	if isTyping {
		t.remote[peerID] = true
	} else {
		delete(t.remote, peerID)
	}
	return true
}

// ClearRemote hides the indicator for peerID, e.g. when the active
// conversation moves away from it.
func (t *TypingCoordinator) ClearRemote(peerID string) bool {
	return t.OnRemoteTyping(peerID, false)
}

func (t *TypingCoordinator) IsTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote[peerID]
}

// Typing returns the peers currently shown as typing, sorted.
func (t *TypingCoordinator) Typing() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.remote))
	for id := range t.remote {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Reset drops all state and stops timers without emitting anything. Used when
// the session goes away and outbound signals can no longer be delivered.
func (t *TypingCoordinator) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

// Close stops every timer. The coordinator ignores input afterwards.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
	t.closed = true
}

func (t *TypingCoordinator) resetLocked() {
	for _, st := range t.outbound {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	t.outbound = make(map[string]*outboundTyping)
	t.remote = make(map[string]bool)
}
