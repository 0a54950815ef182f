package parley

import "sync"

// UnreadCounters holds per-peer unread counts. Counts never go below zero.
type UnreadCounters struct {
	mu     sync.RWMutex
	counts map[string]uint
}

// NewUnreadCounters creates an empty counter set.
func NewUnreadCounters() *UnreadCounters {
	return &UnreadCounters{counts: make(map[string]uint)}
}

func (u *UnreadCounters) Get(peerID string) uint {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.counts[peerID]
}

// Increment adds one unread message for peerID and returns the new count.
func (u *UnreadCounters) Increment(peerID string) uint {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts[peerID]++
	return u.counts[peerID]
}

// Decrement removes one unread message, clamping at zero.
func (u *UnreadCounters) Decrement(peerID string) uint {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.counts[peerID] > 0 {
		u.counts[peerID]--
	}
	return u.counts[peerID]
}

// Reset zeroes a single peer. It reports whether the count changed.
func (u *UnreadCounters) Reset(peerID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.counts[peerID] == 0 {
		return false
	}
	u.counts[peerID] = 0
	return true
}

// ResetAll zeroes every peer.
func (u *UnreadCounters) ResetAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id := range u.counts {
		u.counts[id] = 0
	}
}

// Replace swaps in a server snapshot wholesale.
func (u *UnreadCounters) Replace(snapshot map[string]uint) {
	next := make(map[string]uint, len(snapshot))
	for id, n := range snapshot {
		next[id] = n
	}
	u.mu.Lock()
	u.counts = next
	u.mu.Unlock()
}

// Total sums all counters.
func (u *UnreadCounters) Total() uint {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var total uint
	for _, n := range u.counts {
		total += n
	}
	return total
}

// Snapshot returns a copy of the non-zero counters.
func (u *UnreadCounters) Snapshot() map[string]uint {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[string]uint, len(u.counts))
	for id, n := range u.counts {
		if n > 0 {
			out[id] = n
		}
	}
	return out
}
