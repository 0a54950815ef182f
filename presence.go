package parley

import (
	"sort"
	"sync"
)

// PresenceTracker is the set of peers that currently hold a live connection.
// It trusts the server: there is no staleness timeout.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{})}
}

// Snapshot replaces the whole set.
func (p *PresenceTracker) Snapshot(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			next[id] = struct{}{}
		}
	}
	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
}

// MarkOnline adds id. It reports whether the set changed.
func (p *PresenceTracker) MarkOnline(id string) bool {
	if id == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[id]; ok {
		return false
	}
	p.online[id] = struct{}{}
	return true
}

// MarkOffline removes id. It reports whether the set changed.
func (p *PresenceTracker) MarkOffline(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.online[id]; !ok {
		return false
	}
	delete(p.online, id)
	return true
}

func (p *PresenceTracker) IsOnline(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[id]
	return ok
}

// Online returns the online ids, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (p *PresenceTracker) Clear() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	p.mu.Unlock()
}
