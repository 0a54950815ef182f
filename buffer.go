package parley

import (
	"sync"
	"time"
)

// ActiveBuffer is the message log of the one conversation currently open.
//
// Messages are kept in arrival order, not createdAt order: without server
// sequence numbers, network delivery order is the only ordering signal, and
// it is not corrected for clock skew. A message id is never stored twice.
type ActiveBuffer struct {
	mu       sync.RWMutex
	peerID   string
	gen      uint64
	messages []Message
	ids      map[string]struct{}
}

// NewActiveBuffer creates a closed buffer.
func NewActiveBuffer() *ActiveBuffer {
	return &ActiveBuffer{ids: make(map[string]struct{})}
}

// Open discards whatever was open and starts an empty log for peerID. The
// returned generation must be passed to ReplaceHistory.
func (b *ActiveBuffer) Open(peerID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.peerID = peerID
	b.messages = nil
	b.ids = make(map[string]struct{})
	return b.gen
}

// Close discards the log. Nothing is merged back into the registry.
func (b *ActiveBuffer) Close() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.peerID
	b.gen++
	b.peerID = ""
	b.messages = nil
	b.ids = make(map[string]struct{})
	return prev
}

// Peer returns the open peer, or "" when nothing is open.
func (b *ActiveBuffer) Peer() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.peerID
}

// Generation identifies the current Open.
func (b *ActiveBuffer) Generation() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gen
}

// ReplaceHistory installs a fetched history page if gen still identifies the
// current Open. Live messages appended after Open and absent from the history
// are kept after it. It reports whether the history was applied.
func (b *ActiveBuffer) ReplaceHistory(gen uint64, history []Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.peerID == "" {
		return false
	}

	next := make([]Message, 0, len(history)+len(b.messages))
	ids := make(map[string]struct{}, len(history)+len(b.messages))
	for _, m := range history {
		if _, dup := ids[m.ID]; dup || m.ID == "" {
			continue
		}
		ids[m.ID] = struct{}{}
		next = append(next, m)
	}
	for _, m := range b.messages {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		next = append(next, m)
	}
	b.messages = next
	b.ids = ids
	return true
}

// Append adds msg at the tail if it belongs to the open conversation and its
// id is new. It reports whether the buffer changed.
func (b *ActiveBuffer) Append(msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peerID == "" || msg.ID == "" {
		return false
	}
	if msg.SenderID() != b.peerID && msg.RecipientID() != b.peerID {
		return false
	}
	if _, dup := b.ids[msg.ID]; dup {
		return false
	}
	b.ids[msg.ID] = struct{}{}
	b.messages = append(b.messages, msg)
	return true
}

// Remove deletes a message locally. Call it only after the server confirmed
// the delete.
func (b *ActiveBuffer) Remove(messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.ids[messageID]; !ok {
		return false
	}
	delete(b.ids, messageID)
	for i, m := range b.messages {
		if m.ID == messageID {
			b.messages = append(b.messages[:i:i], b.messages[i+1:]...)
			break
		}
	}
	return true
}

// ApplyReadReceipt marks every message selfID sent to readerID as read.
func (b *ActiveBuffer) ApplyReadReceipt(selfID, readerID string, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peerID != readerID {
		return false
	}
	changed := false
	for i := range b.messages {
		m := &b.messages[i]
		if m.IsRead || m.Sender.ID != selfID || m.Recipient.ID != readerID {
			continue
		}
		readAt := at
		m.IsRead = true
		m.ReadAt = &readAt
		changed = true
	}
	return changed
}

// Contains reports whether messageID is in the buffer.
func (b *ActiveBuffer) Contains(messageID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ids[messageID]
	return ok
}

// Messages returns a copy of the log.
func (b *ActiveBuffer) Messages() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

func (b *ActiveBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}
