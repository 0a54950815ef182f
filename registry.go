package parley

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultSeenCapacity = 1024

// ErrSuperseded is returned by a conversation load whose result was
// discarded because a newer load started after it.
var ErrSuperseded = errors.New("superseded by a newer load")

// ConversationLister fetches the conversation list snapshot.
type ConversationLister interface {
	ListConversations(ctx context.Context, query string) ([]Conversation, error)
}

// seenIDs remembers the most recent message ids so that the same message
// arriving as both new_message and message_notification is applied once.
type seenIDs struct {
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

func newSeenIDs(capacity int) *seenIDs {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &seenIDs{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// add records id and reports whether it was new.
func (s *seenIDs) add(id string) bool {
	if elem, ok := s.entries[id]; ok {
		s.order.MoveToFront(elem)
		return false
	}
	s.entries[id] = s.order.PushFront(id)
	for s.order.Len() > s.capacity {
		last := s.order.Back()
		s.order.Remove(last)
		delete(s.entries, last.Value.(string))
	}
	return true
}

func (s *seenIDs) reset() {
	s.order.Init()
	s.entries = make(map[string]*list.Element, s.capacity)
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Scheduler      Scheduler
	SearchDebounce time.Duration
	SeenCapacity   int
	Logger         *zerolog.Logger
	// OnSearch is called after a debounced search load finishes, with the
	// load error if any. Superseded loads are not reported.
	OnSearch func(err error)
}

// Registry is the conversation list shown beside the active conversation.
// Display order is the order of the last snapshot; conversations synthesized
// from live messages are appended.
type Registry struct {
	api      ConversationLister
	counters *UnreadCounters
	log      zerolog.Logger
	search   *Debouncer[string]
	onSearch func(error)

	mu         sync.Mutex
	convs      []Conversation
	index      map[string]int
	seen       *seenIDs
	selfID     string
	activePeer string
	query      string
	loadSeq    uint64
}

// NewRegistry creates an empty registry that stores unread counts in counters.
func NewRegistry(api ConversationLister, counters *UnreadCounters, opts RegistryOptions) *Registry {
	if counters == nil {
		counters = NewUnreadCounters()
	}
	if opts.SearchDebounce <= 0 {
		opts.SearchDebounce = DefaultSearchDebounce
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "registry").Logger()
	}
	r := &Registry{
		api:      api,
		counters: counters,
		log:      log,
		onSearch: opts.OnSearch,
		index:    make(map[string]int),
		seen:     newSeenIDs(opts.SeenCapacity),
	}
	r.search = NewDebouncer(opts.SearchDebounce, opts.Scheduler, r.runSearch)
	return r
}

// SetSelf sets the current user's id.
func (r *Registry) SetSelf(userID string) {
	r.mu.Lock()
	r.selfID = userID
	r.mu.Unlock()
}

// SetActive sets the peer of the open conversation, or "" for none.
func (r *Registry) SetActive(peerID string) {
	r.mu.Lock()
	r.activePeer = peerID
	r.mu.Unlock()
}

// Load fetches the list for query and replaces the registry wholesale,
// resetting unread counts to the snapshot. A pending debounced search is
// cancelled.
func (r *Registry) Load(ctx context.Context, query string) ([]Conversation, error) {
	r.search.Cancel()
	return r.load(ctx, query)
}

func (r *Registry) load(ctx context.Context, query string) ([]Conversation, error) {
	r.mu.Lock()
	r.loadSeq++
	seq := r.loadSeq
	r.mu.Unlock()

	convs, err := r.api.ListConversations(ctx, query)

	r.mu.Lock()
	defer r.mu.Unlock()
	if seq != r.loadSeq {
		r.log.Debug().Str("query", query).Msg("discarding superseded load")
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, &ListLoadError{Query: query, Err: err}
	}

	r.query = query
	r.convs = make([]Conversation, 0, len(convs))
	r.index = make(map[string]int, len(convs))
	snapshot := make(map[string]uint, len(convs))
	for _, c := range convs {
		if c.Peer.ID == "" {
			continue
		}
		if _, dup := r.index[c.Peer.ID]; dup {
			continue
		}
		snapshot[c.Peer.ID] = c.UnreadCount
		c.UnreadCount = 0
		c.LastMessage = cloneSummary(c.LastMessage)
		r.index[c.Peer.ID] = len(r.convs)
		r.convs = append(r.convs, c)
	}
	r.counters.Replace(snapshot)
	if r.activePeer != "" {
		r.counters.Reset(r.activePeer)
	}
	r.log.Debug().Str("query", query).Int("count", len(r.convs)).Msg("conversations loaded")
	return r.listLocked(), nil
}

// Search schedules a debounced load for query. Each call replaces the
// pending query.
func (r *Registry) Search(query string) {
	r.search.Trigger(query)
}

func (r *Registry) runSearch(query string) {
	_, err := r.load(context.Background(), query)
	if errors.Is(err, ErrSuperseded) {
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("search failed")
	}
	if r.onSearch != nil {
		r.onSearch(err)
	}
}

// Query is the query of the applied snapshot.
func (r *Registry) Query() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.query
}

// ApplyInboundMessage folds a live message into the list and reports
// whether anything changed. A message id is applied at most once.
func (r *Registry) ApplyInboundMessage(msg Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(msg, nil)
}

// ApplyNotification folds an out-of-room notification into the list, using
// the sender details it carries for a conversation not yet listed.
func (r *Registry) ApplyNotification(n NotificationPayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var hint *Peer
	if n.ConversationWith.UserID != "" {
		p := n.ConversationWith.Peer()
		hint = &p
	}
	return r.applyLocked(n.Message, hint)
}

func (r *Registry) applyLocked(msg Message, hint *Peer) bool {
	if msg.ID != "" && !r.seen.add(msg.ID) {
		return false
	}

	ref := msg.Sender
	if r.selfID != "" && msg.Sender.ID == r.selfID {
		ref = msg.Recipient
	}
	if ref.ID == "" {
		return false
	}

	idx, ok := r.index[ref.ID]
	if !ok {
		peer := Peer{ID: ref.ID, DisplayName: ref.FirstName, Email: ref.Email}
		if hint != nil && hint.ID == ref.ID {
			peer = *hint
		}
		idx = len(r.convs)
		r.convs = append(r.convs, Conversation{Peer: peer})
		r.index[ref.ID] = idx
	}
	r.convs[idx].LastMessage = msg.Summary()

	sender := msg.SenderID()
	if sender != r.selfID && sender != r.activePeer {
		r.counters.Increment(ref.ID)
	}
	return true
}

// ApplyReadReceipt records that peerID read the current user's messages.
func (r *Registry) ApplyReadReceipt(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.index[peerID]
	if !ok {
		return false
	}
	last := r.convs[idx].LastMessage
	if last == nil || last.IsRead || last.SenderID != r.selfID {
		return false
	}
	updated := *last
	updated.IsRead = true
	r.convs[idx].LastMessage = &updated
	return true
}

// MarkRead zeroes the unread count of peerID.
func (r *Registry) MarkRead(peerID string) bool {
	return r.counters.Reset(peerID)
}

// Reset zeroes every unread count but keeps the list.
func (r *Registry) Reset() {
	r.counters.ResetAll()
}

// Clear drops the list, the counters and the current user. Used on logout.
func (r *Registry) Clear() {
	r.search.Cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadSeq++
	r.convs = nil
	r.index = make(map[string]int)
	r.seen.reset()
	r.selfID = ""
	r.activePeer = ""
	r.query = ""
	r.counters.ResetAll()
}

// Conversations returns the list in display order with current unread counts.
func (r *Registry) Conversations() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// Get returns the conversation with peerID.
func (r *Registry) Get(peerID string) (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.index[peerID]
	if !ok {
		return Conversation{}, false
	}
	c := r.convs[idx]
	c.LastMessage = cloneSummary(c.LastMessage)
	c.UnreadCount = r.counters.Get(peerID)
	return c, true
}

// Unread returns the unread count of peerID.
func (r *Registry) Unread(peerID string) uint {
	return r.counters.Get(peerID)
}

// TotalUnread sums all unread counts.
func (r *Registry) TotalUnread() uint {
	return r.counters.Total()
}

// Close cancels a pending search.
func (r *Registry) Close() {
	r.search.Close()
}

func (r *Registry) listLocked() []Conversation {
	out := make([]Conversation, len(r.convs))
	for i, c := range r.convs {
		c.LastMessage = cloneSummary(c.LastMessage)
		c.UnreadCount = r.counters.Get(c.Peer.ID)
		out[i] = c
	}
	return out
}

func cloneSummary(s *MessageSummary) *MessageSummary {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
