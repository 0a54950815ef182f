package parley

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(api *fakeAPI, sched Scheduler, onSearch func(error)) *Registry {
	r := NewRegistry(api, NewUnreadCounters(), RegistryOptions{
		Scheduler: sched,
		OnSearch:  onSearch,
	})
	r.SetSelf("me")
	return r
}

func TestRegistryLoadReplacesListAndCounters(t *testing.T) {
	api := newFakeAPI()
	api.convs[""] = []Conversation{conv("bob", 2), conv("alice", 0), conv("carol", 1)}
	r := newTestRegistry(api, newFakeScheduler(), nil)

	r.counters.Increment("zed")
	convs, err := r.Load(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "alice", "carol"}, peerIDs(convs))
	require.Equal(t, uint(2), convs[0].UnreadCount)
	require.Equal(t, uint(3), r.TotalUnread())
	require.Zero(t, r.Unread("zed"))

	api.convs[""] = []Conversation{conv("carol", 0)}
	convs, err = r.Load(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, []string{"carol"}, peerIDs(convs))
	require.Zero(t, r.TotalUnread())
}

func TestRegistryLoadKeepsActivePeerRead(t *testing.T) {
	api := newFakeAPI()
	api.convs[""] = []Conversation{conv("bob", 4), conv("alice", 1)}
	r := newTestRegistry(api, newFakeScheduler(), nil)
	r.SetActive("bob")

	_, err := r.Load(context.Background(), "")
	require.NoError(t, err)
	require.Zero(t, r.Unread("bob"))
	require.Equal(t, uint(1), r.Unread("alice"))
}

func TestRegistryLoadFailureKeepsList(t *testing.T) {
	api := newFakeAPI()
	api.convs[""] = []Conversation{conv("bob", 1)}
	r := newTestRegistry(api, newFakeScheduler(), nil)
	_, err := r.Load(context.Background(), "")
	require.NoError(t, err)

	api.listErr = errors.New("boom")
	_, err = r.Load(context.Background(), "x")
	var lerr *ListLoadError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, "x", lerr.Query)
	require.Equal(t, []string{"bob"}, peerIDs(r.Conversations()))
	require.Equal(t, "", r.Query())
}

func TestRegistryInboundUnreadRules(t *testing.T) {
	api := newFakeAPI()
	api.convs[""] = []Conversation{conv("bob", 0), conv("alice", 0)}
	r := newTestRegistry(api, newFakeScheduler(), nil)
	_, err := r.Load(context.Background(), "")
	require.NoError(t, err)
	r.SetActive("alice")

	require.True(t, r.ApplyInboundMessage(msg("m1", "bob", "me", "hi")))
	require.True(t, r.ApplyInboundMessage(msg("m2", "bob", "me", "again")))
	require.Equal(t, uint(2), r.Unread("bob"))

	// Active conversation stays caught up.
	require.True(t, r.ApplyInboundMessage(msg("m3", "alice", "me", "hello")))
	require.Zero(t, r.Unread("alice"))

	// Own messages update the preview but never count.
	require.True(t, r.ApplyInboundMessage(msg("m4", "me", "bob", "reply")))
	require.Equal(t, uint(2), r.Unread("bob"))

	c, ok := r.Get("bob")
	require.True(t, ok)
	require.Equal(t, "m4", c.LastMessage.ID)
	require.Equal(t, "me", c.LastMessage.SenderID)
	require.Equal(t, uint(2), c.UnreadCount)

	require.Equal(t, []string{"bob", "alice"}, peerIDs(r.Conversations()), "arrival never reorders")
}

func TestRegistryDedupAcrossEvents(t *testing.T) {
	api := newFakeAPI()
	r := newTestRegistry(api, newFakeScheduler(), nil)

	m := msg("m1", "bob", "me", "hi")
	require.True(t, r.ApplyNotification(NotificationPayload{
		Message:          m,
		ConversationWith: User{UserID: "bob", FirstName: "Bobby", Email: "bob@example.com"},
	}))
	require.False(t, r.ApplyInboundMessage(m))
	require.False(t, r.ApplyNotification(NotificationPayload{Message: m}))
	require.Equal(t, uint(1), r.Unread("bob"))

	c, ok := r.Get("bob")
	require.True(t, ok)
	require.Equal(t, "Bobby", c.Peer.DisplayName)
	require.Equal(t, "bob@example.com", c.Peer.Email)
}

func TestRegistrySynthesizesUnknownPeersAtTail(t *testing.T) {
	api := newFakeAPI()
	api.convs[""] = []Conversation{conv("bob", 0)}
	r := newTestRegistry(api, newFakeScheduler(), nil)
	_, err := r.Load(context.Background(), "")
	require.NoError(t, err)

	r.ApplyInboundMessage(msg("m1", "zoe", "me", "new here"))
	r.ApplyInboundMessage(msg("m2", "me", "yan", "hello stranger"))

	require.Equal(t, []string{"bob", "zoe", "yan"}, peerIDs(r.Conversations()))
	require.Equal(t, uint(1), r.Unread("zoe"))
	require.Zero(t, r.Unread("yan"))
}

func TestRegistrySeenWindowIsBounded(t *testing.T) {
	r := NewRegistry(newFakeAPI(), nil, RegistryOptions{SeenCapacity: 2, Scheduler: newFakeScheduler()})
	r.SetSelf("me")

	r.ApplyInboundMessage(msg("m1", "bob", "me", "a"))
	r.ApplyInboundMessage(msg("m2", "bob", "me", "b"))
	r.ApplyInboundMessage(msg("m3", "bob", "me", "c"))
	require.Equal(t, uint(3), r.Unread("bob"))

	require.False(t, r.ApplyInboundMessage(msg("m3", "bob", "me", "c")))
	require.True(t, r.ApplyInboundMessage(msg("m1", "bob", "me", "a")), "evicted ids are forgotten")
}

func TestRegistryReadReceipt(t *testing.T) {
	r := newTestRegistry(newFakeAPI(), newFakeScheduler(), nil)
	r.ApplyInboundMessage(msg("m1", "bob", "me", "theirs"))
	require.False(t, r.ApplyReadReceipt("bob"), "last message is not ours")

	r.ApplyInboundMessage(msg("m2", "me", "bob", "ours"))
	require.True(t, r.ApplyReadReceipt("bob"))
	require.False(t, r.ApplyReadReceipt("bob"))
	require.False(t, r.ApplyReadReceipt("nobody"))

	c, _ := r.Get("bob")
	require.True(t, c.LastMessage.IsRead)
}

func TestRegistrySearchDebounce(t *testing.T) {
	api := newFakeAPI()
	api.convs["ali"] = []Conversation{conv("alice", 0)}
	sched := newFakeScheduler()

	var mu sync.Mutex
	var results []error
	r := newTestRegistry(api, sched, func(err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	})

	r.Search("al")
	sched.Advance(100 * time.Millisecond)
	r.Search("ali")
	sched.Advance(299 * time.Millisecond)
	require.Empty(t, api.ListCalls())

	sched.Advance(time.Millisecond)
	require.Equal(t, []string{"ali"}, api.ListCalls())
	require.Equal(t, []string{"alice"}, peerIDs(r.Conversations()))
	require.Equal(t, "ali", r.Query())

	mu.Lock()
	require.Equal(t, []error{nil}, results)
	mu.Unlock()
}

func TestRegistryLoadCancelsPendingSearch(t *testing.T) {
	api := newFakeAPI()
	sched := newFakeScheduler()
	r := newTestRegistry(api, sched, nil)

	r.Search("bo")
	_, err := r.Load(context.Background(), "")
	require.NoError(t, err)
	sched.Advance(time.Second)
	require.Equal(t, []string{""}, api.ListCalls())
}

func TestRegistryDiscardsSupersededLoad(t *testing.T) {
	api := newFakeAPI()
	api.convs["old"] = []Conversation{conv("old-peer", 0)}
	api.convs["new"] = []Conversation{conv("new-peer", 0)}
	r := newTestRegistry(api, newFakeScheduler(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	api.listHook = func(query string) {
		if query == "old" {
			close(started)
			<-release
		}
	}

	errc := make(chan error, 1)
	go func() {
		_, err := r.Load(context.Background(), "old")
		errc <- err
	}()
	<-started

	_, err := r.Load(context.Background(), "new")
	require.NoError(t, err)
	close(release)

	require.ErrorIs(t, <-errc, ErrSuperseded)
	require.Equal(t, []string{"new-peer"}, peerIDs(r.Conversations()))
	require.Equal(t, "new", r.Query())
}

func TestRegistryClear(t *testing.T) {
	api := newFakeAPI()
	api.convs[""] = []Conversation{conv("bob", 3)}
	r := newTestRegistry(api, newFakeScheduler(), nil)
	_, err := r.Load(context.Background(), "")
	require.NoError(t, err)
	r.ApplyInboundMessage(msg("m1", "carol", "me", "x"))

	r.Reset()
	require.Zero(t, r.TotalUnread())
	require.Len(t, r.Conversations(), 2)

	r.Clear()
	require.Empty(t, r.Conversations())
	require.True(t, r.ApplyInboundMessage(msg("m1", "carol", "me", "x")), "seen ids are dropped on clear")
}
