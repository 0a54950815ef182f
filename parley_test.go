package parley

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRESTServer(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + "/api"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClientListConversations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/conversations", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "ali", r.URL.Query().Get("query"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"message": "Conversations retrieved successfully",
			"data": [
				{
					"conversationWith": {"userId": "u-alice", "firstName": "Alice", "email": "alice@example.com"},
					"lastMessage": {"_id": "m1", "content": "hi", "createdAt": "2026-03-01T12:00:00Z", "isRead": false, "sender": "u-alice", "recipient": "me"},
					"unreadCount": 2
				},
				{
					"conversationWith": {"userId": "u-bob", "firstName": "Bob", "email": "bob@example.com"},
					"lastMessage": null,
					"unreadCount": -1
				}
			],
			"count": 2
		}`))
	})
	client := NewClient(StaticToken("tok"), WithBaseURL(newRESTServer(t, mux)))

	convs, err := client.ListConversations(context.Background(), "ali")
	require.NoError(t, err)
	require.Len(t, convs, 2)

	require.Equal(t, Peer{ID: "u-alice", DisplayName: "Alice", Email: "alice@example.com"}, convs[0].Peer)
	require.Equal(t, uint(2), convs[0].UnreadCount)
	require.NotNil(t, convs[0].LastMessage)
	require.Equal(t, "m1", convs[0].LastMessage.ID)
	require.Equal(t, "u-alice", convs[0].LastMessage.SenderID)
	require.True(t, convs[0].LastMessage.CreatedAt.Equal(testTime))

	require.Nil(t, convs[1].LastMessage)
	require.Zero(t, convs[1].UnreadCount)
}

func TestClientHistory(t *testing.T) {
	client := NewClient(StaticToken("tok"))
	_, err := client.History(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrNoPeer)

	var gotQuery atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/conversation/{peer}", func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		writeJSON(w, http.StatusOK, map[string]any{
			"message":    "ok",
			"data":       []Message{msg("m1", "u-bob", "me", "hello"), msg("m2", "me", "u-bob", "hey")},
			"pagination": Pagination{Page: 2, Limit: 20, Count: 2},
		})
	})
	client = NewClient(StaticToken("tok"), WithBaseURL(newRESTServer(t, mux)))

	page, err := client.History(context.Background(), "u-bob", &PageOptions{Page: 2, Limit: 20})
	require.NoError(t, err)
	require.Equal(t, "limit=20&page=2", gotQuery.Load())
	require.Equal(t, []string{"m1", "m2"}, messageIDs(page.Messages))
	require.Equal(t, Pagination{Page: 2, Limit: 20, Count: 2}, page.Pagination)
	require.Equal(t, "u-bob", page.Messages[0].SenderID())

	_, err = client.History(context.Background(), "u-bob", nil)
	require.NoError(t, err)
	require.Equal(t, "limit=50&page=1", gotQuery.Load())
}

func TestClientUsers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "ok",
			"user":    User{UserID: "me", FirstName: "Me", Email: "me@example.com"},
		})
	})
	mux.HandleFunc("GET /api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, User{UserID: r.PathValue("id"), FirstName: "Bob"})
	})
	mux.HandleFunc("GET /api/users/others", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "ok",
			"count":   1,
			"users":   []User{{UserID: "u-bob", FirstName: "Bob"}},
		})
	})
	client := NewClient(StaticToken("tok"), WithBaseURL(newRESTServer(t, mux)))
	ctx := context.Background()

	me, err := client.Me(ctx)
	require.NoError(t, err)
	require.Equal(t, "me", me.UserID)
	require.Equal(t, "me@example.com", me.Email)

	bob, err := client.User(ctx, "u-bob")
	require.NoError(t, err)
	require.Equal(t, "u-bob", bob.UserID)
	require.Equal(t, "Bob", bob.FirstName)

	others, err := client.Others(ctx)
	require.NoError(t, err)
	require.Len(t, others, 1)
	require.Equal(t, "u-bob", others[0].UserID)

	_, err = client.User(ctx, "")
	require.ErrorIs(t, err, ErrNoPeer)
}

func TestClientUnreadCounts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/unread-count", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"message": "ok", "unreadCount": 7})
	})
	mux.HandleFunc("GET /api/messages/conversation/{peer}/unread-count", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "u-bob", r.PathValue("peer"))
		writeJSON(w, http.StatusOK, map[string]any{"message": "ok", "unreadCount": 3})
	})
	client := NewClient(StaticToken("tok"), WithBaseURL(newRESTServer(t, mux)))

	total, err := client.UnreadTotal(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, total)

	n, err := client.PeerUnread(context.Background(), "u-bob")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestClientDeleteMessage(t *testing.T) {
	var deleted atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "not-mine" {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "You can only delete your own messages"})
			return
		}
		deleted.Store(r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]string{"message": "Message deleted successfully"})
	})
	client := NewClient(StaticToken("tok"), WithBaseURL(newRESTServer(t, mux)))

	require.NoError(t, client.DeleteMessage(context.Background(), "m1"))
	require.Equal(t, "m1", deleted.Load())

	err := client.DeleteMessage(context.Background(), "not-mine")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.Status)
	require.Equal(t, "You can only delete your own messages", apiErr.Message)

	require.Error(t, client.DeleteMessage(context.Background(), ""))
}

func TestClientErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid token"})
	})
	mux.HandleFunc("GET /api/messages/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	})

	var unauthorized atomic.Int32
	client := NewClient(StaticToken("tok"),
		WithBaseURL(newRESTServer(t, mux)),
		WithUnauthorizedHandler(func() { unauthorized.Add(1) }),
	)

	_, err := client.Me(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.Equal(t, "Invalid token", apiErr.Message)
	require.Equal(t, int32(1), unauthorized.Load())

	_, err = client.ListConversations(context.Background(), "")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
	require.Equal(t, "upstream down", apiErr.Message)
	require.Equal(t, int32(1), unauthorized.Load())
}

func TestClientSignIn(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "hunter22" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, AuthResult{
			Message: "Signed in",
			Token:   "jwt-token",
			User:    &User{UserID: "me", Email: body["email"]},
		})
	})
	client := NewClient(nil, WithBaseURL(newRESTServer(t, mux)), WithTimeout(5*time.Second))

	res, err := client.SignIn(context.Background(), "me@example.com", "hunter22")
	require.NoError(t, err)
	require.Equal(t, "jwt-token", res.Token)
	require.Equal(t, "me@example.com", res.User.Email)

	_, err = client.SignIn(context.Background(), "me@example.com", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
