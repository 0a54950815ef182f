// Package parley is a client for the Parley one-to-one chat server.
//
// It covers the REST API and the real-time websocket session, and layers a
// synchronization Engine on top that keeps the conversation list, unread
// counts, presence, typing indicators and the open conversation consistent
// while push events arrive.
//
// Example:
//
//	creds := parley.NewCredentials(token)
//	client := parley.NewClient(creds, parley.WithBaseURL("http://localhost:3000/api"))
//	session := parley.NewSession("ws://localhost:3000/ws", nil)
//
//	engine := parley.NewEngine(session, client, creds)
//	engine.Observe(func(c parley.Change) { ... })
//	engine.Start(ctx)
//	engine.OpenConversation(ctx, "peer-id")
//	engine.SendMessage(ctx, "peer-id", "hi", parley.KindText)
package parley

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL      = "http://localhost:3000/api"
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryLimit = 50
)

// ============================================================================
// Client
// ============================================================================

// API is the REST surface the Engine depends on.
type API interface {
	ConversationLister
	Me(ctx context.Context) (*User, error)
	History(ctx context.Context, peerID string, opts *PageOptions) (*MessagePage, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Client is the REST client.
type Client struct {
	tokens         TokenSource
	baseURL        string
	httpClient     *http.Client
	onUnauthorized func()
	log            zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithUnauthorizedHandler sets a callback run on every 401 response,
// typically Credentials.Logout.
func WithUnauthorizedHandler(fn func()) ClientOption {
	return func(c *Client) { c.onUnauthorized = fn }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log.With().Str("component", "rest").Logger() }
}

// NewClient creates a REST client. tokens may be nil for unauthenticated
// calls such as SignIn.
func NewClient(tokens TokenSource, opts ...ClientOption) *Client {
	if tokens == nil {
		tokens = StaticToken("")
	}
	c := &Client{
		tokens:  tokens,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized && c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func pageQuery(opts *PageOptions) url.Values {
	q := url.Values{}
	page, limit := 1, DefaultHistoryLimit
	if opts != nil {
		if opts.Page > 0 {
			page = opts.Page
		}
		if opts.Limit > 0 {
			limit = opts.Limit
		}
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	return q
}

// ============================================================================
// Auth
// ============================================================================

// SignIn exchanges credentials for a bearer token.
func (c *Client) SignIn(ctx context.Context, email, password string) (*AuthResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/auth/signin", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResult](data)
}

// SignUp registers a new account.
func (c *Client) SignUp(ctx context.Context, firstName, email, password string) (*AuthResult, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/auth/signup", map[string]string{
		"firstName": firstName,
		"email":     email,
		"password":  password,
	}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[AuthResult](data)
}

// ============================================================================
// Users
// ============================================================================

// Me returns the current user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeUser(data)
}

// Others lists every user except the current one.
func (c *Client) Others(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users/others", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[usersResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// User looks up one user by id.
func (c *Client) User(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, ErrNoPeer
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeUser(data)
}

// Users lists every registered user.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[usersResponse](data)
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// decodeUser accepts both a bare user object and one wrapped as {"user": ...}.
func decodeUser(data []byte) (*User, error) {
	if wrapped := gjson.GetBytes(data, "user"); wrapped.IsObject() {
		data = []byte(wrapped.Raw)
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Conversations & Messages
// ============================================================================

// ListConversations returns the conversation list, optionally filtered by
// a peer name or email query.
func (c *Client) ListConversations(ctx context.Context, query string) ([]Conversation, error) {
	var q url.Values
	if query != "" {
		q = url.Values{"query": {query}}
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/conversations", nil, q)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[listResponse[wireConversation]](data)
	if err != nil {
		return nil, err
	}
	convs := make([]Conversation, 0, len(resp.Data))
	for _, w := range resp.Data {
		convs = append(convs, w.conversation())
	}
	return convs, nil
}

// History returns one page of the conversation with peerID, oldest first.
func (c *Client) History(ctx context.Context, peerID string, opts *PageOptions) (*MessagePage, error) {
	if peerID == "" {
		return nil, ErrNoPeer
	}
	path := "/messages/conversation/" + url.PathEscape(peerID)
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, pageQuery(opts))
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[historyResponse](data)
	if err != nil {
		return nil, err
	}
	return &MessagePage{Messages: resp.Data, Pagination: resp.Pagination}, nil
}

// DeleteMessage deletes a message the current user sent.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	_, err := c.doRequest(ctx, http.MethodDelete, "/messages/"+url.PathEscape(messageID), nil, nil)
	return err
}

// UnreadTotal returns the server's count of unread messages across all
// conversations.
func (c *Client) UnreadTotal(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/messages/unread-count", nil, nil)
	if err != nil {
		return 0, err
	}
	resp, err := decodeJSON[unreadResponse](data)
	if err != nil {
		return 0, err
	}
	return resp.UnreadCount, nil
}

// PeerUnread returns the server's unread count for one conversation.
func (c *Client) PeerUnread(ctx context.Context, peerID string) (int, error) {
	if peerID == "" {
		return 0, ErrNoPeer
	}
	path := "/messages/conversation/" + url.PathEscape(peerID) + "/unread-count"
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return 0, err
	}
	resp, err := decodeJSON[unreadResponse](data)
	if err != nil {
		return 0, err
	}
	return resp.UnreadCount, nil
}
