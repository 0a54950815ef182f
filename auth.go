package parley

import (
	"sync"

	"github.com/google/uuid"
)

// TokenSource supplies the bearer token for outgoing requests. An empty
// token means the user is logged out.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource that never changes.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Credentials holds the current user's bearer token and tells observers
// when the user logs in or out.
type Credentials struct {
	mu        sync.RWMutex
	token     string
	userID    string
	observers []subscription[func(bool)]
}

// NewCredentials creates credentials, logged in when token is non-empty.
func NewCredentials(token string) *Credentials {
	return &Credentials{token: token}
}

func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// UserID is the id of the logged-in user, if known.
func (c *Credentials) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// LoggedIn reports whether a token is present.
func (c *Credentials) LoggedIn() bool {
	return c.Token() != ""
}

// Login stores token and notifies observers.
func (c *Credentials) Login(token, userID string) {
	c.mu.Lock()
	changed := c.token != token
	c.token = token
	c.userID = userID
	c.mu.Unlock()
	if changed {
		c.notify(token != "")
	}
}

// Logout drops the token and notifies observers if a user was logged in.
func (c *Credentials) Logout() {
	c.mu.Lock()
	was := c.token != ""
	c.token = ""
	c.userID = ""
	c.mu.Unlock()
	if was {
		c.notify(false)
	}
}

// OnChange registers an observer of login state.
func (c *Credentials) OnChange(fn func(loggedIn bool)) func() {
	id := uuid.NewString()
	c.mu.Lock()
	c.observers = append(c.observers, subscription[func(bool)]{id: id, h: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.observers = removeSubscription(c.observers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Credentials) notify(loggedIn bool) {
	c.mu.RLock()
	subs := append([]subscription[func(bool)](nil), c.observers...)
	c.mu.RUnlock()
	for _, s := range subs {
		s.h(loggedIn)
	}
}
