package parley

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// PageOptions selects a page of conversation history.
type PageOptions struct {
	Page  int
	Limit int
}

// Pagination is the metadata returned alongside a history page.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Count int `json:"count"`
}

// ============================================================================
// Users
// ============================================================================

// User is a directory entry as returned by the users endpoints.
type User struct {
	UserID    string    `json:"userId"`
	FirstName string    `json:"firstName"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Peer returns the user as a conversation peer.
func (u User) Peer() Peer {
	return Peer{ID: u.UserID, DisplayName: u.FirstName, Email: u.Email}
}

// UserRef is the embedded user shape carried by messages.
type UserRef struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName"`
	Email     string `json:"email"`
}

// Peer is the other participant of a one-to-one conversation.
type Peer struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	}
	return false
}

// Message is a chat message. Only IsRead and ReadAt change after creation.
type Message struct {
	ID        string      `json:"messageId"`
	Sender    UserRef     `json:"sender"`
	Recipient UserRef     `json:"recipient"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"messageType"`
	IsRead    bool        `json:"isRead"`
	ReadAt    *time.Time  `json:"readAt"`
	CreatedAt time.Time   `json:"createdAt"`
}

func (m Message) SenderID() string    { return m.Sender.ID }
func (m Message) RecipientID() string { return m.Recipient.ID }

// Summary reduces the message to the shape a conversation row carries.
func (m Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:          m.ID,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		IsRead:      m.IsRead,
		SenderID:    m.Sender.ID,
		RecipientID: m.Recipient.ID,
	}
}

// MessageSummary is the last-message preview of a conversation.
type MessageSummary struct {
	ID          string    `json:"_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	IsRead      bool      `json:"isRead"`
	SenderID    string    `json:"sender"`
	RecipientID string    `json:"recipient"`
}

// MessagePage is one page of conversation history, oldest first.
type MessagePage struct {
	Messages   []Message
	Pagination Pagination
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is one row of the conversation list.
type Conversation struct {
	Peer        Peer
	LastMessage *MessageSummary
	UnreadCount uint
}

// wireConversation is the row shape the server sends.
type wireConversation struct {
	ConversationWith struct {
		UserID    string `json:"userId"`
		FirstName string `json:"firstName"`
		Email     string `json:"email"`
	} `json:"conversationWith"`
	LastMessage *MessageSummary `json:"lastMessage"`
	UnreadCount int             `json:"unreadCount"`
}

func (w wireConversation) conversation() Conversation {
	unread := w.UnreadCount
	if unread < 0 {
		unread = 0
	}
	return Conversation{
		Peer: Peer{
			ID:          w.ConversationWith.UserID,
			DisplayName: w.ConversationWith.FirstName,
			Email:       w.ConversationWith.Email,
		},
		LastMessage: w.LastMessage,
		UnreadCount: uint(unread),
	}
}

// ============================================================================
// Response envelopes
// ============================================================================

type listResponse[T any] struct {
	Message string `json:"message"`
	Data    []T    `json:"data"`
	Count   int    `json:"count"`
}

type historyResponse struct {
	Message    string     `json:"message"`
	Data       []Message  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

type usersResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
	Users   []User `json:"users"`
}

type unreadResponse struct {
	Message     string `json:"message"`
	UnreadCount int    `json:"unreadCount"`
}

// AuthResult is returned by sign-in.
type AuthResult struct {
	Message string `json:"message"`
	Token   string `json:"token"`
	User    *User  `json:"user,omitempty"`
}

// decodeError builds an APIError from an error response body.
func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	if apiErr.Message == "" {
		apiErr.Message = "request failed"
	}
	return apiErr
}
