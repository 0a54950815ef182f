package parley

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Event Names
// ============================================================================

// Outbound events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkMessagesRead  = "mark_messages_read"
	EventGetOnlineUsers    = "get_online_users"
)

// Inbound events.
const (
	EventNewMessage          = "new_message"
	EventMessageSent         = "message_sent"
	EventMessageError        = "message_error"
	EventMessageNotification = "message_notification"
	EventUserTyping          = "user_typing"
	EventMessagesRead        = "messages_read"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventOnlineUsers         = "online_users"
)

// Handshake frames.
const (
	EventConnected    = "connected"
	EventConnectError = "connect_error"
)

// ============================================================================
// Envelope
// ============================================================================

// Event is one decoded push frame.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Data, v)
}

// envelope is the wire format for every frame in both directions.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Handler receives an event on the session's read goroutine.
type Handler func(Event)

// Subscriber is the subscription half of a Session.
type Subscriber interface {
	Subscribe(event string, h Handler) (unsubscribe func())
}

// ============================================================================
// Payload Types
// ============================================================================

// PeerPayload addresses a conversation room or a typing/read signal.
type PeerPayload struct {
	OtherUserID string `json:"otherUserId"`
}

// SendMessagePayload is the body of send_message.
type SendMessagePayload struct {
	RecipientID string      `json:"recipientId"`
	Content     string      `json:"content"`
	Kind        MessageKind `json:"messageType"`
}

// MessageSentPayload confirms a send_message.
type MessageSentPayload struct {
	MessageID string `json:"messageId"`
}

// MessageErrorPayload reports a rejected send_message.
type MessageErrorPayload struct {
	Error string `json:"error"`
}

// NotificationPayload is pushed to a recipient that is not in the
// conversation room.
type NotificationPayload struct {
	Message          Message `json:"message"`
	ConversationWith User    `json:"conversationWith"`
}

// TypingPayload reports that a peer started or stopped typing.
type TypingPayload struct {
	UserID   string `json:"userId"`
	UserInfo User   `json:"userInfo"`
	IsTyping bool   `json:"isTyping"`
}

// ReadPayload reports that a peer read the current user's messages.
type ReadPayload struct {
	ReadBy   string    `json:"readBy"`
	UserInfo User      `json:"userInfo"`
	ReadAt   time.Time `json:"readAt,omitempty"`
}

// StatusPayload reports a presence transition.
type StatusPayload struct {
	UserID   string `json:"userId"`
	UserInfo User   `json:"userInfo"`
}

// ============================================================================
// Typed Subscriptions
// ============================================================================

func subscribeTyped[T any](s Subscriber, event string, h func(T)) func() {
	return s.Subscribe(event, func(e Event) {
		var p T
		if e.Decode(&p) == nil {
			h(p)
		}
	})
}

// OnNewMessage subscribes to messages delivered to a joined room.
func OnNewMessage(s Subscriber, h func(Message)) func() {
	return subscribeTyped(s, EventNewMessage, h)
}

// OnMessageSent subscribes to send confirmations.
func OnMessageSent(s Subscriber, h func(MessageSentPayload)) func() {
	return subscribeTyped(s, EventMessageSent, h)
}

// OnMessageError subscribes to send failures.
func OnMessageError(s Subscriber, h func(MessageErrorPayload)) func() {
	return subscribeTyped(s, EventMessageError, h)
}

// OnMessageNotification subscribes to out-of-room message notifications.
func OnMessageNotification(s Subscriber, h func(NotificationPayload)) func() {
	return subscribeTyped(s, EventMessageNotification, h)
}

func OnUserTyping(s Subscriber, h func(TypingPayload)) func() {
	return subscribeTyped(s, EventUserTyping, h)
}

func OnMessagesRead(s Subscriber, h func(ReadPayload)) func() {
	return subscribeTyped(s, EventMessagesRead, h)
}

func OnUserOnline(s Subscriber, h func(StatusPayload)) func() {
	return subscribeTyped(s, EventUserOnline, h)
}

func OnUserOffline(s Subscriber, h func(StatusPayload)) func() {
	return subscribeTyped(s, EventUserOffline, h)
}

// OnOnlineUsers subscribes to the presence snapshot, a list of user ids.
func OnOnlineUsers(s Subscriber, h func([]string)) func() {
	return subscribeTyped(s, EventOnlineUsers, h)
}
