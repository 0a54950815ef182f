package parley

import (
	"errors"
	"fmt"
)

// ConnectionErrorKind classifies why a session could not be established.
type ConnectionErrorKind int

const (
	MissingCredential ConnectionErrorKind = iota + 1
	HandshakeRejected
	NetworkFailure
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case MissingCredential:
		return "missing credential"
	case HandshakeRejected:
		return "handshake rejected"
	case NetworkFailure:
		return "network error"
	default:
		return "connection error"
	}
}

// ConnectionError is fatal to the session. It is never retried automatically.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches any ConnectionError of the same kind, so the sentinels below
// work with errors.Is regardless of the wrapped cause.
func (e *ConnectionError) Is(target error) bool {
	var t *ConnectionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Kind == e.Kind
}

// Connection errors.
var (
	ErrMissingCredential = &ConnectionError{Kind: MissingCredential}
	ErrHandshakeRejected = &ConnectionError{Kind: HandshakeRejected}
	ErrNetwork           = &ConnectionError{Kind: NetworkFailure}
)

// Session and engine errors.
var (
	ErrNotConnected = errors.New("session not connected")
	ErrOffline      = errors.New("cannot send while offline")
	ErrNoPeer       = errors.New("peer id is required")
	ErrEmptyMessage = errors.New("message content is empty")
)

// SendError is a server-reported send failure (message_error).
type SendError struct {
	Reason string
}

func (e *SendError) Error() string { return "send failed: " + e.Reason }

// HistoryLoadError wraps a failed history fetch for a peer.
type HistoryLoadError struct {
	PeerID string
	Err    error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history for %s: %v", e.PeerID, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

// ListLoadError wraps a failed conversation list fetch.
type ListLoadError struct {
	Query string
	Err   error
}

func (e *ListLoadError) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("load conversations: %v", e.Err)
	}
	return fmt.Sprintf("load conversations %q: %v", e.Query, e.Err)
}

func (e *ListLoadError) Unwrap() error { return e.Err }

// DeleteError wraps a failed delete. Local state is untouched when it is returned.
type DeleteError struct {
	MessageID string
	Err       error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete message %s: %v", e.MessageID, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }
