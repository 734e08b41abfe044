// Package sessions is the narrow CRUD store described by the protocol
// core: a session carries a state tag, an opaque key/value bag, and
// MCP-negotiated metadata once initialization has occurred. A session's
// id is immutable for its lifetime; its state only transitions forward.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// State is a session's lifecycle tag. It only ever transitions forward:
// Created -> Initialized -> {Expired|Deleted}.
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateExpired     State = "expired"
	StateDeleted     State = "deleted"
)

// ErrNotFound is returned by Get and Update for an unknown session id.
// Delete of an unknown id is not an error.
var ErrNotFound = errors.New("sessions: not found")

// ErrInvalidTransition is returned when a caller attempts to move a
// session's state tag backward or out of order.
var ErrInvalidTransition = errors.New("sessions: invalid state transition")

// NegotiatedMetadata holds the MCP initialize handshake's negotiated
// fields. Zero value means initialization has not occurred yet.
type NegotiatedMetadata struct {
	ProtocolVersion    string          `json:"protocolVersion"`
	ClientInfo         json.RawMessage `json:"clientInfo,omitempty"`
	ServerInfo         json.RawMessage `json:"serverInfo,omitempty"`
	ClientCapabilities json.RawMessage `json:"clientCapabilities,omitempty"`
	ServerCapabilities json.RawMessage `json:"serverCapabilities,omitempty"`
}

// Session is the server-side record identified by an opaque id. A
// Session reaches a Handler through Facade.Session and may be mutated
// concurrently by more than one in-flight request on the same
// connection, so its bag and state transitions are guarded internally.
type Session struct {
	ID         string
	State      State
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiredAt  *time.Time
	DeletedAt  *time.Time
	Negotiated NegotiatedMetadata

	mu  sync.Mutex
	bag map[string]json.RawMessage
}

// GetValue reads a key from the session's opaque key/value bag. The
// returned bool reports whether the key was present.
func (s *Session) GetValue(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bag == nil {
		return nil, false
	}
	v, ok := s.bag[key]
	return v, ok
}

// SetValue writes a key into the session's opaque key/value bag.
func (s *Session) SetValue(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bag == nil {
		s.bag = make(map[string]json.RawMessage)
	}
	s.bag[key] = value
}

// Bag returns a copy of the key/value map, safe to range over without
// holding the session's lock.
func (s *Session) Bag() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.bag))
	for k, v := range s.bag {
		out[k] = v
	}
	return out
}

// Initialize transitions a Created session to Initialized, recording
// the negotiated handshake metadata. Returns ErrInvalidTransition if
// the session is not currently Created.
func (s *Session) Initialize(meta NegotiatedMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != StateCreated {
		return ErrInvalidTransition
	}
	s.State = StateInitialized
	s.Negotiated = meta
	return nil
}

// RequestMetadata opaquely carries the inbound HTTP request's headers
// and remote address for store implementations that bind sessions to
// cookies, client IP, or an auth token. The core never looks inside it.
type RequestMetadata struct {
	Header     http.Header
	RemoteAddr string
}

// Store is the CRUD contract a session-store backend implements. All
// methods must make per-session mutations atomic against concurrent
// callers.
type Store interface {
	// Create mints a new session in state Created.
	Create(ctx context.Context, meta RequestMetadata) (*Session, error)

	// Get returns the session for id, or ErrNotFound.
	Get(ctx context.Context, id string, meta RequestMetadata) (*Session, error)

	// Update persists mutations made to an already-created session
	// (state transitions, bag writes, negotiated metadata).
	Update(ctx context.Context, session *Session) error

	// Delete removes a session. Idempotent: deleting an unknown or
	// already-deleted id is not an error.
	Delete(ctx context.Context, id string, meta RequestMetadata) error
}
