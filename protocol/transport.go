// Package protocol implements the transport-agnostic JSON-RPC core:
// connection management, request/response correlation, handler
// dispatch, cancellation, progress, timeouts, and Feature installation.
// It knows nothing about HTTP, SSE, or any particular broker backend —
// those live in streaminghttp and broker, wired together by whatever
// Transport implementation a caller supplies.
package protocol

import (
	"context"

	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/sessions"
)

// Route addresses an outgoing message. SessionID is always required.
// RequestID is set when emitting the response to a specific incoming
// request; otherwise the message is classified as background traffic.
type Route struct {
	SessionID string
	RequestID string
}

// Transport is what a connection sends through. Implementations (e.g.
// streaminghttp) are responsible for turning Send calls into whatever
// wire representation and broker publish they use, and for guaranteeing
// that Disconnect tears down any resources they opened for this
// connection.
type Transport interface {
	// Send delivers msg, routed as described by route.
	Send(ctx context.Context, route Route, msg jsonrpc.Message) error

	// Disconnect notifies the transport that the engine has severed this
	// connection.
	Disconnect(ctx context.Context) error
}

// DeliveryInfo is transport-supplied context accompanying one inbound
// message.
type DeliveryInfo struct {
	// SessionID is the resolved session this message arrived on, if
	// any.
	SessionID string

	// Metadata is opaque transport-supplied data (e.g. selected HTTP
	// headers) made available to handlers via HandlerInfo.Metadata.
	Metadata map[string]any

	// Session is the session record this message arrived on, if the
	// transport supplies one (streaminghttp supplies a synthetic,
	// unpersisted record when it has no session store). A Handler reaches
	// it through Facade.Session and may mutate it directly (SetValue,
	// Initialize); a transport with a session store is responsible for
	// persisting those mutations back to it once the handler returns.
	Session *sessions.Session
}
