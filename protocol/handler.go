package protocol

import (
	"context"
	"time"

	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/sessions"
)

// HandlerInfo carries the context a Handler needs beyond the request
// body itself.
type HandlerInfo struct {
	// Method is the JSON-RPC method being dispatched.
	Method string
	// Timestamp is when the engine received the message.
	Timestamp time.Time
	// SessionID is the resolved session, if any.
	SessionID string
	// Metadata is whatever the transport attached via DeliveryInfo.
	Metadata map[string]any
	// Session is the session record the transport attached via
	// DeliveryInfo.Session, if any. Also reachable from the Handler's
	// Facade.
	Session *sessions.Session
	// Abort is closed when the caller sends notifications/cancelled for
	// this request, or the connection is torn down. Request handlers
	// should select on it alongside their own blocking work. Unused for
	// notification handlers.
	Abort <-chan struct{}
}

// Facade is what a Handler uses to talk back to the peer on the same
// connection, independent of the request it was invoked for.
type Facade interface {
	ConnectionID() string
	SessionID() string

	// Session returns the session record the transport attached for
	// the message this Handler was invoked for, or nil if it attached
	// none. streaminghttp attaches one to every POSTed message; without a
	// session store that record is synthetic and never persisted. A
	// Feature may mutate it directly (SetValue, Initialize); a transport
	// with a session store persists those mutations once the Handler
	// returns.
	Session() *sessions.Session

	// Request sends a server-initiated request and returns a future for
	// the eventual response.
	Request(ctx context.Context, method string, params any, opts SendOptions) (*PendingCall, error)

	// Notify sends a server-initiated notification. There is no
	// response to wait for.
	Notify(ctx context.Context, method string, params any) error

	// Progress reports incremental progress against the request this
	// Facade was handed for. It is a notifications/progress carrying
	// the originating request's id as progress token, routed so a
	// transport can deliver it alongside that request's eventual
	// response. Returns an error if this Facade was not obtained while
	// handling a request (e.g. from a notification handler).
	Progress(ctx context.Context, progress float64, total *float64) error
}

// Handler processes one request or notification. For a request, a
// non-nil result (or error) becomes the JSON-RPC response; returning
// (nil, nil) against a request with an ID still produces a null-result
// response. For a notification the return value is discarded — engines
// never reply to notifications.
type Handler func(ctx context.Context, facade Facade, req *jsonrpc.Request, info HandlerInfo) (any, error)

// FeatureContext is the registration surface handed to Feature.Initialize.
type FeatureContext interface {
	// RegisterHandler installs h for method. Re-registering the same
	// method is an error.
	RegisterHandler(method string, h Handler) error
}

// Feature is a self-contained bundle of handlers installed into an
// Engine at construction time. The engine has no built-in methods of
// its own (not even "initialize") — every method a deployment supports
// arrives via a Feature.
type Feature interface {
	Initialize(ctx context.Context, fc FeatureContext) error
}
