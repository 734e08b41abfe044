package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tsok-org/model-context-protocol/internal/idgen"
	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/sessions"
)

const defaultRequestTimeout = 60 * time.Second

var (
	// ErrEngineClosed is returned by operations attempted after Close.
	ErrEngineClosed = errors.New("protocol: engine closed")
	// ErrMethodAlreadyRegistered is returned by RegisterHandler for a
	// method that already has a handler installed.
	ErrMethodAlreadyRegistered = errors.New("protocol: method already registered")
	// ErrHandlerNotFound is the cause wrapped into a method-not-found
	// JSON-RPC error response when no handler matches an incoming
	// request's method.
	ErrHandlerNotFound = errors.New("protocol: no handler for method")
	// ErrRequestTimeout is returned by a PendingCall's Wait when no
	// response arrives within the configured timeout.
	ErrRequestTimeout = errors.New("protocol: request timed out")
	// ErrConnectionClosed is delivered to every outstanding PendingCall
	// and trips every incoming abort handle when a connection is
	// disconnected or the engine is closed.
	ErrConnectionClosed = errors.New("protocol: connection closed")
	// ErrRemoteCancelled is the cancellation cause (see context.Cause)
	// of an incoming request's handler context when the peer cancels
	// that request via notifications/cancelled; this is distinct from a
	// timeout or a connection loss.
	ErrRemoteCancelled = errors.New("protocol: request cancelled by peer")
)

// Hooks are optional lifecycle callbacks fired around outgoing traffic.
// Any of them may be nil.
type Hooks struct {
	OnBeforeSendRequest      func(ctx context.Context, connID, sessionID, method string)
	OnAfterSendRequest       func(ctx context.Context, connID, sessionID, method string, err error)
	OnBeforeSendNotification func(ctx context.Context, connID, sessionID, method string)
	OnAfterSendNotification  func(ctx context.Context, connID, sessionID, method string, err error)
}

// AfterHandleFunc is invoked once an inbound request or notification's
// registered Handler has returned, carrying whatever *sessions.Session
// the transport attached to the delivery (nil if none). A transport
// backed by a sessions.Store registers one of these to persist
// mutations a Handler made through Facade.Session back to the store.
type AfterHandleFunc func(ctx context.Context, connID, sessionID, method string, session *sessions.Session, err error)

// Engine is the transport-agnostic JSON-RPC 2.0 core described by the
// protocol design: connection bookkeeping, request/response
// correlation, cancellation, progress, and Feature-installed method
// dispatch. It has no notion of HTTP, SSE, or any broker backend.
type Engine struct {
	log   *slog.Logger
	idgen idgen.Generator
	id    string

	defaultTimeout time.Duration
	hooks          Hooks

	connMu sync.RWMutex
	conns  map[string]*Conn

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pendingMu sync.Mutex
	pending   map[pendingKey]*pendingRequest

	progressMu sync.Mutex
	// progressIndex maps (connID, sessionID, progressToken) to the
	// pendingKey whose onProgress callback should fire.
	progressIndex map[progressKey]pendingKey

	incomingMu sync.Mutex
	// incoming maps a request in flight to its handler's abort trigger.
	incoming map[pendingKey]context.CancelCauseFunc

	afterHandleMu sync.RWMutex
	afterHandle   []AfterHandleFunc

	closed bool
}

type progressKey struct {
	connID        string
	sessionID     string
	progressToken string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the engine's logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithIDGenerator overrides how the engine mints connection ids and
// outgoing request ids. Default is idgen.New().
func WithIDGenerator(g idgen.Generator) Option {
	return func(e *Engine) {
		if g != nil {
			e.idgen = g
		}
	}
}

// WithDefaultTimeout overrides how long an outgoing request waits for a
// response before failing with ErrRequestTimeout, when the caller's
// SendOptions.Timeout is zero. Default is 60s.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithHooks installs lifecycle hooks fired around outgoing sends.
func WithHooks(h Hooks) Option {
	return func(e *Engine) { e.hooks = h }
}

// New constructs an Engine with no handlers installed. Install behavior
// via AddFeature before accepting connections.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:            slog.Default(),
		idgen:          idgen.New(),
		defaultTimeout: defaultRequestTimeout,
		conns:          make(map[string]*Conn),
		handlers:       make(map[string]Handler),
		pending:        make(map[pendingKey]*pendingRequest),
		progressIndex:  make(map[progressKey]pendingKey),
		incoming:       make(map[pendingKey]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.id = e.idgen.Generate(idgen.Options{Prefix: "engine_"})
	return e
}

// featureContext adapts Engine.RegisterHandler to the FeatureContext
// interface handed to Feature.Initialize.
type featureContext struct{ e *Engine }

func (fc featureContext) RegisterHandler(method string, h Handler) error {
	return fc.e.RegisterHandler(method, h)
}

// AddFeature initializes f against this engine, letting it register
// whatever handlers it needs. AddFeature is not safe to call once
// connections are active; install every Feature before Connect.
func (e *Engine) AddFeature(ctx context.Context, f Feature) error {
	return f.Initialize(ctx, featureContext{e})
}

// RegisterHandler installs h for method directly, bypassing the Feature
// indirection. Returns ErrMethodAlreadyRegistered if method already has
// a handler.
func (e *Engine) RegisterHandler(method string, h Handler) error {
	if h == nil {
		return fmt.Errorf("protocol: nil handler for %q", method)
	}

	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()

	if _, exists := e.handlers[method]; exists {
		return fmt.Errorf("%w: %q", ErrMethodAlreadyRegistered, method)
	}
	e.handlers[method] = h
	return nil
}

func (e *Engine) lookupHandler(method string) (Handler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[method]
	return h, ok
}

// OnAfterHandle registers fn to run after every inbound request or
// notification's Handler returns. Safe to call after Connect; a
// transport typically registers its own store-persisting hook right
// after constructing its Conn.
func (e *Engine) OnAfterHandle(fn AfterHandleFunc) {
	if fn == nil {
		return
	}
	e.afterHandleMu.Lock()
	e.afterHandle = append(e.afterHandle, fn)
	e.afterHandleMu.Unlock()
}

func (e *Engine) runAfterHandle(ctx context.Context, connID, sessionID, method string, session *sessions.Session, err error) {
	e.afterHandleMu.RLock()
	hooks := e.afterHandle
	e.afterHandleMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, connID, sessionID, method, session, err)
	}
}

// Close tears down every connection, failing every outstanding
// PendingCall with ErrConnectionClosed and tripping every incoming
// abort handle. Close is idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.connMu.Lock()
	if e.closed {
		e.connMu.Unlock()
		return nil
	}
	e.closed = true
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.conns = make(map[string]*Conn)
	e.connMu.Unlock()

	for _, c := range conns {
		c.disconnectLocked(ErrConnectionClosed)
		_ = c.transport.Disconnect(ctx)
	}

	return nil
}

// completePending removes key from the pending table (if present),
// stops its timer, clears any progress-token index entry, and resolves
// or fails its PendingCall exactly once.
func (e *Engine) completePending(key pendingKey, resp *responseOrErr) {
	e.pendingMu.Lock()
	pr, ok := e.pending[key]
	if ok {
		delete(e.pending, key)
	}
	e.pendingMu.Unlock()
	if !ok {
		return
	}

	if pr.cancelTimer != nil {
		pr.cancelTimer()
	}
	if pr.progressToken != "" {
		e.progressMu.Lock()
		delete(e.progressIndex, progressKey{key.connID, key.sessionID, pr.progressToken})
		e.progressMu.Unlock()
	}
	pr.closeOnce.Do(func() { close(pr.done) })

	if resp.err != nil {
		pr.call.fail(resp.err)
	} else {
		pr.call.resolve(resp.resp)
	}
}

// responseOrErr is the payload for completePending: exactly one of its
// fields is set.
type responseOrErr struct {
	resp *jsonrpc.Response
	err  error
}
