package streaminghttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tsok-org/model-context-protocol/internal/idgen"
	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/sessions"
)

const (
	defaultEndpoint        = "/mcp"
	defaultResponseTimeout = 30 * time.Second
)

// ResponseMode is the transport's choice of how to answer a POST that
// contains at least one request.
type ResponseMode string

const (
	ResponseModeJSON ResponseMode = "json"
	ResponseModeSSE  ResponseMode = "sse"
)

// ResponseModeStrategy inspects the requests in one POST batch (plus
// whatever the session carries) and picks how the transport answers.
// The default strategy favors SSE for methods known to stream partial
// results and for any request carrying a progress token.
type ResponseModeStrategy func(sess *sessions.Session, requests []*jsonrpc.Request) ResponseMode

var defaultStreamingProneMethods = map[string]bool{
	"tools/call":             true,
	"prompts/get":            true,
	"sampling/createMessage": true,
}

func defaultResponseModeStrategy(_ *sessions.Session, requests []*jsonrpc.Request) ResponseMode {
	for _, req := range requests {
		if defaultStreamingProneMethods[req.Method] {
			return ResponseModeSSE
		}
		if hasProgressToken(req.Params) {
			return ResponseModeSSE
		}
	}
	return ResponseModeJSON
}

// NextFunc advances the middleware chain, optionally carrying an error
// that routes subsequent dispatch to the next error-aware middleware.
type NextFunc func(err error)

// HandlerMiddleware runs in sequence ahead of the MCP handler as long
// as no earlier middleware has produced an error. Call next(nil) to
// continue, or next(err) to skip directly to the next ErrorMiddleware.
type HandlerMiddleware func(w http.ResponseWriter, r *http.Request, next NextFunc)

// ErrorMiddleware runs only once an earlier middleware has called
// next(err). It may recover by calling next(nil), or propagate the
// error (or a replacement) by calling next(err) again.
type ErrorMiddleware func(err error, w http.ResponseWriter, r *http.Request, next NextFunc)

type config struct {
	endpoint                 string
	middlewares              []any // HandlerMiddleware | ErrorMiddleware, in registration order
	responseTimeout          time.Duration
	responseModeStrategy     ResponseModeStrategy
	enableBackgroundChannel  bool
	enableSessionTermination bool
	logger                   *slog.Logger
	sessionStore             sessions.Store
	idgen                    idgen.Generator
	onClose                  func()
}

func newConfig() *config {
	return &config{
		endpoint:                 defaultEndpoint,
		responseTimeout:          defaultResponseTimeout,
		responseModeStrategy:     defaultResponseModeStrategy,
		enableBackgroundChannel:  true,
		enableSessionTermination: true,
		logger:                   slog.Default(),
		idgen:                    idgen.New(),
	}
}

// Option configures a Handler.
type Option func(*config)

// WithEndpoint overrides the MCP endpoint path. Default "/mcp".
func WithEndpoint(path string) Option {
	return func(c *config) {
		if path != "" {
			c.endpoint = path
		}
	}
}

// WithMiddleware appends a request-handling middleware to the chain.
func WithMiddleware(mw HandlerMiddleware) Option {
	return func(c *config) { c.middlewares = append(c.middlewares, mw) }
}

// WithErrorMiddleware appends an error-handling middleware to the chain.
func WithErrorMiddleware(mw ErrorMiddleware) Option {
	return func(c *config) { c.middlewares = append(c.middlewares, mw) }
}

// WithResponseTimeout bounds a POST's total wait for a JSON-mode
// response. Default 30s.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// WithResponseModeStrategy overrides the json/sse selection policy.
func WithResponseModeStrategy(s ResponseModeStrategy) Option {
	return func(c *config) {
		if s != nil {
			c.responseModeStrategy = s
		}
	}
}

// WithBackgroundChannel toggles the GET endpoint. Default enabled.
func WithBackgroundChannel(enabled bool) Option {
	return func(c *config) { c.enableBackgroundChannel = enabled }
}

// WithSessionTermination toggles the DELETE endpoint. Default enabled.
func WithSessionTermination(enabled bool) Option {
	return func(c *config) { c.enableSessionTermination = enabled }
}

// WithLogger overrides the handler's base logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSessionStore installs a sessions.Store. Without one, the
// transport runs stateless: every POST without a recognized session
// header mints a fresh UUID-backed session that is never retrievable
// across requests.
func WithSessionStore(s sessions.Store) Option {
	return func(c *config) { c.sessionStore = s }
}

// WithIDGenerator overrides how stateless-mode session ids are minted.
func WithIDGenerator(g idgen.Generator) Option {
	return func(c *config) {
		if g != nil {
			c.idgen = g
		}
	}
}

// WithOnClose installs a hook invoked exactly once when the handler is
// closed.
func WithOnClose(fn func()) Option {
	return func(c *config) { c.onClose = fn }
}
