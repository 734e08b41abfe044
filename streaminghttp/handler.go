package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/elnormous/contenttype"

	"github.com/tsok-org/model-context-protocol/broker"
	"github.com/tsok-org/model-context-protocol/internal/idgen"
	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/internal/logctx"
	"github.com/tsok-org/model-context-protocol/protocol"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	acceptableMediaTypes = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	lastEventIDHeader        = "Last-Event-ID"
)

var _ http.Handler = (*Handler)(nil)

// Handler is the Streamable-HTTP transport. It mounts as a standard
// net/http.Handler and correlates every request/response through br.
type Handler struct {
	cfg *config
	log *slog.Logger

	br   broker.Broker
	eng  *protocol.Engine
	conn *protocol.Conn

	mux *http.ServeMux

	ready  atomic.Bool
	closed atomic.Bool
}

// New constructs a Handler, connecting eng to a broker-routed transport.
func New(ctx context.Context, br broker.Broker, eng *protocol.Engine, opts ...Option) (*Handler, error) {
	if br == nil {
		return nil, fmt.Errorf("streaminghttp: broker is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("streaminghttp: engine is required")
	}

	cfg := newConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	conn, err := eng.Connect(newBrokerTransport(br))
	if err != nil {
		return nil, fmt.Errorf("streaminghttp: connect engine: %w", err)
	}

	h := &Handler{cfg: cfg, log: log, br: br, eng: eng, conn: conn}
	if cfg.sessionStore != nil {
		eng.OnAfterHandle(h.persistSession)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /readiness", h.handleReadiness)
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.endpoint), h.withMiddleware(h.handlePost))
	if cfg.enableBackgroundChannel {
		mux.HandleFunc(fmt.Sprintf("GET %s", cfg.endpoint), h.withMiddleware(h.handleGet))
	}
	if cfg.enableSessionTermination {
		mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.endpoint), h.withMiddleware(h.handleDelete))
	}
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", cfg.endpoint), h.handleOptions)
	mux.HandleFunc(cfg.endpoint, h.handleMethodNotAllowed)
	h.mux = mux

	h.ready.Store(true)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  h.cfg.idgen.Generate(idgen.Options{Prefix: "req_"}),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// Close tears down the engine connection and invokes the on-close hook
// exactly once.
func (h *Handler) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := h.conn.Disconnect(ctx)
	if h.cfg.onClose != nil {
		h.cfg.onClose()
	}
	return err
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "listening": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "listening": true})
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", allowedMethods(h.cfg))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", allowedMethods(h.cfg))
	w.WriteHeader(http.StatusMethodNotAllowed)
}

func allowedMethods(cfg *config) string {
	methods := []string{"POST", "OPTIONS"}
	if cfg.enableBackgroundChannel {
		methods = append(methods, "GET")
	}
	if cfg.enableSessionTermination {
		methods = append(methods, "DELETE")
	}
	return strings.Join(methods, ", ")
}

// withMiddleware wraps next with the configured middleware chain,
// matching spec.md §4.D.2: ordered (req,res,next) and (err,req,res,next)
// stages, stopping as soon as one writes the response to completion.
func (h *Handler) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	chain := h.cfg.middlewares
	return func(w http.ResponseWriter, r *http.Request) {
		rw := &statusRecorder{ResponseWriter: w}

		var run func(i int, err error)
		run = func(i int, err error) {
			if rw.written {
				return
			}
			if i >= len(chain) {
				if err != nil {
					writeJSONRPCError(rw, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
					return
				}
				next(rw, r)
				return
			}

			switch mw := chain[i].(type) {
			case HandlerMiddleware:
				if err != nil {
					run(i+1, err)
					return
				}
				mw(rw, r, func(nextErr error) { run(i+1, nextErr) })
			case ErrorMiddleware:
				if err == nil {
					run(i+1, nil)
					return
				}
				mw(err, rw, r, func(nextErr error) { run(i+1, nextErr) })
			default:
				run(i+1, err)
			}
		}
		run(0, nil)
	}
}

// statusRecorder tracks whether a response has already been committed,
// so the middleware chain can stop as soon as one stage finishes it.
type statusRecorder struct {
	http.ResponseWriter
	written bool
}

func (s *statusRecorder) WriteHeader(code int) {
	s.written = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.written = true
	return s.ResponseWriter.Write(b)
}

// Flush forwards to the underlying ResponseWriter's Flusher, if any.
// Declared unconditionally so a wrapped SSE response writer is still
// recognized by a w.(http.Flusher) assertion further down the chain.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONRPCError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	resp := jsonrpc.NewErrorResponse(nil, code, msg, nil)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// lockedWriteFlusher serializes concurrent writes/flushes to an SSE
// response and stops writing once ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return err
		}
	}
	if _, err := wf.Write([]byte("event: message\ndata: ")); err != nil {
		return err
	}
	if _, err := wf.Write(payload); err != nil {
		return err
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return err
	}
	wf.Flush()
	return nil
}

func negotiateAccept(r *http.Request, acceptable []contenttype.MediaType) (contenttype.MediaType, bool) {
	if r.Header.Get("Accept") == "" {
		return acceptable[0], true
	}
	mt, _, err := contenttype.GetAcceptableMediaType(r, acceptable)
	if err != nil {
		return contenttype.MediaType{}, false
	}
	return mt, true
}

func resolveSessionID(r *http.Request) string {
	if v := r.Header.Get(mcpSessionIDHeader); v != "" {
		return v
	}
	return r.URL.Query().Get("sessionId")
}
