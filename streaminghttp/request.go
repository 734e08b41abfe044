package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tsok-org/model-context-protocol/broker"
	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/protocol"
	"github.com/tsok-org/model-context-protocol/sessions"
	"github.com/tsok-org/model-context-protocol/topic"
)

// handlePost implements spec.md §4.D.3: accept negotiation, session
// resolution, batch parsing, the notifications-only fast path, and
// either a buffered JSON response or an SSE stream for batches that
// contain at least one request.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, ok := negotiateAccept(r, acceptableMediaTypes)
	if !ok {
		writeJSONRPCError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, "Accept must include application/json or text/event-stream")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "failed to read request body")
		return
	}

	raws, msgs, isArray, err := parseBatch(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, err.Error())
		return
	}

	sess, _, err := h.resolveSession(ctx, r)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeJSONRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidRequest, "unknown session")
			return
		}
		writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
		return
	}
	w.Header().Set(mcpSessionIDHeader, sess.ID)

	info := protocol.DeliveryInfo{
		SessionID: sess.ID,
		Metadata:  map[string]any{"remote_addr": r.RemoteAddr, "user_agent": r.UserAgent()},
		Session:   sess,
	}

	var requests []*jsonrpc.Request
	for _, m := range msgs {
		if m.Type() == "request" {
			requests = append(requests, m.AsRequest())
		}
	}

	if len(requests) == 0 {
		for i, m := range msgs {
			h.conn.Deliver(ctx, m, info)
			h.publishAudit(ctx, sess.ID, raws[i])
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	subs := make(map[string]broker.Subscription, len(requests))
	cleanup := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	for _, req := range requests {
		subject := topic.RequestOutbound(sess.ID, req.ID.String())
		sub, err := h.br.Subscribe(ctx, subject)
		if err != nil {
			cleanup()
			writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to open correlation subscription")
			return
		}
		subs[req.ID.String()] = sub
	}
	defer cleanup()

	for _, sub := range subs {
		if err := sub.Ready(ctx); err != nil {
			writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "correlation subscription never became ready")
			return
		}
	}

	// Only now, with every correlation subscription guaranteed live, may
	// the batch reach the engine: a handler that answers within a
	// microsecond must never be allowed to race the subscribe above.
	for _, m := range msgs {
		h.conn.Deliver(ctx, m, info)
	}

	mode, ok := h.decideResponseMode(r, sess, requests)
	if !ok {
		cleanup()
		writeJSONRPCError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, "chosen response mode is not acceptable to the client")
		return
	}
	if mode == ResponseModeSSE {
		h.streamSSEResponse(ctx, w, sess.ID, subs)
		return
	}
	h.writeJSONResponse(ctx, w, sess.ID, requests, subs, isArray)
}

// cancelRequest is fired when a client disconnects while a request it
// sent is still outstanding: it delivers a synthetic
// notifications/cancelled to the local engine so a handler honoring its
// abort signal learns about it, and publishes the same notification on
// request-inbound(session, request) for any other node that might be
// running this request's handler.
func (h *Handler) cancelRequest(ctx context.Context, sessionID, requestID string) {
	params, err := json.Marshal(map[string]any{"requestId": requestID, "reason": "client disconnected"})
	if err != nil {
		return
	}
	note := &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "notifications/cancelled", Params: params}
	h.conn.Deliver(ctx, note, protocol.DeliveryInfo{SessionID: sessionID})

	data, err := json.Marshal(note)
	if err != nil {
		return
	}
	if _, err := h.br.Publish(ctx, topic.RequestInbound(sessionID, requestID), data); err != nil {
		h.log.Warn("failed to publish cancellation", "session_id", sessionID, "request_id", requestID, "err", err)
	}
}

// decideResponseMode implements spec.md §4.D.3 step 6: the policy picks
// a mode independent of Accept, then that choice must itself be
// acceptable to the client or the request is rejected with 406.
func (h *Handler) decideResponseMode(r *http.Request, sess *sessions.Session, requests []*jsonrpc.Request) (ResponseMode, bool) {
	mode := h.cfg.responseModeStrategy(sess, requests)

	acceptHeader := r.Header.Get("Accept")
	if acceptHeader == "" || strings.Contains(acceptHeader, "*/*") {
		return mode, true
	}
	if mode == ResponseModeSSE {
		return mode, strings.Contains(acceptHeader, "text/event-stream")
	}
	return mode, strings.Contains(acceptHeader, "application/json")
}

func (h *Handler) writeJSONResponse(ctx context.Context, w http.ResponseWriter, sessionID string, requests []*jsonrpc.Request, subs map[string]broker.Subscription, isArray bool) {
	timeoutCtx, cancel := context.WithTimeout(ctx, h.cfg.responseTimeout)
	defer cancel()

	responses := make([]*jsonrpc.Response, 0, len(requests))
	for _, req := range requests {
		sub := subs[req.ID.String()]
		resp, err := awaitTerminalResponse(timeoutCtx, sub)
		if err != nil {
			if ctx.Err() != nil {
				h.cancelRequest(context.WithoutCancel(ctx), sessionID, req.ID.String())
			}
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Request timeout", nil)
		}
		responses = append(responses, resp)
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	if isArray || len(responses) != 1 {
		_ = enc.Encode(responses)
		return
	}
	_ = enc.Encode(responses[0])
}

func awaitTerminalResponse(ctx context.Context, sub broker.Subscription) (*jsonrpc.Response, error) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		var any jsonrpc.AnyMessage
		if err := json.Unmarshal(msg.Payload, &any); err != nil {
			_ = msg.Ack(ctx)
			continue
		}
		_ = msg.Ack(ctx)
		if any.Type() == "response" {
			return any.AsResponse(), nil
		}
		// A progress notification landed on the same request-scoped
		// subject; the JSON-mode caller only wants the terminal answer.
	}
}

func (h *Handler) streamSSEResponse(ctx context.Context, w http.ResponseWriter, sessionID string, subs map[string]broker.Subscription) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming not supported by this response writer")
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: ctx}
	_, _ = wf.Write([]byte(": streaming response\n\n"))
	wf.Flush()

	var remaining atomic.Int32
	remaining.Store(int32(len(subs)))
	done := make(chan struct{})

	var mu sync.Mutex
	finished := make(map[string]bool, len(subs))

	var wg sync.WaitGroup
	for reqID, sub := range subs {
		wg.Add(1)
		go func(reqID string, sub broker.Subscription) {
			defer wg.Done()
			for {
				msg, err := sub.Next(ctx)
				if err != nil {
					return
				}
				terminal := false
				var any jsonrpc.AnyMessage
				if err := json.Unmarshal(msg.Payload, &any); err == nil && any.Type() == "response" {
					terminal = true
				}
				if writeSSEEvent(wf, msg.EventID, msg.Payload) != nil {
					_ = msg.Ack(ctx)
					return
				}
				_ = msg.Ack(ctx)
				if terminal {
					mu.Lock()
					finished[reqID] = true
					mu.Unlock()
					if remaining.Add(-1) == 0 {
						close(done)
					}
					return
				}
			}
		}(reqID, sub)
	}

	select {
	case <-done:
	case <-ctx.Done():
		detached := context.WithoutCancel(ctx)
		mu.Lock()
		for reqID := range subs {
			if !finished[reqID] {
				h.cancelRequest(detached, sessionID, reqID)
			}
		}
		mu.Unlock()
	}
	wg.Wait()
}

func (h *Handler) publishAudit(ctx context.Context, sessionID string, raw json.RawMessage) {
	if _, err := h.br.Publish(ctx, topic.BackgroundOutbound(sessionID), raw); err != nil {
		h.log.Warn("failed to publish audit copy", "session_id", sessionID, "err", err)
	}
}

// parseBatch accepts either a single JSON-RPC object or a JSON array of
// them, matching spec.md §4.D.3's batch handling.
func parseBatch(body []byte) (raws []json.RawMessage, msgs []*jsonrpc.AnyMessage, isArray bool, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil, false, fmt.Errorf("empty request body")
	}

	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, nil, true, fmt.Errorf("invalid JSON-RPC batch: %w", err)
		}
		isArray = true
	} else {
		raws = []json.RawMessage{json.RawMessage(trimmed)}
	}

	if len(raws) == 0 {
		return nil, nil, isArray, fmt.Errorf("batch must not be empty")
	}

	msgs = make([]*jsonrpc.AnyMessage, 0, len(raws))
	for _, raw := range raws {
		var m jsonrpc.AnyMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, nil, isArray, fmt.Errorf("invalid JSON-RPC message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return raws, msgs, isArray, nil
}

// handleGet implements spec.md §4.D.4: the long-lived background
// channel forwarding server-initiated requests and notifications that
// are not tied to any particular client request.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeJSONRPCError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, "GET requires Accept: text/event-stream")
		return
	}

	sessionID := resolveSessionID(r)
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "missing Mcp-Session-Id")
		return
	}

	if h.cfg.sessionStore != nil {
		meta := sessions.RequestMetadata{Header: r.Header, RemoteAddr: r.RemoteAddr}
		if _, err := h.cfg.sessionStore.Get(ctx, sessionID, meta); err != nil {
			if errors.Is(err, sessions.ErrNotFound) {
				writeJSONRPCError(w, http.StatusNotFound, jsonrpc.ErrorCodeInvalidRequest, "unknown session")
				return
			}
			writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
			return
		}
	}

	var subOpts []broker.SubscribeOption
	if last := r.Header.Get(lastEventIDHeader); last != "" {
		subOpts = append(subOpts, broker.FromEventID(last))
	}

	outboundSub, err := h.br.Subscribe(ctx, topic.BackgroundOutbound(sessionID), subOpts...)
	if err != nil {
		writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to open background subscription")
		return
	}
	defer func() { _ = outboundSub.Unsubscribe() }()

	inboundSub, err := h.br.Subscribe(ctx, topic.BackgroundInbound(sessionID), subOpts...)
	if err != nil {
		writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to open background subscription")
		return
	}
	defer func() { _ = inboundSub.Unsubscribe() }()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming not supported by this response writer")
		return
	}

	w.Header().Set(mcpSessionIDHeader, sessionID)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: ctx}
	_, _ = wf.Write([]byte(": connected to background channel\n\n"))
	wf.Flush()

	// The background channel is reserved for notifications and
	// server-initiated requests per MCP; a response or error payload
	// landing here (the notifications-only POST path republishes client
	// responses onto background-outbound) is acked and dropped, not
	// forwarded.
	forward := func(sub broker.Subscription, wg *sync.WaitGroup) {
		defer wg.Done()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			var any jsonrpc.AnyMessage
			if err := json.Unmarshal(msg.Payload, &any); err == nil && any.Type() == "response" {
				_ = msg.Ack(ctx)
				continue
			}
			if err := writeSSEEvent(wf, msg.EventID, msg.Payload); err != nil {
				_ = msg.Ack(ctx)
				return
			}
			_ = msg.Ack(ctx)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go forward(outboundSub, &wg)
	go forward(inboundSub, &wg)
	wg.Wait()
}

// handleDelete implements spec.md §4.D.5: idempotent session
// termination.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := resolveSessionID(r)
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "missing Mcp-Session-Id")
		return
	}

	if h.cfg.sessionStore != nil {
		meta := sessions.RequestMetadata{Header: r.Header, RemoteAddr: r.RemoteAddr}
		if err := h.cfg.sessionStore.Delete(ctx, sessionID, meta); err != nil {
			writeJSONRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, err.Error())
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
