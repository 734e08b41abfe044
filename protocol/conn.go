package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tsok-org/model-context-protocol/internal/idgen"
	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/sessions"
)

// Conn is one connected peer. A transport obtains a Conn from
// Engine.Connect, hands every inbound message to Conn.Deliver, and
// calls Conn.Disconnect when the underlying link goes away.
type Conn struct {
	id        string
	engine    *Engine
	transport Transport
}

// ID returns the engine-minted connection id.
func (c *Conn) ID() string { return c.id }

// Connect registers t as a new connection and returns a handle for
// delivering messages into the engine and sending messages out through
// t. An engine may have many connections open concurrently, and a
// single logical session may, over its lifetime, be associated with
// more than one connection (e.g. a streaming-HTTP client resuming on a
// fresh GET after a dropped stream).
func (e *Engine) Connect(t Transport) (*Conn, error) {
	if t == nil {
		return nil, fmt.Errorf("protocol: nil transport")
	}

	e.connMu.Lock()
	if e.closed {
		e.connMu.Unlock()
		return nil, ErrEngineClosed
	}
	id := e.idgen.Generate(idgen.Options{Prefix: "conn_"})
	c := &Conn{id: id, engine: e, transport: t}
	e.conns[id] = c
	e.connMu.Unlock()

	e.log.Debug("connection established", "conn_id", id)
	return c, nil
}

// Disconnect severs c: every pending outgoing request on this
// connection fails with ErrConnectionClosed, every in-flight incoming
// request's abort handle trips, and the transport's own Disconnect is
// invoked.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.engine.connMu.Lock()
	if _, ok := c.engine.conns[c.id]; !ok {
		c.engine.connMu.Unlock()
		return nil
	}
	delete(c.engine.conns, c.id)
	c.engine.connMu.Unlock()

	c.disconnectLocked(ErrConnectionClosed)
	c.engine.log.Debug("connection disconnected", "conn_id", c.id)
	return c.transport.Disconnect(ctx)
}

// disconnectLocked fails every pending/incoming/progress entry scoped
// to this connection with cause. It does not touch the connection
// registry or the transport.
func (c *Conn) disconnectLocked(cause error) {
	e := c.engine

	e.incomingMu.Lock()
	for key, cancel := range e.incoming {
		if key.connID == c.id {
			cancel(cause)
			delete(e.incoming, key)
		}
	}
	e.incomingMu.Unlock()

	var keys []pendingKey
	e.pendingMu.Lock()
	for key := range e.pending {
		if key.connID == c.id {
			keys = append(keys, key)
		}
	}
	e.pendingMu.Unlock()
	for _, key := range keys {
		e.completePending(key, &responseOrErr{err: cause})
	}
}

// Deliver classifies and routes one inbound message. Requests and
// notifications are dispatched to handlers on their own goroutine so
// that a slow handler never blocks the transport's read loop; responses
// are correlated synchronously since that work never blocks.
func (c *Conn) Deliver(ctx context.Context, msg *jsonrpc.AnyMessage, info DeliveryInfo) {
	if msg == nil {
		return
	}

	switch msg.Type() {
	case "response":
		c.handleResponse(msg.AsResponse(), info)
	case "request":
		go c.processRequest(ctx, msg.AsRequest(), info)
	case "notification":
		go c.handleNotification(ctx, msg.AsRequest(), info)
	}
}

func (c *Conn) handleResponse(resp *jsonrpc.Response, info DeliveryInfo) {
	if resp == nil || resp.ID == nil {
		return
	}
	key := pendingKey{connID: c.id, sessionID: info.SessionID, requestID: resp.ID.String()}
	c.engine.completePending(key, &responseOrErr{resp: resp})
}

func (c *Conn) handleNotification(ctx context.Context, note *jsonrpc.Request, info DeliveryInfo) {
	switch note.Method {
	case "notifications/cancelled":
		c.handleCancelled(note, info)
	case "notifications/progress":
		c.handleProgress(note, info)
	default:
		c.dispatchNotification(ctx, note, info)
	}
}

type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

func (c *Conn) handleCancelled(note *jsonrpc.Request, info DeliveryInfo) {
	var params cancelledParams
	if len(note.Params) > 0 {
		if err := json.Unmarshal(note.Params, &params); err != nil {
			c.engine.log.Warn("malformed notifications/cancelled", "conn_id", c.id, "err", err)
			return
		}
	}

	reqID := rawIDToString(params.RequestID)
	if reqID == "" {
		return
	}

	key := pendingKey{connID: c.id, sessionID: info.SessionID, requestID: reqID}
	c.engine.incomingMu.Lock()
	cancel, ok := c.engine.incoming[key]
	if ok {
		delete(c.engine.incoming, key)
	}
	c.engine.incomingMu.Unlock()

	if ok {
		cancel(ErrRemoteCancelled)
		c.engine.log.Debug("request cancelled by peer", "conn_id", c.id, "request_id", reqID, "reason", params.Reason)
	}
}

type progressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
}

func (c *Conn) handleProgress(note *jsonrpc.Request, info DeliveryInfo) {
	var params progressParams
	if len(note.Params) > 0 {
		if err := json.Unmarshal(note.Params, &params); err != nil {
			c.engine.log.Warn("malformed notifications/progress", "conn_id", c.id, "err", err)
			return
		}
	}

	token := rawIDToString(params.ProgressToken)
	if token == "" {
		return
	}

	pk := progressKey{connID: c.id, sessionID: info.SessionID, progressToken: token}
	c.engine.progressMu.Lock()
	key, ok := c.engine.progressIndex[pk]
	c.engine.progressMu.Unlock()
	if !ok {
		return
	}

	c.engine.pendingMu.Lock()
	pr, ok := c.engine.pending[key]
	c.engine.pendingMu.Unlock()
	if !ok {
		return
	}

	if pr.onProgress != nil {
		pr.onProgress(note.Params)
	}
	if pr.resetOnProg && pr.timer != nil {
		pr.timer.Reset(pr.timeoutDur)
	}
}

func (c *Conn) dispatchNotification(ctx context.Context, note *jsonrpc.Request, info DeliveryInfo) {
	handler, ok := c.engine.lookupHandler(note.Method)
	if !ok {
		c.engine.log.Debug("no handler for notification", "conn_id", c.id, "method", note.Method)
		return
	}

	facade := &connFacade{conn: c, sessionID: info.SessionID, session: info.Session}
	hinfo := HandlerInfo{Method: note.Method, Timestamp: time.Now(), SessionID: info.SessionID, Metadata: info.Metadata, Session: info.Session}
	_, err := handler(ctx, facade, note, hinfo)
	if err != nil {
		c.engine.log.Warn("notification handler error", "conn_id", c.id, "method", note.Method, "err", err)
	}
	c.engine.runAfterHandle(ctx, c.id, info.SessionID, note.Method, info.Session, err)
}

// processRequest runs a registered Handler for an incoming request and
// emits its response. It owns the request's abort handle for its
// entire lifetime: registered before invocation, tripped by
// notifications/cancelled or a connection teardown, and cleared on
// return.
func (c *Conn) processRequest(ctx context.Context, req *jsonrpc.Request, info DeliveryInfo) {
	key := pendingKey{connID: c.id, sessionID: info.SessionID, requestID: req.ID.String()}

	abortCtx, cancel := context.WithCancelCause(ctx)
	c.engine.incomingMu.Lock()
	c.engine.incoming[key] = cancel
	c.engine.incomingMu.Unlock()
	defer func() {
		c.engine.incomingMu.Lock()
		delete(c.engine.incoming, key)
		c.engine.incomingMu.Unlock()
		cancel(nil)
	}()

	handler, ok := c.engine.lookupHandler(req.Method)
	if !ok {
		resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("%v: %s", ErrHandlerNotFound, req.Method), nil)
		c.emit(ctx, info.SessionID, req.ID.String(), resp)
		return
	}

	facade := &connFacade{conn: c, sessionID: info.SessionID, requestID: req.ID.String(), session: info.Session}
	hinfo := HandlerInfo{
		Method:    req.Method,
		Timestamp: time.Now(),
		SessionID: info.SessionID,
		Metadata:  info.Metadata,
		Session:   info.Session,
		Abort:     abortCtx.Done(),
	}

	result, err := handler(abortCtx, facade, req, hinfo)
	c.engine.runAfterHandle(ctx, c.id, info.SessionID, req.Method, info.Session, err)
	if abortCtx.Err() != nil {
		// Aborted via cancellation or connection teardown; the spec
		// requires silence here, not an error response.
		return
	}

	var resp *jsonrpc.Response
	if err != nil {
		var coded *jsonrpc.Error
		if errors.As(err, &coded) {
			resp = jsonrpc.NewErrorResponse(req.ID, coded.Code, coded.Message, coded.Data)
		} else {
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		}
	} else {
		resp, err = jsonrpc.NewResultResponse(req.ID, result)
		if err != nil {
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		}
	}
	c.emit(ctx, info.SessionID, req.ID.String(), resp)
}

func (c *Conn) emit(ctx context.Context, sessionID, requestID string, resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.engine.log.Error("failed to encode response", "conn_id", c.id, "err", err)
		return
	}
	route := Route{SessionID: sessionID, RequestID: requestID}
	if err := c.transport.Send(ctx, route, jsonrpc.Message(data)); err != nil {
		c.engine.log.Error("failed to send response", "conn_id", c.id, "request_id", requestID, "err", err)
	}
}

// Notify sends a server-initiated notification to sessionID. There is
// no response to correlate.
func (c *Conn) Notify(ctx context.Context, sessionID, method string, params any) error {
	e := c.engine
	if e.hooks.OnBeforeSendNotification != nil {
		e.hooks.OnBeforeSendNotification(ctx, c.id, sessionID, method)
	}

	raw, err := encodeParams(params)
	var sendErr error
	if err != nil {
		sendErr = err
	} else {
		req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: raw}
		data, merr := json.Marshal(req)
		if merr != nil {
			sendErr = merr
		} else {
			sendErr = c.transport.Send(ctx, Route{SessionID: sessionID}, jsonrpc.Message(data))
		}
	}

	if e.hooks.OnAfterSendNotification != nil {
		e.hooks.OnAfterSendNotification(ctx, c.id, sessionID, method, sendErr)
	}
	return sendErr
}

// Request sends a server-initiated request to sessionID and returns a
// future for the response. The future fails with ErrRequestTimeout if
// no response arrives within opts.Timeout (or the engine default),
// with context.Canceled if opts.Signal closes first, or with
// ErrConnectionClosed if the connection is torn down first. A failed
// send is returned directly.
func (c *Conn) Request(ctx context.Context, sessionID, method string, params any, opts SendOptions) (*PendingCall, error) {
	e := c.engine

	e.connMu.RLock()
	closed := e.closed
	e.connMu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}

	if e.hooks.OnBeforeSendRequest != nil {
		e.hooks.OnBeforeSendRequest(ctx, c.id, sessionID, method)
	}

	id := jsonrpc.NewRequestID(e.idgen.Generate(idgen.Options{Format: idgen.FormatHex, Length: 16}))

	raw, err := encodeParams(params)
	if err != nil {
		if e.hooks.OnAfterSendRequest != nil {
			e.hooks.OnAfterSendRequest(ctx, c.id, sessionID, method, err)
		}
		return nil, err
	}

	progressToken := ""
	if opts.OnProgress != nil {
		progressToken = id.String()
		raw = injectProgressToken(raw, progressToken)
	}

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: raw, ID: id}
	data, err := json.Marshal(req)
	if err != nil {
		if e.hooks.OnAfterSendRequest != nil {
			e.hooks.OnAfterSendRequest(ctx, c.id, sessionID, method, err)
		}
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	key := pendingKey{connID: c.id, sessionID: sessionID, requestID: id.String()}
	pr := &pendingRequest{
		key:           key,
		call:          newPendingCall(),
		progressToken: progressToken,
		onProgress:    opts.OnProgress,
		timeoutDur:    timeout,
		resetOnProg:   opts.ResetTimeoutOnProgress,
		done:          make(chan struct{}),
	}

	e.pendingMu.Lock()
	e.pending[key] = pr
	e.pendingMu.Unlock()

	if progressToken != "" {
		e.progressMu.Lock()
		e.progressIndex[progressKey{connID: c.id, sessionID: sessionID, progressToken: progressToken}] = key
		e.progressMu.Unlock()
	}

	pr.timer = time.AfterFunc(timeout, func() {
		e.completePending(key, &responseOrErr{err: ErrRequestTimeout})
	})
	pr.cancelTimer = func() { pr.timer.Stop() }

	if opts.Signal != nil {
		go func() {
			select {
			case <-opts.Signal:
				e.completePending(key, &responseOrErr{err: context.Canceled})
			case <-pr.done:
			}
		}()
	}

	sendErr := c.transport.Send(ctx, Route{SessionID: sessionID}, jsonrpc.Message(data))
	if e.hooks.OnAfterSendRequest != nil {
		e.hooks.OnAfterSendRequest(ctx, c.id, sessionID, method, sendErr)
	}
	if sendErr != nil {
		e.completePending(key, &responseOrErr{err: sendErr})
		return nil, sendErr
	}

	return pr.call, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode params: %w", err)
	}
	return data, nil
}

// injectProgressToken merges {"_meta":{"progressToken":token}} into an
// already-encoded params object, matching how the spec's progress
// convention piggybacks on the params envelope.
func injectProgressToken(params json.RawMessage, token string) json.RawMessage {
	var obj map[string]json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			obj = nil
		}
	}
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}

	meta := map[string]string{"progressToken": token}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return params
	}
	obj["_meta"] = metaRaw

	out, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return out
}

func rawIDToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return jsonrpc.NewRequestID(t).String()
	default:
		return ""
	}
}

// connFacade is the Facade handed to handlers invoked on c. requestID
// is set only when the facade was built for an incoming request (as
// opposed to a notification), and is what Progress attaches as the
// progress token.
type connFacade struct {
	conn      *Conn
	sessionID string
	requestID string
	session   *sessions.Session
}

func (f *connFacade) ConnectionID() string       { return f.conn.id }
func (f *connFacade) SessionID() string          { return f.sessionID }
func (f *connFacade) Session() *sessions.Session { return f.session }

func (f *connFacade) Request(ctx context.Context, method string, params any, opts SendOptions) (*PendingCall, error) {
	return f.conn.Request(ctx, f.sessionID, method, params, opts)
}

func (f *connFacade) Notify(ctx context.Context, method string, params any) error {
	return f.conn.Notify(ctx, f.sessionID, method, params)
}

func (f *connFacade) Progress(ctx context.Context, progress float64, total *float64) error {
	if f.requestID == "" {
		return fmt.Errorf("protocol: progress has no originating request")
	}

	params := map[string]any{"progressToken": f.requestID, "progress": progress}
	if total != nil {
		params["total"] = *total
	}
	raw, err := encodeParams(params)
	if err != nil {
		return err
	}

	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "notifications/progress", Params: raw}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return f.conn.transport.Send(ctx, Route{SessionID: f.sessionID, RequestID: f.requestID}, jsonrpc.Message(data))
}

var _ Facade = (*connFacade)(nil)
