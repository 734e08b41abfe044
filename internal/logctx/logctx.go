// Package logctx wires request, session, connection and broker metadata
// carried on a context.Context into every slog record emitted during that
// context's lifetime, without requiring call sites to thread a *slog.Logger
// with bound attributes through every function signature.
package logctx

import (
	"context"
	"log/slog"

	"github.com/tsok-org/model-context-protocol/sessions"
)

// Handler wraps an slog.Handler, enriching each Record with whatever
// context-carried metadata groups are present.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("state", string(sd.State)),
			slog.String("protocol_version", sd.ProtocolVersion),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
		))
	}

	if bd, ok := ctx.Value(brokerDataKey{}).(*BrokerData); ok {
		r.AddAttrs(slog.Group("broker",
			slog.String("subject", bd.Subject),
			slog.String("queue_group", bd.QueueGroup),
			slog.String("event_id", bd.EventID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type rpcMsgKey struct{}

// RPCMessage carries the JSON-RPC message under dispatch.
type RPCMessage struct {
	Method string
	ID     string
	Type   string // "request", "response", or "notification"
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type requestDataKey struct{}

// RequestData carries HTTP-request-scoped metadata.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData carries the resolved session's identity and state.
type SessionData struct {
	SessionID       string
	State           sessions.State
	ProtocolVersion string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type connDataKey struct{}

// ConnData carries the protocol engine's connection identity.
type ConnData struct {
	ConnectionID string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type brokerDataKey struct{}

// BrokerData carries the broker subject a log line pertains to.
type BrokerData struct {
	Subject    string
	QueueGroup string
	EventID    string
}

func WithBrokerData(ctx context.Context, data *BrokerData) context.Context {
	return context.WithValue(ctx, brokerDataKey{}, data)
}
