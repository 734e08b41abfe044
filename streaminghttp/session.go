package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tsok-org/model-context-protocol/internal/idgen"
	"github.com/tsok-org/model-context-protocol/sessions"
)

// persistSession is a protocol.AfterHandleFunc: it writes back whatever
// mutations a Handler made to session (via Facade.Session) once the
// Handler has returned. Registered only when a sessions.Store is
// configured; without one, sessions are ephemeral by design and there
// is nothing to persist. ctx is detached from the inbound request so a
// client disconnecting (or a request's own timeout firing) never
// drops a state transition the Handler already committed to session.
func (h *Handler) persistSession(ctx context.Context, connID, sessionID, method string, session *sessions.Session, err error) {
	if session == nil {
		return
	}
	updateCtx := context.WithoutCancel(ctx)
	if uerr := h.cfg.sessionStore.Update(updateCtx, session); uerr != nil {
		h.log.Warn("failed to persist session", "session_id", sessionID, "method", method, "err", uerr)
	}
}

// resolveSession implements spec.md §4.D.6. With a sessions.Store
// configured, an existing Mcp-Session-Id is looked up and a missing one
// mints a new session through the store. Without a store the transport
// is stateless: it fabricates an ephemeral id that is never persisted,
// so a client that drops its Mcp-Session-Id loses continuity by design.
func (h *Handler) resolveSession(ctx context.Context, r *http.Request) (sess *sessions.Session, isNew bool, err error) {
	meta := sessions.RequestMetadata{Header: r.Header, RemoteAddr: r.RemoteAddr}
	id := resolveSessionID(r)

	if h.cfg.sessionStore == nil {
		isNew = id == ""
		if isNew {
			id = h.cfg.idgen.Generate(idgen.Options{Prefix: "sess_"})
		}
		return &sessions.Session{ID: id, State: sessions.StateInitialized}, isNew, nil
	}

	if id != "" {
		sess, err = h.cfg.sessionStore.Get(ctx, id, meta)
		if err != nil {
			if errors.Is(err, sessions.ErrNotFound) {
				return nil, false, err
			}
			return nil, false, fmt.Errorf("streaminghttp: get session: %w", err)
		}
		return sess, false, nil
	}

	sess, err = h.cfg.sessionStore.Create(ctx, meta)
	if err != nil {
		return nil, false, fmt.Errorf("streaminghttp: create session: %w", err)
	}
	return sess, true, nil
}
