package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
)

// pendingKey identifies one in-flight correlation: either an outgoing
// request awaiting a response, or an incoming request awaiting a
// handler result to abort.
type pendingKey struct {
	connID    string
	sessionID string
	requestID string
}

// SendOptions configures one outgoing request (protocol.Conn.Request /
// Facade.Request). Zero value is a request with the engine's default
// timeout and no progress tracking.
type SendOptions struct {
	// Signal, when non-nil, aborts the wait early: the pending call
	// resolves with ctx.Err() semantics once it closes.
	Signal <-chan struct{}

	// Timeout bounds how long to wait for a response before failing
	// with ErrRequestTimeout. Zero uses the engine's default.
	Timeout time.Duration

	// OnProgress, when set, is invoked for every notifications/progress
	// the peer sends carrying this request's progress token.
	OnProgress func(params json.RawMessage)

	// ResetTimeoutOnProgress restarts the full timeout (Timeout, or the
	// engine default when zero) each time a progress notification
	// arrives, instead of enforcing one fixed deadline from the start.
	ResetTimeoutOnProgress bool
}

// PendingCall is the future returned for a server-initiated request.
type PendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

func newPendingCall() *PendingCall {
	return &PendingCall{
		respCh: make(chan *jsonrpc.Response, 1),
		errCh:  make(chan error, 1),
	}
}

func (p *PendingCall) resolve(resp *jsonrpc.Response) {
	select {
	case p.respCh <- resp:
	default:
	}
}

func (p *PendingCall) fail(err error) {
	select {
	case p.errCh <- err:
	default:
	}
}

// Wait blocks until the call resolves, fails, or ctx is done.
func (p *PendingCall) Wait(ctx context.Context) (*jsonrpc.Response, error) {
	select {
	case resp := <-p.respCh:
		return resp, nil
	case err := <-p.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingRequest is the bookkeeping record for one outgoing request
// awaiting a response.
type pendingRequest struct {
	key           pendingKey
	call          *PendingCall
	progressToken string
	onProgress    func(params json.RawMessage)
	timeoutDur    time.Duration
	resetOnProg   bool
	timer         *time.Timer
	cancelTimer   func()

	// done is closed exactly once, when the call resolves, fails, or
	// times out, so that a signal-watching goroutine can stop waiting.
	done      chan struct{}
	closeOnce sync.Once
}
