package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
)

// fakeTransport is an in-memory Transport double that records every
// sent message instead of putting it on a wire, so tests can assert on
// what the engine tried to send and can feed responses back in via
// Deliver to simulate a peer.
type fakeTransport struct {
	mu           sync.Mutex
	sent         []fakeSend
	disconnected bool
	cond         *sync.Cond
}

type fakeSend struct {
	route Route
	msg   jsonrpc.AnyMessage
}

func newFakeTransport() *fakeTransport {
	ft := &fakeTransport{}
	ft.cond = sync.NewCond(&ft.mu)
	return ft
}

func (f *fakeTransport) Send(ctx context.Context, route Route, msg jsonrpc.Message) error {
	var any jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &any); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, fakeSend{route: route, msg: any})
	f.cond.Broadcast()
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	return nil
}

// awaitSent blocks until at least n messages have been sent, or t fails
// after a short deadline.
func (f *fakeTransport) awaitSent(t *testing.T, n int) []fakeSend {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.sent) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d sent messages, have %d", n, len(f.sent))
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		f.mu.Lock()
	}
	out := make([]fakeSend, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestRequestRoundTrip(t *testing.T) {
	e := New()
	ft := newFakeTransport()
	conn, err := e.Connect(ft)
	require.NoError(t, err)

	pcCh := make(chan *PendingCall, 1)
	errCh := make(chan error, 1)
	go func() {
		pc, err := conn.Request(context.Background(), "sess-1", "ping", map[string]string{"a": "b"}, SendOptions{Timeout: time.Second})
		pcCh <- pc
		errCh <- err
	}()

	sent := ft.awaitSent(t, 1)
	require.Equal(t, "ping", sent[0].msg.Method)
	require.NotNil(t, sent[0].msg.ID)

	require.NoError(t, <-errCh)
	pc := <-pcCh
	require.NotNil(t, pc)

	resp := &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Result:         json.RawMessage(`{"pong":true}`),
		ID:             sent[0].msg.ID,
	}
	conn.Deliver(context.Background(), resp, DeliveryInfo{SessionID: "sess-1"})

	got, err := pc.Wait(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"pong":true}`, string(got.Result))
}

func TestRequestTimeout(t *testing.T) {
	e := New()
	ft := newFakeTransport()
	conn, err := e.Connect(ft)
	require.NoError(t, err)

	pc, err := conn.Request(context.Background(), "sess-1", "slow", nil, SendOptions{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = pc.Wait(context.Background())
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestHandlerDispatchAndResponse(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterHandler("echo", func(ctx context.Context, f Facade, req *jsonrpc.Request, info HandlerInfo) (any, error) {
		return map[string]string{"echoed": info.Method}, nil
	}))

	ft := newFakeTransport()
	conn, err := e.Connect(ft)
	require.NoError(t, err)

	reqID := jsonrpc.NewRequestID("req-1")
	conn.Deliver(context.Background(), &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "echo",
		ID:             reqID,
	}, DeliveryInfo{SessionID: "sess-1"})

	sent := ft.awaitSent(t, 1)
	require.Nil(t, sent[0].msg.Error)
	require.JSONEq(t, `{"echoed":"echo"}`, string(sent[0].msg.Result))
	require.Equal(t, "req-1", sent[0].route.RequestID)
}

func TestHandlerNotFoundRespondsWithMethodNotFound(t *testing.T) {
	e := New()
	ft := newFakeTransport()
	conn, err := e.Connect(ft)
	require.NoError(t, err)

	conn.Deliver(context.Background(), &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "does/not/exist",
		ID:             jsonrpc.NewRequestID("req-2"),
	}, DeliveryInfo{SessionID: "sess-1"})

	sent := ft.awaitSent(t, 1)
	require.NotNil(t, sent[0].msg.Error)
	require.Equal(t, jsonrpc.ErrorCodeMethodNotFound, sent[0].msg.Error.Code)
}

func TestCancellationAbortsInFlightHandler(t *testing.T) {
	e := New()
	started := make(chan struct{})
	aborted := make(chan struct{})
	require.NoError(t, e.RegisterHandler("long", func(ctx context.Context, f Facade, req *jsonrpc.Request, info HandlerInfo) (any, error) {
		close(started)
		select {
		case <-info.Abort:
			close(aborted)
			return nil, context.Cause(ctx)
		case <-time.After(2 * time.Second):
			return "should not get here", nil
		}
	}))

	ft := newFakeTransport()
	conn, err := e.Connect(ft)
	require.NoError(t, err)

	conn.Deliver(context.Background(), &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "long",
		ID:             jsonrpc.NewRequestID("req-3"),
	}, DeliveryInfo{SessionID: "sess-1"})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}

	cancelled, _ := json.Marshal(map[string]any{"requestId": "req-3", "reason": "client gave up"})
	conn.Deliver(context.Background(), &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "notifications/cancelled",
		Params:         cancelled,
	}, DeliveryInfo{SessionID: "sess-1"})

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("handler was never aborted")
	}

	// No response should ever be sent for an aborted request.
	time.Sleep(20 * time.Millisecond)
	ft.mu.Lock()
	require.Empty(t, ft.sent)
	ft.mu.Unlock()
}

func TestProgressNotificationInvokesCallback(t *testing.T) {
	e := New()
	ft := newFakeTransport()
	conn, err := e.Connect(ft)
	require.NoError(t, err)

	progressSeen := make(chan json.RawMessage, 1)
	pcCh := make(chan *PendingCall, 1)
	go func() {
		pc, err := conn.Request(context.Background(), "sess-1", "work", nil, SendOptions{
			Timeout: time.Second,
			OnProgress: func(params json.RawMessage) {
				progressSeen <- params
			},
		})
		require.NoError(t, err)
		pcCh <- pc
	}()

	sent := ft.awaitSent(t, 1)
	require.Contains(t, string(sent[0].msg.Params), "progressToken")

	var parsed struct {
		Meta struct {
			ProgressToken string `json:"progressToken"`
		} `json:"_meta"`
	}
	require.NoError(t, json.Unmarshal(sent[0].msg.Params, &parsed))
	require.NotEmpty(t, parsed.Meta.ProgressToken)

	progressParams, _ := json.Marshal(map[string]any{
		"progressToken": parsed.Meta.ProgressToken,
		"progress":      0.5,
	})
	conn.Deliver(context.Background(), &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "notifications/progress",
		Params:         progressParams,
	}, DeliveryInfo{SessionID: "sess-1"})

	select {
	case p := <-progressSeen:
		require.Contains(t, string(p), "0.5")
	case <-time.After(time.Second):
		t.Fatal("progress callback never fired")
	}

	<-pcCh
}

func TestRegisterHandlerRejectsDuplicates(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterHandler("dup", func(ctx context.Context, f Facade, req *jsonrpc.Request, info HandlerInfo) (any, error) {
		return nil, nil
	}))
	err := e.RegisterHandler("dup", func(ctx context.Context, f Facade, req *jsonrpc.Request, info HandlerInfo) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrMethodAlreadyRegistered)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	e := New()
	ft := newFakeTransport()
	conn, err := e.Connect(ft)
	require.NoError(t, err)

	pc, err := conn.Request(context.Background(), "sess-1", "ping", nil, SendOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)

	require.NoError(t, e.Close(context.Background()))

	_, err = pc.Wait(context.Background())
	require.ErrorIs(t, err, ErrConnectionClosed)

	ft.mu.Lock()
	require.True(t, ft.disconnected)
	ft.mu.Unlock()
}

func TestNotificationHandlerRunsWithoutAResponse(t *testing.T) {
	e := New()
	received := make(chan string, 1)
	require.NoError(t, e.RegisterHandler("logs/event", func(ctx context.Context, f Facade, req *jsonrpc.Request, info HandlerInfo) (any, error) {
		received <- string(req.Params)
		return "ignored", nil
	}))

	ft := newFakeTransport()
	conn, err := e.Connect(ft)
	require.NoError(t, err)

	conn.Deliver(context.Background(), &jsonrpc.AnyMessage{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "logs/event",
		Params:         json.RawMessage(`{"level":"info"}`),
	}, DeliveryInfo{SessionID: "sess-1"})

	select {
	case p := <-received:
		require.JSONEq(t, `{"level":"info"}`, p)
	case <-time.After(time.Second):
		t.Fatal("notification handler never ran")
	}

	time.Sleep(20 * time.Millisecond)
	ft.mu.Lock()
	require.Empty(t, ft.sent)
	ft.mu.Unlock()
}
