package streaminghttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	brokermem "github.com/tsok-org/model-context-protocol/broker/memory"
	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/protocol"
	"github.com/tsok-org/model-context-protocol/sessions"
	sessionsmem "github.com/tsok-org/model-context-protocol/sessions/memory"
	"github.com/tsok-org/model-context-protocol/streaminghttp"
	"github.com/tsok-org/model-context-protocol/topic"
)

func newTestHandler(t *testing.T, opts ...streaminghttp.Option) (*streaminghttp.Handler, *sessionsmem.Store) {
	t.Helper()
	h, store, _ := newTestHandlerWithBroker(t, opts...)
	return h, store
}

func newTestHandlerWithBroker(t *testing.T, opts ...streaminghttp.Option) (*streaminghttp.Handler, *sessionsmem.Store, *brokermem.Broker) {
	t.Helper()

	store, err := sessionsmem.New(100)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	br := brokermem.New()
	t.Cleanup(func() { _ = br.Close() })

	eng := protocol.New()
	require.NoError(t, eng.RegisterHandler("ping", func(ctx context.Context, facade protocol.Facade, req *jsonrpc.Request, info protocol.HandlerInfo) (any, error) {
		return map[string]string{"pong": req.Method}, nil
	}))
	require.NoError(t, eng.RegisterHandler("slow", func(ctx context.Context, facade protocol.Facade, req *jsonrpc.Request, info protocol.HandlerInfo) (any, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return map[string]bool{"ok": true}, nil
		case <-info.Abort:
			return nil, nil
		}
	}))
	require.NoError(t, eng.RegisterHandler("progressive", func(ctx context.Context, facade protocol.Facade, req *jsonrpc.Request, info protocol.HandlerInfo) (any, error) {
		_ = facade.Progress(ctx, 0.5, nil)
		return map[string]bool{"done": true}, nil
	}))

	allOpts := append([]streaminghttp.Option{
		streaminghttp.WithSessionStore(store),
		streaminghttp.WithResponseTimeout(2 * time.Second),
	}, opts...)

	h, err := streaminghttp.New(context.Background(), br, eng, allOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	return h, store, br
}

func TestPostWithoutSessionCreatesOne(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := `{"jsonrpc":"2.0","id":"1","method":"ping","params":{}}`
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Mcp-Session-Id"))

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "1", fmt.Sprintf("%v", out["id"]))
	require.Contains(t, out, "result")
}

func TestPostReusesExistingSession(t *testing.T) {
	h, store := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := store.Create(context.Background(), sessions.RequestMetadata{})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":"1","method":"ping"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", sess.ID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, sess.ID, resp.Header.Get("Mcp-Session-Id"))
}

func TestPostUnknownSessionIsNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":"1","method":"ping"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", "does-not-exist")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPostNotificationOnlyReturns202(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := `{"jsonrpc":"2.0","method":"notifications/initialized"}`
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestPostBatchReturnsArrayInOrder(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := `[
		{"jsonrpc":"2.0","id":"a","method":"ping"},
		{"jsonrpc":"2.0","id":"b","method":"ping"}
	]`
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 2)
	require.Equal(t, "a", fmt.Sprintf("%v", out[0]["id"]))
	require.Equal(t, "b", fmt.Sprintf("%v", out[1]["id"]))
}

func TestPostUnknownMethodRespondsWithMethodNotFound(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := `{"jsonrpc":"2.0","id":"1","method":"nonexistent"}`
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	errObj, ok := out["error"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, -32601, errObj["code"])
}

func TestPostSSEModeStreamsProgressThenResult(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := `{"jsonrpc":"2.0","id":"1","method":"progressive","params":{"_meta":{"progressToken":"1"}}}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	// The stream ends once the terminal response has been written.
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(data)
	require.Contains(t, stream, "data:")
	progressAt := strings.Index(stream, "notifications/progress")
	resultAt := strings.Index(stream, `"result"`)
	require.GreaterOrEqual(t, progressAt, 0)
	require.Greater(t, resultAt, progressAt)
}

func TestPostTimesOutWithInternalErrorEnvelope(t *testing.T) {
	h, _ := newTestHandler(t, streaminghttp.WithResponseTimeout(10*time.Millisecond))
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := `{"jsonrpc":"2.0","id":"1","method":"slow"}`
	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "1", fmt.Sprintf("%v", out["id"]))
	require.Contains(t, out, "error")
}

func TestGetRequiresEventStreamAccept(t *testing.T) {
	h, store := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := store.Create(context.Background(), sessions.RequestMetadata{})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", sess.ID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestGetMissingSessionIsBadRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetOpensBackgroundChannel(t *testing.T) {
	h, store := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := store.Create(context.Background(), sessions.RequestMetadata{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sess.ID)

	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, sess.ID, resp.Header.Get("Mcp-Session-Id"))
		buf := make([]byte, 512)
		n, _ := resp.Body.Read(buf)
		require.Contains(t, string(buf[:n]), "connected to background channel")
	}
}

func TestGetWithLastEventIDResumesAfterSeenEvents(t *testing.T) {
	h, store, br := newTestHandlerWithBroker(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := store.Create(context.Background(), sessions.RequestMetadata{})
	require.NoError(t, err)

	subject := topic.BackgroundOutbound(sess.ID)
	var firstEventID string
	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"seq":%d}}`, i)
		id, err := br.Publish(context.Background(), subject, []byte(payload))
		require.NoError(t, err)
		if i == 0 {
			firstEventID = id
		}
	}
	require.NotEmpty(t, firstEventID)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sess.ID)
	req.Header.Set("Last-Event-ID", firstEventID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])

	require.NotContains(t, body, `"seq":0`)
	require.Contains(t, body, `"seq":1`)
	require.Contains(t, body, `"seq":2`)
}

func TestDeleteIsIdempotent(t *testing.T) {
	h, store := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := store.Create(context.Background(), sessions.RequestMetadata{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
		require.NoError(t, err)
		req.Header.Set("Mcp-Session-Id", sess.ID)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}

func TestDeleteWithoutSessionIsBadRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnsupportedAcceptIsRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":"1","method":"ping"}`))
	require.NoError(t, err)
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
}

func TestHealthAndReadiness(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOptionsAdvertisesAllowedMethods(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Allow"), "POST")
	require.Contains(t, resp.Header.Get("Allow"), "GET")
	require.Contains(t, resp.Header.Get("Allow"), "DELETE")
}

func TestMiddlewareChainCanShortCircuit(t *testing.T) {
	var called []string
	h, _ := newTestHandler(t, streaminghttp.WithMiddleware(func(w http.ResponseWriter, r *http.Request, next streaminghttp.NextFunc) {
		called = append(called, "auth")
		w.WriteHeader(http.StatusForbidden)
	}))
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(`{"jsonrpc":"2.0","id":"1","method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, []string{"auth"}, called)
}

func TestMiddlewareErrorStageRecovers(t *testing.T) {
	h, _ := newTestHandler(t,
		streaminghttp.WithMiddleware(func(w http.ResponseWriter, r *http.Request, next streaminghttp.NextFunc) {
			next(fmt.Errorf("boom"))
		}),
		streaminghttp.WithErrorMiddleware(func(err error, w http.ResponseWriter, r *http.Request, next streaminghttp.NextFunc) {
			next(nil)
		}),
	)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(`{"jsonrpc":"2.0","id":"1","method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMiddlewareErrorStagePropagatesAsInternalError(t *testing.T) {
	h, _ := newTestHandler(t,
		streaminghttp.WithMiddleware(func(w http.ResponseWriter, r *http.Request, next streaminghttp.NextFunc) {
			next(fmt.Errorf("boom"))
		}),
	)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mcp", "application/json", bytes.NewBufferString(`{"jsonrpc":"2.0","id":"1","method":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
