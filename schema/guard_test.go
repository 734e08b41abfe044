package schema_test

import (
	"context"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/require"

	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/protocol"
	"github.com/tsok-org/model-context-protocol/schema"
)

type fakeFeatureContext struct {
	handlers map[string]protocol.Handler
}

func newFakeFeatureContext() *fakeFeatureContext {
	return &fakeFeatureContext{handlers: make(map[string]protocol.Handler)}
}

func (f *fakeFeatureContext) RegisterHandler(method string, h protocol.Handler) error {
	f.handlers[method] = h
	return nil
}

func TestGuardValidatesBoundMethodParams(t *testing.T) {
	fc := newFakeFeatureContext()
	reg := schema.NewRegistry(nil)
	reg.Bind("echo", &jsonschema.Schema{
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{"text": {Type: "string"}},
		Required:   []string{"text"},
	})

	called := false
	err := reg.Guard(fc).RegisterHandler("echo", func(ctx context.Context, f protocol.Facade, req *jsonrpc.Request, info protocol.HandlerInfo) (any, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)

	req := &jsonrpc.Request{Method: "echo", Params: []byte(`{"text":"hi"}`)}
	_, err = fc.handlers["echo"](t.Context(), nil, req, protocol.HandlerInfo{})
	require.NoError(t, err)
	require.True(t, called)

	called = false
	req = &jsonrpc.Request{Method: "echo", Params: []byte(`{}`)}
	_, err = fc.handlers["echo"](t.Context(), nil, req, protocol.HandlerInfo{})
	require.Error(t, err)
	require.False(t, called)

	var coded *jsonrpc.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, jsonrpc.ErrorCodeInvalidParams, coded.Code)
}

func TestGuardPassesThroughUnboundMethods(t *testing.T) {
	fc := newFakeFeatureContext()
	reg := schema.NewRegistry(nil)

	called := false
	err := reg.Guard(fc).RegisterHandler("unbound", func(ctx context.Context, f protocol.Facade, req *jsonrpc.Request, info protocol.HandlerInfo) (any, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)

	req := &jsonrpc.Request{Method: "unbound", Params: []byte(`{"anything":true}`)}
	_, err = fc.handlers["unbound"](t.Context(), nil, req, protocol.HandlerInfo{})
	require.NoError(t, err)
	require.True(t, called)
}
