package schema

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/tsok-org/model-context-protocol/internal/jsonrpc"
	"github.com/tsok-org/model-context-protocol/protocol"
)

// Registry associates JSON-RPC methods with the schema their params
// must satisfy, and produces a protocol.FeatureContext that enforces
// those schemas transparently at registration time.
type Registry struct {
	validator Validator
	schemas   map[string]*jsonschema.Schema
}

// NewRegistry returns a Registry backed by validator. A nil validator
// defaults to a fresh Resolver.
func NewRegistry(validator Validator) *Registry {
	if validator == nil {
		validator = NewResolver()
	}
	return &Registry{validator: validator, schemas: make(map[string]*jsonschema.Schema)}
}

// Bind registers schema as the params contract for method. It must be
// called before the Feature that registers method's handler runs.
func (reg *Registry) Bind(method string, schema *jsonschema.Schema) {
	reg.schemas[method] = schema
}

// Guard wraps fc so that RegisterHandler installs a validating wrapper
// around a handler whenever its method has a bound schema, and installs
// the handler unchanged otherwise. Pass the result to Feature.Initialize
// in place of the Engine's own FeatureContext.
func (reg *Registry) Guard(fc protocol.FeatureContext) protocol.FeatureContext {
	return &guardedContext{reg: reg, fc: fc}
}

type guardedContext struct {
	reg *Registry
	fc  protocol.FeatureContext
}

func (g *guardedContext) RegisterHandler(method string, h protocol.Handler) error {
	s, ok := g.reg.schemas[method]
	if !ok {
		return g.fc.RegisterHandler(method, h)
	}
	return g.fc.RegisterHandler(method, g.reg.validating(s, h))
}

func (reg *Registry) validating(s *jsonschema.Schema, h protocol.Handler) protocol.Handler {
	return func(ctx context.Context, facade protocol.Facade, req *jsonrpc.Request, info protocol.HandlerInfo) (any, error) {
		var params any
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid params: " + err.Error()}
			}
		}
		if err := reg.validator.Validate(params, s); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: err.Error()}
		}
		return h(ctx, facade, req, info)
	}
}
