package schema

import (
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Validator validates a decoded message against a JSON Schema, per
// spec.md §6.3: it may reject invalid input, otherwise it resolves.
type Validator interface {
	Validate(message any, schema *jsonschema.Schema) error
}

// Resolver is a Validator backed by google/jsonschema-go. Resolving a
// schema (following $ref, compiling formats) is the expensive half of
// validation and a schema is reused across every call to the method it
// guards, so resolved schemas are cached by pointer identity.
type Resolver struct {
	mu       sync.RWMutex
	resolved map[*jsonschema.Schema]*jsonschema.Resolved
}

// NewResolver returns a Resolver with an empty cache.
func NewResolver() *Resolver {
	return &Resolver{resolved: make(map[*jsonschema.Schema]*jsonschema.Resolved)}
}

// Validate implements Validator. A nil schema always passes.
func (r *Resolver) Validate(message any, s *jsonschema.Schema) error {
	if s == nil {
		return nil
	}
	resolved, err := r.resolve(s)
	if err != nil {
		return &ValidationError{Reason: "resolving schema: " + err.Error()}
	}
	if err := resolved.Validate(message); err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	return nil
}

func (r *Resolver) resolve(s *jsonschema.Schema) (*jsonschema.Resolved, error) {
	r.mu.RLock()
	resolved, ok := r.resolved[s]
	r.mu.RUnlock()
	if ok {
		return resolved, nil
	}

	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.resolved[s] = resolved
	r.mu.Unlock()
	return resolved, nil
}

// ValidationError reports why a message failed schema validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "schema: " + e.Reason
}
