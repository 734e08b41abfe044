package schema_test

import (
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/require"

	"github.com/tsok-org/model-context-protocol/schema"
)

func echoSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"text": {Type: "string"},
		},
		Required: []string{"text"},
	}
}

func TestResolverValidatePassesConformingMessage(t *testing.T) {
	r := schema.NewResolver()
	err := r.Validate(map[string]any{"text": "hi"}, echoSchema())
	require.NoError(t, err)
}

func TestResolverValidateRejectsMissingRequiredField(t *testing.T) {
	r := schema.NewResolver()
	err := r.Validate(map[string]any{}, echoSchema())
	require.Error(t, err)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestResolverValidateRejectsWrongType(t *testing.T) {
	r := schema.NewResolver()
	err := r.Validate(map[string]any{"text": 42}, echoSchema())
	require.Error(t, err)
}

func TestResolverValidateNilSchemaAlwaysPasses(t *testing.T) {
	r := schema.NewResolver()
	require.NoError(t, r.Validate("anything", nil))
}

func TestResolverCachesResolvedSchema(t *testing.T) {
	r := schema.NewResolver()
	s := echoSchema()

	require.NoError(t, r.Validate(map[string]any{"text": "a"}, s))
	require.NoError(t, r.Validate(map[string]any{"text": "b"}, s))
	require.Error(t, r.Validate(map[string]any{}, s))
}
