package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/schema"
)

const tenantSchema = `{
	"type": "object",
	"required": ["style"],
	"properties": {
		"style": {"type": "string", "enum": ["photo", "sketch"]}
	}
}`

func TestValidateNoOpWithoutRegisteredSchema(t *testing.T) {
	v := schema.NewValidator()
	require.NoError(t, v.Validate("acme", map[string]any{"anything": 1}))
}

func TestValidateAcceptsConformingMetadata(t *testing.T) {
	v := schema.NewValidator()
	require.NoError(t, v.Register("acme", []byte(tenantSchema)))
	require.NoError(t, v.Validate("acme", map[string]any{"style": "sketch"}))
}

func TestValidateRejectsNonConformingMetadata(t *testing.T) {
	v := schema.NewValidator()
	require.NoError(t, v.Register("acme", []byte(tenantSchema)))
	err := v.Validate("acme", map[string]any{"style": "oil painting"})
	require.Error(t, err)
}

func TestRegisterEmptySchemaClearsTenant(t *testing.T) {
	v := schema.NewValidator()
	require.NoError(t, v.Register("acme", []byte(tenantSchema)))
	require.NoError(t, v.Register("acme", nil))
	require.NoError(t, v.Validate("acme", map[string]any{"style": "oil painting"}))
}
