package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaCacheCompileAndCache(t *testing.T) {
	c := NewSchemaCache()
	raw := json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)

	sch1, err := c.Compile("tool-a", raw)
	require.NoError(t, err)
	sch2, err := c.Compile("tool-a", raw)
	require.NoError(t, err)
	require.Same(t, sch1, sch2)
}

func TestSchemaCacheValidate(t *testing.T) {
	c := NewSchemaCache()
	raw := json.RawMessage(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`)

	require.NoError(t, c.Validate("tool-a", raw, json.RawMessage(`{"name":"x"}`)))
	require.Error(t, c.Validate("tool-a", raw, json.RawMessage(`{}`)))
}

func TestSchemaCacheValidateNoConstraint(t *testing.T) {
	c := NewSchemaCache()
	require.NoError(t, c.Validate("tool-a", nil, json.RawMessage(`{"anything":true}`)))
}

func TestSchemaCacheCompileInvalidSchema(t *testing.T) {
	c := NewSchemaCache()
	_, err := c.Compile("bad", json.RawMessage(`not json`))
	require.Error(t, err)
}
