package toolserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func findField(schema ArgumentSchema, name string) *SchemaField {
	for i := range schema.Fields {
		if schema.Fields[i].Name == name {
			return &schema.Fields[i]
		}
	}
	return nil
}

func TestNormalizeSchema_RawObject(t *testing.T) {
	raw := mustRaw(t, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string", "description": "File path"},
			"limit": map[string]any{"type": "integer", "default": float64(50)},
		},
		"required": []any{"path"},
	})

	schema := NormalizeSchema("read_file", raw)

	assert.Equal(t, SchemaRawObject, schema.Kind)

	path := findField(schema, "path")
	require.NotNil(t, path)
	assert.True(t, path.Required)
	assert.Equal(t, "string", path.Type)

	limit := findField(schema, "limit")
	require.NotNil(t, limit)
	assert.False(t, limit.Required)
	assert.Equal(t, float64(50), limit.Default)
}

func TestNormalizeSchema_TypedModel(t *testing.T) {
	raw := mustRaw(t, map[string]any{
		"fields": []any{
			map[string]any{"name": "query", "type": "string", "required": true, "description": "Search query"},
			map[string]any{"name": "depth", "type": "integer", "required": false},
		},
	})

	schema := NormalizeSchema("web_search", raw)

	assert.Equal(t, SchemaTypedModel, schema.Kind)
	query := findField(schema, "query")
	require.NotNil(t, query)
	assert.True(t, query.Required)
}

func TestNormalizeSchema_ToolNameAlwaysRequired(t *testing.T) {
	tests := []struct {
		name string
		raw  json.RawMessage
	}{
		{"empty schema", nil},
		{"unparsable schema", json.RawMessage(`not json`)},
		{"raw object", mustRaw(t, map[string]any{"properties": map[string]any{"x": map[string]any{"type": "string"}}})},
		{"typed model", mustRaw(t, map[string]any{"fields": []any{map[string]any{"name": "x", "type": "string"}}})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := NormalizeSchema("some_tool", tt.raw)
			field := findField(schema, "tool_name")
			require.NotNil(t, field)
			assert.True(t, field.Required)
			assert.Equal(t, "some_tool", field.Default)
		})
	}
}

func TestArgumentSchema_Validate(t *testing.T) {
	raw := mustRaw(t, map[string]any{
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	})
	schema := NormalizeSchema("read_file", raw)

	// tool_name may be omitted because its default is filled in.
	assert.NoError(t, schema.Validate(map[string]any{"path": "/tmp/x"}))

	err := schema.Validate(map[string]any{})
	assert.Error(t, err)

	err = schema.Validate(map[string]any{"path": 42})
	assert.Error(t, err)
}
