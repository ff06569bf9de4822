package toolserver

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaKind tags the two shapes tool servers describe arguments in.
type SchemaKind string

const (
	// SchemaRawObject is a plain JSON-schema object description.
	SchemaRawObject SchemaKind = "raw_object"
	// SchemaTypedModel is a richer typed-model description with named
	// fields carrying their own type/description/required metadata.
	SchemaTypedModel SchemaKind = "typed_model"
)

// SchemaField describes one argument of a tool.
type SchemaField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ArgumentSchema is the one canonical argument description every
// downstream consumer sees, regardless of which shape the server sent.
// The synthesized tool_name field is always present and always
// required, so a single generic entry point can disambiguate among
// co-hosted tools.
type ArgumentSchema struct {
	Kind   SchemaKind    `json:"kind"`
	Fields []SchemaField `json:"fields"`

	compiled *gojsonschema.Schema
}

// ToolDescriptor is one discovered tool: its name, the server that
// owns it, and its normalized argument schema.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Server      string         `json:"server"`
	Description string         `json:"description,omitempty"`
	Schema      ArgumentSchema `json:"schema"`
}

// NormalizeSchema folds either argument-description shape into the
// canonical ArgumentSchema. A raw JSON-schema object is recognized by
// its "properties" key; a typed model by its "fields" list. Unknown or
// empty input normalizes to a schema holding only tool_name.
func NormalizeSchema(toolName string, raw json.RawMessage) ArgumentSchema {
	schema := ArgumentSchema{Kind: SchemaRawObject}

	var obj map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			obj = nil
		}
	}

	switch {
	case obj == nil:
	case obj["properties"] != nil:
		schema.Fields = fieldsFromRawObject(obj)
	case obj["fields"] != nil:
		schema.Kind = SchemaTypedModel
		schema.Fields = fieldsFromTypedModel(obj)
	}

	// tool_name is synthesized, defaulted to the tool's own name, and
	// always required.
	schema.Fields = append(schema.Fields, SchemaField{
		Name:        "tool_name",
		Type:        "string",
		Description: "Name of the tool this invocation targets",
		Required:    true,
		Default:     toolName,
	})

	return schema
}

func fieldsFromRawObject(obj map[string]any) []SchemaField {
	properties, ok := obj["properties"].(map[string]any)
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := obj["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	fields := make([]SchemaField, 0, len(properties))
	for name, propData := range properties {
		prop, ok := propData.(map[string]any)
		if !ok {
			continue
		}
		field := SchemaField{Name: name, Required: required[name]}
		if typeVal, ok := prop["type"].(string); ok {
			field.Type = typeVal
		}
		if desc, ok := prop["description"].(string); ok {
			field.Description = desc
		}
		if defVal, ok := prop["default"]; ok {
			field.Default = defVal
		}
		fields = append(fields, field)
	}
	return fields
}

func fieldsFromTypedModel(obj map[string]any) []SchemaField {
	list, ok := obj["fields"].([]any)
	if !ok {
		return nil
	}

	fields := make([]SchemaField, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		field := SchemaField{}
		if name, ok := entry["name"].(string); ok {
			field.Name = name
		}
		if field.Name == "" {
			continue
		}
		if typeVal, ok := entry["type"].(string); ok {
			field.Type = typeVal
		}
		if desc, ok := entry["description"].(string); ok {
			field.Description = desc
		}
		if req, ok := entry["required"].(bool); ok {
			field.Required = req
		}
		if defVal, ok := entry["default"]; ok {
			field.Default = defVal
		}
		fields = append(fields, field)
	}
	return fields
}

// jsonSchemaDocument renders the canonical schema back into a JSON
// schema object for validation.
func (s *ArgumentSchema) jsonSchemaDocument() map[string]any {
	properties := make(map[string]any, len(s.Fields))
	required := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		prop := map[string]any{}
		if f.Type != "" {
			prop["type"] = f.Type
		}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		properties[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

// Validate checks arguments against the schema. The tool_name field is
// filled from its default before validation, so callers may omit it.
func (s *ArgumentSchema) Validate(args map[string]any) error {
	if s.compiled == nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(s.jsonSchemaDocument()))
		if err != nil {
			return fmt.Errorf("compile argument schema: %w", err)
		}
		s.compiled = compiled
	}

	filled := make(map[string]any, len(args)+1)
	for k, v := range args {
		filled[k] = v
	}
	for _, f := range s.Fields {
		if _, ok := filled[f.Name]; !ok && f.Default != nil {
			filled[f.Name] = f.Default
		}
	}

	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(filled))
	if err != nil {
		return fmt.Errorf("validate arguments: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("invalid arguments: %s", errs[0].String())
		}
		return fmt.Errorf("invalid arguments")
	}
	return nil
}
