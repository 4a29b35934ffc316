// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

import (
	"encoding/json"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaID identifies the generated JSON Schema.
const SchemaID = "https://grimm.is/flowtrack/schemas/config.json"

// JSONSchema is a JSON Schema (draft 2020-12) document or subschema.
type JSONSchema struct {
	Schema      string                 `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	ID          string                 `json:"$id,omitempty" yaml:"$id,omitempty"`
	Title       string                 `json:"title,omitempty" yaml:"title,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string                 `json:"type,omitempty" yaml:"type,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string               `json:"required,omitempty" yaml:"required,omitempty"`
	Additional  *bool                  `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []string               `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     any                    `json:"default,omitempty" yaml:"default,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Deprecated  bool                   `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Examples    []any                  `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// GenerateSchema converts the documentation tree into a JSON Schema that
// validates the JSON form of the configuration.
func GenerateSchema(schema *Schema) *JSONSchema {
	closed := false
	js := &JSONSchema{
		Schema:      "https://json-schema.org/draft/2020-12/schema",
		ID:          SchemaID,
		Title:       schema.Title,
		Description: schema.Description,
		Type:        "object",
		Properties:  make(map[string]*JSONSchema),
		Additional:  &closed,
	}
	for _, f := range schema.Attributes {
		js.Properties[f.HCLName] = fieldSchema(f)
		if !f.Optional {
			js.Required = append(js.Required, f.HCLName)
		}
	}
	for _, name := range blockNames(schema) {
		js.Properties[name] = blockSchema(schema.Blocks[name])
	}
	return js
}

func blockSchema(b *Block) *JSONSchema {
	closed := false
	js := &JSONSchema{
		Title:       b.Name,
		Description: b.Description,
		Type:        "object",
		Properties:  make(map[string]*JSONSchema),
		Additional:  &closed,
		Deprecated:  b.Deprecated,
	}
	for _, f := range b.Fields {
		js.Properties[f.HCLName] = fieldSchema(f)
		if !f.Optional {
			js.Required = append(js.Required, f.HCLName)
		}
	}
	for _, nested := range b.Blocks {
		js.Properties[nested.HCLName] = blockSchema(nested)
	}
	if b.Multiple {
		return &JSONSchema{Type: "array", Description: b.Description, Items: js}
	}
	return js
}

func fieldSchema(f *Field) *JSONSchema {
	js := &JSONSchema{
		Description: f.Description,
		Deprecated:  f.Deprecated,
	}
	switch {
	case f.HCLType == "string":
		js.Type = "string"
		js.Enum = f.Enum
	case f.HCLType == "bool":
		js.Type = "boolean"
	case f.HCLType == "number":
		js.Type = "integer"
		js.Minimum, js.Maximum = f.Min, f.Max
	case strings.HasPrefix(f.HCLType, "list("):
		js.Type = "array"
		inner := strings.TrimSuffix(strings.TrimPrefix(f.HCLType, "list("), ")")
		js.Items = &JSONSchema{Type: jsonType(inner)}
	default:
		js.Type = "object"
	}
	if f.Default != "" {
		js.Default = defaultValue(f.Default, js.Type)
	}
	if f.Example != "" {
		js.Examples = []any{f.Example}
	}
	return js
}

func jsonType(hcl string) string {
	switch hcl {
	case "bool":
		return "boolean"
	case "number":
		return "integer"
	default:
		return "string"
	}
}

// defaultValue decodes an @default annotation into a typed value. List
// defaults use JSON syntax.
func defaultValue(def, typ string) any {
	switch typ {
	case "boolean":
		return def == "true"
	case "integer":
		if n, err := strconv.ParseInt(def, 10, 64); err == nil {
			return n
		}
	case "array":
		var list []any
		if err := json.Unmarshal([]byte(def), &list); err == nil {
			return list
		}
	case "string":
		if s, err := strconv.Unquote(def); err == nil {
			return s
		}
	}
	return strings.Trim(def, `"`)
}

// JSON renders js as indented JSON.
func (js *JSONSchema) JSON() ([]byte, error) {
	return json.MarshalIndent(js, "", "  ")
}

// YAML renders js as YAML.
func (js *JSONSchema) YAML() ([]byte, error) {
	return yaml.Marshal(js)
}
