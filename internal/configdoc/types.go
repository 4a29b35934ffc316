// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

// Schema is the documentation model of a configuration file.
type Schema struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	Attributes  []*Field          `json:"attributes,omitempty"`
	Blocks      map[string]*Block `json:"blocks"`
}

// Block is an HCL block such as timeouts or api.
type Block struct {
	Name          string   `json:"name"`
	HCLName       string   `json:"hcl_name"`
	Description   string   `json:"description"`
	Fields        []*Field `json:"fields,omitempty"`
	Blocks        []*Block `json:"blocks,omitempty"`
	Multiple      bool     `json:"multiple,omitempty"`
	Deprecated    bool     `json:"deprecated,omitempty"`
	DeprecatedMsg string   `json:"deprecated_msg,omitempty"`
}

// Field is an attribute within a block or at the top level.
type Field struct {
	HCLName       string   `json:"hcl_name"`
	GoName        string   `json:"go_name,omitempty"`
	HCLType       string   `json:"hcl_type"` // string, number, bool, list(T), map
	Description   string   `json:"description"`
	Optional      bool     `json:"optional"`
	Default       string   `json:"default,omitempty"`
	Enum          []string `json:"enum,omitempty"`
	Example       string   `json:"example,omitempty"`
	Min           *float64 `json:"min,omitempty"`
	Max           *float64 `json:"max,omitempty"`
	Deprecated    bool     `json:"deprecated,omitempty"`
	DeprecatedMsg string   `json:"deprecated_msg,omitempty"`
}

// Annotation holds the @ tags found in a doc comment.
type Annotation struct {
	Default       string
	Enum          []string
	Example       string
	Min           *float64
	Max           *float64
	Deprecated    bool
	DeprecatedMsg string
}

type parsedStruct struct {
	name   string
	doc    string
	fields []parsedField
}

type parsedField struct {
	name   string
	goType string
	tag    hclTag
	doc    string
	ann    Annotation
}

type hclTag struct {
	name     string
	optional bool
	block    bool
	label    bool
}
