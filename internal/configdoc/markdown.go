// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package configdoc

import (
	"fmt"
	"sort"
	"strings"
)

// GenerateMarkdown renders the reference as Markdown.
func GenerateMarkdown(schema *Schema) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", schema.Title)
	if schema.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", schema.Description)
	}
	fmt.Fprintf(&sb, "**Schema Version:** %s\n\n", schema.Version)

	names := blockNames(schema)
	sb.WriteString("## Contents\n\n")
	sb.WriteString("- [Global Attributes](#global-attributes)\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "- [%s](#%s)\n", name, strings.ReplaceAll(name, "_", "-"))
	}
	sb.WriteString("\n")

	if len(schema.Attributes) > 0 {
		sb.WriteString("## Global Attributes\n\n")
		writeFieldsTable(&sb, schema.Attributes)
	}
	for _, name := range names {
		writeBlock(&sb, schema.Blocks[name], 2)
	}
	return sb.String()
}

func blockNames(schema *Schema) []string {
	names := make([]string, 0, len(schema.Blocks))
	for name := range schema.Blocks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeBlock(sb *strings.Builder, block *Block, level int) {
	fmt.Fprintf(sb, "%s %s\n\n", strings.Repeat("#", level), block.HCLName)
	if block.Deprecated {
		fmt.Fprintf(sb, "> **Deprecated:** %s\n\n", block.DeprecatedMsg)
	}
	if block.Description != "" {
		fmt.Fprintf(sb, "%s\n\n", block.Description)
	}

	sb.WriteString("```hcl\n")
	fmt.Fprintf(sb, "%s {\n", block.HCLName)
	for _, f := range block.Fields {
		fmt.Fprintf(sb, "  %s = %s\n", f.HCLName, exampleValue(f))
	}
	sb.WriteString("}\n```\n\n")

	if len(block.Fields) > 0 {
		writeFieldsTable(sb, block.Fields)
	}
	for _, nested := range block.Blocks {
		writeBlock(sb, nested, level+1)
	}
}

func writeFieldsTable(sb *strings.Builder, fields []*Field) {
	sb.WriteString("| Attribute | Type | Default | Description |\n")
	sb.WriteString("|-----------|------|---------|-------------|\n")
	for _, f := range fields {
		def := "required"
		if f.Optional {
			def = "-"
			if f.Default != "" {
				def = "`" + f.Default + "`"
			}
		}
		desc := f.Description
		if f.Deprecated {
			desc = "*Deprecated.* " + desc
		}
		if len(f.Enum) > 0 {
			desc = strings.TrimSpace(desc + " Values: `" + strings.Join(f.Enum, "`, `") + "`")
		}
		fmt.Fprintf(sb, "| `%s` | `%s` | %s | %s |\n", f.HCLName, f.HCLType, def, desc)
	}
	sb.WriteString("\n")
}

func exampleValue(f *Field) string {
	switch {
	case f.Example != "":
		return f.Example
	case f.Default != "":
		return f.Default
	case len(f.Enum) > 0:
		return fmt.Sprintf("%q", f.Enum[0])
	}
	switch {
	case f.HCLType == "string":
		return `"..."`
	case f.HCLType == "bool":
		return "false"
	case f.HCLType == "number":
		return "0"
	case strings.HasPrefix(f.HCLType, "list("):
		return "[]"
	default:
		return "{}"
	}
}

// GenerateQuickReference renders a compact HCL skeleton with every
// attribute at its default.
func GenerateQuickReference(schema *Schema) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s quick reference (schema %s)\n\n", schema.Title, schema.Version)
	for _, f := range schema.Attributes {
		writeQuickRefField(&sb, f, 0)
	}
	for _, name := range blockNames(schema) {
		sb.WriteString("\n")
		writeQuickRefBlock(&sb, schema.Blocks[name], 0)
	}
	return sb.String()
}

func writeQuickRefBlock(sb *strings.Builder, block *Block, indent int) {
	pad := strings.Repeat("  ", indent)
	fmt.Fprintf(sb, "%s%s {\n", pad, block.HCLName)
	for _, f := range block.Fields {
		writeQuickRefField(sb, f, indent+1)
	}
	for _, nested := range block.Blocks {
		writeQuickRefBlock(sb, nested, indent+1)
	}
	fmt.Fprintf(sb, "%s}\n", pad)
}

func writeQuickRefField(sb *strings.Builder, f *Field, indent int) {
	line := fmt.Sprintf("%s%s = %s", strings.Repeat("  ", indent), f.HCLName, exampleValue(f))
	if len(f.Enum) > 0 {
		line += "  # " + strings.Join(f.Enum, " | ")
	}
	sb.WriteString(line + "\n")
}
