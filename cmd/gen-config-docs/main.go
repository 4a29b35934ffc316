// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// gen-config-docs generates the configuration reference from the HCL
// config structs.
//
// Usage:
//
//	go run ./cmd/gen-config-docs --format=markdown --output=docs/config-reference.md
//	go run ./cmd/gen-config-docs --format=jsonschema --output=docs/config-schema.json
//	go run ./cmd/gen-config-docs --format=all --output=docs
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"grimm.is/flowtrack/internal/config"
	"grimm.is/flowtrack/internal/configdoc"
	"grimm.is/flowtrack/internal/errors"
)

func main() {
	var format, output, configDir string

	root := &cobra.Command{
		Use:          "gen-config-docs",
		Short:        "Generate the flowtrack configuration reference",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(c *cobra.Command, _ []string) error {
			p := configdoc.NewParser()
			if err := p.ParseDir(configDir); err != nil {
				return err
			}
			schema := p.BuildSchema("Config", "Flowtrack Configuration", config.CurrentSchemaVersion)
			files, err := render(schema, format)
			if err != nil {
				return err
			}
			if format == "all" {
				if output == "" {
					output = "docs"
				}
				for name, content := range files {
					if err := writeOutput(filepath.Join(output, name), content); err != nil {
						return err
					}
				}
				return nil
			}
			for _, content := range files {
				if output == "" {
					_, err := c.OutOrStdout().Write(content)
					return err
				}
				return writeOutput(output, content)
			}
			return nil
		},
	}
	root.Flags().StringVar(&format, "format", "markdown", "Output format: markdown, quickref, jsonschema, yaml, all")
	root.Flags().StringVar(&output, "output", "", "Output file (default: stdout, or docs/ for all)")
	root.Flags().StringVar(&configDir, "config-dir", "internal/config", "Directory containing config Go files")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// render returns file name to content for the requested format.
func render(schema *configdoc.Schema, format string) (map[string][]byte, error) {
	all := format == "all"
	out := make(map[string][]byte)
	if all || format == "markdown" {
		out["config-reference.md"] = []byte(configdoc.GenerateMarkdown(schema))
	}
	if all || format == "quickref" {
		out["config-quickref.hcl"] = []byte(configdoc.GenerateQuickReference(schema))
	}
	if all || format == "jsonschema" {
		data, err := configdoc.GenerateSchema(schema).JSON()
		if err != nil {
			return nil, err
		}
		out["config-schema.json"] = data
	}
	if all || format == "yaml" {
		data, err := configdoc.GenerateSchema(schema).YAML()
		if err != nil {
			return nil, err
		}
		out["config-schema.yaml"] = data
	}
	if len(out) == 0 {
		return nil, errors.Errorf(errors.KindValidation, "unknown format %q", format)
	}
	return out, nil
}

func writeOutput(path string, content []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return err
	}
	fmt.Printf("Generated %s\n", path)
	return nil
}
