// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"grimm.is/flowtrack/internal/errors"
)

// Load reads and validates a config file. Files ending in .json are parsed
// as HCL's JSON syntax, anything else as native HCL.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindNotFound, "failed to read config file")
	}
	return LoadBytes(path, data)
}

// LoadBytes parses, defaults and validates config data. filename is used
// for diagnostics and to pick the syntax.
func LoadBytes(filename string, data []byte) (*Config, error) {
	parser := hclparse.NewParser()
	var (
		file  *hcl.File
		diags hcl.Diagnostics
	)
	if strings.ToLower(filepath.Ext(filename)) == ".json" {
		file, diags = parser.ParseJSON(data, filename)
	} else {
		file, diags = parser.ParseHCL(data, filename)
	}
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "failed to parse config")
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "failed to decode config")
	}

	if cfg.SchemaVersion != "" && cfg.SchemaVersion != CurrentSchemaVersion {
		return nil, errors.Errorf(errors.KindValidation, "config version %s is not supported (want %s)",
			cfg.SchemaVersion, CurrentSchemaVersion)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

