// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"grimm.is/flowtrack/internal/config"
	"grimm.is/flowtrack/internal/errors"
)

// ValidateOptions controls RunConfigValidate output.
type ValidateOptions struct {
	Verbose bool
}

// RunConfigValidate loads configPath and reports every problem found.
func RunConfigValidate(w io.Writer, configPath string, options ValidateOptions) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprintf(w, "Configuration validation failed with %d errors:\n", len(verrs))
			for _, v := range verrs {
				fmt.Fprintf(w, "  - %s\n", v.Error())
			}
			return errors.New(errors.KindValidation, "validation failed")
		}
		return err
	}

	// Conversions catch anything Validate cannot see on its own.
	tc, err := cfg.TrackerConfig()
	if err != nil {
		return err
	}
	if _, err := cfg.ProtoTimeouts(); err != nil {
		return err
	}

	fmt.Fprintf(w, "Configuration OK: %s\n", displayPath(configPath))
	if options.Verbose {
		fmt.Fprintf(w, "  hash_size:   %d\n", tc.HashSize)
		fmt.Fprintf(w, "  max_entries: %d\n", tc.MaxEntries)
		fmt.Fprintf(w, "  max_pending: %d\n", tc.MaxPending)
		fmt.Fprintf(w, "  fail_open:   %t\n", tc.FailOpen)
		fmt.Fprintf(w, "  events:      %s\n", strings.Join(cfg.Events, ", "))
		if cfg.APIEnabled() {
			fmt.Fprintf(w, "  api:         %s\n", cfg.API.Listen)
		}
	}
	return nil
}

// RunConfigDump writes the effective configuration, defaults included, as
// HCL or JSON.
func RunConfigDump(w io.Writer, configPath, format string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "", "hcl":
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return errors.Errorf(errors.KindValidation, "unknown format %q (want hcl or json)", format)
	}
}

// loadConfig loads configPath, or returns the defaults when it is empty.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayPath(p string) string {
	if p == "" {
		return "(defaults)"
	}
	return p
}
