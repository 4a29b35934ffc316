// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package configdoc generates the flowtrack configuration reference from
// the HCL-tagged structs in internal/config.
//
// Field documentation comes from Go doc comments plus these annotations:
//
//	// @default: "1s"
//	// @enum: accept, drop
//	// @example: "127.0.0.1:9134"
//	// @deprecated: use timeouts.generic
//	// @min: 1
//	// @max: 1048576
//
// Output formats are Markdown, a quick reference, JSON Schema and the same
// schema as YAML.
package configdoc
