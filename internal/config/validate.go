// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"grimm.is/flowtrack/internal/errors"
	"grimm.is/flowtrack/internal/proto"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Fields lists the offending field names.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// Validate checks every field and reports all problems at once. The
// returned error has KindValidation and unwraps to ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.HashSize <= 0 {
		add("hash_size", "must be positive, got %d", c.HashSize)
	}
	if c.MaxEntries <= 0 {
		add("max_entries", "must be positive, got %d", c.MaxEntries)
	}
	if c.MaxPending <= 0 {
		add("max_pending", "must be positive, got %d", c.MaxPending)
	}
	if c.EarlyDropScan <= 0 {
		add("early_drop_scan", "must be positive, got %d", c.EarlyDropScan)
	}
	switch strings.ToLower(c.InvalidPolicy) {
	case PolicyAccept, PolicyDrop:
	default:
		add("invalid_policy", "must be %q or %q, got %q", PolicyAccept, PolicyDrop, c.InvalidPolicy)
	}
	if d, err := time.ParseDuration(c.GCInterval); err != nil || d <= 0 {
		add("gc_interval", "must be a positive duration, got %q", c.GCInterval)
	}
	if _, err := c.EventMask(); err != nil {
		add("events", "%v", strings.TrimPrefix(err.Error(), "events: "))
	}
	if c.Timeouts != nil {
		var scratch proto.Timeouts
		for _, f := range c.Timeouts.fields(&scratch) {
			if *f.cfg == "" {
				continue
			}
			if d, err := time.ParseDuration(*f.cfg); err != nil || d <= 0 {
				add("timeouts."+f.name, "must be a positive duration, got %q", *f.cfg)
			}
		}
	}
	if c.APIEnabled() {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			add("api.listen", "must be host:port, got %q", c.API.Listen)
		}
	}
	if c.Metrics != nil && c.Metrics.Interval != "" {
		if d, err := time.ParseDuration(c.Metrics.Interval); err != nil || d <= 0 {
			add("metrics.interval", "must be a positive duration, got %q", c.Metrics.Interval)
		}
	}
	if c.Queue != nil {
		if c.Queue.Num < 0 || c.Queue.Num > math.MaxUint16 {
			add("queue.num", "must be between 0 and %d, got %d", math.MaxUint16, c.Queue.Num)
		}
		if c.Queue.MaxLen < 0 {
			add("queue.max_len", "must not be negative, got %d", c.Queue.MaxLen)
		}
	}
	if c.Log != nil {
		switch strings.ToLower(c.Log.Level) {
		case "", "debug", "info", "warn", "warning", "error":
		default:
			add("log.level", "unknown level %q", c.Log.Level)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(errs, errors.KindValidation, "invalid config")
}
