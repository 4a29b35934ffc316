// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/flowtrack/internal/errors"
	"grimm.is/flowtrack/internal/proto"
)

// Marshal renders c as canonical HCL. Defaults are filled in on a copy so
// the output is complete and loads back to an equal configuration.
func (c *Config) Marshal() ([]byte, error) {
	cp := c.clone()
	cp.applyDefaults()

	f := hclwrite.NewEmptyFile()
	body := f.Body()

	attrs := []struct {
		name  string
		value any
	}{
		{"schema_version", cp.SchemaVersion},
		{"hash_size", cp.HashSize},
		{"max_entries", cp.MaxEntries},
		{"max_pending", cp.MaxPending},
		{"early_drop_scan", cp.EarlyDropScan},
		{"early_drop_assured", cp.EarlyDropAssured},
		{"invalid_policy", cp.InvalidPolicy},
		{"gc_interval", cp.GCInterval},
		{"events", cp.Events},
		{"tcp_loose", cp.TCPLoose},
	}
	for _, a := range attrs {
		if err := setAttribute(body, a.name, a.value); err != nil {
			return nil, err
		}
	}

	body.AppendNewline()
	tb := body.AppendNewBlock("timeouts", nil).Body()
	var scratch proto.Timeouts
	for _, fld := range cp.Timeouts.fields(&scratch) {
		tb.SetAttributeValue(fld.name, cty.StringVal(*fld.cfg))
	}

	body.AppendNewline()
	body.AppendNewBlock("helpers", nil).Body().SetAttributeValue("ftp", cty.BoolVal(cp.Helpers.FTP))

	body.AppendNewline()
	ab := body.AppendNewBlock("api", nil).Body()
	ab.SetAttributeValue("enabled", cty.BoolVal(*cp.API.Enabled))
	ab.SetAttributeValue("listen", cty.StringVal(cp.API.Listen))

	body.AppendNewline()
	body.AppendNewBlock("metrics", nil).Body().SetAttributeValue("interval", cty.StringVal(cp.Metrics.Interval))

	body.AppendNewline()
	db := body.AppendNewBlock("device_watch", nil).Body()
	db.SetAttributeValue("enabled", cty.BoolVal(cp.DeviceWatch.Enabled))
	db.SetAttributeValue("nat_only", cty.BoolVal(*cp.DeviceWatch.NATOnly))

	body.AppendNewline()
	qb := body.AppendNewBlock("queue", nil).Body()
	qb.SetAttributeValue("enabled", cty.BoolVal(cp.Queue.Enabled))
	qb.SetAttributeValue("num", cty.NumberIntVal(int64(cp.Queue.Num)))
	qb.SetAttributeValue("max_len", cty.NumberIntVal(int64(cp.Queue.MaxLen)))

	body.AppendNewline()
	lb := body.AppendNewBlock("log", nil).Body()
	lb.SetAttributeValue("level", cty.StringVal(cp.Log.Level))
	lb.SetAttributeValue("json", cty.BoolVal(cp.Log.JSON))

	return hclwrite.Format(f.Bytes()), nil
}

func setAttribute(body *hclwrite.Body, name string, value any) error {
	v, err := toCtyValue(value)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "invalid value for %s", name)
	}
	body.SetAttributeValue(name, v)
	return nil
}

// toCtyValue converts a Go value to a cty.Value for HCL writing.
func toCtyValue(v any) (cty.Value, error) {
	switch val := v.(type) {
	case bool:
		return cty.BoolVal(val), nil
	case int:
		return cty.NumberIntVal(int64(val)), nil
	case int64:
		return cty.NumberIntVal(val), nil
	case string:
		return cty.StringVal(val), nil
	case []string:
		if len(val) == 0 {
			return cty.ListValEmpty(cty.String), nil
		}
		vals := make([]cty.Value, len(val))
		for i, s := range val {
			vals[i] = cty.StringVal(s)
		}
		return cty.ListVal(vals), nil
	default:
		return cty.NilVal, errors.Errorf(errors.KindValidation, "unsupported type: %T", v)
	}
}

// clone copies c deeply enough that applyDefaults on the copy leaves c
// untouched.
func (c *Config) clone() *Config {
	cp := *c
	if c.Events != nil {
		cp.Events = make([]string, len(c.Events))
		copy(cp.Events, c.Events)
	}
	if c.Timeouts != nil {
		t := *c.Timeouts
		cp.Timeouts = &t
	}
	if c.Helpers != nil {
		h := *c.Helpers
		cp.Helpers = &h
	}
	if c.API != nil {
		a := *c.API
		cp.API = &a
	}
	if c.Metrics != nil {
		m := *c.Metrics
		cp.Metrics = &m
	}
	if c.DeviceWatch != nil {
		d := *c.DeviceWatch
		cp.DeviceWatch = &d
	}
	if c.Queue != nil {
		q := *c.Queue
		cp.Queue = &q
	}
	if c.Log != nil {
		l := *c.Log
		cp.Log = &l
	}
	return &cp
}
