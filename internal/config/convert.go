// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/devwatch"
	"grimm.is/flowtrack/internal/errors"
	"grimm.is/flowtrack/internal/logging"
	"grimm.is/flowtrack/internal/nfq"
	"grimm.is/flowtrack/internal/proto"
)

type timeoutField struct {
	name string
	cfg  *string
	out  *time.Duration
}

// fields pairs each configured timeout with its slot in out.
func (t *TimeoutsConfig) fields(out *proto.Timeouts) []timeoutField {
	return []timeoutField{
		{"tcp_syn_sent", &t.TCPSynSent, &out.TCPSynSent},
		{"tcp_syn_recv", &t.TCPSynRecv, &out.TCPSynRecv},
		{"tcp_established", &t.TCPEstablished, &out.TCPEstablished},
		{"tcp_fin_wait", &t.TCPFinWait, &out.TCPFinWait},
		{"tcp_close_wait", &t.TCPCloseWait, &out.TCPCloseWait},
		{"tcp_last_ack", &t.TCPLastAck, &out.TCPLastAck},
		{"tcp_time_wait", &t.TCPTimeWait, &out.TCPTimeWait},
		{"tcp_close", &t.TCPClose, &out.TCPClose},
		{"udp", &t.UDP, &out.UDP},
		{"udp_stream", &t.UDPStream, &out.UDPStream},
		{"icmp", &t.ICMP, &out.ICMP},
		{"generic", &t.Generic, &out.Generic},
	}
}

func (t *TimeoutsConfig) applyDefaults() {
	def := proto.DefaultTimeouts()
	for _, f := range t.fields(&def) {
		if *f.cfg == "" {
			*f.cfg = formatDuration(*f.out)
		}
	}
}

// formatDuration renders d in the largest whole unit, so 2m stays "2m"
// rather than "2m0s".
func formatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "0s"
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return d.String()
	}
}

func parseDuration(field, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, errors.KindValidation, "%s: invalid duration %q", field, v)
	}
	return d, nil
}

// ProtoTimeouts converts the timeouts block. Unset fields keep their
// defaults.
func (c *Config) ProtoTimeouts() (proto.Timeouts, error) {
	out := proto.DefaultTimeouts()
	if c.Timeouts == nil {
		return out, nil
	}
	for _, f := range c.Timeouts.fields(&out) {
		if *f.cfg == "" {
			continue
		}
		d, err := parseDuration("timeouts."+f.name, *f.cfg)
		if err != nil {
			return out, err
		}
		*f.out = d
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// EventMask converts the events list.
func (c *Config) EventMask() (conntrack.EventMask, error) {
	names := make([]string, 0, len(c.Events)+1)
	for _, n := range c.Events {
		if strings.EqualFold(strings.TrimSpace(n), "expect") {
			names = append(names,
				conntrack.EventExpectNew.String(),
				conntrack.EventExpectDestroy.String())
			continue
		}
		names = append(names, n)
	}
	mask, unknown := conntrack.ParseEventMask(names)
	if len(unknown) > 0 {
		return 0, errors.Errorf(errors.KindValidation, "events: unknown event types %s", strings.Join(unknown, ", "))
	}
	return mask, nil
}

// TrackerConfig converts the table settings.
func (c *Config) TrackerConfig() (conntrack.Config, error) {
	out := conntrack.DefaultConfig()
	out.HashSize = c.HashSize
	out.MaxEntries = c.MaxEntries
	out.MaxPending = c.MaxPending
	out.EarlyDropScan = c.EarlyDropScan
	out.EarlyDropAssured = c.EarlyDropAssured

	switch strings.ToLower(c.InvalidPolicy) {
	case PolicyAccept:
		out.FailOpen = true
	case PolicyDrop:
		out.FailOpen = false
	default:
		return out, errors.Errorf(errors.KindValidation, "invalid_policy: must be %q or %q, got %q", PolicyAccept, PolicyDrop, c.InvalidPolicy)
	}

	gc, err := parseDuration("gc_interval", c.GCInterval)
	if err != nil {
		return out, err
	}
	out.GCInterval = gc

	to, err := c.ProtoTimeouts()
	if err != nil {
		return out, err
	}
	out.GenericTimeout = to.Generic

	if out.Events, err = c.EventMask(); err != nil {
		return out, err
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

// ProtoOptions converts codec switches.
func (c *Config) ProtoOptions() proto.Options {
	opts := proto.Options{TCPLoose: c.TCPLoose}
	if c.Helpers != nil {
		opts.FTP = c.Helpers.FTP
	}
	return opts
}

// DevWatchOptions converts the device_watch block.
func (c *Config) DevWatchOptions() devwatch.Options {
	if c.DeviceWatch == nil || c.DeviceWatch.NATOnly == nil {
		return devwatch.Options{NATOnly: true}
	}
	return devwatch.Options{NATOnly: *c.DeviceWatch.NATOnly}
}

// QueueEnabled reports whether packets are read from a netfilter queue.
func (c *Config) QueueEnabled() bool {
	return c.Queue != nil && c.Queue.Enabled
}

// QueueOptions converts the queue block. Untrackable packets and queue
// overflow follow the same invalid_policy.
func (c *Config) QueueOptions() nfq.Options {
	opts := nfq.Options{MaxLen: 1024, FailOpen: !strings.EqualFold(c.InvalidPolicy, PolicyDrop)}
	if c.Queue != nil {
		opts.Num = uint16(c.Queue.Num)
		if c.Queue.MaxLen > 0 {
			opts.MaxLen = uint32(c.Queue.MaxLen)
		}
	}
	return opts
}

// APIEnabled reports whether the admin server should run.
func (c *Config) APIEnabled() bool {
	return c.API != nil && (c.API.Enabled == nil || *c.API.Enabled) && c.API.Listen != ""
}

// MetricsInterval returns the rate collector interval.
func (c *Config) MetricsInterval() time.Duration {
	if c.Metrics == nil || c.Metrics.Interval == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.Metrics.Interval)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Logging converts the log block.
func (c *Config) Logging() logging.Config {
	out := logging.DefaultConfig()
	out.Output = os.Stderr
	if c.Log != nil {
		out.Level = logging.ParseLevel(c.Log.Level)
		out.JSON = c.Log.JSON
	}
	return out
}
