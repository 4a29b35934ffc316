// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package proto provides the layer 3 and layer 4 codecs and the FTP helper
// used by the connection tracker.
package proto

import (
	"time"

	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/errors"
	"grimm.is/flowtrack/internal/logging"
)

// Timeouts are the idle lifetimes applied per protocol state.
type Timeouts struct {
	TCPSynSent     time.Duration
	TCPSynRecv     time.Duration
	TCPEstablished time.Duration
	TCPFinWait     time.Duration
	TCPCloseWait   time.Duration
	TCPLastAck     time.Duration
	TCPTimeWait    time.Duration
	TCPClose       time.Duration
	UDP            time.Duration
	UDPStream      time.Duration
	ICMP           time.Duration
	Generic        time.Duration
}

// DefaultTimeouts mirror the usual netfilter defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		TCPSynSent:     2 * time.Minute,
		TCPSynRecv:     time.Minute,
		TCPEstablished: 5 * 24 * time.Hour,
		TCPFinWait:     2 * time.Minute,
		TCPCloseWait:   time.Minute,
		TCPLastAck:     30 * time.Second,
		TCPTimeWait:    2 * time.Minute,
		TCPClose:       10 * time.Second,
		UDP:            30 * time.Second,
		UDPStream:      2 * time.Minute,
		ICMP:           30 * time.Second,
		Generic:        10 * time.Minute,
	}
}

// Validate rejects non-positive timeouts.
func (t Timeouts) Validate() error {
	fields := []struct {
		name string
		d    time.Duration
	}{
		{"tcp_syn_sent", t.TCPSynSent},
		{"tcp_syn_recv", t.TCPSynRecv},
		{"tcp_established", t.TCPEstablished},
		{"tcp_fin_wait", t.TCPFinWait},
		{"tcp_close_wait", t.TCPCloseWait},
		{"tcp_last_ack", t.TCPLastAck},
		{"tcp_time_wait", t.TCPTimeWait},
		{"tcp_close", t.TCPClose},
		{"udp", t.UDP},
		{"udp_stream", t.UDPStream},
		{"icmp", t.ICMP},
		{"generic", t.Generic},
	}
	for _, f := range fields {
		if f.d <= 0 {
			return errors.Errorf(errors.KindValidation, "timeout %s must be positive, got %s", f.name, f.d)
		}
	}
	return nil
}

// Options select codec behaviour.
type Options struct {
	// TCPLoose lets mid-stream TCP packets create entries.
	TCPLoose bool
	// FTP registers the FTP helper on its control port.
	FTP bool
	// Logger is used by helpers. Nil means logging.Default().
	Logger *logging.Logger
}

// Register installs every codec (and optionally the FTP helper) on tr.
func Register(tr *conntrack.Tracker, to Timeouts, opts Options) error {
	if err := to.Validate(); err != nil {
		return err
	}
	tcp := NewTCP(to, opts.TCPLoose)
	udp := NewUDP(to)
	steps := []func() error{
		func() error { return tr.RegisterL3(IPv4{}) },
		func() error { return tr.RegisterL3(IPv6{}) },
		func() error { return tr.RegisterL4(conntrack.FamilyIPv4, tcp) },
		func() error { return tr.RegisterL4(conntrack.FamilyIPv6, tcp) },
		func() error { return tr.RegisterL4(conntrack.FamilyIPv4, udp) },
		func() error { return tr.RegisterL4(conntrack.FamilyIPv6, udp) },
		func() error { return tr.RegisterL4(conntrack.FamilyIPv4, NewICMP(to)) },
		func() error { return tr.RegisterL4(conntrack.FamilyIPv6, NewICMPv6(to)) },
	}
	if opts.FTP {
		steps = append(steps, func() error { return tr.RegisterHelper(NewFTP(FTPPort, opts.Logger)) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return errors.Wrap(err, errors.GetKind(err), "register codecs")
		}
	}
	return nil
}
