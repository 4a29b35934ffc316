// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package nfq feeds packets diverted by an NFQUEUE rule through the tracker
// and hands the resulting verdicts back to the kernel.
package nfq

import (
	"context"
	"sync/atomic"

	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/logging"
)

// Tracker is the part of the tracker the reader drives.
type Tracker interface {
	Process(pkt *conntrack.Packet) conntrack.Verdict
}

// Options select and size the queue.
type Options struct {
	// Num is the queue number used by the NFQUEUE rule.
	Num uint16
	// MaxLen is the number of packets the kernel holds for us.
	MaxLen uint32
	// FailOpen lets the kernel accept packets while the queue is full.
	FailOpen bool
}

// Request is one queued packet.
type Request struct {
	ID      uint32
	Payload []byte
}

// Decision is the verdict for a queued packet. A non-zero Mark is restored
// onto the packet.
type Decision struct {
	ID     uint32
	Accept bool
	Mark   uint32
}

// Handler receives queued packets from a Source.
type Handler interface {
	Handle(req Request) Decision
	VerdictFailed(id uint32, err error)
	ReceiveFailed(err error)
}

// Source binds to the queue described by opts and delivers packets to h
// until ctx is done.
type Source func(ctx context.Context, opts Options, h Handler) error

// Stats counts queue traffic.
type Stats struct {
	PacketsProcessed uint64 `json:"packets_processed"`
	PacketsAccepted  uint64 `json:"packets_accepted"`
	PacketsDropped   uint64 `json:"packets_dropped"`
	VerdictErrors    uint64 `json:"verdict_errors"`
	ReceiveErrors    uint64 `json:"receive_errors"`
}

// Reader classifies queued packets with a tracker.
type Reader struct {
	tracker Tracker
	opts    Options
	source  Source
	logger  *logging.Logger

	processed     atomic.Uint64
	accepted      atomic.Uint64
	dropped       atomic.Uint64
	verdictErrors atomic.Uint64
	receiveErrors atomic.Uint64
}

// New creates a reader bound to the platform queue.
func New(tracker Tracker, opts Options, logger *logging.Logger) *Reader {
	return NewWithSource(tracker, opts, open, logger)
}

// NewWithSource creates a reader fed by src.
func NewWithSource(tracker Tracker, opts Options, src Source, logger *logging.Logger) *Reader {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reader{
		tracker: tracker,
		opts:    opts,
		source:  src,
		logger:  logger.WithComponent("nfq"),
	}
}

// Run reads the queue until ctx is done.
func (r *Reader) Run(ctx context.Context) error {
	r.logger.Info("queue reader started", "queue", r.opts.Num, "max_len", r.opts.MaxLen, "fail_open", r.opts.FailOpen)
	err := r.source(ctx, r.opts, r)
	s := r.Stats()
	r.logger.Info("queue reader stopped",
		"processed", s.PacketsProcessed,
		"accepted", s.PacketsAccepted,
		"dropped", s.PacketsDropped)
	return err
}

// Handle runs one packet through the tracker.
func (r *Reader) Handle(req Request) Decision {
	r.processed.Add(1)
	pkt := conntrack.NewPacket(family(req.Payload), req.Payload)
	v := r.tracker.Process(pkt)

	d := Decision{ID: req.ID, Accept: v.Action == conntrack.ActionAccept}
	if c := pkt.Conn(); c != nil {
		d.Mark = c.Mark()
	}
	pkt.Release()

	if d.Accept {
		r.accepted.Add(1)
	} else {
		r.dropped.Add(1)
		r.logger.Debug("packet dropped", "id", req.ID, "verdict", v.String())
	}
	return d
}

func (r *Reader) VerdictFailed(id uint32, err error) {
	r.verdictErrors.Add(1)
	r.logger.Warn("failed to set verdict", "id", id, "error", err)
}

func (r *Reader) ReceiveFailed(err error) {
	r.receiveErrors.Add(1)
	r.logger.Warn("failed to receive from queue", "queue", r.opts.Num, "error", err)
}

// Stats returns a snapshot of the counters.
func (r *Reader) Stats() Stats {
	return Stats{
		PacketsProcessed: r.processed.Load(),
		PacketsAccepted:  r.accepted.Load(),
		PacketsDropped:   r.dropped.Load(),
		VerdictErrors:    r.verdictErrors.Load(),
		ReceiveErrors:    r.receiveErrors.Load(),
	}
}

// family reads the IP version nibble. Queued packets start at the network
// header.
func family(payload []byte) conntrack.Family {
	if len(payload) == 0 {
		return conntrack.FamilyUnspec
	}
	switch payload[0] >> 4 {
	case 4:
		return conntrack.FamilyIPv4
	case 6:
		return conntrack.FamilyIPv6
	}
	return conntrack.FamilyUnspec
}
