// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package devwatch removes tracked flows that reference an address which
// has just disappeared from a local interface, the way masquerade cleanup
// does when a dynamic address changes.
package devwatch

import (
	"context"
	"net/netip"

	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/logging"
)

// Update is an address change on a local interface.
type Update struct {
	Addr      netip.Addr
	LinkIndex int
	Removed   bool
}

// Tracker is the part of the tracker the watcher drives.
type Tracker interface {
	Iterate(pred func(c *conntrack.Conn) bool) int
}

// Options tune which entries an address removal kills.
type Options struct {
	// NATOnly limits cleanup to source-NAT entries whose reply is addressed
	// to the removed address. Otherwise any entry referencing it goes.
	NATOnly bool
}

// Source delivers address updates until ctx is done. It returns a non-nil
// error only when the subscription itself fails.
type Source func(ctx context.Context, out chan<- Update) error

// Watcher applies address updates to a tracker.
type Watcher struct {
	tracker Tracker
	opts    Options
	source  Source
	logger  *logging.Logger
}

// New creates a watcher fed by the platform address source.
func New(tracker Tracker, opts Options, logger *logging.Logger) *Watcher {
	return NewWithSource(tracker, opts, subscribe, logger)
}

// NewWithSource creates a watcher fed by src.
func NewWithSource(tracker Tracker, opts Options, src Source, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		tracker: tracker,
		opts:    opts,
		source:  src,
		logger:  logger.WithComponent("devwatch"),
	}
}

// Run consumes updates until ctx is done or the source fails.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan Update, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.source(ctx, updates)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				w.logger.Error("address subscription failed", "error", err)
			}
			return err
		case u := <-updates:
			w.Handle(u)
		}
	}
}

// Handle applies one update and returns how many entries were killed.
func (w *Watcher) Handle(u Update) int {
	if !u.Removed || !u.Addr.IsValid() {
		return 0
	}
	addr := u.Addr.Unmap()
	var pred func(c *conntrack.Conn) bool
	if w.opts.NATOnly {
		pred = func(c *conntrack.Conn) bool {
			return c.HasStatus(conntrack.StatusSrcNAT) && c.Reply().Dst == addr
		}
	} else {
		pred = func(c *conntrack.Conn) bool {
			return c.Original().HasAddr(addr) || c.Reply().HasAddr(addr)
		}
	}
	n := w.tracker.Iterate(pred)
	if n > 0 {
		w.logger.Info("flushed entries for removed address", "addr", addr.String(), "link", u.LinkIndex, "count", n)
	}
	return n
}
