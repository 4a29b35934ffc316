// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package health

import (
	"context"
	"fmt"
	"sync"

	"grimm.is/flowtrack/internal/conntrack"
)

// StatsSource exposes tracker counters.
type StatsSource interface {
	Stats() conntrack.Stats
}

// DropSource exposes event delivery losses.
type DropSource interface {
	Dropped() uint64
}

// DefaultTableWarn is the fill ratio at which the table is degraded.
const DefaultTableWarn = 0.9

// TableCheck reports the table degraded once it is warn full and
// unhealthy when packets were dropped for lack of room since the previous
// run.
func TableCheck(src StatsSource, warn float64) CheckFunc {
	if warn <= 0 || warn > 1 {
		warn = DefaultTableWarn
	}
	var (
		mu       sync.Mutex
		lastDrop uint64
		primed   bool
	)
	return func(context.Context) Check {
		s := src.Stats()

		mu.Lock()
		newDrops := uint64(0)
		if primed && s.Drop >= lastDrop {
			newDrops = s.Drop - lastDrop
		}
		lastDrop, primed = s.Drop, true
		mu.Unlock()

		c := Check{Name: "conntrack_table", Status: StatusHealthy}
		fill := 0.0
		if s.Max > 0 {
			fill = float64(s.Count) / float64(s.Max)
		}
		c.Message = fmt.Sprintf("%d/%d entries (%.0f%%), %d pending", s.Count, s.Max, fill*100, s.Pending)
		switch {
		case newDrops > 0:
			c.Status = StatusUnhealthy
			c.Message += fmt.Sprintf(", %d packets dropped since last check", newDrops)
		case fill >= warn:
			c.Status = StatusDegraded
		}
		return c
	}
}

// EventsCheck reports delivery degraded when subscribers lost events
// since the previous run.
func EventsCheck(src DropSource) CheckFunc {
	var (
		mu   sync.Mutex
		last uint64
	)
	return func(context.Context) Check {
		n := src.Dropped()
		mu.Lock()
		lost := n - last
		if n < last {
			lost = n
		}
		last = n
		mu.Unlock()

		if lost > 0 {
			return Check{
				Name:    "events",
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d events dropped by slow subscribers", lost),
			}
		}
		return Check{Name: "events", Status: StatusHealthy, Message: "delivering"}
	}
}
