// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/flowtrack/internal/clock"
	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/logging"
)

// Source is anything that reports tracker statistics.
type Source interface {
	Stats() conntrack.Stats
}

// ConntrackStats holds connection tracking statistics with per-second
// rates computed between collections.
type ConntrackStats struct {
	Current       int    `json:"current" yaml:"current"`
	Max           int    `json:"max" yaml:"max"`
	Pending       int    `json:"pending" yaml:"pending"`
	HashSize      int    `json:"hash_size" yaml:"hash_size"`
	Expectations  int    `json:"expectations" yaml:"expectations"`
	Searched      uint64 `json:"searched" yaml:"searched"`
	Found         uint64 `json:"found" yaml:"found"`
	New           uint64 `json:"new" yaml:"new"`
	Invalid       uint64 `json:"invalid" yaml:"invalid"`
	Ignore        uint64 `json:"ignore" yaml:"ignore"`
	Delete        uint64 `json:"delete" yaml:"delete"`
	Insert        uint64 `json:"insert" yaml:"insert"`
	InsertFailed  uint64 `json:"insert_failed" yaml:"insert_failed"`
	Drop          uint64 `json:"drop" yaml:"drop"`
	EarlyDrop     uint64 `json:"early_drop" yaml:"early_drop"`
	SearchRestart uint64 `json:"search_restart" yaml:"search_restart"`
	ExpectNew     uint64 `json:"expect_new" yaml:"expect_new"`
	ExpectCreate  uint64 `json:"expect_create" yaml:"expect_create"`
	ExpectDelete  uint64 `json:"expect_delete" yaml:"expect_delete"`

	NewPS     float64 `json:"new_per_sec" yaml:"new_per_sec"`
	InsertPS  float64 `json:"insert_per_sec" yaml:"insert_per_sec"`
	DeletePS  float64 `json:"delete_per_sec" yaml:"delete_per_sec"`
	InvalidPS float64 `json:"invalid_per_sec" yaml:"invalid_per_sec"`
	DropPS    float64 `json:"drop_per_sec" yaml:"drop_per_sec"`
}

// FromStats converts a raw tracker snapshot. Rates are left at zero.
func FromStats(s conntrack.Stats) ConntrackStats {
	return ConntrackStats{
		Current:       s.Count,
		Max:           s.Max,
		Pending:       s.Pending,
		HashSize:      s.HashSize,
		Expectations:  s.Expectations,
		Searched:      s.Searched,
		Found:         s.Found,
		New:           s.New,
		Invalid:       s.Invalid,
		Ignore:        s.Ignore,
		Delete:        s.Delete,
		Insert:        s.Insert,
		InsertFailed:  s.InsertFailed,
		Drop:          s.Drop,
		EarlyDrop:     s.EarlyDrop,
		SearchRestart: s.SearchRestart,
		ExpectNew:     s.ExpectNew,
		ExpectCreate:  s.ExpectCreate,
		ExpectDelete:  s.ExpectDelete,
	}
}

// Collector samples a Source on an interval and keeps the latest
// statistics, with rates, for API access.
type Collector struct {
	source   Source
	logger   *logging.Logger
	interval time.Duration
	clock    clock.Clock

	mu         sync.RWMutex
	lastUpdate time.Time
	stats      ConntrackStats
}

// NewCollector creates a new metrics collector.
func NewCollector(source Source, logger *logging.Logger, interval time.Duration) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		source:   source,
		logger:   logger.WithComponent("metrics"),
		interval: interval,
		clock:    clock.Real,
	}
}

// Start runs the collection loop until ctx is done.
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())
	c.Collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Collect()
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Collect samples the source once.
func (c *Collector) Collect() {
	now := c.clock.Now()
	cur := FromStats(c.source.Stats())

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastUpdate.IsZero() {
		elapsed := now.Sub(c.lastUpdate).Seconds()
		prev := c.stats
		cur.NewPS = c.calculateRate(cur.New, prev.New, elapsed)
		cur.InsertPS = c.calculateRate(cur.Insert, prev.Insert, elapsed)
		cur.DeletePS = c.calculateRate(cur.Delete, prev.Delete, elapsed)
		cur.InvalidPS = c.calculateRate(cur.Invalid, prev.Invalid, elapsed)
		cur.DropPS = c.calculateRate(cur.Drop, prev.Drop, elapsed)
	}
	c.stats = cur
	c.lastUpdate = now
}

// calculateRate returns a per-second rate, tolerating counter resets.
func (c *Collector) calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}

	var delta uint64
	if current < previous {
		// a tracker restart resets every counter
		delta = current
		c.logger.Debug("Counter reset detected", "current", current, "previous", previous)
	} else {
		delta = current - previous
	}

	return float64(delta) / elapsedSeconds
}

// GetConntrackStats returns a copy of the latest statistics.
func (c *Collector) GetConntrackStats() ConntrackStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// GetLastUpdate returns the time of the last collection.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
