// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import "sync/atomic"

type statID int

const (
	statSearched statID = iota
	statFound
	statNew
	statInvalid
	statIgnore
	statInsert
	statInsertFailed
	statDrop
	statEarlyDrop
	statDelete
	statSearchRestart
	statExpectNew
	statExpectCreate
	statExpectDelete
	numStats
)

const statShards = 16

// statShard is padded to its own cache line.
type statShard struct {
	v [numStats]atomic.Uint64
	_ [64]byte
}

// counters are sharded by a caller supplied hint and summed on read.
type counters struct {
	shards [statShards]statShard
}

func (c *counters) inc(hint int, id statID) {
	c.shards[uint(hint)%statShards].v[id].Add(1)
}

func (c *counters) add(hint int, id statID, n uint64) {
	c.shards[uint(hint)%statShards].v[id].Add(n)
}

func (c *counters) sum(id statID) uint64 {
	var n uint64
	for i := range c.shards {
		n += c.shards[i].v[id].Load()
	}
	return n
}

// Stats is a snapshot of tracker counters.
type Stats struct {
	Count         int
	Max           int
	Pending       int
	HashSize      int
	Expectations  int
	Searched      uint64
	Found         uint64
	New           uint64
	Invalid       uint64
	Ignore        uint64
	Insert        uint64
	InsertFailed  uint64
	Drop          uint64
	EarlyDrop     uint64
	Delete        uint64
	SearchRestart uint64
	ExpectNew     uint64
	ExpectCreate  uint64
	ExpectDelete  uint64
}

// Stats returns current counters. Counters are read without a global lock,
// so concurrent updates may land in either side of the snapshot.
func (t *Tracker) Stats() Stats {
	return Stats{
		Count:         t.Count(),
		Max:           int(t.maxEntries.Load()),
		Pending:       t.pending.len(),
		HashSize:      t.table.size(),
		Expectations:  t.expect.len(),
		Searched:      t.stats.sum(statSearched),
		Found:         t.stats.sum(statFound),
		New:           t.stats.sum(statNew),
		Invalid:       t.stats.sum(statInvalid),
		Ignore:        t.stats.sum(statIgnore),
		Insert:        t.stats.sum(statInsert),
		InsertFailed:  t.stats.sum(statInsertFailed),
		Drop:          t.stats.sum(statDrop),
		EarlyDrop:     t.stats.sum(statEarlyDrop),
		Delete:        t.stats.sum(statDelete),
		SearchRestart: t.stats.sum(statSearchRestart),
		ExpectNew:     t.stats.sum(statExpectNew),
		ExpectCreate:  t.stats.sum(statExpectCreate),
		ExpectDelete:  t.stats.sum(statExpectDelete),
	}
}
