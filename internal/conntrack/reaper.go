// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"container/heap"
	"sync"
)

type timerItem struct {
	at    int64
	conn  *Conn
	index int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at < h[j].at }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	it := x.(*timerItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// reaper orders confirmed entries by deadline. Refreshes only move the
// deadline stored in the entry; a popped timer whose entry now lives longer
// is pushed back at the new deadline.
type reaper struct {
	mu sync.Mutex
	h  timerHeap
}

// arm schedules c at at. Dying entries are never armed; kill marks an entry
// dying before it cancels the timer under the same lock.
func (r *reaper) arm(c *Conn, at int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.timer != nil || c.HasStatus(StatusDying) {
		return
	}
	it := &timerItem{at: at, conn: c}
	c.timer = it
	c.armedAt.Store(at)
	heap.Push(&r.h, it)
}

// shorten moves the timer of c forward when its deadline dropped below the
// armed time.
func (r *reaper) shorten(c *Conn, at int64) {
	if at >= c.armedAt.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if it := c.timer; it != nil && it.index >= 0 && at < it.at {
		it.at = at
		c.armedAt.Store(at)
		heap.Fix(&r.h, it.index)
	}
}

func (r *reaper) cancel(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it := c.timer; it != nil {
		if it.index >= 0 {
			heap.Remove(&r.h, it.index)
		}
		c.timer = nil
	}
}

// due pops up to limit entries whose deadline is at or before now.
func (r *reaper) due(now int64, limit int) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Conn
	for len(r.h) > 0 && r.h[0].at <= now && len(out) < limit {
		it := heap.Pop(&r.h).(*timerItem)
		c := it.conn
		if d := c.deadline.Load(); d > now {
			it.at = d
			c.armedAt.Store(d)
			heap.Push(&r.h, it)
			continue
		}
		c.timer = nil
		out = append(out, c)
	}
	return out
}

func (r *reaper) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.h)
}

// next returns the earliest armed deadline, or zero.
func (r *reaper) next() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.h) == 0 {
		return 0
	}
	return r.h[0].at
}
