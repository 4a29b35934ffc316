// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import "sync"

// bucket is one hash chain. New nodes go to the head, so walking from the
// tail visits the oldest entries first.
type bucket struct {
	mu   sync.RWMutex
	head *tupleHash
	tail *tupleHash
	n    int
}

func (b *bucket) pushFront(h *tupleHash) {
	h.prev = nil
	h.next = b.head
	if b.head != nil {
		b.head.prev = h
	} else {
		b.tail = h
	}
	b.head = h
	h.linked = true
	b.n++
}

func (b *bucket) remove(h *tupleHash) {
	if !h.linked {
		return
	}
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		b.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		b.tail = h.prev
	}
	h.next, h.prev = nil, nil
	h.linked = false
	b.n--
}

// table is the bucket array. Readers and writers of single buckets hold mu
// shared; a resize holds it exclusively and therefore owns every bucket.
type table struct {
	mu      sync.RWMutex
	seed    uint32
	buckets []bucket
}

func newTable(size int, seed uint32) *table {
	return &table{seed: seed, buckets: make([]bucket, size)}
}

func (tb *table) size() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.buckets)
}

// index must be called with mu held.
func (tb *table) index(h uint32) int {
	return scale(h, len(tb.buckets))
}

// lockPair locks the buckets of two hashes in index order. mu must be held shared.
func (tb *table) lockPair(h1, h2 uint32) (*bucket, *bucket) {
	i, j := tb.index(h1), tb.index(h2)
	b1, b2 := &tb.buckets[i], &tb.buckets[j]
	switch {
	case i == j:
		b1.mu.Lock()
	case i < j:
		b1.mu.Lock()
		b2.mu.Lock()
	default:
		b2.mu.Lock()
		b1.mu.Lock()
	}
	return b1, b2
}

func unlockPair(b1, b2 *bucket) {
	b1.mu.Unlock()
	if b2 != b1 {
		b2.mu.Unlock()
	}
}

// chainHas reports whether any node in b carries tuple t. Caller holds b.mu.
func chainHas(b *bucket, t *Tuple, h uint32) bool {
	for n := b.head; n != nil; n = n.next {
		if n.hash == h && n.tuple.Equal(*t) {
			return true
		}
	}
	return false
}

// insert links both directions of c unless either tuple is already present,
// and marks it confirmed while both chains are locked.
func (tb *table) insert(c *Conn) bool {
	orig, reply := &c.tuplehash[DirOriginal], &c.tuplehash[DirReply]
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	b1, b2 := tb.lockPair(orig.hash, reply.hash)
	defer unlockPair(b1, b2)

	if c.HasStatus(StatusDying) || chainHas(b1, &orig.tuple, orig.hash) || chainHas(b2, &reply.tuple, reply.hash) {
		return false
	}
	b1.pushFront(orig)
	b2.pushFront(reply)
	c.setBits(StatusConfirmed)
	c.state.CompareAndSwap(uint32(StatePending), uint32(StateConfirmed))
	return true
}

// unlink removes both directions of c and reports whether it was linked.
func (tb *table) unlink(c *Conn) bool {
	orig, reply := &c.tuplehash[DirOriginal], &c.tuplehash[DirReply]
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	b1, b2 := tb.lockPair(orig.hash, reply.hash)
	defer unlockPair(b1, b2)

	was := orig.linked
	b1.remove(orig)
	b2.remove(reply)
	return was
}

// resize rehashes every node into a new bucket array of n buckets.
func (tb *table) resize(n int) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	old := tb.buckets
	tb.buckets = make([]bucket, n)
	moved := 0
	for i := range old {
		// Walk from the tail so relative age is kept in the new chains.
		for h := old[i].tail; h != nil; {
			prev := h.prev
			h.linked = false
			tb.buckets[tb.index(h.hash)].pushFront(h)
			moved++
			h = prev
		}
	}
	return moved
}

// walk calls fn for every original-direction node, one bucket at a time,
// with that bucket read locked. fn must not call back into the tracker.
func (tb *table) walk(fn func(c *Conn)) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	for i := range tb.buckets {
		b := &tb.buckets[i]
		b.mu.RLock()
		for h := b.head; h != nil; h = h.next {
			if h.tuple.Dir == DirOriginal {
				fn(h.conn)
			}
		}
		b.mu.RUnlock()
	}
}

// pendingList holds entries allocated but not yet confirmed.
type pendingList struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func newPendingList() *pendingList {
	return &pendingList{conns: make(map[*Conn]struct{})}
}

func (p *pendingList) add(c *Conn) {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()
}

func (p *pendingList) remove(c *Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

func (p *pendingList) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
