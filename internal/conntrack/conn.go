// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the set of flags carried by a tracked entry.
type Status uint32

const (
	StatusExpected Status = 1 << iota
	StatusSeenReply
	StatusAssured
	StatusConfirmed
	StatusSrcNAT
	StatusDstNAT
	StatusDying
	StatusFixedTimeout
)

// protoSettable are the bits a codec or helper may raise through SetStatus.
const protoSettable = StatusAssured | StatusFixedTimeout

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusExpected, "EXPECTED"},
	{StatusSeenReply, "SEEN_REPLY"},
	{StatusAssured, "ASSURED"},
	{StatusConfirmed, "CONFIRMED"},
	{StatusSrcNAT, "SRC_NAT"},
	{StatusDstNAT, "DST_NAT"},
	{StatusDying, "DYING"},
	{StatusFixedTimeout, "FIXED_TIMEOUT"},
}

func (s Status) String() string {
	if s == 0 {
		return "NONE"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Names returns the flag names set in s.
func (s Status) Names() []string {
	var out []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

// State is the lifecycle position of an entry.
type State uint32

const (
	StatePending State = iota
	StateConfirmed
	StateDying
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateDying:
		return "dying"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// NATKind says which side of a flow a binding rewrote.
type NATKind uint8

const (
	NATSource NATKind = iota + 1
	NATDestination
)

func (k NATKind) String() string {
	switch k {
	case NATSource:
		return "snat"
	case NATDestination:
		return "dnat"
	default:
		return "none"
	}
}

// tupleHash is the node linking one direction of an entry into a bucket chain.
type tupleHash struct {
	tuple  Tuple
	hash   uint32
	conn   *Conn
	next   *tupleHash
	prev   *tupleHash
	linked bool
}

// Conn is a tracked connection.
//
// A Conn is reference counted. Every holder (the table, a packet association,
// an expected child pointing at its master) owns one reference, and the
// destroy hooks run exactly once when the last one is dropped.
type Conn struct {
	id      uint32
	tracker *Tracker
	l4      L4Protocol
	created time.Time

	tuplehash [2]tupleHash

	refs     atomic.Int32
	status   atomic.Uint32
	state    atomic.Uint32
	deadline atomic.Int64 // unix nanos once confirmed
	timeout  atomic.Int64 // pending relative timeout in nanos
	lastSeen atomic.Int64
	mark     atomic.Uint32
	secmark  atomic.Uint32
	packets  [2]atomic.Uint64
	bytes    [2]atomic.Uint64

	features Feature
	master   *Conn

	// announced is set once the NEW event went out.
	announced atomic.Bool

	// protoMu is held by the tracker around codec callbacks.
	protoMu    sync.Mutex
	protoState any

	extMu      sync.Mutex
	helper     Helper
	helperData any
	nat        *NATBinding

	// reaper bookkeeping, guarded by the reaper lock
	timer *timerItem
	// armedAt mirrors timer.at for lock-free checks on the packet path
	armedAt atomic.Int64
}

// NATBinding records the address translation recorded for an entry.
type NATBinding struct {
	Kind     NATKind
	Original Tuple
	Reply    Tuple
}

func (c *Conn) ID() uint32 { return c.id }

// Tuple returns the tuple of the given direction.
func (c *Conn) Tuple(dir Direction) Tuple { return c.tuplehash[dir&1].tuple }

func (c *Conn) Original() Tuple { return c.tuplehash[DirOriginal].tuple }

func (c *Conn) Reply() Tuple { return c.tuplehash[DirReply].tuple }

func (c *Conn) Status() Status { return Status(c.status.Load()) }

// HasStatus reports whether all bits of s are set.
func (c *Conn) HasStatus(s Status) bool { return Status(c.status.Load())&s == s }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) Created() time.Time { return c.created }

// Master returns the entry whose expectation created c, or nil.
func (c *Conn) Master() *Conn { return c.master }

func (c *Conn) Features() Feature { return c.features }

func (c *Conn) Mark() uint32 { return c.mark.Load() }

func (c *Conn) SetMark(v uint32) { c.mark.Store(v) }

func (c *Conn) SecMark() uint32 { return c.secmark.Load() }

func (c *Conn) SetSecMark(v uint32) { c.secmark.Store(v) }

// Counters returns packet and byte counts for one direction.
func (c *Conn) Counters(dir Direction) (packets, bytes uint64) {
	return c.packets[dir&1].Load(), c.bytes[dir&1].Load()
}

// Deadline is the absolute expiry time. Zero while the entry is pending.
func (c *Conn) Deadline() time.Time {
	d := c.deadline.Load()
	if d == 0 {
		return time.Time{}
	}
	return time.Unix(0, d).UTC()
}

// ProtoState returns the codec private state. Only valid inside codec
// callbacks, where the tracker holds the protocol lock.
func (c *Conn) ProtoState() any { return c.protoState }

// SetProtoState replaces the codec private state. Same locking rule as ProtoState.
func (c *Conn) SetProtoState(v any) { c.protoState = v }

// ProtoSnapshot reads the codec state from outside a callback.
func (c *Conn) ProtoSnapshot() any {
	c.protoMu.Lock()
	defer c.protoMu.Unlock()
	return c.protoState
}

// Helper returns the helper attached to c, or nil.
func (c *Conn) Helper() Helper {
	c.extMu.Lock()
	defer c.extMu.Unlock()
	return c.helper
}

// HelperData returns helper private data.
func (c *Conn) HelperData() any {
	c.extMu.Lock()
	defer c.extMu.Unlock()
	return c.helperData
}

// SetHelperData stores helper private data.
func (c *Conn) SetHelperData(v any) {
	c.extMu.Lock()
	c.helperData = v
	c.extMu.Unlock()
}

// NAT returns the recorded binding, or nil.
func (c *Conn) NAT() *NATBinding {
	c.extMu.Lock()
	defer c.extMu.Unlock()
	return c.nat
}

// SetStatus raises ASSURED or FIXED_TIMEOUT. Other bits are owned by the
// tracker and are ignored here.
func (c *Conn) SetStatus(s Status) {
	if changed := c.setBits(s & protoSettable); changed != 0 && c.HasStatus(StatusConfirmed) {
		c.tracker.emit(Event{Type: EventStatus, Conn: c, Status: changed})
	}
}

// setBits sets s and returns the bits that were not already set.
func (c *Conn) setBits(s Status) Status {
	for {
		old := c.status.Load()
		if Status(old)&s == s {
			return 0
		}
		if c.status.CompareAndSwap(old, old|uint32(s)) {
			return s &^ Status(old)
		}
	}
}

// claimDying sets DYING. Only the caller that flips the bit owns the removal.
func (c *Conn) claimDying() bool {
	for {
		old := c.status.Load()
		if Status(old)&StatusDying != 0 {
			return false
		}
		if c.status.CompareAndSwap(old, old|uint32(StatusDying)) {
			c.state.Store(uint32(StateDying))
			return true
		}
	}
}

// get takes a reference unless the count already reached zero.
func (c *Conn) get() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put drops a reference. The last Put destroys the entry.
func (c *Conn) Put() {
	if n := c.refs.Add(-1); n == 0 {
		c.destroy()
	} else if n < 0 {
		panic(fmt.Sprintf("conntrack: entry %d reference count underflow", c.id))
	}
}

// expired reports whether a confirmed entry is past its deadline at now.
func (c *Conn) expired(now int64) bool {
	d := c.deadline.Load()
	return d != 0 && d <= now
}

// refresh extends the lifetime of c by timeout from now. Pending entries
// keep the relative value until confirmation turns it into a deadline.
func (c *Conn) refresh(now int64, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	if !c.HasStatus(StatusConfirmed) {
		c.timeout.Store(int64(timeout))
		return false
	}
	if c.HasStatus(StatusFixedTimeout) {
		return false
	}
	c.deadline.Store(now + int64(timeout))
	c.lastSeen.Store(now)
	return true
}

func (c *Conn) destroy() {
	prev := State(c.state.Swap(uint32(StateDestroyed)))
	if prev == StateDestroyed {
		return
	}
	t := c.tracker
	t.pending.remove(c)

	if d, ok := c.l4.(Destroyer); ok {
		c.protoMu.Lock()
		d.Destroy(c)
		c.protoMu.Unlock()
	}
	if h := c.Helper(); h != nil {
		h.Destroy(c)
	}
	t.stats.inc(int(c.id), statDelete)
	if c.announced.Load() {
		t.emit(Event{Type: EventDestroy, Conn: c})
	}
	if c.master != nil {
		c.master.Put()
	}
}

// Snapshot is a point-in-time copy of an entry for listings.
type Snapshot struct {
	ID         uint32
	Original   Tuple
	Reply      Tuple
	Status     Status
	State      State
	Timeout    time.Duration
	Mark       uint32
	SecMark    uint32
	Master     uint32
	Helper     string
	Packets    [2]uint64
	Bytes      [2]uint64
	ProtoState string
}

// Snapshot copies the entry. now is used to compute the remaining timeout.
func (c *Conn) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		ID:       c.id,
		Original: c.Original(),
		Reply:    c.Reply(),
		Status:   c.Status(),
		State:    c.State(),
		Mark:     c.Mark(),
		SecMark:  c.SecMark(),
	}
	if d := c.deadline.Load(); d != 0 {
		if rem := time.Duration(d - now.UnixNano()); rem > 0 {
			s.Timeout = rem
		}
	}
	if c.master != nil {
		s.Master = c.master.id
	}
	if h := c.Helper(); h != nil {
		s.Helper = h.Name()
	}
	for d := DirOriginal; d <= DirReply; d++ {
		s.Packets[d], s.Bytes[d] = c.Counters(d)
	}
	if st, ok := c.ProtoSnapshot().(fmt.Stringer); ok {
		s.ProtoState = st.String()
	}
	return s
}
