// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import "time"

// Track runs the tracker for pkt at hook.
//
// At input hooks a new flow gets a pending entry associated with the packet;
// at confirming hooks (LocalIn, PostRouting) that entry is committed to the
// table. A packet reaching a confirming hook untracked is tracked and
// confirmed in one step. Callers Release the packet when it leaves the path.
func (t *Tracker) Track(pkt *Packet, hook Hook) Verdict {
	if pkt.NoTrack {
		pkt.seen = true
		pkt.verdict = Verdict{Action: ActionAccept, Info: InfoUntracked}
		return pkt.verdict
	}
	if pkt.seen {
		if pkt.conn == nil || !hook.confirms() {
			t.stats.inc(len(pkt.Data), statIgnore)
			return pkt.verdict
		}
		return t.confirmPacket(pkt)
	}
	pkt.seen = true
	v := t.in(pkt)
	if pkt.conn != nil && hook.confirms() {
		return t.confirmPacket(pkt)
	}
	return v
}

// Process tracks and confirms pkt as a single traversal.
func (t *Tracker) Process(pkt *Packet) Verdict {
	if v := t.Track(pkt, HookPreRouting); v.Action == ActionDrop {
		return v
	}
	return t.Track(pkt, HookPostRouting)
}

func (t *Tracker) in(pkt *Packet) Verdict {
	l3 := t.protos.findL3(pkt.Family)
	if l3 == nil {
		return t.invalid(pkt, ReasonUnparsable)
	}
	var tuple Tuple
	proto, off, ok := l3.PktToTuple(pkt, &tuple)
	if !ok {
		return t.invalid(pkt, ReasonUnparsable)
	}
	tuple.Family = pkt.Family
	tuple.Proto = proto
	tuple.Dir = DirOriginal

	l4 := t.protos.findL4(pkt.Family, proto)
	if ec, ok := l4.(ErrorChecker); ok && ec.Error(pkt, off) {
		return t.invalid(pkt, ReasonInvalid)
	}
	if !l4.PktToTuple(pkt, off, &tuple) {
		return t.invalid(pkt, ReasonUnparsable)
	}
	pkt.l4, pkt.l4off = l4, off

	h := hashTuple(&tuple, t.seed)
	now := t.clock.Now().UnixNano()
	c, dir := t.lookup(&tuple, h, now)
	if c == nil {
		var v Verdict
		if c, v = t.newConn(pkt, l4, &tuple, h, now); c == nil {
			return v
		}
		dir = DirOriginal
	}
	return t.update(pkt, c, l4, dir, now)
}

// newConn allocates a pending entry for tuple. On failure the returned
// verdict is final for the packet.
func (t *Tracker) newConn(pkt *Packet, l4 L4Protocol, tuple *Tuple, h uint32, now int64) (*Conn, Verdict) {
	if t.pending.len() >= t.cfg.MaxPending {
		t.warnPressure("pending entry budget exhausted", "max_pending", t.cfg.MaxPending)
		return nil, t.untrackable(pkt, ReasonUnavailable)
	}
	if t.count.Load() >= t.maxEntries.Load() && !t.earlyDrop(h) {
		t.stats.inc(int(h), statDrop)
		t.warnPressure("table full, dropping packet", "count", t.Count(), "max", t.maxEntries.Load())
		pkt.verdict = Verdict{Action: ActionDrop, Info: InfoInvalid, Reason: ReasonTableFull}
		return nil, pkt.verdict
	}
	reply, ok := l4.InvertTuple(*tuple)
	if !ok {
		return nil, t.invalid(pkt, ReasonInvalid)
	}
	reply.Dir = DirReply

	c := &Conn{
		id:       t.nextID.Add(1),
		tracker:  t,
		l4:       l4,
		created:  time.Unix(0, now).UTC(),
		features: l4.Features(*tuple) | t.cfg.Features,
	}
	c.tuplehash[DirOriginal] = tupleHash{tuple: *tuple, hash: h, conn: c}
	c.tuplehash[DirReply] = tupleHash{tuple: reply, hash: hashTuple(&reply, t.seed), conn: c}
	c.refs.Store(1)
	c.timeout.Store(int64(t.cfg.GenericTimeout))
	t.pending.add(c)

	c.protoMu.Lock()
	ok = l4.New(c, pkt, pkt.l4off)
	c.protoMu.Unlock()
	if !ok {
		c.Put()
		return nil, t.invalid(pkt, ReasonInvalid)
	}

	var helper Helper
	if exp := t.takeExpectation(tuple, now); exp != nil {
		c.master = exp.master
		c.setBits(StatusExpected)
		helper = exp.helper
	} else if c.features&FeatureHelper != 0 {
		helper = t.helpers.match(*tuple)
	}
	c.helper = helper
	t.stats.inc(int(h), statNew)
	return c, Verdict{}
}

// update runs the codec for a packet of c, classifies it and associates the
// packet. It consumes the caller's reference on c. A packet the codec
// rejects changes no flags on c.
func (t *Tracker) update(pkt *Packet, c *Conn, l4 L4Protocol, dir Direction, now int64) Verdict {
	c.protoMu.Lock()
	res := l4.Packet(c, pkt, pkt.l4off, dir)
	c.protoMu.Unlock()
	if res.Action == ActionDrop {
		c.Put()
		return t.invalid(pkt, ReasonInvalid)
	}
	if res.Restart && !pkt.restart && c.HasStatus(StatusConfirmed) {
		pkt.restart = true
		t.stats.inc(int(c.tuplehash[DirOriginal].hash), statSearchRestart)
		t.kill(c)
		c.Put()
		return t.in(pkt)
	}
	info := t.classify(c, dir)
	if c.refresh(now, res.Timeout) {
		t.reaper.shorten(c, c.deadline.Load())
		t.emit(Event{Type: EventRefresh, Conn: c})
	}
	c.packets[dir].Add(1)
	c.bytes[dir].Add(uint64(len(pkt.Data)))

	v := pkt.associate(c, Verdict{Action: ActionAccept, Info: info, Dir: dir})
	if res.Teardown && c.HasStatus(StatusConfirmed) {
		t.kill(c)
	}
	return v
}

func (t *Tracker) classify(c *Conn, dir Direction) Info {
	if dir == DirReply {
		if changed := c.setBits(StatusSeenReply); changed != 0 && c.HasStatus(StatusConfirmed) {
			t.emit(Event{Type: EventStatus, Conn: c, Status: changed})
		}
		return InfoEstablished
	}
	switch {
	case c.HasStatus(StatusSeenReply):
		return InfoEstablished
	case c.HasStatus(StatusExpected):
		return InfoRelated
	default:
		return InfoNew
	}
}

func (t *Tracker) confirmPacket(pkt *Packet) Verdict {
	c := pkt.conn
	if c.State() == StatePending {
		switch t.confirm(c) {
		case confirmRace:
			return t.confirmLost(pkt)
		case confirmFull:
			return t.confirmRejected(pkt)
		}
	}
	return t.runHelper(pkt)
}

type confirmResult uint8

const (
	confirmOK confirmResult = iota
	confirmRace
	confirmFull
)

// confirm commits a pending entry. Entries held pending at an earlier hook
// count against max entries only here, so the limit is enforced again with
// the same early drop fallback as allocation.
func (t *Tracker) confirm(c *Conn) confirmResult {
	h := c.tuplehash[DirOriginal].hash
	if t.count.Add(1) > t.maxEntries.Load() && !t.earlyDrop(h) {
		t.count.Add(-1)
		return confirmFull
	}
	now := t.clock.Now().UnixNano()
	deadline := now + c.timeout.Load()
	c.deadline.Store(deadline)
	c.lastSeen.Store(now)
	c.refs.Add(1)
	if !t.table.insert(c) {
		t.count.Add(-1)
		c.refs.Add(-1)
		c.deadline.Store(0)
		t.stats.inc(int(h), statInsertFailed)
		return confirmRace
	}
	t.pending.remove(c)
	t.reaper.arm(c, deadline)
	t.stats.inc(int(h), statInsert)
	// A flush between insert and here already took the entry out again.
	if c.HasStatus(StatusDying) {
		t.reaper.cancel(c)
		return confirmOK
	}
	c.announced.Store(true)
	t.emit(Event{Type: EventNew, Conn: c})
	return confirmOK
}

// confirmRejected discards a pending entry that found the table full at
// its confirming hook.
func (t *Tracker) confirmRejected(pkt *Packet) Verdict {
	c := pkt.conn
	pkt.conn = nil
	c.Put()

	t.stats.inc(int(c.tuplehash[DirOriginal].hash), statDrop)
	t.warnPressure("table full, dropping packet", "count", t.Count(), "max", t.maxEntries.Load())
	pkt.verdict = Verdict{Action: ActionDrop, Info: InfoInvalid, Reason: ReasonTableFull}
	return pkt.verdict
}

// confirmLost handles a lost insert race: the pending entry is discarded and
// the packet is attached to whichever entry won.
func (t *Tracker) confirmLost(pkt *Packet) Verdict {
	c := pkt.conn
	orig := c.Original()
	l4 := pkt.l4
	pkt.conn = nil
	c.Put()

	h := hashTuple(&orig, t.seed)
	t.stats.inc(int(h), statSearchRestart)
	now := t.clock.Now().UnixNano()
	winner, dir := t.lookup(&orig, h, now)
	if winner == nil {
		t.logger.Debug("insert race lost and winner gone", "tuple", orig.String())
		return t.untrackable(pkt, ReasonUnavailable)
	}
	if v := t.update(pkt, winner, l4, dir, now); pkt.conn == nil {
		return v
	}
	return t.runHelper(pkt)
}

func (t *Tracker) runHelper(pkt *Packet) Verdict {
	c := pkt.conn
	h := c.Helper()
	if h == nil || !c.HasStatus(StatusConfirmed) {
		return pkt.verdict
	}
	if h.Process(t, c, pkt, pkt.verdict.Dir) == ActionDrop {
		pkt.Release()
		pkt.verdict.Action = ActionDrop
		pkt.verdict.Reason = ReasonHelper
	}
	return pkt.verdict
}

// invalid counts and reports a packet that cannot be tracked.
func (t *Tracker) invalid(pkt *Packet, r Reason) Verdict {
	t.stats.inc(len(pkt.Data), statInvalid)
	return t.untrackable(pkt, r)
}

// untrackable applies the invalid packet policy.
func (t *Tracker) untrackable(pkt *Packet, r Reason) Verdict {
	v := Verdict{Action: ActionDrop, Info: InfoInvalid, Reason: r}
	if t.cfg.FailOpen {
		v.Action = ActionAccept
	}
	pkt.verdict = v
	return v
}
