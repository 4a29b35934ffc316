// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowtrack/internal/errors"
)

func TestNew_ValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HashSize = 0
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestTrack_NewThenEstablished(t *testing.T) {
	f := newFixture(t, nil)

	v := f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))
	assert.Equal(t, ActionAccept, v.Action)
	assert.Equal(t, InfoNew, v.Info)
	assert.Equal(t, DirOriginal, v.Dir)
	assert.Equal(t, 1, f.tr.Count())

	// Retransmit before any reply is still NEW.
	v = f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))
	assert.Equal(t, InfoNew, v.Info)

	v = f.send(fakePacket("10.0.0.2", "10.0.0.1", 80, 4000, 0))
	assert.Equal(t, InfoEstablished, v.Info)
	assert.Equal(t, DirReply, v.Dir)

	v = f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))
	assert.Equal(t, InfoEstablished, v.Info)
	assert.Equal(t, DirOriginal, v.Dir)

	c, dir := f.tr.Lookup(fakeTuple("10.0.0.2", "10.0.0.1", 80, 4000))
	require.NotNil(t, c)
	defer c.Put()
	assert.Equal(t, DirReply, dir)
	assert.True(t, c.HasStatus(StatusConfirmed|StatusSeenReply))
	assert.Equal(t, 4, c.ProtoSnapshot())

	pkts, _ := c.Counters(DirOriginal)
	assert.Equal(t, uint64(3), pkts)
	pkts, _ = c.Counters(DirReply)
	assert.Equal(t, uint64(1), pkts)

	assert.Equal(t, 1, f.rec.count(EventNew))
	assert.Equal(t, 1, f.rec.count(EventStatus))
	assert.Equal(t, 1, f.tr.Count())
}

func TestTrack_TwoPhaseConfirm(t *testing.T) {
	f := newFixture(t, nil)

	pkt := fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0)
	v := f.tr.Track(pkt, HookPreRouting)
	assert.Equal(t, InfoNew, v.Info)
	require.NotNil(t, pkt.Conn())
	assert.Equal(t, StatePending, pkt.Conn().State())
	assert.Zero(t, f.tr.Count())
	assert.Equal(t, 1, f.tr.Stats().Pending)

	// Pending entries are invisible to other packets.
	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 4000, 80))
	assert.Nil(t, c)

	// A forward hook does not confirm.
	f.tr.Track(pkt, HookForward)
	assert.Equal(t, StatePending, pkt.Conn().State())

	v = f.tr.Track(pkt, HookPostRouting)
	assert.Equal(t, ActionAccept, v.Action)
	assert.Equal(t, StateConfirmed, pkt.Conn().State())
	assert.False(t, pkt.Conn().Deadline().IsZero())
	assert.Equal(t, testEpoch.Add(30*time.Second), pkt.Conn().Deadline())
	assert.Equal(t, 1, f.tr.Count())
	assert.Zero(t, f.tr.Stats().Pending)
	pkt.Release()
}

func TestTrack_PendingDiscardedOnRelease(t *testing.T) {
	f := newFixture(t, nil)

	pkt := fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0)
	f.tr.Track(pkt, HookPreRouting)
	c := pkt.Conn()
	pkt.Release()

	assert.Equal(t, StateDestroyed, c.State())
	assert.Equal(t, int32(1), f.l4.destroyed.Load())
	assert.Zero(t, f.tr.Stats().Pending)
	assert.Zero(t, f.rec.count(EventDestroy))
	assert.Zero(t, f.rec.count(EventNew))
}

func TestReap_ExpiresIdleEntries(t *testing.T) {
	f := newFixture(t, nil)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))

	f.clock.Advance(29 * time.Second)
	assert.Zero(t, f.tr.Reap())
	assert.Equal(t, 1, f.tr.Count())

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.tr.Reap())
	assert.Zero(t, f.tr.Count())
	assert.Equal(t, 1, f.rec.count(EventDestroy))
	assert.Equal(t, int32(1), f.l4.destroyed.Load())

	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 4000, 80))
	assert.Nil(t, c)
}

func TestReap_RefreshExtendsDeadline(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Events = EventsAll })
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))

	f.clock.Advance(20 * time.Second)
	f.send(fakePacket("10.0.0.2", "10.0.0.1", 80, 4000, 0))
	assert.Equal(t, 1, f.rec.count(EventRefresh))

	f.clock.Advance(20 * time.Second)
	assert.Zero(t, f.tr.Reap(), "refreshed entry must survive its first deadline")
	assert.Equal(t, 1, f.tr.Count())

	f.clock.Advance(11 * time.Second)
	assert.Equal(t, 1, f.tr.Reap())
	assert.Zero(t, f.tr.Count())
}

func TestLookup_ExpiredEntryIsMiss(t *testing.T) {
	f := newFixture(t, nil)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))

	f.clock.Advance(time.Minute)
	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 4000, 80))
	assert.Nil(t, c)
	assert.Zero(t, f.tr.Count(), "lookup removes the expired entry")

	// A packet after expiry starts a new flow.
	v := f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))
	assert.Equal(t, InfoNew, v.Info)
	assert.Equal(t, 1, f.tr.Count())
	assert.Equal(t, 2, f.rec.count(EventNew))
}

func TestTrack_FixedTimeout(t *testing.T) {
	f := newFixture(t, nil)
	pkt := fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0)
	f.tr.Process(pkt)
	c := pkt.Conn()
	c.SetStatus(StatusFixedTimeout)
	deadline := c.Deadline()
	pkt.Release()

	f.clock.Advance(10 * time.Second)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))
	assert.Equal(t, deadline, c.Deadline())
}

func TestTrack_Teardown(t *testing.T) {
	f := newFixture(t, nil)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))

	v := f.send(fakePacket("10.0.0.2", "10.0.0.1", 80, 4000, flagTeardown))
	assert.Equal(t, ActionAccept, v.Action)
	assert.Zero(t, f.tr.Count())
	assert.Equal(t, 1, f.rec.count(EventDestroy))
}

func TestTrack_InvalidPolicy(t *testing.T) {
	tests := []struct {
		name     string
		failOpen bool
		want     Action
	}{
		{"fail open", true, ActionAccept},
		{"fail closed", false, ActionDrop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.FailOpen = tt.failOpen })

			v := f.send(NewPacket(FamilyIPv4, []byte{1, 2, 3}))
			assert.Equal(t, tt.want, v.Action)
			assert.Equal(t, InfoInvalid, v.Info)
			assert.Equal(t, ReasonUnparsable, v.Reason)

			v = f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, flagRejectNew))
			assert.Equal(t, tt.want, v.Action)
			assert.Equal(t, ReasonInvalid, v.Reason)

			v = f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, flagInvalid))
			assert.Equal(t, tt.want, v.Action)
			assert.Equal(t, ReasonInvalid, v.Reason)

			v = f.send(NewPacket(FamilyIPv6, make([]byte, 40)))
			assert.Equal(t, ReasonUnparsable, v.Reason)

			assert.Zero(t, f.tr.Count())
			assert.Zero(t, f.tr.Stats().Pending)
			assert.Equal(t, uint64(4), f.tr.Stats().Invalid)
			assert.Equal(t, int32(2), f.l4.destroyed.Load())
		})
	}
}

func TestTrack_InvalidOnEstablishedKeepsEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))

	v := f.send(fakePacket("10.0.0.2", "10.0.0.1", 80, 4000, flagInvalid))
	assert.Equal(t, InfoInvalid, v.Info)
	assert.Equal(t, 1, f.tr.Count())

	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 4000, 80))
	require.NotNil(t, c)
	defer c.Put()
	assert.False(t, c.HasStatus(StatusSeenReply))
	assert.False(t, c.HasStatus(StatusDying))
}

func TestTrack_NoTrack(t *testing.T) {
	f := newFixture(t, nil)
	pkt := fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0)
	pkt.NoTrack = true

	v := f.send(pkt)
	assert.Equal(t, ActionAccept, v.Action)
	assert.Equal(t, InfoUntracked, v.Info)
	assert.Zero(t, f.tr.Count())
}

func TestTrack_UnknownProtocolUsesGeneric(t *testing.T) {
	f := newFixture(t, nil)

	v := f.send(rawPacket("10.0.0.1", "10.0.0.2", 99, 1, 2, 0))
	assert.Equal(t, InfoNew, v.Info)

	v = f.send(rawPacket("10.0.0.2", "10.0.0.1", 99, 7, 8, 0))
	assert.Equal(t, InfoEstablished, v.Info)

	entries := f.tr.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, uint8(99), entries[0].Original.Proto)
	assert.Zero(t, entries[0].Original.SrcPort)
	assert.Equal(t, 10*time.Minute, entries[0].Timeout)
}

func TestConfirm_LostRaceReusesWinner(t *testing.T) {
	f := newFixture(t, nil)

	p1 := fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0)
	p2 := fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0)
	f.tr.Track(p1, HookPreRouting)
	f.tr.Track(p2, HookPreRouting)
	require.NotSame(t, p1.Conn(), p2.Conn())
	loser := p2.Conn()

	f.tr.Track(p1, HookPostRouting)
	v := f.tr.Track(p2, HookPostRouting)

	assert.Equal(t, ActionAccept, v.Action)
	assert.Same(t, p1.Conn(), p2.Conn())
	assert.Equal(t, StateDestroyed, loser.State())
	assert.Equal(t, 1, f.tr.Count())
	assert.Equal(t, uint64(1), f.tr.Stats().InsertFailed)
	assert.Equal(t, uint64(1), f.tr.Stats().SearchRestart)
	assert.Equal(t, int32(1), f.l4.destroyed.Load())

	p1.Release()
	p2.Release()
}

func TestTrack_ConcurrentSameFlow(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	results := make([]Verdict, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, ActionAccept, v.Action)
	}
	assert.Equal(t, 1, f.tr.Count())
	assert.Equal(t, 1, f.rec.count(EventNew))
	assert.Zero(t, f.tr.Stats().Pending)
}

func TestTrack_ConcurrentDistinctFlows(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HashSize = 16 })

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				f.send(fakePacket("10.0.0.1", "10.0.0.2", uint16(1000+w*100+i), 80, 0))
				f.send(fakePacket("10.0.0.2", "10.0.0.1", 80, uint16(1000+w*100+i), 0))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 400, f.tr.Count())
	assert.Len(t, f.tr.Entries(), 400)
}

func TestDestroy_RunsOnceAfterLastReference(t *testing.T) {
	f := newFixture(t, nil)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))

	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 4000, 80))
	require.NotNil(t, c)

	assert.Equal(t, 1, f.tr.FlushAll())
	assert.Equal(t, StateDying, c.State())
	assert.Zero(t, f.l4.destroyed.Load(), "held reference keeps the entry alive")
	assert.Zero(t, f.rec.count(EventDestroy))

	c.Put()
	assert.Equal(t, StateDestroyed, c.State())
	assert.Equal(t, int32(1), f.l4.destroyed.Load())
	assert.Equal(t, 1, f.rec.count(EventDestroy))

	// A second kill of the same entry is a no-op.
	assert.False(t, f.tr.Kill(c))
	assert.Equal(t, 1, f.rec.count(EventDestroy))
}

func TestEarlyDrop_EvictsOldestUnassured(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.HashSize = 1
		c.MaxEntries = 2
	})
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 1, 80, 0))
	f.clock.Advance(time.Second)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 2, 80, 0))
	f.clock.Advance(time.Second)

	v := f.send(fakePacket("10.0.0.1", "10.0.0.2", 3, 80, 0))
	assert.Equal(t, ActionAccept, v.Action)
	assert.Equal(t, InfoNew, v.Info)
	assert.Equal(t, 2, f.tr.Count())
	assert.Equal(t, uint64(1), f.tr.Stats().EarlyDrop)

	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 1, 80))
	assert.Nil(t, c, "oldest flow is evicted")
	c, _ = f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 2, 80))
	require.NotNil(t, c)
	c.Put()
}

func TestEarlyDrop_SparesAssured(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.HashSize = 1
		c.MaxEntries = 2
	})
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 1, 80, flagAssure))
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 2, 80, flagAssure))

	v := f.send(fakePacket("10.0.0.1", "10.0.0.2", 3, 80, 0))
	assert.Equal(t, ActionDrop, v.Action)
	assert.Equal(t, ReasonTableFull, v.Reason)
	assert.Equal(t, "table full", v.Reason.String())
	assert.Equal(t, 2, f.tr.Count())
	assert.Equal(t, uint64(1), f.tr.Stats().Drop)
	assert.Zero(t, f.tr.Stats().EarlyDrop)
}

func TestEarlyDrop_AssuredFallback(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.HashSize = 1
		c.MaxEntries = 2
		c.EarlyDropAssured = true
	})
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 1, 80, flagAssure))
	f.clock.Advance(time.Second)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 2, 80, flagAssure))
	f.clock.Advance(time.Second)
	// Flow 1 is refreshed, so flow 2 becomes the least recently used.
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 1, 80, 0))

	v := f.send(fakePacket("10.0.0.1", "10.0.0.2", 3, 80, 0))
	assert.Equal(t, ActionAccept, v.Action)

	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 2, 80))
	assert.Nil(t, c)
	c, _ = f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 1, 80))
	require.NotNil(t, c)
	c.Put()
}

func TestTrack_PendingBudget(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxPending = 1 })

	p1 := fakePacket("10.0.0.1", "10.0.0.2", 1, 80, 0)
	f.tr.Track(p1, HookPreRouting)

	p2 := fakePacket("10.0.0.1", "10.0.0.2", 2, 80, 0)
	v := f.tr.Track(p2, HookPreRouting)
	assert.Equal(t, ReasonUnavailable, v.Reason)
	assert.Equal(t, ActionAccept, v.Action)
	assert.Nil(t, p2.Conn())

	f.tr.Track(p1, HookPostRouting)
	p1.Release()
	v = f.send(fakePacket("10.0.0.1", "10.0.0.2", 2, 80, 0))
	assert.Equal(t, InfoNew, v.Info)
}

func TestSetNAT(t *testing.T) {
	f := newFixture(t, nil)

	pkt := fakePacket("192.168.1.10", "10.0.0.2", 4000, 80, 0)
	f.tr.Track(pkt, HookPreRouting)
	c := pkt.Conn()

	reply := fakeTuple("10.0.0.2", "203.0.113.1", 80, 61000)
	require.NoError(t, f.tr.SetNAT(c, NATSource, reply))
	f.tr.Track(pkt, HookPostRouting)
	pkt.Release()

	assert.True(t, c.HasStatus(StatusSrcNAT))
	require.NotNil(t, c.NAT())
	assert.Equal(t, NATSource, c.NAT().Kind)
	assert.Equal(t, 1, f.rec.count(EventNAT))

	v := f.send(fakePacket("10.0.0.2", "203.0.113.1", 80, 61000, 0))
	assert.Equal(t, InfoEstablished, v.Info)
	assert.Equal(t, DirReply, v.Dir)

	err := f.tr.SetNAT(c, NATDestination, reply)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindRejected))
}

func TestIterate(t *testing.T) {
	f := newFixture(t, nil)
	for i := 1; i <= 5; i++ {
		f.send(fakePacket("10.0.0.1", fmt.Sprintf("10.0.1.%d", i), 4000, 80, 0))
	}
	require.Equal(t, 5, f.tr.Count())

	target := netip.MustParseAddr("10.0.1.3")
	n := f.tr.Iterate(func(c *Conn) bool { return c.Original().HasAddr(target) })
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, f.tr.Count())

	assert.Equal(t, 4, f.tr.FlushAll())
	assert.Zero(t, f.tr.Count())
	assert.Equal(t, 5, f.rec.count(EventDestroy))
	assert.Equal(t, uint64(5), f.tr.Stats().Delete)
}

func TestSetHashSize(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HashSize = 4 })
	for i := 0; i < 50; i++ {
		f.send(fakePacket("10.0.0.1", "10.0.0.2", uint16(2000+i), 80, 0))
	}

	require.NoError(t, f.tr.SetHashSize(7))
	assert.Equal(t, 7, f.tr.Stats().HashSize)
	for i := 0; i < 50; i++ {
		c, dir := f.tr.Lookup(fakeTuple("10.0.0.2", "10.0.0.1", 80, uint16(2000+i)))
		require.NotNil(t, c, "flow %d lost in resize", i)
		assert.Equal(t, DirReply, dir)
		c.Put()
	}

	err := f.tr.SetHashSize(0)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	err = f.tr.SetHashSize(MaxHashSize + 1)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestSetMaxEntries(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.tr.SetMaxEntries(1))
	assert.Equal(t, 1, f.tr.Config().MaxEntries)

	f.send(fakePacket("10.0.0.1", "10.0.0.2", 1, 80, flagAssure))
	v := f.send(fakePacket("10.0.0.1", "10.0.0.2", 2, 80, 0))
	assert.Equal(t, ReasonTableFull, v.Reason)

	assert.Error(t, f.tr.SetMaxEntries(0))
}

func TestMarksAndGet(t *testing.T) {
	f := newFixture(t, nil)
	pkt := fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0)
	f.tr.Process(pkt)
	id := pkt.Conn().ID()
	pkt.Release()

	c, err := f.tr.Get(id)
	require.NoError(t, err)
	c.SetMark(0x10)
	c.SetSecMark(7)
	c.Put()

	entries := f.tr.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(0x10), entries[0].Mark)
	assert.Equal(t, uint32(7), entries[0].SecMark)

	_, err = f.tr.Get(id + 100)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.GCInterval = 5 * time.Millisecond })
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))
	f.clock.Advance(time.Minute)

	f.tr.Start(t.Context())
	f.tr.Start(t.Context())
	assert.Eventually(t, func() bool { return f.tr.Count() == 0 }, time.Second, 5*time.Millisecond)
	f.tr.Stop()
	f.tr.Stop()
}

func TestTrack_RestartOpensNewFlow(t *testing.T) {
	f := newFixture(t, nil)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))
	old, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 4000, 80))
	require.NotNil(t, old)
	old.Put()

	v := f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, flagRestart))
	assert.Equal(t, InfoNew, v.Info)
	assert.Equal(t, 1, f.tr.Count())
	assert.Equal(t, StateDestroyed, old.State())
	assert.Equal(t, 2, f.rec.count(EventNew))

	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 4000, 80))
	require.NotNil(t, c)
	defer c.Put()
	assert.NotEqual(t, old.ID(), c.ID())
	pkts, _ := c.Counters(DirOriginal)
	assert.Equal(t, uint64(1), pkts)
}

func TestReap_ShortenedDeadline(t *testing.T) {
	f := newFixture(t, nil)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))

	f.l4.timeout = 5 * time.Second
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))

	f.clock.Advance(6 * time.Second)
	assert.Equal(t, 1, f.tr.Reap())
	assert.Zero(t, f.tr.Count())
}

func TestConfirm_TableFullAtConfirmingHook(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.HashSize = 1
		c.MaxEntries = 1
		c.MaxPending = 100
	})

	// Every flow is admitted while the table is still empty.
	pkts := make([]*Packet, 3)
	for i := range pkts {
		pkts[i] = fakePacket("10.0.0.1", "10.0.0.2", uint16(1000+i), 80, flagAssure)
		v := f.tr.Track(pkts[i], HookPreRouting)
		require.Equal(t, InfoNew, v.Info)
	}
	assert.Equal(t, 3, f.tr.Stats().Pending)

	v := f.tr.Track(pkts[0], HookPostRouting)
	assert.Equal(t, ActionAccept, v.Action)
	assert.Equal(t, InfoNew, v.Info)

	for _, pkt := range pkts[1:] {
		v := f.tr.Track(pkt, HookPostRouting)
		assert.Equal(t, ActionDrop, v.Action)
		assert.Equal(t, ReasonTableFull, v.Reason)
		assert.Nil(t, pkt.Conn())
	}
	for _, pkt := range pkts {
		pkt.Release()
	}

	assert.Equal(t, 1, f.tr.Count())
	st := f.tr.Stats()
	assert.Zero(t, st.Pending)
	assert.Equal(t, uint64(2), st.Drop)
	assert.Zero(t, st.EarlyDrop)
	assert.Equal(t, 1, f.rec.count(EventNew))
	assert.Zero(t, f.rec.count(EventDestroy))
	assert.Equal(t, int32(2), f.l4.destroyed.Load())
}

func TestConfirm_EarlyDropAtConfirmingHook(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.HashSize = 1
		c.MaxEntries = 1
	})

	p1 := fakePacket("10.0.0.1", "10.0.0.2", 1, 80, 0)
	p2 := fakePacket("10.0.0.1", "10.0.0.2", 2, 80, 0)
	f.tr.Track(p1, HookPreRouting)
	f.tr.Track(p2, HookPreRouting)
	f.tr.Track(p1, HookPostRouting)
	p1.Release()

	v := f.tr.Track(p2, HookPostRouting)
	assert.Equal(t, ActionAccept, v.Action)
	p2.Release()

	assert.Equal(t, 1, f.tr.Count())
	assert.Equal(t, uint64(1), f.tr.Stats().EarlyDrop)
	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 2, 80))
	require.NotNil(t, c)
	c.Put()
}

func TestReap_SkipsEntryRefreshedAfterPop(t *testing.T) {
	f := newFixture(t, nil)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))

	f.clock.Advance(31 * time.Second)
	now := f.clock.Now().UnixNano()
	batch := f.tr.reaper.due(now, defaultReapBatch)
	require.Len(t, batch, 1)

	// A packet refreshes the entry before the reap step runs.
	assert.True(t, batch[0].refresh(now, 30*time.Second))

	assert.Zero(t, f.tr.expire(batch, now))
	assert.Equal(t, 1, f.tr.Count())
	assert.Equal(t, 1, f.tr.reaper.len(), "entry is armed again")

	f.clock.Advance(31 * time.Second)
	assert.Equal(t, 1, f.tr.Reap())
	assert.Zero(t, f.tr.Count())
}

func TestReaper_DyingEntryNotArmed(t *testing.T) {
	f := newFixture(t, nil)
	f.send(fakePacket("10.0.0.1", "10.0.0.2", 4000, 80, 0))
	c, _ := f.tr.Lookup(fakeTuple("10.0.0.1", "10.0.0.2", 4000, 80))
	require.NotNil(t, c)
	defer c.Put()

	require.Equal(t, 1, f.tr.FlushAll())
	assert.Zero(t, f.tr.reaper.len())

	f.tr.reaper.arm(c, c.deadline.Load())
	assert.Zero(t, f.tr.reaper.len())
}

func TestTrack_FlushDuringConfirmKeepsEventsPaired(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HashSize = 16 })

	stop := make(chan struct{})
	var flusher sync.WaitGroup
	flusher.Add(1)
	go func() {
		defer flusher.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.tr.FlushAll()
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				f.send(fakePacket("10.0.0.1", "10.0.0.2", uint16(1000+w*100+i), 80, 0))
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	flusher.Wait()
	f.tr.FlushAll()

	assert.Zero(t, f.tr.Count())
	assert.Zero(t, f.tr.reaper.len(), "no timers left for removed entries")
	assert.Equal(t, f.rec.count(EventNew), f.rec.count(EventDestroy))
}
