// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/flowtrack/internal/clock"
	"grimm.is/flowtrack/internal/logging"
)

// The fake wire format is src(4) dst(4) proto(1) sport(2) dport(2) flags(1).
const protoFake uint8 = 253

const (
	flagRejectNew uint8 = 1 << iota
	flagInvalid
	flagTeardown
	flagAssure
	flagRestart
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeL3 struct{}

func (fakeL3) Family() Family { return FamilyIPv4 }

func (fakeL3) PktToTuple(pkt *Packet, t *Tuple) (uint8, int, bool) {
	if len(pkt.Data) < 9 {
		return 0, 0, false
	}
	t.Src = netip.AddrFrom4([4]byte(pkt.Data[0:4]))
	t.Dst = netip.AddrFrom4([4]byte(pkt.Data[4:8]))
	return pkt.Data[8], 9, true
}

type fakeL4 struct {
	timeout   time.Duration
	features  Feature
	destroyed atomic.Int32
}

func (f *fakeL4) Proto() uint8 { return protoFake }
func (f *fakeL4) Name() string { return "fake" }

func (f *fakeL4) PktToTuple(pkt *Packet, off int, t *Tuple) bool {
	if len(pkt.Data) < off+5 {
		return false
	}
	t.SrcPort = binary.BigEndian.Uint16(pkt.Data[off:])
	t.DstPort = binary.BigEndian.Uint16(pkt.Data[off+2:])
	return true
}

func (f *fakeL4) InvertTuple(t Tuple) (Tuple, bool) { return t.Swap(), true }
func (f *fakeL4) Features(Tuple) Feature            { return f.features }

func (f *fakeL4) New(c *Conn, pkt *Packet, off int) bool {
	if pkt.Data[off+4]&flagRejectNew != 0 {
		return false
	}
	c.SetProtoState(0)
	return true
}

func (f *fakeL4) Packet(c *Conn, pkt *Packet, off int, _ Direction) PacketResult {
	fl := pkt.Data[off+4]
	if fl&flagInvalid != 0 {
		return Reject()
	}
	c.SetProtoState(c.ProtoState().(int) + 1)
	if fl&flagAssure != 0 {
		c.SetStatus(StatusAssured)
	}
	return PacketResult{Action: ActionAccept, Timeout: f.timeout, Teardown: fl&flagTeardown != 0, Restart: fl&flagRestart != 0}
}

func (f *fakeL4) Destroy(*Conn) { f.destroyed.Add(1) }

func rawPacket(src, dst string, proto uint8, sport, dport uint16, flags uint8) *Packet {
	a := netip.MustParseAddr(src).As4()
	b := netip.MustParseAddr(dst).As4()
	data := make([]byte, 14)
	copy(data[0:4], a[:])
	copy(data[4:8], b[:])
	data[8] = proto
	binary.BigEndian.PutUint16(data[9:], sport)
	binary.BigEndian.PutUint16(data[11:], dport)
	data[13] = flags
	return NewPacket(FamilyIPv4, data)
}

func fakePacket(src, dst string, sport, dport uint16, flags uint8) *Packet {
	return rawPacket(src, dst, protoFake, sport, dport, flags)
}

func fakeTuple(src, dst string, sport, dport uint16) Tuple {
	return Tuple{
		Family:  FamilyIPv4,
		Src:     netip.MustParseAddr(src),
		Dst:     netip.MustParseAddr(dst),
		Proto:   protoFake,
		SrcPort: sport,
		DstPort: dport,
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	tr    *Tracker
	clock *clock.MockClock
	l4    *fakeL4
	rec   *recorder
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HashSize = 64
	cfg.MaxEntries = 1024
	cfg.Events = EventsAll
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		clock: clock.NewMockClock(testEpoch),
		l4:    &fakeL4{timeout: 30 * time.Second},
		rec:   &recorder{},
	}
	tr, err := New(cfg, WithClock(f.clock), WithLogger(logging.Discard()), WithEventSink(f.rec))
	require.NoError(t, err)
	require.NoError(t, tr.RegisterL3(fakeL3{}))
	require.NoError(t, tr.RegisterL4(FamilyIPv4, f.l4))
	f.tr = tr
	return f
}

// send runs pkt through both phases and drops the packet reference.
func (f *fixture) send(pkt *Packet) Verdict {
	v := f.tr.Process(pkt)
	pkt.Release()
	return v
}

type fakeHelper struct {
	name      string
	port      uint16
	policy    HelperPolicy
	drop      bool
	onPacket  func(x Expecter, c *Conn, dir Direction)
	processed atomic.Int32
	destroyed atomic.Int32
}

func (h *fakeHelper) Name() string         { return h.name }
func (h *fakeHelper) Matches(t Tuple) bool { return t.DstPort == h.port }
func (h *fakeHelper) Policy() HelperPolicy { return h.policy }
func (h *fakeHelper) Destroy(*Conn)        { h.destroyed.Add(1) }

func (h *fakeHelper) Process(x Expecter, c *Conn, _ *Packet, dir Direction) Action {
	h.processed.Add(1)
	if h.onPacket != nil {
		h.onPacket(x, c, dir)
	}
	if h.drop {
		return ActionDrop
	}
	return ActionAccept
}
