// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package devwatch

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowtrack/internal/clock"
	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/logging"
	"grimm.is/flowtrack/internal/proto"
)

func newTracker(t *testing.T) *conntrack.Tracker {
	t.Helper()
	cfg := conntrack.DefaultConfig()
	cfg.HashSize = 64
	tr, err := conntrack.New(cfg,
		conntrack.WithClock(clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))),
		conntrack.WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	require.NoError(t, proto.Register(tr, proto.DefaultTimeouts(), proto.Options{}))
	return tr
}

func udpPacket(t *testing.T, src, dst string, sport, dport uint16) *conntrack.Packet {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload("q")))
	return conntrack.NewPacket(conntrack.FamilyIPv4, buf.Bytes())
}

func send(tr *conntrack.Tracker, pkt *conntrack.Packet) {
	tr.Process(pkt)
	pkt.Release()
}

// masquerade tracks a flow from src whose reply is rewritten to public:61000.
func masquerade(t *testing.T, tr *conntrack.Tracker, src, dst, public string) {
	t.Helper()
	pkt := udpPacket(t, src, dst, 5353, 53)
	tr.Track(pkt, conntrack.HookPreRouting)
	c := pkt.Conn()
	require.NotNil(t, c)
	reply := conntrack.Tuple{
		Family:  conntrack.FamilyIPv4,
		Src:     netip.MustParseAddr(dst),
		Dst:     netip.MustParseAddr(public),
		Proto:   conntrack.ProtoUDP,
		SrcPort: 53,
		DstPort: 61000,
	}
	require.NoError(t, tr.SetNAT(c, conntrack.NATSource, reply))
	tr.Track(pkt, conntrack.HookPostRouting)
	pkt.Release()
}

func TestHandle_RemovesReferencingEntries(t *testing.T) {
	tr := newTracker(t)
	send(tr, udpPacket(t, "192.168.1.10", "8.8.8.8", 5353, 53))
	send(tr, udpPacket(t, "192.168.1.11", "8.8.8.8", 5353, 53))
	send(tr, udpPacket(t, "192.168.1.10", "1.1.1.1", 5354, 53))
	require.Equal(t, 3, tr.Count())

	w := NewWithSource(tr, Options{}, nil, logging.Discard())
	assert.Equal(t, 2, w.Handle(Update{Addr: netip.MustParseAddr("192.168.1.10"), Removed: true}))
	assert.Equal(t, 1, tr.Count())
}

func TestHandle_IgnoresAdditions(t *testing.T) {
	tr := newTracker(t)
	send(tr, udpPacket(t, "192.168.1.10", "8.8.8.8", 5353, 53))

	w := NewWithSource(tr, Options{}, nil, logging.Discard())
	assert.Zero(t, w.Handle(Update{Addr: netip.MustParseAddr("192.168.1.10")}))
	assert.Zero(t, w.Handle(Update{Removed: true}))
	assert.Equal(t, 1, tr.Count())
}

func TestHandle_MappedAddress(t *testing.T) {
	tr := newTracker(t)
	send(tr, udpPacket(t, "192.168.1.10", "8.8.8.8", 5353, 53))

	w := NewWithSource(tr, Options{}, nil, logging.Discard())
	assert.Equal(t, 1, w.Handle(Update{Addr: netip.MustParseAddr("::ffff:192.168.1.10"), Removed: true}))
}

func TestHandle_NATOnly(t *testing.T) {
	tr := newTracker(t)
	masquerade(t, tr, "192.168.1.10", "8.8.8.8", "203.0.113.5")
	// a plain flow that merely talks to the public address survives
	send(tr, udpPacket(t, "198.51.100.7", "203.0.113.5", 4000, 53))
	require.Equal(t, 2, tr.Count())

	w := NewWithSource(tr, Options{NATOnly: true}, nil, logging.Discard())
	assert.Equal(t, 1, w.Handle(Update{Addr: netip.MustParseAddr("203.0.113.5"), Removed: true}))
	assert.Equal(t, 1, tr.Count())

	c, _ := tr.Lookup(conntrack.Tuple{
		Family:  conntrack.FamilyIPv4,
		Src:     netip.MustParseAddr("198.51.100.7"),
		Dst:     netip.MustParseAddr("203.0.113.5"),
		Proto:   conntrack.ProtoUDP,
		SrcPort: 4000,
		DstPort: 53,
	})
	require.NotNil(t, c)
	c.Put()
}

func TestRun_AppliesUpdates(t *testing.T) {
	tr := newTracker(t)
	send(tr, udpPacket(t, "192.168.1.10", "8.8.8.8", 5353, 53))

	src := func(ctx context.Context, out chan<- Update) error {
		out <- Update{Addr: netip.MustParseAddr("192.168.1.10"), Removed: true}
		<-ctx.Done()
		return nil
	}
	w := NewWithSource(tr, Options{}, src, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return tr.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_SourceError(t *testing.T) {
	boom := errors.New("netlink gone")
	w := NewWithSource(newTracker(t), Options{}, func(context.Context, chan<- Update) error {
		return boom
	}, logging.Discard())
	assert.ErrorIs(t, w.Run(context.Background()), boom)
}
