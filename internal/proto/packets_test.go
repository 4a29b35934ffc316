// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proto

import (
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	"grimm.is/flowtrack/internal/clock"
	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/logging"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []conntrack.Event
}

func (r *recorder) Notify(ev conntrack.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) count(t conntrack.EventType) int {
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
	tr    *conntrack.Tracker
	clock *clock.MockClock
	rec   *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	cfg := conntrack.DefaultConfig()
	cfg.HashSize = 256
	cfg.MaxEntries = 1024
	cfg.Events = conntrack.EventsAll
	f := &fixture{clock: clock.NewMockClock(testEpoch), rec: &recorder{}}
	tr, err := conntrack.New(cfg,
		conntrack.WithClock(f.clock),
		conntrack.WithLogger(logging.Discard()),
		conntrack.WithEventSink(f.rec),
	)
	require.NoError(t, err)
	require.NoError(t, Register(tr, DefaultTimeouts(), opts))
	f.tr = tr
	return f
}

func (f *fixture) send(pkt *conntrack.Packet) conntrack.Verdict {
	v := f.tr.Process(pkt)
	pkt.Release()
	return v
}

// lookup returns the entry for tuple without holding a reference.
func (f *fixture) lookup(t *testing.T, tuple conntrack.Tuple) *conntrack.Conn {
	t.Helper()
	c, _ := f.tr.Lookup(tuple)
	require.NotNil(t, c, "no entry for %s", tuple)
	c.Put()
	return c
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func ipv6(src, dst string, next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
}

// tcpPacket builds an IPv4 TCP segment. flags holds any of S A F R P.
func tcpPacket(t *testing.T, src, dst string, sport, dport uint16, flags string, payload string) *conntrack.Packet {
	t.Helper()
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     1,
		Window:  65535,
		SYN:     strings.Contains(flags, "S"),
		ACK:     strings.Contains(flags, "A"),
		FIN:     strings.Contains(flags, "F"),
		RST:     strings.Contains(flags, "R"),
		PSH:     strings.Contains(flags, "P"),
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return conntrack.NewPacket(conntrack.FamilyIPv4, serialize(t, ip, tcp, gopacket.Payload(payload)))
}

func udpPacket(t *testing.T, src, dst string, sport, dport uint16) *conntrack.Packet {
	t.Helper()
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return conntrack.NewPacket(conntrack.FamilyIPv4, serialize(t, ip, udp, gopacket.Payload("ping")))
}

func udp6Packet(t *testing.T, src, dst string, sport, dport uint16) *conntrack.Packet {
	t.Helper()
	ip := ipv6(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return conntrack.NewPacket(conntrack.FamilyIPv6, serialize(t, ip, udp, gopacket.Payload("ping")))
}

func icmpPacket(t *testing.T, src, dst string, typ uint8, id uint16) *conntrack.Packet {
	t.Helper()
	ip := ipv4(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, 0), Id: id, Seq: 1}
	return conntrack.NewPacket(conntrack.FamilyIPv4, serialize(t, ip, icmp, gopacket.Payload("abcd")))
}

func icmp6Packet(t *testing.T, src, dst string, typ uint8, id uint16) *conntrack.Packet {
	t.Helper()
	ip := ipv6(src, dst, layers.IPProtocolICMPv6)
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, 0)}
	require.NoError(t, icmp.SetNetworkLayerForChecksum(ip))
	echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: 1}
	return conntrack.NewPacket(conntrack.FamilyIPv6, serialize(t, ip, icmp, echo))
}

func tuple4(src, dst string, proto uint8, sport, dport uint16) conntrack.Tuple {
	return conntrack.Tuple{
		Family:  conntrack.FamilyIPv4,
		Src:     netip.MustParseAddr(src),
		Dst:     netip.MustParseAddr(dst),
		Proto:   proto,
		SrcPort: sport,
		DstPort: dport,
	}
}
