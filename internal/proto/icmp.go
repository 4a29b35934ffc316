// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proto

import (
	"time"

	"github.com/gopacket/gopacket/layers"

	"grimm.is/flowtrack/internal/conntrack"
)

// ICMP tracks query/response exchanges. The identifier is carried in
// SrcPort and type<<8|code in DstPort, so a reply tuple is found by
// swapping addresses and mapping the type to its response.
type ICMP struct {
	proto   uint8
	name    string
	timeout time.Duration
	// inverse maps request types to reply types and back.
	inverse map[uint8]uint8
	// queries are the types allowed to open a flow.
	queries map[uint8]bool
}

func NewICMP(to Timeouts) *ICMP {
	return newICMP(conntrack.ProtoICMP, "icmp", to.ICMP, [][2]uint8{
		{layers.ICMPv4TypeEchoRequest, layers.ICMPv4TypeEchoReply},
		{layers.ICMPv4TypeTimestampRequest, layers.ICMPv4TypeTimestampReply},
		{layers.ICMPv4TypeInfoRequest, layers.ICMPv4TypeInfoReply},
		{layers.ICMPv4TypeAddressMaskRequest, layers.ICMPv4TypeAddressMaskReply},
	})
}

func NewICMPv6(to Timeouts) *ICMP {
	return newICMP(conntrack.ProtoICMPv6, "icmpv6", to.ICMP, [][2]uint8{
		{layers.ICMPv6TypeEchoRequest, layers.ICMPv6TypeEchoReply},
		// node information query/response
		{139, 140},
	})
}

func newICMP(proto uint8, name string, timeout time.Duration, pairs [][2]uint8) *ICMP {
	p := &ICMP{
		proto:   proto,
		name:    name,
		timeout: timeout,
		inverse: make(map[uint8]uint8, 2*len(pairs)),
		queries: make(map[uint8]bool, len(pairs)),
	}
	for _, pair := range pairs {
		p.inverse[pair[0]] = pair[1]
		p.inverse[pair[1]] = pair[0]
		p.queries[pair[0]] = true
	}
	return p
}

func (p *ICMP) Proto() uint8 { return p.proto }
func (p *ICMP) Name() string { return p.name }

// Both ICMP flavours share the type, code, checksum, id layout.
func (p *ICMP) PktToTuple(pkt *conntrack.Packet, off int, t *conntrack.Tuple) bool {
	if off < 0 || off+8 > len(pkt.Data) {
		return false
	}
	b := pkt.Data[off:]
	t.SrcPort = uint16(b[4])<<8 | uint16(b[5])
	t.DstPort = uint16(b[0])<<8 | uint16(b[1])
	return true
}

func (p *ICMP) InvertTuple(t conntrack.Tuple) (conntrack.Tuple, bool) {
	inv, ok := p.inverse[uint8(t.DstPort>>8)]
	if !ok {
		return conntrack.Tuple{}, false
	}
	r := t
	r.Src, r.Dst = t.Dst, t.Src
	r.DstPort = uint16(inv)<<8 | t.DstPort&0xff
	r.Dir = t.Dir.Opposite()
	return r, true
}

func (p *ICMP) Features(conntrack.Tuple) conntrack.Feature { return 0 }

func (p *ICMP) New(c *conntrack.Conn, pkt *conntrack.Packet, off int) bool {
	return off < len(pkt.Data) && p.queries[pkt.Data[off]]
}

func (p *ICMP) Packet(*conntrack.Conn, *conntrack.Packet, int, conntrack.Direction) conntrack.PacketResult {
	return conntrack.Accept(p.timeout)
}
