// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proto

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flowtrack/internal/conntrack"
)

// IPv4 parses IPv4 headers. Non-first fragments carry no transport header
// and are reported unparsable.
type IPv4 struct{}

func (IPv4) Family() conntrack.Family { return conntrack.FamilyIPv4 }

func (IPv4) PktToTuple(pkt *conntrack.Packet, t *conntrack.Tuple) (uint8, int, bool) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(pkt.Data, gopacket.NilDecodeFeedback); err != nil {
		return 0, 0, false
	}
	if ip.FragOffset != 0 {
		return 0, 0, false
	}
	off := int(ip.IHL) * 4
	if off > len(pkt.Data) {
		return 0, 0, false
	}
	src, ok1 := netip.AddrFromSlice(ip.SrcIP)
	dst, ok2 := netip.AddrFromSlice(ip.DstIP)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	t.Src, t.Dst = src.Unmap(), dst.Unmap()
	return uint8(ip.Protocol), off, true
}

// IPv6 parses the fixed header and skips the common extension headers.
type IPv6 struct{}

func (IPv6) Family() conntrack.Family { return conntrack.FamilyIPv6 }

const ipv6HeaderLen = 40

func (IPv6) PktToTuple(pkt *conntrack.Packet, t *conntrack.Tuple) (uint8, int, bool) {
	if len(pkt.Data) < ipv6HeaderLen {
		return 0, 0, false
	}
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(pkt.Data, gopacket.NilDecodeFeedback); err != nil {
		return 0, 0, false
	}
	src, ok1 := netip.AddrFromSlice(ip.SrcIP)
	dst, ok2 := netip.AddrFromSlice(ip.DstIP)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	t.Src, t.Dst = src, dst

	next := pkt.Data[6]
	off := ipv6HeaderLen
	for {
		switch layers.IPProtocol(next) {
		case layers.IPProtocolIPv6HopByHop, layers.IPProtocolIPv6Routing, layers.IPProtocolIPv6Destination:
			if off+2 > len(pkt.Data) {
				return 0, 0, false
			}
			next = pkt.Data[off]
			off += (int(pkt.Data[off+1]) + 1) * 8
		case layers.IPProtocolIPv6Fragment:
			if off+8 > len(pkt.Data) {
				return 0, 0, false
			}
			// fragment offset is the top 13 bits of bytes 2-3
			if (uint16(pkt.Data[off+2])<<8|uint16(pkt.Data[off+3]))>>3 != 0 {
				return 0, 0, false
			}
			next = pkt.Data[off]
			off += 8
		default:
			if off > len(pkt.Data) {
				return 0, 0, false
			}
			return next, off, true
		}
	}
}
