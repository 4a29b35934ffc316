// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"fmt"
	"net/netip"
	"strconv"
)

// Family is the layer 3 protocol family of a tuple. Values follow AF_* numbering.
type Family uint8

const (
	FamilyUnspec Family = 0
	FamilyIPv4   Family = 2
	FamilyIPv6   Family = 10
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unspec"
	}
}

// Direction tells which side of a flow a tuple describes.
type Direction uint8

const (
	DirOriginal Direction = iota
	DirReply
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	return d ^ 1
}

func (d Direction) String() string {
	if d == DirReply {
		return "reply"
	}
	return "original"
}

// Well known layer 4 protocol numbers.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// ProtoName returns a short name for a layer 4 protocol number.
func ProtoName(p uint8) string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	case ProtoICMPv6:
		return "icmpv6"
	default:
		return strconv.Itoa(int(p))
	}
}

// Tuple identifies one direction of a flow.
//
// For port-less protocols the codec decides what goes into the port fields;
// the ICMP codecs store the echo identifier in SrcPort and type/code in DstPort.
type Tuple struct {
	Family  Family
	Src     netip.Addr
	Dst     netip.Addr
	Proto   uint8
	SrcPort uint16
	DstPort uint16
	Dir     Direction
}

// Equal compares every identifying field. Dir is not identifying: the same
// tuple value is found in the original chain of one flow or the reply chain
// of another, and both must collide.
func (t Tuple) Equal(o Tuple) bool {
	return t.Family == o.Family &&
		t.Proto == o.Proto &&
		t.SrcPort == o.SrcPort &&
		t.DstPort == o.DstPort &&
		t.Src == o.Src &&
		t.Dst == o.Dst
}

// Valid reports whether the addresses are set and agree with Family.
func (t Tuple) Valid() bool {
	switch t.Family {
	case FamilyIPv4:
		return t.Src.Is4() && t.Dst.Is4()
	case FamilyIPv6:
		return t.Src.Is6() && t.Dst.Is6() && !t.Src.Is4In6() && !t.Dst.Is4In6()
	default:
		return false
	}
}

// Swap returns the tuple with source and destination exchanged and the
// direction flipped. Port based codecs use it as their inversion.
func (t Tuple) Swap() Tuple {
	return Tuple{
		Family:  t.Family,
		Src:     t.Dst,
		Dst:     t.Src,
		Proto:   t.Proto,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
		Dir:     t.Dir.Opposite(),
	}
}

// HasAddr reports whether a is either endpoint address.
func (t Tuple) HasAddr(a netip.Addr) bool {
	return t.Src == a || t.Dst == a
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s %s -> %s",
		ProtoName(t.Proto),
		netip.AddrPortFrom(t.Src, t.SrcPort),
		netip.AddrPortFrom(t.Dst, t.DstPort))
}

// Mask selects which tuple fields an expectation leaves open. The layer 3/4
// protocol and the destination port are always exact.
type Mask struct {
	AnySrcAddr bool
	AnySrcPort bool
	AnyDstAddr bool
}

// Pattern is the tuple shape an expectation waits for.
type Pattern struct {
	Tuple Tuple
	Mask  Mask
}

// Matches reports whether t fits the pattern.
func (p Pattern) Matches(t Tuple) bool {
	if t.Family != p.Tuple.Family || t.Proto != p.Tuple.Proto || t.DstPort != p.Tuple.DstPort {
		return false
	}
	if !p.Mask.AnySrcAddr && t.Src != p.Tuple.Src {
		return false
	}
	if !p.Mask.AnySrcPort && t.SrcPort != p.Tuple.SrcPort {
		return false
	}
	if !p.Mask.AnyDstAddr && t.Dst != p.Tuple.Dst {
		return false
	}
	return true
}

// Equal compares two patterns field by field, ignoring fields masked out in both.
func (p Pattern) Equal(o Pattern) bool {
	if p.Mask != o.Mask {
		return false
	}
	a, b := p.Tuple, o.Tuple
	if a.Family != b.Family || a.Proto != b.Proto || a.DstPort != b.DstPort {
		return false
	}
	if !p.Mask.AnySrcAddr && a.Src != b.Src {
		return false
	}
	if !p.Mask.AnySrcPort && a.SrcPort != b.SrcPort {
		return false
	}
	if !p.Mask.AnyDstAddr && a.Dst != b.Dst {
		return false
	}
	return true
}

func (p Pattern) String() string {
	src, dst := "*", "*"
	if !p.Mask.AnySrcAddr {
		src = p.Tuple.Src.String()
	}
	if !p.Mask.AnyDstAddr {
		dst = p.Tuple.Dst.String()
	}
	sport := "*"
	if !p.Mask.AnySrcPort {
		sport = strconv.Itoa(int(p.Tuple.SrcPort))
	}
	return fmt.Sprintf("%s %s:%s -> %s:%d", ProtoName(p.Tuple.Proto), src, sport, dst, p.Tuple.DstPort)
}
