// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	nfct "github.com/ti-mo/conntrack"

	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/proto"
)

var statusFlags = []struct {
	ours   conntrack.Status
	theirs nfct.StatusFlag
}{
	{conntrack.StatusExpected, nfct.StatusExpected},
	{conntrack.StatusSeenReply, nfct.StatusSeenReply},
	{conntrack.StatusAssured, nfct.StatusAssured},
	{conntrack.StatusConfirmed, nfct.StatusConfirmed},
	{conntrack.StatusSrcNAT, nfct.StatusSrcNAT},
	{conntrack.StatusDstNAT, nfct.StatusDstNAT},
	{conntrack.StatusDying, nfct.StatusDying},
	{conntrack.StatusFixedTimeout, nfct.StatusFixedTimeout},
}

// EncodeStatus maps status bits onto the netfilter bit layout.
func EncodeStatus(s conntrack.Status) nfct.StatusFlag {
	var out nfct.StatusFlag
	for _, f := range statusFlags {
		if s&f.ours != 0 {
			out |= f.theirs
		}
	}
	return out
}

// EncodeTuple converts a tuple. ICMP identifiers and type/code move to
// their dedicated fields.
func EncodeTuple(t conntrack.Tuple) nfct.Tuple {
	out := nfct.Tuple{
		IP: nfct.IPTuple{SourceAddress: t.Src, DestinationAddress: t.Dst},
		Proto: nfct.ProtoTuple{
			Protocol:        t.Proto,
			SourcePort:      t.SrcPort,
			DestinationPort: t.DstPort,
		},
	}
	switch t.Proto {
	case conntrack.ProtoICMP, conntrack.ProtoICMPv6:
		out.Proto.ICMPv4 = t.Proto == conntrack.ProtoICMP
		out.Proto.ICMPv6 = t.Proto == conntrack.ProtoICMPv6
		out.Proto.ICMPID = t.SrcPort
		out.Proto.ICMPType = uint8(t.DstPort >> 8)
		out.Proto.ICMPCode = uint8(t.DstPort)
		out.Proto.SourcePort, out.Proto.DestinationPort = 0, 0
	}
	return out
}

// EncodeFlow converts an entry snapshot. master is the original tuple of
// the master entry, or nil.
func EncodeFlow(s conntrack.Snapshot, master *conntrack.Tuple) nfct.Flow {
	f := nfct.Flow{
		ID:         s.ID,
		Timeout:    uint32(s.Timeout / time.Second),
		TupleOrig:  EncodeTuple(s.Original),
		TupleReply: EncodeTuple(s.Reply),
		Status:     nfct.Status{Value: EncodeStatus(s.Status)},
		Mark:       s.Mark,
		CountersOrig: nfct.Counter{
			Packets: s.Packets[conntrack.DirOriginal],
			Bytes:   s.Bytes[conntrack.DirOriginal],
		},
		CountersReply: nfct.Counter{
			Packets:   s.Packets[conntrack.DirReply],
			Bytes:     s.Bytes[conntrack.DirReply],
			Direction: true,
		},
	}
	if master != nil {
		f.TupleMaster = EncodeTuple(*master)
	}
	if s.Helper != "" {
		f.Helper = nfct.Helper{Name: s.Helper}
	}
	if s.Original.Proto == conntrack.ProtoTCP {
		if st, ok := proto.ParseTCPState(s.ProtoState); ok {
			f.ProtoInfo.TCP = &nfct.ProtoInfoTCP{State: uint8(st)}
		}
	}
	return f
}

// EncodeExpect converts an expectation. Wildcarded fields get a zero mask.
func EncodeExpect(e *conntrack.Expectation, now time.Time) nfct.Expect {
	p := e.Pattern()
	mask := conntrack.Tuple{
		Family:  p.Tuple.Family,
		Proto:   p.Tuple.Proto,
		DstPort: 0xffff,
	}
	full, zero := netip.AddrFrom4([4]byte{0xff, 0xff, 0xff, 0xff}), netip.IPv4Unspecified()
	if p.Tuple.Family == conntrack.FamilyIPv6 {
		var ones [16]byte
		for i := range ones {
			ones[i] = 0xff
		}
		full, zero = netip.AddrFrom16(ones), netip.IPv6Unspecified()
	}
	mask.Src, mask.Dst = full, full
	if p.Mask.AnySrcAddr {
		mask.Src = zero
	}
	if p.Mask.AnyDstAddr {
		mask.Dst = zero
	}
	if !p.Mask.AnySrcPort {
		mask.SrcPort = 0xffff
	}

	out := nfct.Expect{
		ID:    e.ID(),
		Tuple: EncodeTuple(p.Tuple),
		Mask:  EncodeTuple(mask),
	}
	if rem := e.Deadline().Sub(now); rem > 0 {
		out.Timeout = uint32(rem / time.Second)
	}
	if m := e.Master(); m != nil {
		out.TupleMaster = EncodeTuple(m.Original())
	}
	if h := e.Helper(); h != nil {
		out.HelpName = h.Name()
	} else if m := e.Master(); m != nil && m.Helper() != nil {
		out.HelpName = m.Helper().Name()
	}
	return out
}

// Encode converts a tracker event into its netfilter equivalent. Status,
// NAT and refresh events all map to update messages. It must not be called
// from inside the sink, since snapshots take entry locks.
func Encode(ev conntrack.Event) nfct.Event {
	var out nfct.Event
	switch ev.Type {
	case conntrack.EventNew:
		out.Type = nfct.EventNew
	case conntrack.EventDestroy:
		out.Type = nfct.EventDestroy
	case conntrack.EventStatus, conntrack.EventNAT, conntrack.EventRefresh:
		out.Type = nfct.EventUpdate
	case conntrack.EventExpectNew:
		out.Type = nfct.EventExpNew
	case conntrack.EventExpectDestroy:
		out.Type = nfct.EventExpDestroy
	}
	if ev.Conn != nil {
		var master *conntrack.Tuple
		if m := ev.Conn.Master(); m != nil {
			mt := m.Original()
			master = &mt
		}
		f := EncodeFlow(ev.Conn.Snapshot(ev.Time), master)
		out.Flow = &f
	}
	if ev.Expectation != nil {
		x := EncodeExpect(ev.Expectation, ev.Time)
		out.Expect = &x
	}
	return out
}

// Format renders ev as a single line in the style of conntrack -E.
func Format(ev conntrack.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", strings.ToUpper(ev.Type.String()))
	switch {
	case ev.Conn != nil:
		s := ev.Conn.Snapshot(ev.Time)
		orig := s.Original
		fmt.Fprintf(&b, " %s %d %d", conntrack.ProtoName(orig.Proto), orig.Proto, int64(s.Timeout/time.Second))
		if s.ProtoState != "" {
			b.WriteString(" " + s.ProtoState)
		}
		writeTuple(&b, orig)
		if s.Status&conntrack.StatusSeenReply == 0 {
			b.WriteString(" [UNREPLIED]")
		}
		writeTuple(&b, s.Reply)
		if s.Status&conntrack.StatusAssured != 0 {
			b.WriteString(" [ASSURED]")
		}
		if s.Mark != 0 {
			fmt.Fprintf(&b, " mark=%d", s.Mark)
		}
		fmt.Fprintf(&b, " id=%d", s.ID)
	case ev.Expectation != nil:
		fmt.Fprintf(&b, " %s", ev.Expectation.Pattern())
		if m := ev.Expectation.Master(); m != nil {
			fmt.Fprintf(&b, " master=%d", m.ID())
		}
		fmt.Fprintf(&b, " id=%d", ev.Expectation.ID())
	}
	return b.String()
}

func writeTuple(b *strings.Builder, t conntrack.Tuple) {
	fmt.Fprintf(b, " src=%s dst=%s", t.Src, t.Dst)
	switch t.Proto {
	case conntrack.ProtoICMP, conntrack.ProtoICMPv6:
		fmt.Fprintf(b, " type=%d code=%d id=%d", t.DstPort>>8, t.DstPort&0xff, t.SrcPort)
	case conntrack.ProtoTCP, conntrack.ProtoUDP:
		fmt.Fprintf(b, " sport=%d dport=%d", t.SrcPort, t.DstPort)
	}
}
