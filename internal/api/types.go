// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"strconv"
	"time"

	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/events"
)

// TupleJSON is one direction of a flow. ICMP flows carry type, code and id
// instead of ports.
type TupleJSON struct {
	Family   string  `json:"family"`
	Proto    string  `json:"proto"`
	Src      string  `json:"src"`
	Dst      string  `json:"dst"`
	SrcPort  uint16  `json:"sport,omitempty"`
	DstPort  uint16  `json:"dport,omitempty"`
	ICMPType *uint8  `json:"icmp_type,omitempty"`
	ICMPCode *uint8  `json:"icmp_code,omitempty"`
	ICMPID   *uint16 `json:"icmp_id,omitempty"`
}

// EntryJSON is a table entry.
type EntryJSON struct {
	ID             uint32    `json:"id"`
	Original       TupleJSON `json:"original"`
	Reply          TupleJSON `json:"reply"`
	Status         []string  `json:"status"`
	State          string    `json:"state"`
	ProtoState     string    `json:"proto_state,omitempty"`
	TimeoutSeconds int64     `json:"timeout"`
	Mark           uint32    `json:"mark"`
	SecMark        uint32    `json:"secmark,omitempty"`
	Master         uint32    `json:"master,omitempty"`
	Helper         string    `json:"helper,omitempty"`
	PacketsOrig    uint64    `json:"packets_orig"`
	BytesOrig      uint64    `json:"bytes_orig"`
	PacketsReply   uint64    `json:"packets_reply"`
	BytesReply     uint64    `json:"bytes_reply"`
}

// ExpectationJSON is a pending expectation.
type ExpectationJSON struct {
	ID             uint32 `json:"id"`
	Pattern        string `json:"pattern"`
	Proto          string `json:"proto"`
	Src            string `json:"src"`
	Dst            string `json:"dst"`
	SrcPort        string `json:"sport"`
	DstPort        uint16 `json:"dport"`
	Master         uint32 `json:"master"`
	Helper         string `json:"helper,omitempty"`
	TimeoutSeconds int64  `json:"timeout"`
}

// EventJSON is one message on the event stream.
type EventJSON struct {
	Type        string           `json:"type"`
	Time        time.Time        `json:"time"`
	Line        string           `json:"line"`
	Entry       *EntryJSON       `json:"entry,omitempty"`
	Expectation *ExpectationJSON `json:"expectation,omitempty"`
}

func tupleJSON(t conntrack.Tuple) TupleJSON {
	out := TupleJSON{
		Family: t.Family.String(),
		Proto:  conntrack.ProtoName(t.Proto),
		Src:    t.Src.String(),
		Dst:    t.Dst.String(),
	}
	switch t.Proto {
	case conntrack.ProtoICMP, conntrack.ProtoICMPv6:
		typ, code, id := uint8(t.DstPort>>8), uint8(t.DstPort), t.SrcPort
		out.ICMPType, out.ICMPCode, out.ICMPID = &typ, &code, &id
	default:
		out.SrcPort, out.DstPort = t.SrcPort, t.DstPort
	}
	return out
}

func entryJSON(s conntrack.Snapshot) EntryJSON {
	status := s.Status.Names()
	if status == nil {
		status = []string{}
	}
	return EntryJSON{
		ID:             s.ID,
		Original:       tupleJSON(s.Original),
		Reply:          tupleJSON(s.Reply),
		Status:         status,
		State:          s.State.String(),
		ProtoState:     s.ProtoState,
		TimeoutSeconds: int64(s.Timeout / time.Second),
		Mark:           s.Mark,
		SecMark:        s.SecMark,
		Master:         s.Master,
		Helper:         s.Helper,
		PacketsOrig:    s.Packets[conntrack.DirOriginal],
		BytesOrig:      s.Bytes[conntrack.DirOriginal],
		PacketsReply:   s.Packets[conntrack.DirReply],
		BytesReply:     s.Bytes[conntrack.DirReply],
	}
}

func expectationJSON(s conntrack.ExpectationSnapshot) ExpectationJSON {
	p := s.Pattern
	out := ExpectationJSON{
		ID:             s.ID,
		Pattern:        p.String(),
		Proto:          conntrack.ProtoName(p.Tuple.Proto),
		Src:            "*",
		Dst:            "*",
		SrcPort:        "*",
		DstPort:        p.Tuple.DstPort,
		Master:         s.Master,
		Helper:         s.Helper,
		TimeoutSeconds: int64(s.Timeout / time.Second),
	}
	if !p.Mask.AnySrcAddr {
		out.Src = p.Tuple.Src.String()
	}
	if !p.Mask.AnyDstAddr {
		out.Dst = p.Tuple.Dst.String()
	}
	if !p.Mask.AnySrcPort {
		out.SrcPort = strconv.Itoa(int(p.Tuple.SrcPort))
	}
	return out
}

func eventJSON(ev conntrack.Event) EventJSON {
	out := EventJSON{
		Type: ev.Type.String(),
		Time: ev.Time,
		Line: events.Format(ev),
	}
	if ev.Conn != nil {
		e := entryJSON(ev.Conn.Snapshot(ev.Time))
		out.Entry = &e
	}
	if x := ev.Expectation; x != nil {
		s := conntrack.ExpectationSnapshot{
			ID:      x.ID(),
			Pattern: x.Pattern(),
		}
		if rem := x.Deadline().Sub(ev.Time); rem > 0 {
			s.Timeout = rem
		}
		if m := x.Master(); m != nil {
			s.Master = m.ID()
			if h := m.Helper(); h != nil {
				s.Helper = h.Name()
			}
		}
		if h := x.Helper(); h != nil {
			s.Helper = h.Name()
		}
		e := expectationJSON(s)
		out.Expectation = &e
	}
	return out
}
