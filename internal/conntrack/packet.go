// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import "fmt"

// Action is the disposition of a packet.
type Action uint8

const (
	ActionAccept Action = iota
	ActionDrop
)

func (a Action) String() string {
	if a == ActionDrop {
		return "drop"
	}
	return "accept"
}

// Info classifies a packet relative to its flow.
type Info uint8

const (
	InfoInvalid Info = iota
	InfoNew
	InfoEstablished
	InfoRelated
	InfoUntracked
)

func (i Info) String() string {
	switch i {
	case InfoNew:
		return "NEW"
	case InfoEstablished:
		return "ESTABLISHED"
	case InfoRelated:
		return "RELATED"
	case InfoUntracked:
		return "UNTRACKED"
	default:
		return "INVALID"
	}
}

// Reason explains a verdict that did not associate the packet with an entry.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonUnparsable
	ReasonInvalid
	ReasonTableFull
	ReasonUnavailable
	ReasonHelper
)

func (r Reason) String() string {
	switch r {
	case ReasonUnparsable:
		return "unparsable"
	case ReasonInvalid:
		return "invalid"
	case ReasonTableFull:
		return "table full"
	case ReasonUnavailable:
		return "tracking unavailable"
	case ReasonHelper:
		return "helper drop"
	default:
		return "none"
	}
}

// Verdict is the result of tracking one packet at one hook.
type Verdict struct {
	Action Action
	Info   Info
	Dir    Direction
	Reason Reason
}

func (v Verdict) String() string {
	s := fmt.Sprintf("%s %s", v.Action, v.Info)
	if v.Info != InfoInvalid && v.Info != InfoUntracked && v.Dir == DirReply {
		s += " reply"
	}
	if v.Reason != ReasonNone {
		s += " (" + v.Reason.String() + ")"
	}
	return s
}

// Hook is a traversal point where the tracker runs.
type Hook uint8

const (
	HookPreRouting Hook = iota
	HookLocalIn
	HookForward
	HookLocalOut
	HookPostRouting
)

func (h Hook) String() string {
	switch h {
	case HookPreRouting:
		return "prerouting"
	case HookLocalIn:
		return "input"
	case HookForward:
		return "forward"
	case HookLocalOut:
		return "output"
	case HookPostRouting:
		return "postrouting"
	default:
		return fmt.Sprintf("hook(%d)", uint8(h))
	}
}

// confirms reports whether pending entries are committed at h.
func (h Hook) confirms() bool {
	return h == HookLocalIn || h == HookPostRouting
}

// Packet is a raw network packet on its way through the hooks. The tracker
// records the association in it; callers must Release it when done.
type Packet struct {
	Family  Family
	Data    []byte
	NoTrack bool

	seen    bool
	verdict Verdict
	conn    *Conn
	l4      L4Protocol
	l4off   int
	restart bool
}

// NewPacket wraps raw network-layer bytes.
func NewPacket(family Family, data []byte) *Packet {
	return &Packet{Family: family, Data: data}
}

// Conn returns the associated entry, or nil.
func (p *Packet) Conn() *Conn { return p.conn }

// Info returns the classification of the last verdict.
func (p *Packet) Info() Info { return p.verdict.Info }

// Dir returns the flow direction of the packet.
func (p *Packet) Dir() Direction { return p.verdict.Dir }

// L4Offset is the offset of the transport header once tracked.
func (p *Packet) L4Offset() int { return p.l4off }

// Release drops the packet's reference on its entry.
func (p *Packet) Release() {
	if p.conn != nil {
		c := p.conn
		p.conn = nil
		c.Put()
	}
}

func (p *Packet) associate(c *Conn, v Verdict) Verdict {
	p.conn = c
	p.verdict = v
	return v
}
