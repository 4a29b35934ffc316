// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proto

import (
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flowtrack/internal/conntrack"
)

// TCPState is the connection state tracked for TCP entries.
type TCPState uint8

const (
	TCPNone TCPState = iota
	TCPSynSent
	TCPSynRecv
	TCPEstablished
	TCPFinWait
	TCPCloseWait
	TCPLastAck
	TCPTimeWait
	TCPClose
)

var tcpStateNames = [...]string{
	TCPNone:        "NONE",
	TCPSynSent:     "SYN_SENT",
	TCPSynRecv:     "SYN_RECV",
	TCPEstablished: "ESTABLISHED",
	TCPFinWait:     "FIN_WAIT",
	TCPCloseWait:   "CLOSE_WAIT",
	TCPLastAck:     "LAST_ACK",
	TCPTimeWait:    "TIME_WAIT",
	TCPClose:       "CLOSE",
}

func (s TCPState) String() string {
	if int(s) < len(tcpStateNames) {
		return tcpStateNames[s]
	}
	return "UNKNOWN"
}

// ParseTCPState is the inverse of TCPState.String.
func ParseTCPState(name string) (TCPState, bool) {
	for i, n := range tcpStateNames {
		if n == name {
			return TCPState(i), true
		}
	}
	return TCPNone, false
}

// tcpConn is the per-entry state. It is stored by value so snapshots taken
// outside the protocol lock are stable.
type tcpConn struct {
	state TCPState
	// finDir is the direction that sent the first FIN.
	finDir conntrack.Direction
	// pickup is set for entries created mid-stream.
	pickup bool
}

func (s tcpConn) String() string { return s.state.String() }

const (
	flagFIN = 1 << iota
	flagSYN
	flagRST
	flagPSH
	flagACK
	flagURG
)

// TCP tracks TCP with a compact state machine. Sequence windows are not
// validated.
type TCP struct {
	timeouts map[TCPState]time.Duration
	loose    bool
}

// NewTCP returns a TCP codec. With loose set, a bare ACK may create an
// entry that is picked up in the established state.
func NewTCP(to Timeouts, loose bool) *TCP {
	return &TCP{
		loose: loose,
		timeouts: map[TCPState]time.Duration{
			TCPNone:        to.TCPSynSent,
			TCPSynSent:     to.TCPSynSent,
			TCPSynRecv:     to.TCPSynRecv,
			TCPEstablished: to.TCPEstablished,
			TCPFinWait:     to.TCPFinWait,
			TCPCloseWait:   to.TCPCloseWait,
			TCPLastAck:     to.TCPLastAck,
			TCPTimeWait:    to.TCPTimeWait,
			TCPClose:       to.TCPClose,
		},
	}
}

func (p *TCP) Proto() uint8 { return conntrack.ProtoTCP }
func (p *TCP) Name() string { return "tcp" }

// Timeout returns the lifetime used for state s.
func (p *TCP) Timeout(s TCPState) time.Duration { return p.timeouts[s] }

func decodeTCP(pkt *conntrack.Packet, off int) (*layers.TCP, bool) {
	if off < 0 || off > len(pkt.Data) {
		return nil, false
	}
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(pkt.Data[off:], gopacket.NilDecodeFeedback); err != nil {
		return nil, false
	}
	return &tcp, true
}

// tcpFlags reads the flag byte directly. The caller has checked the header
// is present.
func tcpFlags(pkt *conntrack.Packet, off int) uint8 {
	return pkt.Data[off+13] & (flagFIN | flagSYN | flagRST | flagPSH | flagACK | flagURG)
}

func (p *TCP) PktToTuple(pkt *conntrack.Packet, off int, t *conntrack.Tuple) bool {
	tcp, ok := decodeTCP(pkt, off)
	if !ok {
		return false
	}
	t.SrcPort, t.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	return true
}

func (p *TCP) InvertTuple(t conntrack.Tuple) (conntrack.Tuple, bool) { return t.Swap(), true }

// Features offers helpers to every TCP entry. Helpers match by port.
func (p *TCP) Features(conntrack.Tuple) conntrack.Feature { return conntrack.FeatureHelper }

// Error rejects flag combinations no valid segment carries.
func (p *TCP) Error(pkt *conntrack.Packet, off int) bool {
	if off+20 > len(pkt.Data) {
		return false
	}
	switch tcpFlags(pkt, off) &^ (flagPSH | flagURG) {
	case flagSYN, flagSYN | flagACK, flagRST, flagRST | flagACK, flagFIN | flagACK, flagACK:
		return false
	}
	return true
}

func (p *TCP) New(c *conntrack.Conn, pkt *conntrack.Packet, off int) bool {
	if off+20 > len(pkt.Data) {
		return false
	}
	fl := tcpFlags(pkt, off)
	switch {
	case fl&flagRST != 0:
		return false
	case fl&flagSYN != 0:
		if fl&flagACK != 0 {
			return false
		}
		c.SetProtoState(tcpConn{state: TCPNone})
		return true
	case fl&flagFIN != 0:
		return false
	case fl&flagACK != 0 && p.loose:
		c.SetProtoState(tcpConn{state: TCPNone, pickup: true})
		return true
	}
	return false
}

func (p *TCP) Packet(c *conntrack.Conn, pkt *conntrack.Packet, off int, dir conntrack.Direction) conntrack.PacketResult {
	st, ok := c.ProtoState().(tcpConn)
	if !ok || off+20 > len(pkt.Data) {
		return conntrack.Reject()
	}
	res := p.step(c, &st, tcpFlags(pkt, off), dir)
	c.SetProtoState(st)
	return res
}

func (p *TCP) step(c *conntrack.Conn, st *tcpConn, fl uint8, dir conntrack.Direction) conntrack.PacketResult {
	if fl&flagRST != 0 {
		st.state = TCPClose
		return conntrack.Accept(p.timeouts[TCPClose])
	}

	switch st.state {
	case TCPNone:
		if st.pickup {
			st.state = TCPEstablished
		} else {
			st.state = TCPSynSent
		}
	case TCPSynSent:
		switch {
		case dir == conntrack.DirReply && fl&flagSYN != 0:
			// SYN|ACK, or a SYN for simultaneous open
			st.state = TCPSynRecv
		case dir == conntrack.DirOriginal && fl&flagSYN == 0:
			return conntrack.Reject()
		}
	case TCPSynRecv:
		if dir == conntrack.DirOriginal && fl&flagACK != 0 && fl&flagSYN == 0 {
			st.state = TCPEstablished
			c.SetStatus(conntrack.StatusAssured)
		}
	case TCPEstablished:
		if st.pickup && dir == conntrack.DirReply {
			st.pickup = false
			c.SetStatus(conntrack.StatusAssured)
		}
		if fl&flagFIN != 0 {
			st.state = TCPFinWait
			st.finDir = dir
		}
	case TCPFinWait:
		if dir != st.finDir {
			if fl&flagFIN != 0 {
				st.state = TCPLastAck
			} else if fl&flagACK != 0 {
				st.state = TCPCloseWait
			}
		}
	case TCPCloseWait:
		if dir != st.finDir && fl&flagFIN != 0 {
			st.state = TCPLastAck
		}
	case TCPLastAck:
		if dir == st.finDir && fl&flagACK != 0 && fl&flagFIN == 0 {
			st.state = TCPTimeWait
		}
	case TCPTimeWait, TCPClose:
		if dir == conntrack.DirOriginal && fl&flagSYN != 0 && fl&flagACK == 0 {
			return conntrack.PacketResult{Action: conntrack.ActionAccept, Restart: true}
		}
	}
	return conntrack.Accept(p.timeouts[st.state])
}

// State reports the TCP state of c, or TCPNone for other entries.
func State(c *conntrack.Conn) TCPState {
	if st, ok := c.ProtoSnapshot().(tcpConn); ok {
		return st.state
	}
	return TCPNone
}
