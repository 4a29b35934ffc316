// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package proto

import (
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/flowtrack/internal/conntrack"
)

// UDP tracks datagram flows. A flow that has seen traffic in both
// directions becomes a stream with a longer lifetime.
type UDP struct {
	timeout time.Duration
	stream  time.Duration
}

func NewUDP(to Timeouts) *UDP {
	return &UDP{timeout: to.UDP, stream: to.UDPStream}
}

func (p *UDP) Proto() uint8 { return conntrack.ProtoUDP }
func (p *UDP) Name() string { return "udp" }

func (p *UDP) PktToTuple(pkt *conntrack.Packet, off int, t *conntrack.Tuple) bool {
	if off < 0 || off > len(pkt.Data) {
		return false
	}
	var udp layers.UDP
	if err := udp.DecodeFromBytes(pkt.Data[off:], gopacket.NilDecodeFeedback); err != nil {
		return false
	}
	t.SrcPort, t.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	return true
}

func (p *UDP) InvertTuple(t conntrack.Tuple) (conntrack.Tuple, bool) { return t.Swap(), true }
func (p *UDP) Features(conntrack.Tuple) conntrack.Feature            { return conntrack.FeatureHelper }
func (p *UDP) New(*conntrack.Conn, *conntrack.Packet, int) bool      { return true }

func (p *UDP) Packet(c *conntrack.Conn, _ *conntrack.Packet, _ int, dir conntrack.Direction) conntrack.PacketResult {
	if dir == conntrack.DirReply || c.HasStatus(conntrack.StatusSeenReply) {
		c.SetStatus(conntrack.StatusAssured)
		return conntrack.Accept(p.stream)
	}
	return conntrack.Accept(p.timeout)
}
