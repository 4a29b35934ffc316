// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"sync"
	"time"

	"grimm.is/flowtrack/internal/errors"
)

// Feature is a capability an entry is created with.
type Feature uint8

const (
	// FeatureHelper lets a helper be attached by tuple match.
	FeatureHelper Feature = 1 << iota
	// FeatureNAT allows SetNAT before confirmation.
	FeatureNAT
)

// L3Protocol parses network headers.
type L3Protocol interface {
	Family() Family
	// PktToTuple fills the address fields of t and returns the layer 4
	// protocol number and the offset of its header within pkt.Data.
	PktToTuple(pkt *Packet, t *Tuple) (proto uint8, offset int, ok bool)
}

// L4Protocol tracks one transport protocol.
//
// New and Packet run with the entry's protocol lock held and may use
// ProtoState and SetProtoState freely.
type L4Protocol interface {
	Proto() uint8
	Name() string
	// PktToTuple fills the port fields of t from the header at offset.
	PktToTuple(pkt *Packet, offset int, t *Tuple) bool
	// InvertTuple returns the tuple a reply to t carries.
	InvertTuple(t Tuple) (Tuple, bool)
	Features(t Tuple) Feature
	// New initialises state for an entry created by pkt. Returning false
	// rejects the packet and the entry is discarded.
	New(c *Conn, pkt *Packet, offset int) bool
	Packet(c *Conn, pkt *Packet, offset int, dir Direction) PacketResult
}

// Destroyer is implemented by codecs that keep resources per entry.
type Destroyer interface {
	Destroy(c *Conn)
}

// ErrorChecker is implemented by codecs that can reject malformed packets
// before any lookup.
type ErrorChecker interface {
	Error(pkt *Packet, offset int) bool
}

// PacketResult is what a codec decides about one packet.
type PacketResult struct {
	Action Action
	// Timeout, when positive, becomes the new lifetime of the entry.
	Timeout time.Duration
	// Teardown kills the entry after the packet is accounted.
	Teardown bool
	// Restart kills a confirmed entry without accounting the packet, which
	// is then tracked again and may open a new flow on the same tuple.
	Restart bool
}

// Accept is a PacketResult that accepts and refreshes by timeout.
func Accept(timeout time.Duration) PacketResult {
	return PacketResult{Action: ActionAccept, Timeout: timeout}
}

// Reject marks the packet invalid for the entry.
func Reject() PacketResult {
	return PacketResult{Action: ActionDrop}
}

type l4Key struct {
	family Family
	proto  uint8
}

type protoRegistry struct {
	mu      sync.RWMutex
	l3      map[Family]L3Protocol
	l4      map[l4Key]L4Protocol
	generic L4Protocol
}

func newProtoRegistry(genericTimeout time.Duration) *protoRegistry {
	return &protoRegistry{
		l3:      make(map[Family]L3Protocol),
		l4:      make(map[l4Key]L4Protocol),
		generic: &genericProto{timeout: genericTimeout},
	}
}

func (r *protoRegistry) registerL3(p L3Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.l3[p.Family()]; ok {
		return errors.Errorf(errors.KindConflict, "l3 protocol %s already registered", p.Family())
	}
	r.l3[p.Family()] = p
	return nil
}

func (r *protoRegistry) registerL4(family Family, p L4Protocol) error {
	k := l4Key{family, p.Proto()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.l4[k]; ok {
		return errors.Errorf(errors.KindConflict, "l4 protocol %s/%s already registered", family, p.Name())
	}
	r.l4[k] = p
	return nil
}

func (r *protoRegistry) findL3(f Family) L3Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.l3[f]
}

// findL4 never returns nil. Unknown protocols get the generic codec.
func (r *protoRegistry) findL4(f Family, proto uint8) L4Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.l4[l4Key{f, proto}]; ok {
		return p
	}
	return r.generic
}

// genericProto tracks address pairs only.
type genericProto struct {
	timeout time.Duration
}

func (g *genericProto) Proto() uint8 { return 0 }
func (g *genericProto) Name() string { return "generic" }

func (g *genericProto) PktToTuple(_ *Packet, _ int, t *Tuple) bool {
	t.SrcPort, t.DstPort = 0, 0
	return true
}

func (g *genericProto) InvertTuple(t Tuple) (Tuple, bool) { return t.Swap(), true }
func (g *genericProto) Features(Tuple) Feature            { return 0 }
func (g *genericProto) New(*Conn, *Packet, int) bool      { return true }

func (g *genericProto) Packet(*Conn, *Packet, int, Direction) PacketResult {
	return Accept(g.timeout)
}
