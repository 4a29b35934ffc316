// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"strings"
	"time"
)

// EventType is the kind of a lifecycle notification.
type EventType uint8

const (
	EventNew EventType = iota
	EventDestroy
	EventStatus
	EventNAT
	EventRefresh
	EventExpectNew
	EventExpectDestroy
)

var eventNames = [...]string{
	EventNew:           "new",
	EventDestroy:       "destroy",
	EventStatus:        "status",
	EventNAT:           "nat",
	EventRefresh:       "refresh",
	EventExpectNew:     "expect-new",
	EventExpectDestroy: "expect-destroy",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return "unknown"
}

// EventMask selects event types.
type EventMask uint16

// Mask returns the bit for t.
func (t EventType) Mask() EventMask { return 1 << t }

// Default event selection. Refresh is high volume and off unless asked for.
const (
	EventsAll     EventMask = 1<<(EventExpectDestroy+1) - 1
	EventsDefault           = EventsAll &^ (1 << EventRefresh)
)

// ParseEventMask accepts a list of event names. Unknown names are returned
// in the second value.
func ParseEventMask(names []string) (EventMask, []string) {
	var m EventMask
	var unknown []string
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "all" {
			m |= EventsAll
			continue
		}
		found := false
		for i, en := range eventNames {
			if en == n {
				m |= EventType(i).Mask()
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, n)
		}
	}
	return m, unknown
}

// Event is delivered to the sink. Conn or Expectation is set depending on Type.
type Event struct {
	Type        EventType
	Time        time.Time
	Conn        *Conn
	Expectation *Expectation
	// Status holds the bits that changed for EventStatus.
	Status Status
}

// EventSink receives events. Notify is called synchronously from the packet
// path and must not block or call back into the tracker.
type EventSink interface {
	Notify(ev Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Notify(ev Event) { f(ev) }

func (t *Tracker) emit(ev Event) {
	if t.sink == nil || t.events&ev.Type.Mask() == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = t.clock.Now()
	}
	t.sink.Notify(ev)
}
