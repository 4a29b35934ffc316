// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock abstracts time so expiry can be driven by a mock in tests and
// by packet timestamps during pcap replay.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real is the wall clock.
var Real Clock = realClock{}

var (
	mu      sync.RWMutex
	current Clock = Real
)

// Now returns the time from the process-wide clock.
func Now() time.Time {
	mu.RLock()
	c := current
	mu.RUnlock()
	return c.Now()
}

// Use installs c as the process-wide clock and returns the previous one.
func Use(c Clock) Clock {
	mu.Lock()
	defer mu.Unlock()
	prev := current
	if c == nil {
		c = Real
	}
	current = c
	return prev
}

// MockClock is a manually driven clock. It never goes backwards through Set.
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewMockClock creates a MockClock starting at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

// Set moves the clock to t if t is later than the current time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t
	}
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
}
