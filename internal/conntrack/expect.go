// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"sync"
	"time"

	"grimm.is/flowtrack/internal/errors"
)

var (
	ErrExpectationExists  = errors.New(errors.KindConflict, "expectation already registered")
	ErrMasterNotConfirmed = errors.New(errors.KindRejected, "master entry is not confirmed")
	ErrMasterDying        = errors.New(errors.KindUnavailable, "master entry is being removed")
)

// Expectation is a single-use promise that a future flow matching Pattern
// belongs to Master.
type Expectation struct {
	id       uint32
	pattern  Pattern
	master   *Conn
	helper   Helper
	created  time.Time
	deadline int64
}

func (e *Expectation) ID() uint32         { return e.id }
func (e *Expectation) Pattern() Pattern   { return e.pattern }
func (e *Expectation) Master() *Conn      { return e.master }
func (e *Expectation) Helper() Helper     { return e.helper }
func (e *Expectation) Created() time.Time { return e.created }

// Deadline is when the expectation lapses.
func (e *Expectation) Deadline() time.Time { return time.Unix(0, e.deadline).UTC() }

// expectKey is the part of a pattern that is never wildcarded.
type expectKey struct {
	family Family
	proto  uint8
	port   uint16
}

func keyOf(t *Tuple) expectKey {
	return expectKey{t.Family, t.Proto, t.DstPort}
}

type expectTable struct {
	mu       sync.Mutex
	byKey    map[expectKey][]*Expectation
	byMaster map[*Conn][]*Expectation
	count    int
}

func newExpectTable() *expectTable {
	return &expectTable{
		byKey:    make(map[expectKey][]*Expectation),
		byMaster: make(map[*Conn][]*Expectation),
	}
}

func (et *expectTable) len() int {
	et.mu.Lock()
	defer et.mu.Unlock()
	return et.count
}

// unlinkLocked removes e from both indexes.
func (et *expectTable) unlinkLocked(e *Expectation) {
	k := keyOf(&e.pattern.Tuple)
	et.byKey[k] = without(et.byKey[k], e)
	if len(et.byKey[k]) == 0 {
		delete(et.byKey, k)
	}
	et.byMaster[e.master] = without(et.byMaster[e.master], e)
	if len(et.byMaster[e.master]) == 0 {
		delete(et.byMaster, e.master)
	}
	et.count--
}

func without(list []*Expectation, e *Expectation) []*Expectation {
	for i, x := range list {
		if x == e {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// ExpectOptions tune a registration.
type ExpectOptions struct {
	// Timeout overrides the helper policy lifetime.
	Timeout time.Duration
	// Helper is attached to the entry the expectation creates.
	Helper Helper
}

// Expect registers an expectation owned by master. The master must be
// confirmed. Registering a pattern equal to a live one fails with
// ErrExpectationExists. When the master already holds its helper's
// MaxExpected, the oldest of them is evicted.
func (t *Tracker) Expect(master *Conn, p Pattern, opts ExpectOptions) (*Expectation, error) {
	if !master.HasStatus(StatusConfirmed) {
		return nil, ErrMasterNotConfirmed
	}
	if master.HasStatus(StatusDying) {
		return nil, ErrMasterDying
	}
	if !p.Tuple.Valid() && !(p.Mask.AnySrcAddr || p.Mask.AnyDstAddr) {
		return nil, errors.Errorf(errors.KindValidation, "invalid expectation pattern %s", p)
	}

	policy := HelperPolicy{Timeout: defaultExpectTimeout}
	if h := master.Helper(); h != nil {
		policy = policyOf(h)
	}
	ttl := opts.Timeout
	if ttl <= 0 {
		ttl = policy.Timeout
	}

	now := t.clock.Now()
	e := &Expectation{
		id:       t.nextExpectID.Add(1),
		pattern:  p,
		master:   master,
		helper:   opts.Helper,
		created:  now,
		deadline: now.Add(ttl).UnixNano(),
	}

	et := t.expect
	var evicted []*Expectation
	et.mu.Lock()
	// kill marks the master dying before it drops the master's
	// expectations under this lock.
	if master.HasStatus(StatusDying) {
		et.mu.Unlock()
		return nil, ErrMasterDying
	}
	k := keyOf(&p.Tuple)
	for _, x := range et.byKey[k] {
		if x.deadline <= now.UnixNano() {
			continue
		}
		if x.pattern.Equal(p) {
			et.mu.Unlock()
			return nil, ErrExpectationExists
		}
	}
	if policy.MaxExpected > 0 {
		for len(et.byMaster[master]) >= policy.MaxExpected {
			oldest := et.byMaster[master][0]
			et.unlinkLocked(oldest)
			evicted = append(evicted, oldest)
		}
	}
	et.byKey[k] = append(et.byKey[k], e)
	et.byMaster[master] = append(et.byMaster[master], e)
	et.count++
	et.mu.Unlock()

	for _, x := range evicted {
		t.stats.inc(int(x.id), statExpectDelete)
		t.emit(Event{Type: EventExpectDestroy, Expectation: x})
	}
	t.stats.inc(int(e.id), statExpectCreate)
	t.emit(Event{Type: EventExpectNew, Expectation: e})
	t.logger.Debug("expectation registered", "id", e.id, "pattern", p.String(), "master", master.id)
	return e, nil
}

// RemoveExpectation unregisters e. It reports false if e was already gone.
func (t *Tracker) RemoveExpectation(e *Expectation) bool {
	et := t.expect
	et.mu.Lock()
	found := false
	for _, x := range et.byMaster[e.master] {
		if x == e {
			found = true
			break
		}
	}
	if found {
		et.unlinkLocked(e)
	}
	et.mu.Unlock()
	if found {
		t.stats.inc(int(e.id), statExpectDelete)
		t.emit(Event{Type: EventExpectDestroy, Expectation: e})
	}
	return found
}

// FindExpectation returns the live expectation matching tuple without
// consuming it.
func (t *Tracker) FindExpectation(tuple Tuple) *Expectation {
	now := t.clock.Now().UnixNano()
	et := t.expect
	et.mu.Lock()
	defer et.mu.Unlock()
	for _, e := range et.byKey[keyOf(&tuple)] {
		if e.deadline > now && e.pattern.Matches(tuple) && !e.master.HasStatus(StatusDying) {
			return e
		}
	}
	return nil
}

// takeExpectation finds and removes the expectation matching tuple. Lapsed entries
// met on the way are removed too.
func (t *Tracker) takeExpectation(tuple *Tuple, now int64) *Expectation {
	et := t.expect
	var stale []*Expectation
	var hit *Expectation

	et.mu.Lock()
	k := keyOf(tuple)
	if _, ok := et.byKey[k]; !ok {
		et.mu.Unlock()
		return nil
	}
	for _, e := range append([]*Expectation(nil), et.byKey[k]...) {
		if e.deadline <= now || e.master.HasStatus(StatusDying) {
			et.unlinkLocked(e)
			stale = append(stale, e)
			continue
		}
		if e.pattern.Matches(*tuple) {
			et.unlinkLocked(e)
			hit = e
			break
		}
	}
	if hit != nil && !hit.master.get() {
		stale = append(stale, hit)
		hit = nil
	}
	et.mu.Unlock()

	for _, e := range stale {
		t.stats.inc(int(e.id), statExpectDelete)
		t.emit(Event{Type: EventExpectDestroy, Expectation: e})
	}
	if hit != nil {
		t.stats.inc(int(hit.id), statExpectNew)
		t.emit(Event{Type: EventExpectDestroy, Expectation: hit})
	}
	return hit
}

// removeExpectationsOf drops every expectation owned by master.
func (t *Tracker) removeExpectationsOf(master *Conn) int {
	et := t.expect
	et.mu.Lock()
	list := append([]*Expectation(nil), et.byMaster[master]...)
	for _, e := range list {
		et.unlinkLocked(e)
	}
	et.mu.Unlock()
	for _, e := range list {
		t.stats.inc(int(e.id), statExpectDelete)
		t.emit(Event{Type: EventExpectDestroy, Expectation: e})
	}
	return len(list)
}

// expireExpectations removes lapsed expectations.
func (t *Tracker) expireExpectations(now int64) int {
	et := t.expect
	var stale []*Expectation
	et.mu.Lock()
	for _, list := range et.byKey {
		for _, e := range list {
			if e.deadline <= now {
				stale = append(stale, e)
			}
		}
	}
	for _, e := range stale {
		et.unlinkLocked(e)
	}
	et.mu.Unlock()
	for _, e := range stale {
		t.stats.inc(int(e.id), statExpectDelete)
		t.emit(Event{Type: EventExpectDestroy, Expectation: e})
	}
	return len(stale)
}

// removeExpectationsIf drops expectations selected by fn.
func (t *Tracker) removeExpectationsIf(fn func(e *Expectation) bool) int {
	et := t.expect
	var gone []*Expectation
	et.mu.Lock()
	for _, list := range et.byKey {
		for _, e := range list {
			if fn(e) {
				gone = append(gone, e)
			}
		}
	}
	for _, e := range gone {
		et.unlinkLocked(e)
	}
	et.mu.Unlock()
	for _, e := range gone {
		t.stats.inc(int(e.id), statExpectDelete)
		t.emit(Event{Type: EventExpectDestroy, Expectation: e})
	}
	return len(gone)
}

// ExpectationSnapshot is a listing row.
type ExpectationSnapshot struct {
	ID      uint32
	Pattern Pattern
	Master  uint32
	Helper  string
	Timeout time.Duration
}

// Expectations lists live expectations.
func (t *Tracker) Expectations() []ExpectationSnapshot {
	now := t.clock.Now().UnixNano()
	et := t.expect
	et.mu.Lock()
	defer et.mu.Unlock()
	out := make([]ExpectationSnapshot, 0, et.count)
	for _, list := range et.byKey {
		for _, e := range list {
			if e.deadline <= now {
				continue
			}
			s := ExpectationSnapshot{
				ID:      e.id,
				Pattern: e.pattern,
				Master:  e.master.id,
				Timeout: time.Duration(e.deadline - now),
			}
			if e.helper != nil {
				s.Helper = e.helper.Name()
			} else if h := e.master.Helper(); h != nil {
				s.Helper = h.Name()
			}
			out = append(out, s)
		}
	}
	return out
}

// FlushExpectations removes every expectation.
func (t *Tracker) FlushExpectations() int {
	return t.removeExpectationsIf(func(*Expectation) bool { return true })
}
