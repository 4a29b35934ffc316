// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"sync"
	"time"

	"grimm.is/flowtrack/internal/errors"
)

const defaultExpectTimeout = 5 * time.Minute

// Expecter is the slice of the tracker a helper may call while processing.
type Expecter interface {
	Expect(master *Conn, p Pattern, opts ExpectOptions) (*Expectation, error)
}

// Helper inspects payloads of confirmed entries and registers expectations
// for related flows.
type Helper interface {
	Name() string
	// Matches decides whether a new entry with this original tuple gets the helper.
	Matches(t Tuple) bool
	// Process runs for every packet of a confirmed entry at a confirming hook.
	Process(x Expecter, c *Conn, pkt *Packet, dir Direction) Action
	Destroy(c *Conn)
}

// HelperPolicy bounds the expectations of one helper per master.
type HelperPolicy struct {
	MaxExpected int
	Timeout     time.Duration
}

// PolicyProvider is implemented by helpers with non-default limits.
type PolicyProvider interface {
	Policy() HelperPolicy
}

func policyOf(h Helper) HelperPolicy {
	p := HelperPolicy{Timeout: defaultExpectTimeout}
	if pp, ok := h.(PolicyProvider); ok {
		hp := pp.Policy()
		p.MaxExpected = hp.MaxExpected
		if hp.Timeout > 0 {
			p.Timeout = hp.Timeout
		}
	}
	return p
}

type helperRegistry struct {
	mu      sync.RWMutex
	helpers []Helper
}

func (r *helperRegistry) add(h Helper) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.helpers {
		if x.Name() == h.Name() {
			return errors.Errorf(errors.KindConflict, "helper %q already registered", h.Name())
		}
	}
	r.helpers = append(r.helpers, h)
	return nil
}

func (r *helperRegistry) remove(name string) Helper {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.helpers {
		if x.Name() == name {
			r.helpers = append(r.helpers[:i], r.helpers[i+1:]...)
			return x
		}
	}
	return nil
}

func (r *helperRegistry) match(t Tuple) Helper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.helpers {
		if h.Matches(t) {
			return h
		}
	}
	return nil
}

func (r *helperRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.helpers))
	for _, h := range r.helpers {
		out = append(out, h.Name())
	}
	return out
}

// RegisterHelper makes h available to new entries.
func (t *Tracker) RegisterHelper(h Helper) error {
	if err := t.helpers.add(h); err != nil {
		return err
	}
	t.logger.Info("helper registered", "helper", h.Name())
	return nil
}

// UnregisterHelper detaches the named helper from every entry and removes
// the expectations it created.
func (t *Tracker) UnregisterHelper(name string) error {
	h := t.helpers.remove(name)
	if h == nil {
		return errors.Errorf(errors.KindNotFound, "helper %q not registered", name)
	}
	var detached []*Conn
	t.table.walk(func(c *Conn) {
		if c.Helper() == h && c.get() {
			detached = append(detached, c)
		}
	})
	for _, c := range detached {
		c.extMu.Lock()
		c.helper, c.helperData = nil, nil
		c.extMu.Unlock()
		h.Destroy(c)
		c.Put()
	}
	n := t.removeExpectationsIf(func(e *Expectation) bool {
		return e.helper == h || e.master.Helper() == nil && containsConn(detached, e.master)
	})
	t.logger.Info("helper unregistered", "helper", name, "entries", len(detached), "expectations", n)
	return nil
}

// Helpers lists registered helper names.
func (t *Tracker) Helpers() []string { return t.helpers.names() }

func containsConn(list []*Conn, c *Conn) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
