// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package health runs named checks and folds them into one report.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"grimm.is/flowtrack/internal/clock"
)

// Status is the outcome of a check. Higher is worse.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// MarshalText renders the status name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Check is the result of one health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ns"`
}

// Report aggregates every check. Its status is the worst of them.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) Check

// Checker holds registered checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks[name] = fn
	c.mu.Unlock()
}

// Check runs every registered check concurrently.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	fns := make([]CheckFunc, len(names))
	sort.Strings(names)
	for i, name := range names {
		fns[i] = c.checks[name]
	}
	c.mu.RUnlock()

	results := make([]Check, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := clock.Now()
			res := fn(ctx)
			if res.Name == "" {
				res.Name = names[i]
			}
			res.LastChecked = start
			res.Duration = clock.Now().Sub(start)
			results[i] = res
		}()
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Checks: results, Timestamp: clock.Now()}
	for _, r := range results {
		if r.Status > report.Status {
			report.Status = r.Status
		}
	}
	return report
}
