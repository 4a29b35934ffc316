// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

// earlyDrop frees one slot by removing an unassured entry found near the
// bucket of h. Chains are walked oldest first. With EarlyDropAssured set the
// least recently refreshed assured entry seen during the scan is the fallback.
func (t *Tracker) earlyDrop(h uint32) bool {
	var victim, fallback *Conn

	tb := t.table
	tb.mu.RLock()
	size := len(tb.buckets)
	start := tb.index(h)
	scan := t.cfg.EarlyDropScan
	if scan > size {
		scan = size
	}
	for i := 0; i < scan && victim == nil; i++ {
		b := &tb.buckets[(start+i)%size]
		b.mu.RLock()
		for n := b.tail; n != nil; n = n.prev {
			c := n.conn
			s := c.Status()
			if s&StatusConfirmed == 0 || s&StatusDying != 0 {
				continue
			}
			if s&StatusAssured == 0 {
				victim = c
				break
			}
			if t.cfg.EarlyDropAssured && (fallback == nil || c.lastSeen.Load() < fallback.lastSeen.Load()) {
				fallback = c
			}
		}
		b.mu.RUnlock()
	}
	tb.mu.RUnlock()

	if victim == nil {
		victim = fallback
	}
	if victim == nil || !t.kill(victim) {
		return false
	}
	t.stats.inc(int(h), statEarlyDrop)
	t.logger.Debug("early drop", "id", victim.id, "tuple", victim.Original().String(), "assured", victim.HasStatus(StatusAssured))
	return true
}
