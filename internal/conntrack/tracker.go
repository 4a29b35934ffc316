// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"grimm.is/flowtrack/internal/clock"
	"grimm.is/flowtrack/internal/errors"
	"grimm.is/flowtrack/internal/logging"
)

// Limits on admin-supplied sizes.
const (
	MaxHashSize      = 1 << 24
	defaultReapBatch = 4096
)

// Config controls a Tracker.
type Config struct {
	HashSize   int
	MaxEntries int
	// MaxPending bounds unconfirmed entries. Allocation beyond it reports
	// ReasonUnavailable for that packet.
	MaxPending int
	// EarlyDropScan is how many buckets early drop visits.
	EarlyDropScan int
	// EarlyDropAssured lets early drop fall back to the least recently
	// refreshed assured entry when no unassured one is found.
	EarlyDropAssured bool
	// FailOpen accepts packets that cannot be tracked instead of dropping them.
	FailOpen       bool
	GCInterval     time.Duration
	GenericTimeout time.Duration
	Events         EventMask
	// Features are granted to every entry on top of what the codec reports.
	Features Feature
}

// DefaultConfig returns a configuration suitable for a small host.
func DefaultConfig() Config {
	return Config{
		HashSize:       16384,
		MaxEntries:     65536,
		MaxPending:     4096,
		EarlyDropScan:  8,
		FailOpen:       true,
		GCInterval:     time.Second,
		GenericTimeout: 10 * time.Minute,
		Events:         EventsDefault,
		Features:       FeatureNAT,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.HashSize <= 0 || c.HashSize > MaxHashSize:
		return errors.Errorf(errors.KindValidation, "hash size %d out of range (1..%d)", c.HashSize, MaxHashSize)
	case c.MaxEntries <= 0:
		return errors.Errorf(errors.KindValidation, "max entries must be positive, got %d", c.MaxEntries)
	case c.MaxPending <= 0:
		return errors.Errorf(errors.KindValidation, "max pending must be positive, got %d", c.MaxPending)
	case c.EarlyDropScan <= 0:
		return errors.Errorf(errors.KindValidation, "early drop scan must be positive, got %d", c.EarlyDropScan)
	case c.GCInterval <= 0:
		return errors.Errorf(errors.KindValidation, "gc interval must be positive, got %s", c.GCInterval)
	case c.GenericTimeout <= 0:
		return errors.Errorf(errors.KindValidation, "generic timeout must be positive, got %s", c.GenericTimeout)
	}
	return nil
}

// Tracker is the connection tracking engine. All methods are safe for
// concurrent use.
type Tracker struct {
	id     uuid.UUID
	cfg    Config
	clock  clock.Clock
	logger *logging.Logger
	sink   EventSink
	events EventMask
	seed   uint32

	table   *table
	pending *pendingList
	expect  *expectTable
	reaper  reaper
	protos  *protoRegistry
	helpers helperRegistry
	stats   counters

	count        atomic.Int64
	maxEntries   atomic.Int64
	nextID       atomic.Uint32
	nextExpectID atomic.Uint32

	pressure *rate.Limiter

	runMu   sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithClock replaces the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger. The tracker adds its own component name.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithEventSink installs the event consumer.
func WithEventSink(s EventSink) Option {
	return func(t *Tracker) { t.sink = s }
}

// WithSeed fixes the hash seed. Tests use it to force collisions.
func WithSeed(seed uint32) Option {
	return func(t *Tracker) { t.seed = seed }
}

// New builds a Tracker. Codecs and helpers are registered afterwards.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		id:       uuid.New(),
		cfg:      cfg,
		clock:    clock.Real,
		events:   cfg.Events,
		seed:     randomSeed(),
		pending:  newPendingList(),
		expect:   newExpectTable(),
		protos:   newProtoRegistry(cfg.GenericTimeout),
		pressure: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = logging.Default()
	}
	t.logger = t.logger.WithComponent("conntrack").With("tracker", t.id.String())
	t.table = newTable(cfg.HashSize, t.seed)
	t.maxEntries.Store(int64(cfg.MaxEntries))
	return t, nil
}

// ID identifies this tracker instance in logs and events.
func (t *Tracker) ID() uuid.UUID { return t.id }

// Config returns the construction config with current admin overrides.
func (t *Tracker) Config() Config {
	c := t.cfg
	c.HashSize = t.table.size()
	c.MaxEntries = int(t.maxEntries.Load())
	return c
}

// Now is the tracker's clock.
func (t *Tracker) Now() time.Time { return t.clock.Now() }

// RegisterL3 adds a network layer parser.
func (t *Tracker) RegisterL3(p L3Protocol) error { return t.protos.registerL3(p) }

// RegisterL4 adds a transport codec for a family.
func (t *Tracker) RegisterL4(family Family, p L4Protocol) error {
	return t.protos.registerL4(family, p)
}

// Count is the number of confirmed entries.
func (t *Tracker) Count() int { return int(t.count.Load()) }

// Start runs the expiry loop until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	go t.reapLoop(ctx, t.stopCh, t.doneCh)
	t.logger.Info("conntrack started",
		"hash_size", t.table.size(),
		"max_entries", t.maxEntries.Load(),
		"gc_interval", t.cfg.GCInterval)
}

// Stop halts the expiry loop and waits for it.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	if !t.running {
		t.runMu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	done := t.doneCh
	t.runMu.Unlock()
	<-done
	t.logger.Info("conntrack stopped", "entries", t.Count())
}

func (t *Tracker) reapLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if n := t.Reap(); n > 0 {
				t.logger.Debug("expired entries removed", "count", n)
			}
		}
	}
}

// Reap removes entries and expectations whose deadline has passed and
// returns the number of entries removed.
func (t *Tracker) Reap() int {
	now := t.clock.Now().UnixNano()
	removed := 0
	for {
		batch := t.reaper.due(now, defaultReapBatch)
		removed += t.expire(batch, now)
		if len(batch) < defaultReapBatch {
			break
		}
	}
	t.expireExpectations(now)
	return removed
}

// expire kills the entries of batch that are still past their deadline.
// A packet may have refreshed an entry after due popped it; such entries are
// armed again at their new deadline.
func (t *Tracker) expire(batch []*Conn, now int64) int {
	removed := 0
	for _, c := range batch {
		if !c.expired(now) {
			t.reaper.arm(c, c.deadline.Load())
			continue
		}
		if t.kill(c) {
			removed++
		}
	}
	return removed
}

// kill takes c out of the table. Only the caller that marks c dying does
// the work; everyone else gets false.
func (t *Tracker) kill(c *Conn) bool {
	if !c.claimDying() {
		return false
	}
	linked := t.table.unlink(c)
	t.reaper.cancel(c)
	t.removeExpectationsOf(c)
	if linked {
		t.count.Add(-1)
		c.Put()
	}
	return true
}

// Kill removes a confirmed entry from the table.
func (t *Tracker) Kill(c *Conn) bool {
	if !c.HasStatus(StatusConfirmed) {
		return false
	}
	return t.kill(c)
}

// Lookup finds the live entry holding tuple in either direction. The
// returned entry carries a reference the caller must Put.
func (t *Tracker) Lookup(tuple Tuple) (*Conn, Direction) {
	h := hashTuple(&tuple, t.seed)
	return t.lookup(&tuple, h, t.clock.Now().UnixNano())
}

func (t *Tracker) lookup(tuple *Tuple, h uint32, now int64) (*Conn, Direction) {
	var (
		hit      *Conn
		dir      Direction
		expired  []*Conn
		searched uint64
	)
	tb := t.table
	tb.mu.RLock()
	b := &tb.buckets[tb.index(h)]
	b.mu.RLock()
	for n := b.head; n != nil; n = n.next {
		searched++
		if n.hash != h || !n.tuple.Equal(*tuple) {
			continue
		}
		c := n.conn
		if c.HasStatus(StatusDying) {
			continue
		}
		if c.expired(now) {
			if c.get() {
				expired = append(expired, c)
			}
			continue
		}
		if c.get() {
			hit, dir = c, n.tuple.Dir
			break
		}
	}
	b.mu.RUnlock()
	tb.mu.RUnlock()

	hint := int(h)
	t.stats.add(hint, statSearched, searched)
	for _, c := range expired {
		t.kill(c)
		c.Put()
	}
	if hit != nil {
		t.stats.inc(hint, statFound)
	}
	return hit, dir
}

// Iterate kills every confirmed entry for which pred returns true and
// returns how many were removed. pred runs under a bucket lock and must
// not call back into the tracker.
func (t *Tracker) Iterate(pred func(c *Conn) bool) int {
	var victims []*Conn
	t.table.walk(func(c *Conn) {
		if !c.HasStatus(StatusDying) && pred(c) && c.get() {
			victims = append(victims, c)
		}
	})
	n := 0
	for _, c := range victims {
		if t.kill(c) {
			n++
		}
		c.Put()
	}
	return n
}

// FlushAll removes every confirmed entry.
func (t *Tracker) FlushAll() int {
	n := t.Iterate(func(*Conn) bool { return true })
	t.logger.Info("conntrack flushed", "entries", n)
	return n
}

// Find returns the first confirmed entry for which pred is true, with a
// reference held.
func (t *Tracker) Find(pred func(c *Conn) bool) *Conn {
	var found *Conn
	t.table.walk(func(c *Conn) {
		if found == nil && !c.HasStatus(StatusDying) && pred(c) && c.get() {
			found = c
		}
	})
	return found
}

// Get returns the confirmed entry with the given id, with a reference held.
func (t *Tracker) Get(id uint32) (*Conn, error) {
	c := t.Find(func(c *Conn) bool { return c.id == id })
	if c == nil {
		return nil, errors.Errorf(errors.KindNotFound, "entry %d not found", id)
	}
	return c, nil
}

// Entries snapshots every confirmed entry.
func (t *Tracker) Entries() []Snapshot {
	var conns []*Conn
	t.table.walk(func(c *Conn) {
		if c.get() {
			conns = append(conns, c)
		}
	})
	now := t.clock.Now()
	out := make([]Snapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Snapshot(now))
		c.Put()
	}
	return out
}

// SetHashSize rehashes the table into n buckets. Packet processing stalls
// for the duration.
func (t *Tracker) SetHashSize(n int) error {
	if n <= 0 || n > MaxHashSize {
		return errors.Errorf(errors.KindValidation, "hash size %d out of range (1..%d)", n, MaxHashSize)
	}
	start := time.Now()
	old := t.table.size()
	moved := t.table.resize(n)
	t.logger.Info("conntrack hash resized", "from", old, "to", n, "nodes", moved, "took", time.Since(start))
	return nil
}

// SetMaxEntries changes the table limit. Lowering it below the current
// count removes nothing; new flows are refused until enough expire.
func (t *Tracker) SetMaxEntries(n int) error {
	if n <= 0 {
		return errors.Errorf(errors.KindValidation, "max entries must be positive, got %d", n)
	}
	t.maxEntries.Store(int64(n))
	t.logger.Info("conntrack max entries changed", "max", n)
	return nil
}

// SetNAT records a translation for a pending entry by replacing its reply
// tuple. Confirmed entries are immutable.
func (t *Tracker) SetNAT(c *Conn, kind NATKind, reply Tuple) error {
	if c.features&FeatureNAT == 0 {
		return errors.Errorf(errors.KindRejected, "entry %d does not support nat", c.id)
	}
	if c.State() != StatePending || c.HasStatus(StatusConfirmed) {
		return errors.Errorf(errors.KindRejected, "entry %d is already confirmed", c.id)
	}
	if !reply.Valid() || reply.Family != c.Original().Family || reply.Proto != c.Original().Proto {
		return errors.Errorf(errors.KindValidation, "invalid nat reply tuple %s", reply)
	}
	var bit Status
	switch kind {
	case NATSource:
		bit = StatusSrcNAT
	case NATDestination:
		bit = StatusDstNAT
	default:
		return errors.Errorf(errors.KindValidation, "unknown nat kind %d", kind)
	}
	reply.Dir = DirReply
	rh := &c.tuplehash[DirReply]
	rh.tuple = reply
	rh.hash = hashTuple(&reply, t.seed)
	c.setBits(bit)

	c.extMu.Lock()
	c.nat = &NATBinding{Kind: kind, Original: c.Original(), Reply: reply}
	c.extMu.Unlock()
	t.emit(Event{Type: EventNAT, Conn: c})
	return nil
}

// warnPressure logs table pressure at most once per limiter interval.
func (t *Tracker) warnPressure(msg string, args ...any) {
	if t.pressure.Allow() {
		t.logger.Warn(msg, args...)
	}
}
