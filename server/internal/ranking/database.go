package ranking

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// EventKind describes what happened to a host record.
type EventKind string

// Event kinds delivered to observers.
const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Event is delivered to observers after a successful Add or Remove.
// Host is a copy of the record after the change (before it, for removals).
type Event struct {
	Kind   EventKind
	HostID string
	Host   Host
}

// Entry pairs a host identifier with a copy of its record.
type Entry struct {
	ID   string
	Host Host
}

// Snapshot is a consistent view of the whole database taken under one lock.
type Snapshot struct {
	Hosts    []Entry
	Waiting  []string
	Rankings map[Method][]string // clean rankings only
}

// view is the cached order for one method.
type view struct {
	order []string
	clean bool
}

// Database is a thread-safe collection of Host records keyed by host
// identifier, with a per-method sorted-view cache and a waitlist of hosts
// that have not produced a metric sample yet.
type Database struct {
	mu       sync.Mutex
	hosts    map[string]*Host
	waitlist map[string]struct{}
	views    map[Method]*view
	gen      uint64           // bumped on every mutation that invalidates views
	now      func() time.Time // injectable for deterministic tests

	obsMu     sync.RWMutex
	observers []func(Event)

	// Events are numbered under mu and delivered in that order.
	seq       uint64 // guarded by mu
	delivered uint64 // guarded by turnMu
	turnMu    sync.Mutex
	turn      *sync.Cond
}

// New returns an empty Database.
func New() *Database {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty Database that stamps records with now().
func NewWithClock(now func() time.Time) *Database {
	d := &Database{
		hosts:    make(map[string]*Host),
		waitlist: make(map[string]struct{}),
		views:    make(map[Method]*view),
		now:      now,
	}
	d.turn = sync.NewCond(&d.turnMu)
	return d
}

// Observe registers fn to be called after every successful Add, Merge or
// Remove. Observers run on the mutating goroutine after the lock is released,
// in registration order, and see events in the order the mutations happened.
// An observer may read the Database but must not mutate it.
func (d *Database) Observe(fn func(Event)) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = append(d.observers, fn)
}

// Add creates the record for id or updates it in place, removes id from the
// waitlist and marks every cached ranking dirty.
// Invalid values are rejected with ErrInvalidRecord and change nothing.
func (d *Database) Add(id string, wmin, wmax, flop float64) error {
	_, err := d.commit(id, wmin, wmax, func(*Host, bool) float64 { return flop })
	return err
}

// Merge is Add for a telemetry sample that may lack a throughput figure.
// A zero flop keeps the Flop of an existing record; a new host gets
// estimate(id). The choice is made under the same lock as the write.
func (d *Database) Merge(id string, wmin, wmax, flop float64, estimate func(id string) float64) (Host, error) {
	return d.commit(id, wmin, wmax, func(h *Host, exists bool) float64 {
		switch {
		case flop != 0:
			return flop
		case exists:
			return h.Flop
		default:
			return estimate(id)
		}
	})
}

func (d *Database) commit(id string, wmin, wmax float64, flopFor func(h *Host, exists bool) float64) (Host, error) {
	if id == "" {
		return Host{}, fmt.Errorf("ranking: add: %w: host id is required", ErrInvalidRecord)
	}

	d.mu.Lock()
	h, ok := d.hosts[id]
	kind := EventUpdated
	if !ok {
		h = &Host{}
		kind = EventAdded
	}
	if err := h.Update(wmin, wmax, flopFor(h, ok), d.now()); err != nil {
		d.mu.Unlock()
		return Host{}, fmt.Errorf("ranking: add %q: %w", id, err)
	}
	d.hosts[id] = h
	delete(d.waitlist, id)
	d.invalidateLocked()
	ev := Event{Kind: kind, HostID: id, Host: *h}
	seq := d.nextSeqLocked()
	d.mu.Unlock()

	d.notify(seq, ev)
	return ev.Host, nil
}

// Remove deletes the record for id and reports whether it existed.
// Only a successful removal invalidates cached rankings.
func (d *Database) Remove(id string) bool {
	d.mu.Lock()
	h, ok := d.hosts[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.hosts, id)
	d.invalidateLocked()
	ev := Event{Kind: EventRemoved, HostID: id, Host: *h}
	seq := d.nextSeqLocked()
	d.mu.Unlock()

	d.notify(seq, ev)
	return true
}

// Wait queues id until its first metric sample arrives and reports whether
// it was newly queued. Hosts already waiting or already ranked are ignored.
func (d *Database) Wait(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.hosts[id]; ok {
		return false
	}
	if _, ok := d.waitlist[id]; ok {
		return false
	}
	d.waitlist[id] = struct{}{}
	return true
}

// IsSorted reports whether a clean cached ranking exists for m.
func (d *Database) IsSorted(m Method) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.views[m]
	return ok && v.clean
}

// Sort computes the order of all current hosts by m and caches it.
//
// The lock is held only to copy the sort keys and to store the result. If the
// database was mutated while sorting, the order is stored dirty.
func (d *Database) Sort(m Method) error {
	if !m.Valid() {
		return fmt.Errorf("ranking: sort %q: %w", m, ErrInvalidMethod)
	}

	type key struct {
		id string
		v  float64
	}

	d.mu.Lock()
	gen := d.gen
	keys := make([]key, 0, len(d.hosts))
	for id, h := range d.hosts {
		keys = append(keys, key{id: id, v: m.Value(*h)})
	}
	d.mu.Unlock()

	desc := m.Descending()
	slices.SortFunc(keys, func(a, b key) int {
		c := cmp.Compare(a.v, b.v)
		if desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	order := make([]string, len(keys))
	for i, k := range keys {
		order[i] = k.id
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.views[m] = &view{order: order, clean: d.gen == gen}
	return nil
}

// Ranking returns a copy of the cached order for m.
// It returns ErrNotSorted if m was never sorted and ErrStale if a mutation
// invalidated the cached order.
func (d *Database) Ranking(m Method) ([]string, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("ranking: %q: %w", m, ErrInvalidMethod)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.viewLocked(m)
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.order), nil
}

// Ranked is Ranking with a copy of each host's record attached, read under
// the same lock so records match the order.
func (d *Database) Ranked(m Method) ([]Entry, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("ranking: %q: %w", m, ErrInvalidMethod)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.viewLocked(m)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, Entry{ID: id, Host: *d.hosts[id]})
	}
	return out, nil
}

// Get returns a copy of the record for id.
func (d *Database) Get(id string) (Host, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hosts[id]
	if !ok {
		return Host{}, false
	}
	return *h, true
}

// Hosts returns a copy of every record, ordered by host identifier.
func (d *Database) Hosts() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entriesLocked()
}

// Waiting returns the waitlisted host identifiers in lexical order.
func (d *Database) Waiting() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitingLocked()
}

// IsWaiting reports whether id is on the waitlist.
func (d *Database) IsWaiting(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.waitlist[id]
	return ok
}

// Len returns the number of host records.
func (d *Database) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hosts)
}

// StaleHosts returns the hosts whose last update is at least maxAge old,
// in lexical order. Ages are compared in whole seconds.
func (d *Database) StaleHosts(maxAge time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().Round(time.Second).Unix()
	limit := int64(maxAge / time.Second)
	var out []string
	for id, h := range d.hosts {
		if now-h.Timestamp >= limit {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot returns every record, the waitlist and all clean rankings.
func (d *Database) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := Snapshot{
		Hosts:    d.entriesLocked(),
		Waiting:  d.waitingLocked(),
		Rankings: make(map[Method][]string),
	}
	for m, v := range d.views {
		if v.clean {
			snap.Rankings[m] = slices.Clone(v.order)
		}
	}
	return snap
}

// --- internal ---------------------------------------------------------------

// invalidateLocked marks every cached view dirty. Caller holds d.mu.
func (d *Database) invalidateLocked() {
	d.gen++
	for _, v := range d.views {
		v.clean = false
	}
}

func (d *Database) viewLocked(m Method) (*view, error) {
	v, ok := d.views[m]
	if !ok {
		return nil, fmt.Errorf("ranking: %q: %w", m, ErrNotSorted)
	}
	if !v.clean {
		return nil, fmt.Errorf("ranking: %q: %w", m, ErrStale)
	}
	return v, nil
}

func (d *Database) entriesLocked() []Entry {
	out := make([]Entry, 0, len(d.hosts))
	for id, h := range d.hosts {
		out = append(out, Entry{ID: id, Host: *h})
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (d *Database) waitingLocked() []string {
	out := make([]string, 0, len(d.waitlist))
	for id := range d.waitlist {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (d *Database) nextSeqLocked() uint64 {
	d.seq++
	return d.seq
}

// notify waits until every earlier event has been delivered, then runs the
// observers for ev.
func (d *Database) notify(seq uint64, ev Event) {
	d.turnMu.Lock()
	for d.delivered != seq-1 {
		d.turn.Wait()
	}
	d.turnMu.Unlock()

	d.obsMu.RLock()
	fns := slices.Clone(d.observers)
	d.obsMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}

	d.turnMu.Lock()
	d.delivered = seq
	d.turn.Broadcast()
	d.turnMu.Unlock()
}
