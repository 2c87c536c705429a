// Package ranking holds the ranking database: one Host record per host
// identifier plus a per-method cache of sorted host orders.
//
// Host records carry Wmin, Wmax, Flop, the derived Efficiency (Flop/Wmax) and
// the Unix timestamp of their last update. Records with a non-positive Wmax or
// non-finite values are rejected with ErrInvalidRecord.
//
// Sorted views are invalidated coarsely: any successful Add or Remove marks
// every cached method dirty. Flop and Efficiency rank descending, every other
// method ascending; ties break on host identifier.
//
// The Database also owns the waitlist of hosts that have no metric sample
// yet. Add removes a host from the waitlist, so promoting a waiting host and
// adding a host are the same operation.
//
// All exported methods are safe for concurrent use. One mutex covers the
// record map, the waitlist and the view cache; observers registered with
// Observe run after the lock is released.
package ranking
