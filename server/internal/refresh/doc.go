// Package refresh keeps host records fresh.
//
// A Scheduler is either armed (interval > 0) or disabled. While armed it runs
// one cycle immediately and then one cycle per interval. A cycle:
//
//  1. acquires a telemetry provider (authentication, connectivity)
//  2. re-fetches every host whose record is at least one interval old
//  3. fetches every waitlisted host; a sample promotes it into the database
//
// Provider calls run without holding the database lock, are paced by a token
// bucket and bounded by a per-call timeout. Per-host failures are logged and
// retried on the next cycle. A failure to acquire the provider skips the
// cycle but never stops the Scheduler.
//
// SetInterval switches between armed and disabled at runtime and interrupts a
// pending wait; the new interval is measured from the start of the last cycle.
package refresh
