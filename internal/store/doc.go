// Package store provides the SQLite-backed session journal.
//
// A session appends four kinds of records as it runs: tempo changes that
// were applied, scheduler dispatches, client state transitions and RTT
// rounds. The journal is diagnostic. Nothing in the timing path reads it
// back, so a slow or failed write never delays a beat.
//
// # Ordering
//
// Records carry the session's logical sequence number. All reads order by
// seq ASC so that a journal reads back in the order the session produced
// it, independent of wall time.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Records must name a known session
package store
