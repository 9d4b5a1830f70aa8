// Package hlc implements a hybrid logical clock (HLC) for ordering
// replicated document operations across nodes without synchronized
// wallclocks.
//
// A Timestamp combines a physical-time proxy in milliseconds, a logical
// counter for tie-breaking within the same millisecond, and the node id as
// the final tie-breaker. This yields a total order over all timestamps ever
// produced in a cluster, which the replication layer relies on for
// last-write-wins conflict resolution and for "give me everything after T"
// style oplog queries.
//
// The Clock guarantees two properties:
//   - Now() is strictly increasing, even when the wallclock stalls or
//     jumps backwards.
//   - Update(remote) produces a timestamp strictly greater than both the
//     local state and the observed remote timestamp.
package hlc
