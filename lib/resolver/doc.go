// Package resolver decides how remote operations combine with local
// document state during replication.
//
// Two strategies are provided behind the IResolver interface:
//
//   - NewLWWResolver: last-write-wins at document granularity. The
//     operation with the highest HLC timestamp replaces the document.
//
//   - NewMergeResolver: recursive JSON merge. Objects merge field-wise,
//     arrays of objects with unique "id"/"_id" fields merge element-wise,
//     everything else (primitives, mismatched types, deletes, empty
//     content) falls back to last-write-wins. The merged document carries
//     the larger of the two timestamps.
//
// Both strategies are deterministic over the HLC total order: replaying
// the same set of operations in any arrival order yields the same final
// state, which is the convergence guarantee of the whole engine.
package resolver
