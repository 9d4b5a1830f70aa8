// Package memstore provides the in-memory implementation of the
// store.IDocumentStore interface. One RW mutex guards documents, the
// HLC-sorted oplog and the peer registry; queries compile the typed
// filter tree into a predicate over decoded JSON.
//
// Nothing is persisted. The package exists for tests, the perf tool and
// single-process experiments where durability does not matter.
package memstore
