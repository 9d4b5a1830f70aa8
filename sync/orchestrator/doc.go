// Package orchestrator drives the periodic pull replication: every tick
// it opens a session to each registered peer in parallel, asks for the
// oplog after the local high-water timestamp and feeds the batches
// through the shared entry applier until the peer reports no more
// changes. Per-peer failures are logged and isolated.
package orchestrator
