// Package gossip implements epidemic propagation of fresh writes: locally
// originated oplog entries fan out to all known peers, receivers apply
// them and forward with an incremented hop count until the TTL is
// reached. A seen-set keyed by message id suppresses duplicates (and is
// evicted on a timer), a FIFO queue with a dampening delay serializes the
// outbound sends, and per-peer failures never stop the queue. Delivery is
// best-effort; the periodic pull path guarantees convergence regardless.
package gossip
