// Package server implements the listening side of the sync protocol.
//
// Every accepted connection gets its own secure channel and session
// goroutine. A session must complete the application handshake (token
// validation, compression negotiation) before any pull or push is
// serviced; unauthenticated requests and protocol violations disconnect
// that one connection while the server keeps running.
//
// Pull requests are answered with batches of up to 100 oplog entries
// strictly after the peer's cursor. Push requests run through the shared
// entry applier; pushes carrying gossip metadata are delegated to the
// registered gossip receiver so dedup and re-propagation happen in one
// place.
package server
