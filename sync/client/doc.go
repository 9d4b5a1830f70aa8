// Package client implements the initiating side of the sync protocol:
// dialing a peer, the optional key exchange, the application handshake
// with token and compression negotiation, and the pull/push requests.
// Requests on one client are serialized; responses are matched FIFO
// because there is never more than one request in flight.
package client
