package common

import "errors"

// --------------------------------------------------------------------------
// Error Taxonomy
// --------------------------------------------------------------------------

// Sentinel errors for the sync layer. Errors returned by the protocol
// stack wrap exactly one of these, so callers can classify failures with
// errors.Is without parsing messages.
var (
	// ErrProtocol marks framing violations, unknown message types and
	// truncated payloads.
	ErrProtocol = errors.New("protocol error")

	// ErrAuth marks rejected handshakes, token mismatches and failed
	// record authentication.
	ErrAuth = errors.New("authentication error")

	// ErrCrypto marks key exchange and cipher failures.
	ErrCrypto = errors.New("crypto error")

	// ErrTransport marks socket-level failures (closed, refused, write
	// errors).
	ErrTransport = errors.New("transport error")

	// ErrTimeout marks any elapsed protocol deadline.
	ErrTimeout = errors.New("timeout")

	// ErrConfig marks invalid node configuration.
	ErrConfig = errors.New("config error")
)
