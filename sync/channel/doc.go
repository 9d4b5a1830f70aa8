// Package channel implements the transport framing of the sync protocol:
// a length-prefixed frame carrying a message type and compression flag,
// optional brotli compression for large payloads, and an optional
// encryption layer.
//
// The encryption layer is established by an ephemeral ECDH P-256 key
// exchange (public keys as length-prefixed SubjectPublicKeyInfo DER)
// before any frame is exchanged. Both sides derive two SHA-256 based
// record keys from the shared secret and use them in mirrored
// encrypt/decrypt roles. Records are AES-256-CBC with a random IV and an
// HMAC-SHA-256 tag over IV plus ciphertext; the tag check is
// constant-time. Encrypted frames travel as type SecureEnvelope, with the
// real message type inside the sealed inner frame.
package channel
