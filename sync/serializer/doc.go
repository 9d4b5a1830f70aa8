// Package serializer converts protocol messages to and from their byte
// representation.
//
// The binary serializer is the canonical wire format: a message type byte,
// a 16-bit presence-flag word, then every present field in fixed tag
// order. Oplog entries travel with flattened HLC fields. The JSON
// serializer is a debugging aid and not wire-compatible.
package serializer
