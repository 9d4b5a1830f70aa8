// Package model defines the core entities of the document engine: the
// Document and its tombstone form, the append-only OplogEntry that carries
// replication, the RemotePeer registry record, and the typed QueryNode
// filter tree that store backends translate via the Visitor.
//
// The package has no behavior beyond small constructors and conversions;
// every other component depends on it, so it must stay dependency-free
// apart from the hlc package.
package model
