package model

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dDoc/lib/hlc"
)

// --------------------------------------------------------------------------
// Document
// --------------------------------------------------------------------------

// Document is a single JSON document in a named collection. Its identity is
// (Collection, Key); there is at most one document per identity. Data holds
// the UTF-8 JSON encoding of the payload when Tombstone is false and is
// empty for tombstones. The timestamp is the HLC stamp of the write that
// produced the current state.
type Document struct {
	Collection string        `json:"collection"`
	Key        string        `json:"key"`
	Data       []byte        `json:"data"`
	Timestamp  hlc.Timestamp `json:"timestamp"`
	Tombstone  bool          `json:"tombstone"`
}

// NewDocument creates a live document.
func NewDocument(collection, key string, data []byte, ts hlc.Timestamp) Document {
	return Document{
		Collection: collection,
		Key:        key,
		Data:       data,
		Timestamp:  ts,
	}
}

// NewTombstone creates a deletion marker for the given identity. A
// tombstone has no data but keeps the timestamp of the delete so it can
// win or lose conflicts like any other write.
func NewTombstone(collection, key string, ts hlc.Timestamp) Document {
	return Document{
		Collection: collection,
		Key:        key,
		Timestamp:  ts,
		Tombstone:  true,
	}
}

// --------------------------------------------------------------------------
// Oplog
// --------------------------------------------------------------------------

// Operation is the kind of an oplog entry.
type Operation string

const (
	OpPut    Operation = "put"
	OpDelete Operation = "delete"
)

// OplogEntry is one append-only operation log record. Entries are never
// mutated after the append; the oplog ordered by HLC timestamp is the
// primary replication channel between nodes.
type OplogEntry struct {
	Collection string        `json:"collection"`
	Key        string        `json:"key"`
	Data       []byte        `json:"data"`
	Timestamp  hlc.Timestamp `json:"timestamp"`
	Operation  Operation     `json:"operation"`
}

// Document converts the oplog entry to the document state it describes: a
// live document for a put, a tombstone for a delete.
func (e OplogEntry) Document() Document {
	if e.Operation == OpDelete {
		return NewTombstone(e.Collection, e.Key, e.Timestamp)
	}
	return NewDocument(e.Collection, e.Key, e.Data, e.Timestamp)
}

// --------------------------------------------------------------------------
// Remote Peers
// --------------------------------------------------------------------------

// PeerType classifies how a remote peer became known to this node.
type PeerType string

const (
	// PeerLanDiscovered marks peers observed via UDP LAN discovery.
	// Only these participate in the gateway election.
	PeerLanDiscovered PeerType = "lan"
	// PeerStaticRemote marks peers from static configuration.
	PeerStaticRemote PeerType = "static"
	// PeerCloudRemote marks the configured cloud endpoint.
	PeerCloudRemote PeerType = "cloud"
)

// RemotePeer is a known replication partner.
type RemotePeer struct {
	NodeID   string    `json:"nodeId"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Type     PeerType  `json:"type"`
	LastSeen time.Time `json:"lastSeen"`
	Enabled  bool      `json:"enabled"`
}

// Endpoint returns the host:port address of the peer's sync server.
func (p RemotePeer) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
