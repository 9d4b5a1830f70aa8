package store

import (
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// StoreFactory is a function type that creates a new store instance. It is
// used to abstract store construction from the components wiring one up.
type StoreFactory func() (IDocumentStore, error)

// IDocumentStore is the durable backend contract the replication core
// builds on: documents, the append-only oplog and the remote-peer
// registry. Implementations must be safe for concurrent calls and must
// honor the atomicity notes on the individual methods: a document must
// never be visible without its oplog entry, nor vice versa.
type IDocumentStore interface {
	// Initialize prepares the backing storage (schema creation etc.).
	Initialize() error
	// Close releases all resources. The store is unusable afterwards.
	Close() error

	// GetLatestTimestamp returns the highest HLC timestamp across all
	// documents, or the zero timestamp if the store is empty. It is the
	// "since" cursor a node hands to its peers when pulling.
	GetLatestTimestamp() (hlc.Timestamp, error)

	// GetDocument retrieves the document for an identity. The boolean
	// return value indicates whether a row (live or tombstone) exists.
	GetDocument(collection, key string) (doc model.Document, loaded bool, err error)

	// PutDocument upserts the document by (collection, key) and appends
	// the corresponding "put" oplog entry atomically.
	PutDocument(doc model.Document) error

	// DeleteDocument upserts a tombstone for the identity and appends the
	// corresponding "delete" oplog entry atomically. The tombstone row is
	// kept forever, compaction is not a store concern.
	DeleteDocument(collection, key string, ts hlc.Timestamp) error

	// GetOplogAfter returns up to limit oplog entries strictly greater
	// than the given timestamp under the HLC total order, ascending.
	// A limit <= 0 means no limit.
	GetOplogAfter(ts hlc.Timestamp, limit int) ([]model.OplogEntry, error)

	// ApplyBatch upserts all documents and appends all oplog entries in
	// one atomic step. On failure the whole batch is rejected; partial
	// application is not permitted.
	ApplyBatch(docs []model.Document, oplog []model.OplogEntry) error

	// GetCollections lists the names of all known collections.
	GetCollections() ([]string, error)

	// FindDocuments returns the live (non-tombstone) documents of a
	// collection matching the query tree. A nil query matches everything.
	FindDocuments(collection string, query model.QueryNode) ([]model.Document, error)

	// GetRemotePeers lists all registered replication partners.
	GetRemotePeers() ([]model.RemotePeer, error)
	// SaveRemotePeer inserts or updates a peer, keyed by node id.
	SaveRemotePeer(peer model.RemotePeer) error
	// RemoveRemotePeer deletes a peer by node id. Removing an unknown
	// peer is not an error.
	RemoveRemotePeer(nodeID string) error
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	errorCode := ""
	switch e.Code {
	case RetCInternalError:
		errorCode = "InternalError"
	case RetCInvalidOperation:
		errorCode = "InvalidOperation"
	case RetCConflict:
		errorCode = "Conflict"
	default:
		errorCode = "Unknown"
	}

	return fmt.Sprintf("DocumentStoreError (code %s): %s", errorCode, e.Msg)
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation (bad arguments).
	RetCConflict                        // 3: Batch rejected wholesale.
)
