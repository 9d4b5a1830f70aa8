package resolver

import (
	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Resolution is the outcome of resolving a remote operation against the
// current local document state.
type Resolution struct {
	// Apply is true if the store should upsert Doc; false means the remote
	// operation is stale and must be ignored.
	Apply bool
	// Doc is the document to upsert when Apply is true.
	Doc model.Document
}

// IResolver decides deterministically how a remote oplog entry combines
// with the local document state. Determinism over the HLC total order is
// what makes replicated nodes converge: any two nodes that observed the
// same set of oplog entries end with identical documents.
type IResolver interface {
	// Resolve takes the local document (nil if the identity is unknown
	// locally) and the incoming remote operation.
	Resolve(local *model.Document, remote model.OplogEntry) Resolution
}

// --------------------------------------------------------------------------
// Last-Write-Wins Resolver
// --------------------------------------------------------------------------

// lwwResolver implements plain last-write-wins at document granularity.
type lwwResolver struct{}

// NewLWWResolver creates the default resolver: the operation with the
// highest HLC timestamp wins the whole document.
func NewLWWResolver() IResolver {
	return &lwwResolver{}
}

func (r *lwwResolver) Resolve(local *model.Document, remote model.OplogEntry) Resolution {
	// Unknown identity: take the remote state as-is
	if local == nil {
		return Resolution{Apply: true, Doc: remote.Document()}
	}

	// Known identity: newest timestamp wins, ties (same stamp replayed)
	// are ignored which makes re-application idempotent
	if remote.Timestamp.After(local.Timestamp) {
		return Resolution{Apply: true, Doc: remote.Document()}
	}
	return Resolution{Apply: false}
}

// lwwPick is shared LWW arbitration used by the merge resolver for the cases
// it falls back to plain LWW.
func lwwPick(local *model.Document, remote model.OplogEntry) Resolution {
	return (&lwwResolver{}).Resolve(local, remote)
}

// maxTimestamp is a small helper for the merge resolver.
func maxTimestamp(a, b hlc.Timestamp) hlc.Timestamp {
	return hlc.Max(a, b)
}
