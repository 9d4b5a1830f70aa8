package common

import (
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/resolver"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// --------------------------------------------------------------------------
// Entry Applier
// --------------------------------------------------------------------------

// EntryApplier is the one code path through which remote oplog entries
// enter the local store, shared by the pull, push and gossip flows. For
// every incoming entry it advances the local HLC, asks the resolver how
// the entry combines with the current document state, and applies the
// surviving documents plus the entries that produced them as one atomic
// batch; entries the resolver rejects are not stored.
type EntryApplier struct {
	store    store.IDocumentStore
	clock    *hlc.Clock
	resolver resolver.IResolver
}

// NewEntryApplier wires the applier with the node's store, clock and
// conflict resolution strategy.
func NewEntryApplier(s store.IDocumentStore, clock *hlc.Clock, r resolver.IResolver) *EntryApplier {
	return &EntryApplier{store: s, clock: clock, resolver: r}
}

// Apply ingests a batch of remote oplog entries. The whole batch is
// applied atomically; on store failure nothing is visible and the error
// is returned for the caller to surface.
func (a *EntryApplier) Apply(entries []model.OplogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]model.Document, 0, len(entries))
	applied := make([]model.OplogEntry, 0, len(entries))

	// Entries already resolved in this batch, so a later entry for the
	// same identity resolves against the pending state instead of the
	// stale store row
	pending := make(map[string]model.Document)

	for _, entry := range entries {
		// Every observed remote timestamp advances the local clock, even
		// if the resolver ends up ignoring the entry
		a.clock.Update(entry.Timestamp)

		identity := entry.Collection + "/" + entry.Key
		var localPtr *model.Document
		if doc, ok := pending[identity]; ok {
			localPtr = &doc
		} else if local, loaded, err := a.store.GetDocument(entry.Collection, entry.Key); err != nil {
			return fmt.Errorf("failed to load local document %s/%s: %v", entry.Collection, entry.Key, err)
		} else if loaded {
			localPtr = &local
		}

		res := a.resolver.Resolve(localPtr, entry)
		if !res.Apply {
			continue
		}
		pending[identity] = res.Doc
		docs = append(docs, res.Doc)
		applied = append(applied, entry)
	}

	if len(applied) == 0 {
		return nil
	}

	if err := a.store.ApplyBatch(docs, applied); err != nil {
		return fmt.Errorf("failed to apply batch of %d entries: %v", len(applied), err)
	}
	return nil
}

// Clock exposes the applier's clock for components that stamp outgoing
// messages.
func (a *EntryApplier) Clock() *hlc.Clock {
	return a.clock
}
