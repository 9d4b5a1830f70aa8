package memstore

import (
	"sort"
	"sync"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// storeImpl is a purely in-memory IDocumentStore. All state is guarded by
// one RW mutex; the oplog slice is kept sorted ascending by HLC timestamp
// so range queries are a binary search plus a copy.
type storeImpl struct {
	mu     sync.RWMutex
	docs   map[string]map[string]model.Document // collection -> key -> doc
	oplog  []model.OplogEntry
	peers  map[string]model.RemotePeer
	latest hlc.Timestamp
}

// NewMemStore creates a new in-memory document store. It is mainly used by
// tests, the perf tool and single-process experiments; nothing survives a
// restart.
func NewMemStore() store.IDocumentStore {
	return &storeImpl{
		docs:  make(map[string]map[string]model.Document),
		peers: make(map[string]model.RemotePeer),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Initialize() error {
	return nil
}

func (s *storeImpl) Close() error {
	return nil
}

func (s *storeImpl) GetLatestTimestamp() (hlc.Timestamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, nil
}

func (s *storeImpl) GetDocument(collection, key string) (model.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.docs[collection]
	if !ok {
		return model.Document{}, false, nil
	}
	doc, ok := coll[key]
	return doc, ok, nil
}

func (s *storeImpl) PutDocument(doc model.Document) error {
	if doc.Collection == "" || doc.Key == "" {
		return store.NewError(store.RetCInvalidOperation, "document needs a collection and a key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(doc)
	s.appendOplogLocked(model.OplogEntry{
		Collection: doc.Collection,
		Key:        doc.Key,
		Data:       doc.Data,
		Timestamp:  doc.Timestamp,
		Operation:  model.OpPut,
	})
	return nil
}

func (s *storeImpl) DeleteDocument(collection, key string, ts hlc.Timestamp) error {
	if collection == "" || key == "" {
		return store.NewError(store.RetCInvalidOperation, "delete needs a collection and a key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(model.NewTombstone(collection, key, ts))
	s.appendOplogLocked(model.OplogEntry{
		Collection: collection,
		Key:        key,
		Timestamp:  ts,
		Operation:  model.OpDelete,
	})
	return nil
}

func (s *storeImpl) GetOplogAfter(ts hlc.Timestamp, limit int) ([]model.OplogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// The slice is sorted ascending, find the first entry > ts
	start := sort.Search(len(s.oplog), func(i int) bool {
		return s.oplog[i].Timestamp.After(ts)
	})

	end := len(s.oplog)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]model.OplogEntry, end-start)
	copy(out, s.oplog[start:end])
	return out, nil
}

func (s *storeImpl) ApplyBatch(docs []model.Document, oplog []model.OplogEntry) error {
	for _, doc := range docs {
		if doc.Collection == "" || doc.Key == "" {
			return store.NewError(store.RetCConflict, "batch rejected: document without identity")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		s.upsertLocked(doc)
	}
	for _, entry := range oplog {
		s.appendOplogLocked(entry)
	}
	return nil
}

func (s *storeImpl) GetCollections() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.docs))
	for name := range s.docs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *storeImpl) FindDocuments(collection string, query model.QueryNode) ([]model.Document, error) {
	pred, err := compilePredicate(query)
	if err != nil {
		return nil, store.NewError(store.RetCInvalidOperation, err.Error())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.docs[collection]
	out := make([]model.Document, 0)
	for _, doc := range coll {
		if doc.Tombstone {
			continue
		}
		if pred(doc.Data) {
			out = append(out, doc)
		}
	}

	// Deterministic order for callers and tests
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *storeImpl) GetRemotePeers() ([]model.RemotePeer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RemotePeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *storeImpl) SaveRemotePeer(peer model.RemotePeer) error {
	if peer.NodeID == "" {
		return store.NewError(store.RetCInvalidOperation, "peer needs a node id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer.NodeID] = peer
	return nil
}

func (s *storeImpl) RemoveRemotePeer(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, nodeID)
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// upsertLocked replaces the document row for its identity and advances the
// latest-timestamp watermark. Caller must hold the write lock.
func (s *storeImpl) upsertLocked(doc model.Document) {
	coll, ok := s.docs[doc.Collection]
	if !ok {
		coll = make(map[string]model.Document)
		s.docs[doc.Collection] = coll
	}
	coll[doc.Key] = doc

	if doc.Timestamp.After(s.latest) {
		s.latest = doc.Timestamp
	}
}

// appendOplogLocked inserts the entry at its sorted position. Entries
// arrive mostly in order so the common case is a plain append. Caller must
// hold the write lock.
func (s *storeImpl) appendOplogLocked(entry model.OplogEntry) {
	n := len(s.oplog)
	if n == 0 || s.oplog[n-1].Timestamp.Before(entry.Timestamp) {
		s.oplog = append(s.oplog, entry)
		return
	}

	pos := sort.Search(n, func(i int) bool {
		return s.oplog[i].Timestamp.After(entry.Timestamp)
	})
	s.oplog = append(s.oplog, model.OplogEntry{})
	copy(s.oplog[pos+1:], s.oplog[pos:])
	s.oplog[pos] = entry
}
