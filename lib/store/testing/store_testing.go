// Package testing provides a behavioral conformance suite for
// store.IDocumentStore implementations. Every backend must pass the same
// suite so the replication core can treat them interchangeably.
package testing

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/resolver"
	"github.com/ValentinKolb/dDoc/lib/store"
)

// StoreFactory creates a fresh, initialized store for one test.
type StoreFactory func(t *testing.T) store.IDocumentStore

// RunDocumentStoreTests runs the full conformance suite against an
// implementation.
func RunDocumentStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("PutAndGet", func(t *testing.T) {
			testPutAndGet(t, factory(t))
		})
		t.Run("DeleteLeavesTombstone", func(t *testing.T) {
			testDeleteLeavesTombstone(t, factory(t))
		})
		t.Run("LatestTimestamp", func(t *testing.T) {
			testLatestTimestamp(t, factory(t))
		})
		t.Run("OplogAfter", func(t *testing.T) {
			testOplogAfter(t, factory(t))
		})
		t.Run("ApplyBatch", func(t *testing.T) {
			testApplyBatch(t, factory(t))
		})
		t.Run("Collections", func(t *testing.T) {
			testCollections(t, factory(t))
		})
		t.Run("FindDocuments", func(t *testing.T) {
			testFindDocuments(t, factory(t))
		})
		t.Run("RemotePeers", func(t *testing.T) {
			testRemotePeers(t, factory(t))
		})
		t.Run("OplogReplayRoundTrip", func(t *testing.T) {
			testOplogReplayRoundTrip(t, factory(t), factory(t))
		})
		t.Run("ConcurrentWrites", func(t *testing.T) {
			testConcurrentWrites(t, factory(t))
		})
	})
}

func stamp(wall uint64, logical uint32, node string) hlc.Timestamp {
	return hlc.Timestamp{WallTime: wall, Logical: logical, NodeID: node}
}

// --------------------------------------------------------------------------
// Test Implementations
// --------------------------------------------------------------------------

func testPutAndGet(t *testing.T, s store.IDocumentStore) {
	defer s.Close()

	doc := model.NewDocument("users", "alice", []byte(`{"name":"Alice","age":30}`), stamp(100, 0, "A"))
	if err := s.PutDocument(doc); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, loaded, err := s.GetDocument("users", "alice")
	if err != nil || !loaded {
		t.Fatalf("get failed: loaded=%v err=%v", loaded, err)
	}
	if string(got.Data) != string(doc.Data) || got.Timestamp != doc.Timestamp || got.Tombstone {
		t.Errorf("document mismatch: %+v", got)
	}

	// Unknown identity
	_, loaded, err = s.GetDocument("users", "nobody")
	if err != nil || loaded {
		t.Errorf("expected miss for unknown key, loaded=%v err=%v", loaded, err)
	}

	// Upsert replaces
	doc2 := model.NewDocument("users", "alice", []byte(`{"name":"Alice","age":31}`), stamp(200, 0, "A"))
	if err := s.PutDocument(doc2); err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	got, _, _ = s.GetDocument("users", "alice")
	if string(got.Data) != string(doc2.Data) {
		t.Errorf("upsert did not replace: %s", got.Data)
	}
}

func testDeleteLeavesTombstone(t *testing.T, s store.IDocumentStore) {
	defer s.Close()

	if err := s.PutDocument(model.NewDocument("users", "bob", []byte(`{"v":1}`), stamp(100, 0, "A"))); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.DeleteDocument("users", "bob", stamp(300, 0, "A")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	got, loaded, err := s.GetDocument("users", "bob")
	if err != nil || !loaded {
		t.Fatalf("tombstone row must remain loadable: loaded=%v err=%v", loaded, err)
	}
	if !got.Tombstone || len(got.Data) != 0 || got.Timestamp != stamp(300, 0, "A") {
		t.Errorf("unexpected tombstone: %+v", got)
	}

	// Tombstones are excluded from queries
	docs, err := s.FindDocuments("users", nil)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("tombstone leaked into query results: %v", docs)
	}
}

func testLatestTimestamp(t *testing.T, s store.IDocumentStore) {
	defer s.Close()

	ts, err := s.GetLatestTimestamp()
	if err != nil {
		t.Fatalf("latest timestamp failed: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("empty store must report the zero timestamp, got %v", ts)
	}

	s.PutDocument(model.NewDocument("c", "k1", []byte(`{}`), stamp(100, 0, "A")))
	s.PutDocument(model.NewDocument("c", "k2", []byte(`{}`), stamp(300, 2, "B")))
	s.PutDocument(model.NewDocument("c", "k3", []byte(`{}`), stamp(200, 0, "A")))

	ts, _ = s.GetLatestTimestamp()
	if ts != stamp(300, 2, "B") {
		t.Errorf("expected (300,2,B), got %v", ts)
	}
}

func testOplogAfter(t *testing.T, s store.IDocumentStore) {
	defer s.Close()

	stamps := []hlc.Timestamp{
		stamp(100, 0, "A"),
		stamp(100, 1, "A"),
		stamp(200, 0, "A"),
		stamp(200, 0, "B"),
		stamp(300, 0, "A"),
	}
	for i, ts := range stamps {
		key := fmt.Sprintf("k%d", i)
		if err := s.PutDocument(model.NewDocument("c", key, []byte(`{}`), ts)); err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}

	// Strictly greater, ascending
	entries, err := s.GetOplogAfter(stamp(100, 1, "A"), 0)
	if err != nil {
		t.Fatalf("oplog query failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Errorf("oplog not strictly ascending at %d", i)
		}
	}
	if entries[0].Timestamp != stamp(200, 0, "A") {
		t.Errorf("boundary entry must be excluded, got first %v", entries[0].Timestamp)
	}

	// Limit caps the batch
	entries, _ = s.GetOplogAfter(hlc.Zero, 2)
	if len(entries) != 2 {
		t.Errorf("expected limit of 2, got %d", len(entries))
	}

	// Node id is the final tie-breaker in range queries
	entries, _ = s.GetOplogAfter(stamp(200, 0, "A"), 0)
	if len(entries) != 2 || entries[0].Timestamp != stamp(200, 0, "B") {
		t.Errorf("expected (200,0,B) first, got %v", entries)
	}
}

func testApplyBatch(t *testing.T, s store.IDocumentStore) {
	defer s.Close()

	docs := []model.Document{
		model.NewDocument("users", "a", []byte(`{"v":1}`), stamp(100, 0, "X")),
		model.NewTombstone("users", "b", stamp(100, 1, "X")),
	}
	oplog := []model.OplogEntry{
		{Collection: "users", Key: "a", Data: []byte(`{"v":1}`), Timestamp: stamp(100, 0, "X"), Operation: model.OpPut},
		{Collection: "users", Key: "b", Timestamp: stamp(100, 1, "X"), Operation: model.OpDelete},
	}

	if err := s.ApplyBatch(docs, oplog); err != nil {
		t.Fatalf("apply batch failed: %v", err)
	}

	got, loaded, _ := s.GetDocument("users", "a")
	if !loaded || string(got.Data) != `{"v":1}` {
		t.Errorf("batch document not applied: %+v", got)
	}
	got, loaded, _ = s.GetDocument("users", "b")
	if !loaded || !got.Tombstone {
		t.Errorf("batch tombstone not applied: %+v", got)
	}

	// Applied oplog entries are visible to future oplog queries
	entries, _ := s.GetOplogAfter(hlc.Zero, 0)
	if len(entries) != 2 {
		t.Errorf("expected 2 oplog entries, got %d", len(entries))
	}

	// Latest timestamp reflects the batch
	ts, _ := s.GetLatestTimestamp()
	if ts != stamp(100, 1, "X") {
		t.Errorf("expected latest (100,1,X), got %v", ts)
	}

	// A batch containing an invalid document is rejected wholesale
	bad := []model.Document{
		model.NewDocument("users", "c", []byte(`{}`), stamp(200, 0, "X")),
		{Key: "missing-collection"},
	}
	if err := s.ApplyBatch(bad, nil); err == nil {
		t.Fatal("expected batch rejection")
	}
	if _, loaded, _ := s.GetDocument("users", "c"); loaded {
		t.Error("rejected batch must not be partially applied")
	}
}

func testCollections(t *testing.T, s store.IDocumentStore) {
	defer s.Close()

	names, err := s.GetCollections()
	if err != nil {
		t.Fatalf("collections failed: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected no collections, got %v", names)
	}

	s.PutDocument(model.NewDocument("users", "a", []byte(`{}`), stamp(1, 0, "A")))
	s.PutDocument(model.NewDocument("orders", "o1", []byte(`{}`), stamp(2, 0, "A")))
	s.PutDocument(model.NewDocument("users", "b", []byte(`{}`), stamp(3, 0, "A")))

	names, _ = s.GetCollections()
	if len(names) != 2 {
		t.Errorf("expected 2 collections, got %v", names)
	}
}

func testFindDocuments(t *testing.T, s store.IDocumentStore) {
	defer s.Close()

	docs := map[string]string{
		"alice": `{"name":"Alice","age":30,"city":"Berlin","address":{"zip":"10115"}}`,
		"bob":   `{"name":"Bob","age":25,"city":"Hamburg","address":{"zip":"20095"}}`,
		"carol": `{"name":"Carol","age":35,"city":"Berlin"}`,
	}
	i := uint32(0)
	for key, data := range docs {
		if err := s.PutDocument(model.NewDocument("users", key, []byte(data), stamp(100, i, "A"))); err != nil {
			t.Fatalf("put %s failed: %v", key, err)
		}
		i++
	}

	testCases := []struct {
		name  string
		query model.QueryNode
		want  []string
	}{
		{
			name:  "nil query matches all",
			query: nil,
			want:  []string{"alice", "bob", "carol"},
		},
		{
			name:  "eq on string",
			query: model.Compare{Op: model.CmpEq, Field: "city", Value: "Berlin"},
			want:  []string{"alice", "carol"},
		},
		{
			name:  "gt on number",
			query: model.Compare{Op: model.CmpGt, Field: "age", Value: 28},
			want:  []string{"alice", "carol"},
		},
		{
			name: "and",
			query: model.And{
				Left:  model.Compare{Op: model.CmpEq, Field: "city", Value: "Berlin"},
				Right: model.Compare{Op: model.CmpLte, Field: "age", Value: 30},
			},
			want: []string{"alice"},
		},
		{
			name: "or",
			query: model.Or{
				Left:  model.Compare{Op: model.CmpEq, Field: "name", Value: "Bob"},
				Right: model.Compare{Op: model.CmpGte, Field: "age", Value: 35},
			},
			want: []string{"bob", "carol"},
		},
		{
			name:  "contains",
			query: model.Contains{Field: "name", Text: "aro"},
			want:  []string{"carol"},
		},
		{
			name:  "nested field path",
			query: model.Compare{Op: model.CmpEq, Field: "address.zip", Value: "20095"},
			want:  []string{"bob"},
		},
		{
			name:  "neq includes missing field",
			query: model.Compare{Op: model.CmpNeq, Field: "address.zip", Value: "20095"},
			want:  []string{"alice", "carol"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			found, err := s.FindDocuments("users", tc.query)
			if err != nil {
				t.Fatalf("find failed: %v", err)
			}
			keys := make([]string, 0, len(found))
			for _, doc := range found {
				keys = append(keys, doc.Key)
			}
			if len(keys) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, keys)
			}
			for i := range keys {
				if keys[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, keys)
				}
			}
		})
	}
}

func testRemotePeers(t *testing.T, s store.IDocumentStore) {
	defer s.Close()

	peer := model.RemotePeer{NodeID: "node-b", Host: "10.0.0.2", Port: 7070, Type: model.PeerLanDiscovered, Enabled: true}
	if err := s.SaveRemotePeer(peer); err != nil {
		t.Fatalf("save peer failed: %v", err)
	}

	// Upsert by node id
	peer.Port = 7071
	if err := s.SaveRemotePeer(peer); err != nil {
		t.Fatalf("update peer failed: %v", err)
	}

	peers, err := s.GetRemotePeers()
	if err != nil {
		t.Fatalf("get peers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].Port != 7071 {
		t.Errorf("unexpected peers: %+v", peers)
	}

	if err := s.RemoveRemotePeer("node-b"); err != nil {
		t.Fatalf("remove peer failed: %v", err)
	}
	if err := s.RemoveRemotePeer("unknown"); err != nil {
		t.Errorf("removing unknown peer must not error: %v", err)
	}
	peers, _ = s.GetRemotePeers()
	if len(peers) != 0 {
		t.Errorf("expected no peers, got %+v", peers)
	}
}

// testOplogReplayRoundTrip checks the round-trip law: replaying a store's
// oplog through the resolver onto an empty store reconstructs the exact
// document state.
func testOplogReplayRoundTrip(t *testing.T, source, target store.IDocumentStore) {
	defer source.Close()
	defer target.Close()

	clock := hlc.NewClock("A")
	source.PutDocument(model.NewDocument("users", "alice", []byte(`{"v":1}`), clock.Now()))
	source.PutDocument(model.NewDocument("users", "bob", []byte(`{"v":2}`), clock.Now()))
	source.PutDocument(model.NewDocument("users", "alice", []byte(`{"v":3}`), clock.Now()))
	source.DeleteDocument("users", "bob", clock.Now())
	source.PutDocument(model.NewDocument("orders", "o1", []byte(`{"total":9}`), clock.Now()))

	entries, err := source.GetOplogAfter(hlc.Zero, 0)
	if err != nil {
		t.Fatalf("oplog read failed: %v", err)
	}

	// Replay through the resolver, exactly like the sync path does
	lww := resolver.NewLWWResolver()
	for _, entry := range entries {
		var localPtr *model.Document
		if local, loaded, _ := target.GetDocument(entry.Collection, entry.Key); loaded {
			localPtr = &local
		}
		res := lww.Resolve(localPtr, entry)
		if !res.Apply {
			continue
		}
		if err := target.ApplyBatch([]model.Document{res.Doc}, []model.OplogEntry{entry}); err != nil {
			t.Fatalf("replay apply failed: %v", err)
		}
	}

	// Compare final document states
	for _, ident := range []struct{ collection, key string }{
		{"users", "alice"}, {"users", "bob"}, {"orders", "o1"},
	} {
		want, wantLoaded, _ := source.GetDocument(ident.collection, ident.key)
		got, gotLoaded, _ := target.GetDocument(ident.collection, ident.key)
		if wantLoaded != gotLoaded {
			t.Fatalf("%s/%s: loaded mismatch", ident.collection, ident.key)
		}
		if string(want.Data) != string(got.Data) || want.Timestamp != got.Timestamp || want.Tombstone != got.Tombstone {
			t.Errorf("%s/%s: state mismatch\nwant %+v\ngot  %+v", ident.collection, ident.key, want, got)
		}
	}
}

func testConcurrentWrites(t *testing.T, s store.IDocumentStore) {
	defer s.Close()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			clock := hlc.NewClock(fmt.Sprintf("node-%d", w))
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if err := s.PutDocument(model.NewDocument("load", key, []byte(`{"i":1}`), clock.Now())); err != nil {
					t.Errorf("concurrent put failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	entries, err := s.GetOplogAfter(hlc.Zero, 0)
	if err != nil {
		t.Fatalf("oplog read failed: %v", err)
	}
	if len(entries) != writers*perWriter {
		t.Errorf("expected %d oplog entries, got %d", writers*perWriter, len(entries))
	}
}
