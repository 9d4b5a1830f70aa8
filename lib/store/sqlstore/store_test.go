package sqlstore

import (
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/store"
	storetesting "github.com/ValentinKolb/dDoc/lib/store/testing"
)

func TestSQLStoreConformance(t *testing.T) {
	storetesting.RunDocumentStoreTests(t, "sqlstore", func(t *testing.T) store.IDocumentStore {
		path := filepath.Join(t.TempDir(), "ddoc.db")
		s := NewSQLStore(DefaultOptions(path))
		if err := s.Initialize(); err != nil {
			t.Fatalf("initialize failed: %v", err)
		}
		return s
	})
}

func TestSQLStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ddoc.db")

	s := NewSQLStore(DefaultOptions(path))
	if err := s.Initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	if err := s.PutDocument(testDocument("users", "alice", `{"name":"Alice"}`, 100)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Reopen and verify both the document and its timestamp survived
	s = NewSQLStore(DefaultOptions(path))
	if err := s.Initialize(); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	doc, loaded, err := s.GetDocument("users", "alice")
	if err != nil || !loaded {
		t.Fatalf("document lost after reopen: loaded=%v err=%v", loaded, err)
	}
	if string(doc.Data) != `{"name":"Alice"}` {
		t.Errorf("unexpected data: %s", doc.Data)
	}

	ts, _ := s.GetLatestTimestamp()
	if ts.WallTime != 100 {
		t.Errorf("latest timestamp lost after reopen: %v", ts)
	}
}

func testDocument(collection, key, data string, wall uint64) model.Document {
	return model.NewDocument(collection, key, []byte(data), hlc.Timestamp{WallTime: wall, NodeID: "A"})
}

func TestSQLStoreMissingPath(t *testing.T) {
	s := NewSQLStore(Options{})
	if err := s.Initialize(); err == nil {
		t.Fatal("expected initialize to fail without a path")
	}
}
