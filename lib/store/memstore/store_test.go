package memstore

import (
	"testing"

	"github.com/ValentinKolb/dDoc/lib/store"
	storetesting "github.com/ValentinKolb/dDoc/lib/store/testing"
)

func TestMemStoreConformance(t *testing.T) {
	storetesting.RunDocumentStoreTests(t, "memstore", func(t *testing.T) store.IDocumentStore {
		s := NewMemStore()
		if err := s.Initialize(); err != nil {
			t.Fatalf("initialize failed: %v", err)
		}
		return s
	})
}
