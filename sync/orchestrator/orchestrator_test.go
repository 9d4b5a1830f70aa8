package orchestrator

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/resolver"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/lib/store/memstore"
	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/ValentinKolb/dDoc/sync/server"
)

// node is one complete test node: store, clock, server and orchestrator.
type node struct {
	config       common.ServerConfig
	store        store.IDocumentStore
	clock        *hlc.Clock
	orchestrator *Orchestrator
	port         int
}

func startNode(t *testing.T, nodeID string) *node {
	t.Helper()

	config := common.ServerConfig{
		NodeID:     nodeID,
		ListenHost: "127.0.0.1",
		ListenPort: 0,
		AuthToken:  "secret",
		LogLevel:   "error",
	}
	config.ApplyDefaults()
	config.TimeoutSecond = 5

	docStore := memstore.NewMemStore()
	clock := hlc.NewClock(nodeID)
	applier := common.NewEntryApplier(docStore, clock, resolver.NewLWWResolver())

	srv := server.NewSyncServer(config, docStore, applier, server.NewTokenAuthenticator(config.AuthToken))
	if err := srv.Start(); err != nil {
		t.Fatalf("server start failed: %v", err)
	}
	t.Cleanup(srv.Stop)

	orch := NewOrchestrator(config, docStore, applier)
	t.Cleanup(orch.Stop)

	return &node{
		config:       config,
		store:        docStore,
		clock:        clock,
		orchestrator: orch,
		port:         srv.Addr().(*net.TCPAddr).Port,
	}
}

func (n *node) peerOf(other *node) model.RemotePeer {
	return model.RemotePeer{
		NodeID:  other.config.NodeID,
		Host:    "127.0.0.1",
		Port:    other.port,
		Type:    model.PeerStaticRemote,
		Enabled: true,
	}
}

func stamp(wall uint64, logical uint32, nodeID string) hlc.Timestamp {
	return hlc.Timestamp{WallTime: wall, Logical: logical, NodeID: nodeID}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestTwoNodePullConvergence(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")

	// A writes locally
	a.store.PutDocument(model.NewDocument("users", "alice", []byte(`{"name":"Alice","age":30}`), stamp(100, 0, "node-a")))

	// B pulls from A
	b.orchestrator.AddPeer(b.peerOf(a))
	b.orchestrator.SyncOnce()

	doc, loaded, err := b.store.GetDocument("users", "alice")
	if err != nil || !loaded {
		t.Fatalf("document did not replicate: loaded=%v err=%v", loaded, err)
	}
	if string(doc.Data) != `{"name":"Alice","age":30}` {
		t.Errorf("replicated data mismatch: %s", doc.Data)
	}
	if doc.Timestamp != stamp(100, 0, "node-a") {
		t.Errorf("replicated timestamp mismatch: %v", doc.Timestamp)
	}

	latest, _ := b.store.GetLatestTimestamp()
	if latest != stamp(100, 0, "node-a") {
		t.Errorf("latest timestamp mismatch: %v", latest)
	}
}

func TestBidirectionalOverride(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	a.orchestrator.AddPeer(a.peerOf(b))
	b.orchestrator.AddPeer(b.peerOf(a))

	// A writes, B pulls
	a.store.PutDocument(model.NewDocument("users", "alice", []byte(`{"name":"Alice","age":30}`), stamp(100, 0, "node-a")))
	b.orchestrator.SyncOnce()

	// B overrides with a newer stamp, A pulls
	b.store.PutDocument(model.NewDocument("users", "alice", []byte(`{"name":"Alice Updated","age":31}`), stamp(200, 0, "node-b")))
	a.orchestrator.SyncOnce()

	doc, loaded, _ := a.store.GetDocument("users", "alice")
	if !loaded || string(doc.Data) != `{"name":"Alice Updated","age":31}` {
		t.Errorf("override did not replicate: %+v", doc)
	}
	if doc.Timestamp != stamp(200, 0, "node-b") {
		t.Errorf("override timestamp mismatch: %v", doc.Timestamp)
	}
}

func TestDeletePropagation(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	b.orchestrator.AddPeer(b.peerOf(a))

	a.store.PutDocument(model.NewDocument("users", "bob", []byte(`{"v":1}`), stamp(100, 0, "node-a")))
	b.orchestrator.SyncOnce()

	if _, loaded, _ := b.store.GetDocument("users", "bob"); !loaded {
		t.Fatal("document did not replicate before delete")
	}

	a.store.DeleteDocument("users", "bob", stamp(300, 0, "node-a"))
	b.orchestrator.SyncOnce()

	doc, loaded, _ := b.store.GetDocument("users", "bob")
	if !loaded || !doc.Tombstone {
		t.Fatalf("tombstone did not replicate: %+v", doc)
	}
	if doc.Timestamp != stamp(300, 0, "node-a") {
		t.Errorf("tombstone timestamp mismatch: %v", doc.Timestamp)
	}

	// Deleted documents are invisible to queries
	docs, _ := b.store.FindDocuments("users", nil)
	if len(docs) != 0 {
		t.Errorf("tombstoned document visible in query: %v", docs)
	}
}

func TestPaginationAcrossBatches(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")
	b.orchestrator.AddPeer(b.peerOf(a))

	// Write more entries than two full batches
	const total = 2*common.DefaultPullBatchSize + 13
	for i := 0; i < total; i++ {
		key := fmt.Sprintf("k%04d", i)
		a.store.PutDocument(model.NewDocument("load", key, []byte(`{"i":1}`), a.clock.Now()))
	}

	b.orchestrator.SyncOnce()

	entries, err := b.store.GetOplogAfter(hlc.Zero, 0)
	if err != nil {
		t.Fatalf("oplog read failed: %v", err)
	}
	if len(entries) != total {
		t.Errorf("expected %d replicated entries, got %d", total, len(entries))
	}
}

func TestPeerDeduplication(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")

	peer := b.peerOf(a)
	b.orchestrator.AddPeer(peer)
	b.orchestrator.AddPeer(peer)
	b.orchestrator.AddPeer(b.peerOf(b)) // self, must be ignored

	if got := len(b.orchestrator.Peers()); got != 1 {
		t.Errorf("expected 1 peer after deduplication, got %d", got)
	}
}

func TestUnreachablePeerDoesNotPoisonOthers(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")

	a.store.PutDocument(model.NewDocument("users", "alice", []byte(`{"v":1}`), stamp(100, 0, "node-a")))

	b.orchestrator.AddPeer(model.RemotePeer{
		NodeID: "node-dead", Host: "127.0.0.1", Port: 1, Type: model.PeerStaticRemote, Enabled: true,
	})
	b.orchestrator.AddPeer(b.peerOf(a))

	b.orchestrator.SyncOnce()

	if _, loaded, _ := b.store.GetDocument("users", "alice"); !loaded {
		t.Error("healthy peer was poisoned by the unreachable one")
	}
}

func TestPeriodicSync(t *testing.T) {
	a := startNode(t, "node-a")
	b := startNode(t, "node-b")

	// Shorten the interval so the test stays fast
	b.config.SyncIntervalMs = 50
	orch := NewOrchestrator(b.config, b.store, common.NewEntryApplier(b.store, b.clock, resolver.NewLWWResolver()))
	orch.AddPeer(b.peerOf(a))
	orch.Start()
	defer orch.Stop()

	a.store.PutDocument(model.NewDocument("users", "alice", []byte(`{"v":1}`), stamp(100, 0, "node-a")))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, loaded, _ := b.store.GetDocument("users", "alice"); loaded {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("periodic sync did not converge in time")
}
