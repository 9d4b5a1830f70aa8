package election

import (
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/sync/common"
)

func testConfig(nodeID string) common.ServerConfig {
	config := common.ServerConfig{
		NodeID:     nodeID,
		ListenPort: 7070,
		LogLevel:   "error",
	}
	config.ApplyDefaults()
	return config
}

func lanPeer(nodeID string) model.RemotePeer {
	return model.RemotePeer{
		NodeID:   nodeID,
		Host:     "10.0.0.1",
		Port:     7070,
		Type:     model.PeerLanDiscovered,
		LastSeen: time.Now(),
		Enabled:  true,
	}
}

func TestSmallestNodeIDWins(t *testing.T) {
	peers := []model.RemotePeer{lanPeer("node-b"), lanPeer("node-c")}

	e := NewElection(testConfig("node-a"), func() []model.RemotePeer { return peers })
	e.ElectOnce()

	if e.Leader() != "node-a" || !e.IsGateway() {
		t.Errorf("expected self election, got leader=%q gateway=%t", e.Leader(), e.IsGateway())
	}

	// A smaller peer shows up and takes over
	peers = append(peers, lanPeer("node-0"))
	e.ElectOnce()
	if e.Leader() != "node-0" || e.IsGateway() {
		t.Errorf("expected node-0 to win, got leader=%q gateway=%t", e.Leader(), e.IsGateway())
	}
}

func TestOnlyLanPeersParticipate(t *testing.T) {
	static := lanPeer("node-0")
	static.Type = model.PeerStaticRemote
	cloud := lanPeer("node-1")
	cloud.Type = model.PeerCloudRemote

	e := NewElection(testConfig("node-m"), func() []model.RemotePeer {
		return []model.RemotePeer{static, cloud, lanPeer("node-z")}
	})
	e.ElectOnce()

	// Static and cloud peers sort below "node-m" but must not vote
	if e.Leader() != "node-m" {
		t.Errorf("non-LAN peer won the election: %q", e.Leader())
	}
}

func TestStalePeersExcluded(t *testing.T) {
	stale := lanPeer("node-0")
	stale.LastSeen = time.Now().Add(-time.Minute)

	e := NewElection(testConfig("node-m"), func() []model.RemotePeer {
		return []model.RemotePeer{stale}
	})
	e.ElectOnce()

	if e.Leader() != "node-m" {
		t.Errorf("stale peer won the election: %q", e.Leader())
	}
}

func TestDisabledPeersExcluded(t *testing.T) {
	disabled := lanPeer("node-0")
	disabled.Enabled = false

	e := NewElection(testConfig("node-m"), func() []model.RemotePeer {
		return []model.RemotePeer{disabled}
	})
	e.ElectOnce()

	if e.Leader() != "node-m" {
		t.Errorf("disabled peer won the election: %q", e.Leader())
	}
}

func TestGatewayFlipNotifications(t *testing.T) {
	var mu sync.Mutex
	var flips []bool

	peers := []model.RemotePeer{}
	var peersMu sync.Mutex
	source := func() []model.RemotePeer {
		peersMu.Lock()
		defer peersMu.Unlock()
		return peers
	}

	e := NewElection(testConfig("node-m"), source)
	e.Subscribe(func(isGateway bool, leader string) {
		mu.Lock()
		defer mu.Unlock()
		flips = append(flips, isGateway)
	})

	// First election: alone, becomes gateway
	e.ElectOnce()
	// Re-election with no change: no new notification
	e.ElectOnce()

	// A smaller node appears: loses the gateway role
	peersMu.Lock()
	peers = []model.RemotePeer{lanPeer("node-0")}
	peersMu.Unlock()
	e.ElectOnce()

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false}
	if len(flips) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), flips)
	}
	for i := range want {
		if flips[i] != want[i] {
			t.Errorf("notification %d: expected %t, got %t", i, want[i], flips[i])
		}
	}
}

func TestPeriodicElection(t *testing.T) {
	config := testConfig("node-m")
	config.ElectionIntervalMs = 20

	var peersMu sync.Mutex
	peers := []model.RemotePeer{}
	e := NewElection(config, func() []model.RemotePeer {
		peersMu.Lock()
		defer peersMu.Unlock()
		return peers
	})

	e.Start()
	defer e.Stop()

	// The immediate election ran
	if !e.IsGateway() {
		t.Fatal("expected immediate election on start")
	}

	// A new smaller peer is picked up by a later round
	peersMu.Lock()
	peers = []model.RemotePeer{lanPeer("node-0")}
	peersMu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Leader() == "node-0" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("periodic election did not pick up the new peer")
}
