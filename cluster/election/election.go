package election

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("election")

var leaderChanges = metrics.GetOrCreateCounter(`ddoc_election_leader_changes_total`)

// --------------------------------------------------------------------------
// Gateway Election
// --------------------------------------------------------------------------

// PeerSource supplies the current peer set for an election round. The
// election only considers LAN-discovered peers.
type PeerSource func() []model.RemotePeer

// GatewayListener is notified when this node's gateway role flips.
type GatewayListener func(isGateway bool, leaderNodeID string)

// livenessWindow is how recently a peer must have been seen to take part
// in an election.
const livenessWindow = 15 * time.Second

// Election designates a single cloud gateway among the LAN-discovered
// peers: the node with the lexicographically smallest id wins. Every node
// runs the same deterministic rule on its own view, so no coordination
// round trips are needed.
type Election struct {
	config common.ServerConfig
	peers  PeerSource

	mu            sync.Mutex
	currentLeader string
	isGateway     bool
	listeners     []GatewayListener

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewElection creates the election component over the given peer source.
func NewElection(config common.ServerConfig, peers PeerSource) *Election {
	return &Election{
		config: config,
		peers:  peers,
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers a listener for gateway role changes. Must be called
// before Start.
func (e *Election) Subscribe(fn GatewayListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Leader returns the node id of the current gateway ("" before the first
// election).
func (e *Election) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentLeader
}

// IsGateway reports whether this node is the elected gateway.
func (e *Election) IsGateway() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isGateway
}

// Start runs an immediate election and then re-elects on every interval.
func (e *Election) Start() {
	interval := time.Duration(e.config.ElectionIntervalMs) * time.Millisecond

	e.ElectOnce()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.ElectOnce()
			case <-e.stopCh:
				return
			}
		}
	}()

	Logger.Infof("election started (interval %s)", interval)
}

// Stop cancels the election timer. Safe to call once.
func (e *Election) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
		Logger.Infof("election stopped")
	})
}

// ElectOnce runs a single election round.
func (e *Election) ElectOnce() {
	leader := e.config.NodeID

	now := time.Now()
	for _, peer := range e.peers() {
		if peer.Type != model.PeerLanDiscovered || !peer.Enabled {
			continue
		}
		// Stale sightings do not vote
		if !peer.LastSeen.IsZero() && now.Sub(peer.LastSeen) > livenessWindow {
			continue
		}
		if peer.NodeID < leader {
			leader = peer.NodeID
		}
	}

	e.mu.Lock()
	changed := leader != e.currentLeader
	e.currentLeader = leader

	wasGateway := e.isGateway
	e.isGateway = leader == e.config.NodeID
	flipped := e.isGateway != wasGateway

	listeners := e.listeners
	isGateway := e.isGateway
	e.mu.Unlock()

	if changed {
		leaderChanges.Inc()
		Logger.Infof("cloud gateway is now %q (self=%t)", leader, isGateway)
	}
	if flipped {
		for _, fn := range listeners {
			fn(isGateway, leader)
		}
	}
}
