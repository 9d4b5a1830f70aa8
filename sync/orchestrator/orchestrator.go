package orchestrator

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/sync/client"
	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("orchestrator")

// Operational counters
var (
	syncTicks    = metrics.GetOrCreateCounter(`ddoc_orchestrator_ticks_total`)
	peersSynced  = metrics.GetOrCreateCounter(`ddoc_orchestrator_peers_synced_total`)
	peerFailures = metrics.GetOrCreateCounter(`ddoc_orchestrator_peer_failures_total`)
)

// --------------------------------------------------------------------------
// Sync Orchestrator
// --------------------------------------------------------------------------

// Orchestrator periodically pulls changes from every known peer. Peers
// are deduplicated by node id; a failure against one peer is logged and
// neither poisons the other peers nor the next tick.
type Orchestrator struct {
	config  common.ServerConfig
	store   store.IDocumentStore
	applier *common.EntryApplier

	peers *xsync.MapOf[string, model.RemotePeer]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. Peers are added via AddPeer
// (typically seeded from the store's peer registry plus discovery).
func NewOrchestrator(config common.ServerConfig, docStore store.IDocumentStore, applier *common.EntryApplier) *Orchestrator {
	return &Orchestrator{
		config:  config,
		store:   docStore,
		applier: applier,
		peers:   xsync.NewMapOf[string, model.RemotePeer](),
		stopCh:  make(chan struct{}),
	}
}

// AddPeer registers a peer, replacing any previous entry with the same
// node id. The node never syncs with itself.
func (o *Orchestrator) AddPeer(peer model.RemotePeer) {
	if peer.NodeID == "" || peer.NodeID == o.config.NodeID {
		return
	}
	if _, loaded := o.peers.LoadOrStore(peer.NodeID, peer); !loaded {
		Logger.Infof("peer added: %s at %s (%s)", peer.NodeID, peer.Endpoint(), peer.Type)
	} else {
		o.peers.Store(peer.NodeID, peer)
	}
}

// RemovePeer forgets a peer by node id.
func (o *Orchestrator) RemovePeer(nodeID string) {
	o.peers.Delete(nodeID)
}

// Peers returns a snapshot of the registered peers.
func (o *Orchestrator) Peers() []model.RemotePeer {
	out := make([]model.RemotePeer, 0)
	o.peers.Range(func(_ string, peer model.RemotePeer) bool {
		out = append(out, peer)
		return true
	})
	return out
}

// Start begins the periodic sync loop.
func (o *Orchestrator) Start() {
	interval := time.Duration(o.config.SyncIntervalMs) * time.Millisecond

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				o.SyncOnce()
			case <-o.stopCh:
				return
			}
		}
	}()

	Logger.Infof("orchestrator started (interval %s)", interval)
}

// Stop cancels the sync loop and waits for in-flight peer sessions. Safe
// to call once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		o.wg.Wait()
		Logger.Infof("orchestrator stopped")
	})
}

// SyncOnce pulls from all peers in parallel and waits for every session
// to finish.
func (o *Orchestrator) SyncOnce() {
	syncTicks.Inc()

	var wg sync.WaitGroup
	o.peers.Range(func(_ string, peer model.RemotePeer) bool {
		if !peer.Enabled {
			return true
		}
		wg.Add(1)
		go func(peer model.RemotePeer) {
			defer wg.Done()
			if err := o.syncPeer(peer); err != nil {
				peerFailures.Inc()
				Logger.Warningf("sync with %s failed: %v", peer.NodeID, err)
				return
			}
			peersSynced.Inc()
		}(peer)
		return true
	})
	wg.Wait()
}

// syncPeer opens a session to one peer and drains its oplog tail.
func (o *Orchestrator) syncPeer(peer model.RemotePeer) error {
	c := client.NewSyncClient(common.ClientConfig{
		NodeID:        o.config.NodeID,
		Host:          peer.Host,
		Port:          peer.Port,
		AuthToken:     o.config.AuthToken,
		SecureChannel: o.config.SecureChannel,
		Compressions:  o.compressions(),
		TimeoutSecond: o.config.TimeoutSecond,
	})

	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Disconnect()

	since, err := o.store.GetLatestTimestamp()
	if err != nil {
		return err
	}

	total := 0
	for {
		entries, hasMore, err := c.PullChanges(since)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}

		if err := o.applier.Apply(entries); err != nil {
			return err
		}
		total += len(entries)

		// Continue behind the last received entry
		since = entries[len(entries)-1].Timestamp
		if !hasMore {
			break
		}
	}

	if total > 0 {
		Logger.Infof("pulled %d entries from %s", total, peer.NodeID)
	}
	return nil
}

// compressions lists the codecs offered in the handshake.
func (o *Orchestrator) compressions() []string {
	if o.config.EnableCompression {
		return []string{common.CompressionBrotli}
	}
	return nil
}
