package gossip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/sync/client"
	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("gossip")

// Operational counters
var (
	messagesOriginated = metrics.GetOrCreateCounter(`ddoc_gossip_messages_originated_total`)
	messagesForwarded  = metrics.GetOrCreateCounter(`ddoc_gossip_messages_forwarded_total`)
	messagesDuplicate  = metrics.GetOrCreateCounter(`ddoc_gossip_messages_duplicate_total`)
	messagesExpired    = metrics.GetOrCreateCounter(`ddoc_gossip_messages_expired_total`)
	sendFailures       = metrics.GetOrCreateCounter(`ddoc_gossip_send_failures_total`)
)

const (
	// queueCapacity bounds the pending fan-out backlog; beyond it fresh
	// messages are dropped (gossip is best-effort).
	queueCapacity = 1024

	// cleanupInterval is how often expired seen-message ids are evicted.
	cleanupInterval = 60 * time.Second
)

// --------------------------------------------------------------------------
// Gossip Protocol
// --------------------------------------------------------------------------

// message is one unit of epidemic propagation.
type message struct {
	entries      []model.OplogEntry
	sourceNodeID string
	messageID    string
	hops         uint32
}

// Gossip fans fresh writes out to all known peers with a hop TTL and
// duplicate suppression. Messages pass through a FIFO queue processed one
// at a time with a dampening delay, so a burst of writes cannot turn into
// a packet storm.
type Gossip struct {
	config  common.ServerConfig
	applier *common.EntryApplier

	peers *xsync.MapOf[string, model.RemotePeer]
	seen  *xsync.MapOf[string, time.Time]
	queue chan message

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewGossip creates the gossip component. Start launches the queue
// processor and the seen-set cleanup.
func NewGossip(config common.ServerConfig, applier *common.EntryApplier) *Gossip {
	return &Gossip{
		config:  config,
		applier: applier,
		peers:   xsync.NewMapOf[string, model.RemotePeer](),
		seen:    xsync.NewMapOf[string, time.Time](),
		queue:   make(chan message, queueCapacity),
		stopCh:  make(chan struct{}),
	}
}

// AddPeer registers a fan-out target, deduplicated by node id.
func (g *Gossip) AddPeer(peer model.RemotePeer) {
	if peer.NodeID == "" || peer.NodeID == g.config.NodeID {
		return
	}
	g.peers.Store(peer.NodeID, peer)
}

// RemovePeer forgets a fan-out target.
func (g *Gossip) RemovePeer(nodeID string) {
	g.peers.Delete(nodeID)
}

// Start launches the background processing.
func (g *Gossip) Start() {
	g.wg.Add(2)
	go g.processQueue()
	go g.cleanupLoop()
	Logger.Infof("gossip started (maxHops=%d, delay=%dms)", g.config.GossipMaxHops, g.config.GossipDelayMs)
}

// Stop cancels the processing and waits for the in-flight message. Safe
// to call once.
func (g *Gossip) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		g.wg.Wait()
		Logger.Infof("gossip stopped")
	})
}

// --------------------------------------------------------------------------
// Origination and Reception
// --------------------------------------------------------------------------

// PropagateChanges starts epidemic propagation of locally written oplog
// entries.
func (g *Gossip) PropagateChanges(entries []model.OplogEntry) {
	if len(entries) == 0 {
		return
	}

	messageID := g.mintMessageID()
	g.seen.Store(messageID, time.Now())
	messagesOriginated.Inc()

	g.enqueue(message{
		entries:      entries,
		sourceNodeID: g.config.NodeID,
		messageID:    messageID,
		hops:         0,
	})
}

// HandleGossip processes a gossip push received by the sync server:
// duplicate and TTL checks, local application, then re-propagation with
// an incremented hop count. Implements server.IGossipReceiver.
func (g *Gossip) HandleGossip(entries []model.OplogEntry, sourceNodeID, messageID string, hops uint32) error {
	if messageID == "" {
		return fmt.Errorf("gossip message without id")
	}

	// Duplicate suppression
	if _, dup := g.seen.Load(messageID); dup {
		messagesDuplicate.Inc()
		Logger.Debugf("dropping duplicate gossip %s", messageID)
		return nil
	}

	// TTL
	if int(hops) >= g.config.GossipMaxHops {
		messagesExpired.Inc()
		Logger.Debugf("dropping gossip %s at hop limit %d", messageID, hops)
		return nil
	}

	g.seen.Store(messageID, time.Now())

	if err := g.applier.Apply(entries); err != nil {
		return err
	}
	Logger.Debugf("applied gossip %s from %s (%d entries, hop %d)", messageID, sourceNodeID, len(entries), hops)

	// Re-gossip with this node as the source: the fan-out skips the
	// source, every other peer (including the one we got it from) relies
	// on its own seen-set to drop duplicates
	g.enqueue(message{
		entries:      entries,
		sourceNodeID: g.config.NodeID,
		messageID:    messageID,
		hops:         hops + 1,
	})
	return nil
}

// --------------------------------------------------------------------------
// Queue Processing
// --------------------------------------------------------------------------

// enqueue appends a message to the FIFO fan-out queue. A full queue drops
// the message: delivery is best-effort and the periodic pull converges
// anyway.
func (g *Gossip) enqueue(msg message) {
	select {
	case g.queue <- msg:
	default:
		Logger.Warningf("gossip queue full, dropping message %s", msg.messageID)
	}
}

// processQueue handles one message at a time: wait out the dampening
// delay, then send to every peer except the message source in parallel.
func (g *Gossip) processQueue() {
	defer g.wg.Done()

	delay := time.Duration(g.config.GossipDelayMs) * time.Millisecond

	for {
		select {
		case <-g.stopCh:
			return
		case msg := <-g.queue:
			select {
			case <-time.After(delay):
			case <-g.stopCh:
				return
			}
			g.fanOut(msg)
		}
	}
}

// fanOut sends one message to all current peers, isolating per-peer
// failures.
func (g *Gossip) fanOut(msg message) {
	var wg sync.WaitGroup
	g.peers.Range(func(_ string, peer model.RemotePeer) bool {
		if !peer.Enabled || peer.NodeID == msg.sourceNodeID {
			return true
		}

		wg.Add(1)
		go func(peer model.RemotePeer) {
			defer wg.Done()
			if err := g.sendTo(peer, msg); err != nil {
				sendFailures.Inc()
				Logger.Warningf("gossip to %s failed: %v", peer.NodeID, err)
				return
			}
			messagesForwarded.Inc()
			Logger.Debugf("gossiped %s to %s (hop %d)", msg.messageID, peer.NodeID, msg.hops)
		}(peer)
		return true
	})
	wg.Wait()
}

// sendTo delivers one gossip message to one peer over a fresh session.
func (g *Gossip) sendTo(peer model.RemotePeer, msg message) error {
	c := client.NewSyncClient(common.ClientConfig{
		NodeID:        g.config.NodeID,
		Host:          peer.Host,
		Port:          peer.Port,
		AuthToken:     g.config.AuthToken,
		SecureChannel: g.config.SecureChannel,
		TimeoutSecond: g.config.TimeoutSecond,
	})

	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Disconnect()

	return c.PushGossip(msg.entries, msg.messageID, msg.sourceNodeID, msg.hops)
}

// --------------------------------------------------------------------------
// Seen-Set Maintenance
// --------------------------------------------------------------------------

// cleanupLoop evicts seen-message ids past their retention so the set
// cannot grow without bound.
func (g *Gossip) cleanupLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	retention := time.Duration(common.DefaultGossipSeenRetentionMs) * time.Millisecond

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			evicted := 0
			g.seen.Range(func(id string, insertedAt time.Time) bool {
				if insertedAt.Before(cutoff) {
					g.seen.Delete(id)
					evicted++
				}
				return true
			})
			if evicted > 0 {
				Logger.Debugf("evicted %d expired gossip ids", evicted)
			}
		}
	}
}

// mintMessageID builds a unique gossip message id from the node id, the
// current time and a random suffix.
func (g *Gossip) mintMessageID() string {
	var randomBytes [4]byte
	rand.Read(randomBytes[:])
	return fmt.Sprintf("%s-%d-%s", g.config.NodeID, time.Now().UnixMilli(), hex.EncodeToString(randomBytes[:]))
}
