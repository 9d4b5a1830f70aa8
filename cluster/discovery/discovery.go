package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("discovery")

// --------------------------------------------------------------------------
// Discovery Adapter
// --------------------------------------------------------------------------

// Observation is one sighting of a peer on the local network.
type Observation struct {
	NodeID string
	Host   string
	Port   int
}

// ObserverFunc receives peer observations. Callbacks run on the listener
// goroutine and must not block.
type ObserverFunc func(obs Observation)

// announcement is the broadcast payload. The sender's host is taken from
// the packet source address by the receiver, so it does not travel in the
// payload.
type announcement struct {
	NodeID   string `json:"nodeId"`
	SyncPort int    `json:"syncPort"`
}

// Discovery broadcasts this node's presence on the LAN and surfaces
// observations of other nodes. Each instance owns its UDP socket; Stop
// releases it. Broadcasts originating from this node are ignored.
type Discovery struct {
	config common.ServerConfig

	conn *net.UDPConn

	observerMu sync.RWMutex
	observers  []ObserverFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDiscovery creates the adapter. Start acquires the socket.
func NewDiscovery(config common.ServerConfig) *Discovery {
	return &Discovery{
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers an observer for peer sightings.
func (d *Discovery) Subscribe(fn ObserverFunc) {
	d.observerMu.Lock()
	defer d.observerMu.Unlock()
	d.observers = append(d.observers, fn)
}

// Start binds the discovery socket and launches the broadcast and listen
// loops.
func (d *Discovery) Start() error {
	if d.config.DiscoveryPort <= 0 {
		return fmt.Errorf("%w: discovery needs a positive port", common.ErrConfig)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: d.config.DiscoveryPort})
	if err != nil {
		return fmt.Errorf("%w: failed to bind discovery socket: %v", common.ErrTransport, err)
	}
	d.conn = conn

	d.wg.Add(2)
	go d.broadcastLoop()
	go d.listenLoop()

	Logger.Infof("discovery started on udp port %d (interval %dms)", d.config.DiscoveryPort, d.config.DiscoveryIntervalMs)
	return nil
}

// Stop closes the socket and waits for both loops. Safe to call once.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		if d.conn != nil {
			d.conn.Close()
		}
		d.wg.Wait()
		Logger.Infof("discovery stopped")
	})
}

// --------------------------------------------------------------------------
// Loops
// --------------------------------------------------------------------------

// broadcastLoop announces this node on the broadcast address every
// interval, starting immediately.
func (d *Discovery) broadcastLoop() {
	defer d.wg.Done()

	interval := time.Duration(d.config.DiscoveryIntervalMs) * time.Millisecond
	target := &net.UDPAddr{IP: net.IPv4bcast, Port: d.config.DiscoveryPort}

	payload, err := json.Marshal(announcement{
		NodeID:   d.config.NodeID,
		SyncPort: d.config.ListenPort,
	})
	if err != nil {
		Logger.Errorf("failed to encode announcement: %v", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.conn.WriteToUDP(payload, target); err != nil {
			select {
			case <-d.stopCh:
				return
			default:
			}
			Logger.Warningf("broadcast failed: %v", err)
		}

		select {
		case <-ticker.C:
		case <-d.stopCh:
			return
		}
	}
}

// listenLoop receives announcements and notifies observers. Self
// broadcasts are noise and ignored.
func (d *Discovery) listenLoop() {
	defer d.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
			}
			Logger.Warningf("discovery read failed: %v", err)
			continue
		}

		var ann announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			Logger.Debugf("ignoring malformed announcement from %s: %v", src, err)
			continue
		}

		if ann.NodeID == "" || ann.NodeID == d.config.NodeID {
			continue
		}

		obs := Observation{
			NodeID: ann.NodeID,
			Host:   src.IP.String(),
			Port:   ann.SyncPort,
		}

		d.observerMu.RLock()
		observers := d.observers
		d.observerMu.RUnlock()
		for _, fn := range observers {
			fn(obs)
		}
	}
}
