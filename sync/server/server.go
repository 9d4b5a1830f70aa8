package server

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/lib/store"
	"github.com/ValentinKolb/dDoc/sync/channel"
	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/ValentinKolb/dDoc/sync/serializer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("sync/server")

// Operational counters
var (
	handshakesAccepted = metrics.GetOrCreateCounter(`ddoc_server_handshakes_accepted_total`)
	handshakesRejected = metrics.GetOrCreateCounter(`ddoc_server_handshakes_rejected_total`)
	pullsServed        = metrics.GetOrCreateCounter(`ddoc_server_pulls_served_total`)
	pushesApplied      = metrics.GetOrCreateCounter(`ddoc_server_pushes_applied_total`)
)

// --------------------------------------------------------------------------
// Gossip Hook
// --------------------------------------------------------------------------

// IGossipReceiver handles pushes that carry gossip metadata. The gossip
// component registers itself here so incoming epidemic messages run
// through its dedup, TTL and re-propagation logic instead of the plain
// push path.
type IGossipReceiver interface {
	HandleGossip(entries []model.OplogEntry, sourceNodeID, messageID string, hops uint32) error
}

// --------------------------------------------------------------------------
// Sync Server
// --------------------------------------------------------------------------

// SyncServer accepts peer connections and services their handshake, pull
// and push requests. Every connection runs one independent session; an
// error on a session disconnects only that peer.
type SyncServer struct {
	config     common.ServerConfig
	store      store.IDocumentStore
	applier    *common.EntryApplier
	auth       IAuthenticator
	serializer serializer.IMessageSerializer

	gossipMu sync.RWMutex
	gossip   IGossipReceiver

	listener net.Listener
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSyncServer creates a sync server. Start must be called to open the
// listener.
func NewSyncServer(
	config common.ServerConfig,
	docStore store.IDocumentStore,
	applier *common.EntryApplier,
	auth IAuthenticator,
) *SyncServer {
	return &SyncServer{
		config:     config,
		store:      docStore,
		applier:    applier,
		auth:       auth,
		serializer: serializer.NewBinarySerializer(),
		stopCh:     make(chan struct{}),
	}
}

// SetGossipReceiver registers the gossip component for incoming epidemic
// pushes. May be called before or after Start.
func (s *SyncServer) SetGossipReceiver(r IGossipReceiver) {
	s.gossipMu.Lock()
	defer s.gossipMu.Unlock()
	s.gossip = r
}

// Start opens the listening socket and begins accepting peers in the
// background.
func (s *SyncServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.ListenHost, s.config.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: failed to listen on %s: %v", common.ErrTransport, addr, err)
	}
	s.listener = listener

	Logger.Infof("sync server listening on %s (secure=%t, compression=%t)",
		listener.Addr(), s.config.SecureChannel, s.config.EnableCompression)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address (useful when the configured
// port was 0).
func (s *SyncServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and all active sessions. Safe to call once;
// subsequent calls are no-ops.
func (s *SyncServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		Logger.Infof("sync server stopped")
	})
}

// --------------------------------------------------------------------------
// Accept Loop and Sessions
// --------------------------------------------------------------------------

func (s *SyncServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			Logger.Errorf("accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// session holds the per-connection protocol state.
type session struct {
	ch            *channel.Channel
	peerNodeID    string
	authenticated bool
}

// handleConnection runs one session until the peer disconnects or an
// error occurs. Errors never escape past this function; they disconnect
// the one offending connection.
func (s *SyncServer) handleConnection(conn net.Conn) {
	timeout := time.Duration(s.config.TimeoutSecond) * time.Second
	ch := channel.NewChannel(conn, timeout)
	defer ch.Close()

	// Close the channel when the server stops so sessions cannot outlive
	// the listener
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.stopCh:
			ch.Close()
		case <-done:
		}
	}()

	if s.config.SecureChannel {
		if err := ch.SecureHandshake(false); err != nil {
			Logger.Warningf("secure handshake with %s failed: %v", ch.RemoteAddr(), err)
			return
		}
	}

	sess := &session{ch: ch}
	for {
		msgType, payload, err := ch.Receive()
		if err == io.EOF {
			Logger.Debugf("peer %s disconnected", ch.RemoteAddr())
			return
		}
		if err != nil {
			Logger.Warningf("session with %s failed: %v", ch.RemoteAddr(), err)
			return
		}

		var msg common.Message
		if err := s.serializer.Deserialize(payload, &msg); err != nil {
			Logger.Warningf("undecodable message from %s: %v", ch.RemoteAddr(), err)
			return
		}
		if byte(msg.MsgType) != msgType {
			Logger.Warningf("frame type %d does not match message type %d from %s", msgType, msg.MsgType, ch.RemoteAddr())
			return
		}

		keepOpen, err := s.dispatch(sess, &msg)
		if err != nil {
			Logger.Warningf("request from %s failed: %v", ch.RemoteAddr(), err)
			return
		}
		if !keepOpen {
			return
		}
	}
}

// dispatch services one request. The returned bool is false when the
// session must end (rejected handshake).
func (s *SyncServer) dispatch(sess *session, msg *common.Message) (bool, error) {
	switch msg.MsgType {
	case common.MsgTHandshakeRequest:
		return s.handleHandshake(sess, msg)

	case common.MsgTPullChangesRequest:
		if !sess.authenticated {
			return false, fmt.Errorf("%w: pull before handshake", common.ErrAuth)
		}
		return true, s.handlePull(sess, msg)

	case common.MsgTPushChangesRequest:
		if !sess.authenticated {
			return false, fmt.Errorf("%w: push before handshake", common.ErrAuth)
		}
		return true, s.handlePush(sess, msg)

	default:
		return false, fmt.Errorf("%w: unexpected message type %s", common.ErrProtocol, msg.MsgType)
	}
}

// handleHandshake validates the peer's token and negotiates compression.
func (s *SyncServer) handleHandshake(sess *session, msg *common.Message) (bool, error) {
	if !s.auth.Authenticate(msg.NodeID, msg.AuthToken) {
		handshakesRejected.Inc()
		Logger.Warningf("rejected handshake from node %q at %s", msg.NodeID, sess.ch.RemoteAddr())

		// Tell the peer, then disconnect
		if err := s.respond(sess, common.NewHandshakeResponse(false, s.config.NodeID, "")); err != nil {
			return false, err
		}
		return false, nil
	}

	selected := ""
	if s.config.EnableCompression && containsString(msg.Compressions, common.CompressionBrotli) {
		selected = common.CompressionBrotli
	}

	if err := s.respond(sess, common.NewHandshakeResponse(true, s.config.NodeID, selected)); err != nil {
		return false, err
	}

	// Only enable compression after the response went out uncompressed
	if selected == common.CompressionBrotli {
		sess.ch.EnableCompression()
	}

	sess.peerNodeID = msg.NodeID
	sess.authenticated = true
	handshakesAccepted.Inc()
	Logger.Infof("accepted handshake from node %q at %s (compression=%q)", msg.NodeID, sess.ch.RemoteAddr(), selected)
	return true, nil
}

// handlePull streams one batch of oplog entries after the peer's cursor.
func (s *SyncServer) handlePull(sess *session, msg *common.Message) error {
	entries, err := s.store.GetOplogAfter(msg.Since(), common.DefaultPullBatchSize)
	if err != nil {
		return fmt.Errorf("oplog query failed: %v", err)
	}

	hasMore := len(entries) == common.DefaultPullBatchSize
	pullsServed.Inc()
	Logger.Debugf("serving %d entries after %v to %q (hasMore=%t)", len(entries), msg.Since(), sess.peerNodeID, hasMore)

	return s.respond(sess, common.NewChangeSetResponse(common.ToWireEntries(entries), hasMore))
}

// handlePush applies a pushed batch, routing gossip messages through the
// registered gossip receiver.
func (s *SyncServer) handlePush(sess *session, msg *common.Message) error {
	entries, err := common.ToModelEntries(msg.Entries)
	if err != nil {
		return s.respond(sess, common.NewAckResponse(err))
	}

	if msg.IsGossip() {
		s.gossipMu.RLock()
		receiver := s.gossip
		s.gossipMu.RUnlock()

		if receiver != nil {
			err := receiver.HandleGossip(entries, msg.GossipSource, msg.GossipID, msg.GossipHops)
			return s.respond(sess, common.NewAckResponse(err))
		}
		// No gossip component: fall through and apply like a plain push
	}

	if err := s.applier.Apply(entries); err != nil {
		return s.respond(sess, common.NewAckResponse(err))
	}
	pushesApplied.Inc()
	Logger.Debugf("applied push of %d entries from %q", len(entries), sess.peerNodeID)

	return s.respond(sess, common.NewAckResponse(nil))
}

// respond serializes and sends one response message.
func (s *SyncServer) respond(sess *session, msg *common.Message) error {
	payload, err := s.serializer.Serialize(*msg)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %v", err)
	}
	return sess.ch.Send(byte(msg.MsgType), payload)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
