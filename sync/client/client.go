package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
	"github.com/ValentinKolb/dDoc/sync/channel"
	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/ValentinKolb/dDoc/sync/serializer"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("sync/client")

// --------------------------------------------------------------------------
// Sync Client
// --------------------------------------------------------------------------

// SyncClient is the initiating side of the sync protocol: it dials a
// peer, runs the secure and application handshakes, and then issues pull
// and push requests. Requests on one client are strictly serialized and
// matched FIFO; there is never more than one outstanding request.
type SyncClient struct {
	config     common.ClientConfig
	serializer serializer.IMessageSerializer

	// mu serializes the request/response round trips
	mu sync.Mutex
	ch *channel.Channel

	serverNodeID string
}

// NewSyncClient creates a client for one peer. Connect must be called
// before the first request.
func NewSyncClient(config common.ClientConfig) *SyncClient {
	if config.TimeoutSecond <= 0 {
		config.TimeoutSecond = common.DefaultTimeoutSecond
	}
	return &SyncClient{
		config:     config,
		serializer: serializer.NewBinarySerializer(),
	}
}

// Connect dials the peer and performs the handshakes. A rejected
// application handshake is fatal for the connection.
func (c *SyncClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		return nil
	}

	timeout := time.Duration(c.config.TimeoutSecond) * time.Second
	conn, err := net.DialTimeout("tcp", c.config.Endpoint(), timeout)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to %s: %v", common.ErrTransport, c.config.Endpoint(), err)
	}

	ch := channel.NewChannel(conn, timeout)

	if c.config.SecureChannel {
		if err := ch.SecureHandshake(true); err != nil {
			ch.Close()
			return err
		}
	}

	// Application handshake
	req := common.NewHandshakeRequest(c.config.NodeID, c.config.AuthToken, c.config.Compressions)
	resp, err := roundTripOn(ch, c.serializer, req, common.MsgTHandshakeResponse)
	if err != nil {
		ch.Close()
		return err
	}
	if !resp.Accepted {
		ch.Close()
		return fmt.Errorf("%w: handshake rejected by %s", common.ErrAuth, c.config.Endpoint())
	}

	if resp.Selected == common.CompressionBrotli {
		ch.EnableCompression()
	}

	c.ch = ch
	c.serverNodeID = resp.ServerNodeID
	Logger.Infof("connected to node %q at %s (compression=%q)", resp.ServerNodeID, c.config.Endpoint(), resp.Selected)
	return nil
}

// ServerNodeID returns the node id the peer announced in its handshake.
func (c *SyncClient) ServerNodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverNodeID
}

// Disconnect closes the connection. Safe to call without a prior
// successful Connect.
func (c *SyncClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return nil
	}
	err := c.ch.Close()
	c.ch = nil
	return err
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// PullChanges requests the oplog entries strictly after the given
// timestamp. The bool return mirrors the server's hasMore flag; when the
// peer does not model it, a full batch implies more.
func (c *SyncClient) PullChanges(since hlc.Timestamp) ([]model.OplogEntry, bool, error) {
	resp, err := c.roundTrip(common.NewPullChangesRequest(since), common.MsgTChangeSetResponse)
	if err != nil {
		return nil, false, err
	}

	entries, err := common.ToModelEntries(resp.Entries)
	if err != nil {
		return nil, false, err
	}

	hasMore := resp.HasMore || len(entries) == common.DefaultPullBatchSize
	return entries, hasMore, nil
}

// PushChanges sends a batch of oplog entries to the peer and waits for
// its acknowledgement.
func (c *SyncClient) PushChanges(entries []model.OplogEntry) error {
	return c.push(common.NewPushChangesRequest(common.ToWireEntries(entries)))
}

// PushGossip sends a batch with gossip metadata so the receiver routes it
// through its epidemic dedup and re-propagation.
func (c *SyncClient) PushGossip(entries []model.OplogEntry, messageID, sourceNodeID string, hops uint32) error {
	return c.push(common.NewGossipPushRequest(common.ToWireEntries(entries), messageID, sourceNodeID, hops))
}

func (c *SyncClient) push(req *common.Message) error {
	resp, err := c.roundTrip(req, common.MsgTAckResponse)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: push rejected: %s", common.ErrProtocol, resp.Err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// roundTrip sends one request and blocks for its response.
func (c *SyncClient) roundTrip(req *common.Message, wantType common.MessageType) (*common.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return nil, fmt.Errorf("%w: client is not connected", common.ErrTransport)
	}
	return roundTripOn(c.ch, c.serializer, req, wantType)
}

// roundTripOn performs a raw request/response exchange on a channel. Used
// directly during Connect before the client publishes its channel.
func roundTripOn(ch *channel.Channel, ser serializer.IMessageSerializer, req *common.Message, wantType common.MessageType) (*common.Message, error) {
	payload, err := ser.Serialize(*req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to serialize request: %v", common.ErrProtocol, err)
	}
	if err := ch.Send(byte(req.MsgType), payload); err != nil {
		return nil, err
	}

	msgType, respPayload, err := ch.Receive()
	if err != nil {
		return nil, err
	}

	resp := &common.Message{}
	if err := ser.Deserialize(respPayload, resp); err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize response: %v", common.ErrProtocol, err)
	}
	if resp.MsgType != wantType || byte(resp.MsgType) != msgType {
		return nil, fmt.Errorf("%w: unexpected response type %s to %s", common.ErrProtocol, resp.MsgType, req.MsgType)
	}
	return resp, nil
}
