package common

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dDoc/lib/hlc"
	"github.com/ValentinKolb/dDoc/lib/model"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single protocol message used for both requests and
// responses. Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Handshake fields
	NodeID       string   `json:"nodeId,omitempty"`       // Used for: HandshakeRequest
	AuthToken    string   `json:"authToken,omitempty"`    // Used for: HandshakeRequest
	Compressions []string `json:"compressions,omitempty"` // Used for: HandshakeRequest (supported codecs)
	Accepted     bool     `json:"accepted,omitempty"`     // Used for: HandshakeResponse
	ServerNodeID string   `json:"serverNodeId,omitempty"` // Used for: HandshakeResponse
	Selected     string   `json:"selected,omitempty"`     // Used for: HandshakeResponse (selected codec)

	// Pull cursor (flattened HLC of the last known entry)
	SinceWall  uint64 `json:"sinceWall,omitempty"`
	SinceLogic uint32 `json:"sinceLogic,omitempty"`
	SinceNode  string `json:"sinceNode,omitempty"`

	// Change sets
	Entries []WireOplogEntry `json:"entries,omitempty"` // Used for: ChangeSetResponse, PushChangesRequest
	HasMore bool             `json:"hasMore,omitempty"` // Used for: ChangeSetResponse

	// Ack fields
	Success bool   `json:"success,omitempty"`
	Err     string `json:"err,omitempty"` // Empty if no error

	// Gossip metadata, set on PushChangesRequest when the push is an
	// epidemic fan-out rather than a direct sync
	GossipID     string `json:"gossipId,omitempty"`
	GossipSource string `json:"gossipSource,omitempty"`
	GossipHops   uint32 `json:"gossipHops,omitempty"`
}

// WireOplogEntry is the transmitted form of an oplog entry. The HLC
// timestamp travels flattened, with the wall time encoded as a decimal
// string for compatibility with peers whose number type cannot hold a full
// 64-bit millisecond value.
type WireOplogEntry struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	JSONData   []byte `json:"jsonData"`
	Operation  byte   `json:"operation"` // 0 = put, 1 = delete
	HLCWall    string `json:"hlcWall"`
	HLCLogic   uint32 `json:"hlcLogic"`
	HLCNode    string `json:"hlcNode"`
}

// Wire operation codes
const (
	WireOpPut    byte = 0
	WireOpDelete byte = 1
)

// --------------------------------------------------------------------------
// Wire Conversions
// --------------------------------------------------------------------------

// ToWireEntry converts a domain oplog entry to its transmitted form.
func ToWireEntry(entry model.OplogEntry) WireOplogEntry {
	op := WireOpPut
	if entry.Operation == model.OpDelete {
		op = WireOpDelete
	}
	return WireOplogEntry{
		Collection: entry.Collection,
		Key:        entry.Key,
		JSONData:   entry.Data,
		Operation:  op,
		HLCWall:    strconv.FormatUint(entry.Timestamp.WallTime, 10),
		HLCLogic:   entry.Timestamp.Logical,
		HLCNode:    entry.Timestamp.NodeID,
	}
}

// ToWireEntries converts a batch of domain oplog entries.
func ToWireEntries(entries []model.OplogEntry) []WireOplogEntry {
	out := make([]WireOplogEntry, len(entries))
	for i, entry := range entries {
		out[i] = ToWireEntry(entry)
	}
	return out
}

// ToModelEntry converts a transmitted entry back to the domain form.
func ToModelEntry(entry WireOplogEntry) (model.OplogEntry, error) {
	wall, err := strconv.ParseUint(entry.HLCWall, 10, 64)
	if err != nil {
		return model.OplogEntry{}, fmt.Errorf("%w: invalid hlc wall time %q", ErrProtocol, entry.HLCWall)
	}

	op := model.OpPut
	data := entry.JSONData
	if entry.Operation == WireOpDelete {
		op = model.OpDelete
		data = nil
	}

	return model.OplogEntry{
		Collection: entry.Collection,
		Key:        entry.Key,
		Data:       data,
		Timestamp:  hlc.Timestamp{WallTime: wall, Logical: entry.HLCLogic, NodeID: entry.HLCNode},
		Operation:  op,
	}, nil
}

// ToModelEntries converts a transmitted batch back to domain entries.
func ToModelEntries(entries []WireOplogEntry) ([]model.OplogEntry, error) {
	out := make([]model.OplogEntry, len(entries))
	for i, entry := range entries {
		converted, err := ToModelEntry(entry)
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewHandshakeRequest creates the application handshake a client sends
// right after connecting.
func NewHandshakeRequest(nodeID, authToken string, compressions []string) *Message {
	return &Message{
		MsgType:      MsgTHandshakeRequest,
		NodeID:       nodeID,
		AuthToken:    authToken,
		Compressions: compressions,
	}
}

// NewHandshakeResponse creates the server's answer to a handshake.
func NewHandshakeResponse(accepted bool, serverNodeID, selected string) *Message {
	return &Message{
		MsgType:      MsgTHandshakeResponse,
		Accepted:     accepted,
		ServerNodeID: serverNodeID,
		Selected:     selected,
	}
}

// NewPullChangesRequest creates a request for all oplog entries strictly
// after the given timestamp.
func NewPullChangesRequest(since hlc.Timestamp) *Message {
	return &Message{
		MsgType:    MsgTPullChangesRequest,
		SinceWall:  since.WallTime,
		SinceLogic: since.Logical,
		SinceNode:  since.NodeID,
	}
}

// Since reassembles the pull cursor of a PullChangesRequest.
func (m *Message) Since() hlc.Timestamp {
	return hlc.Timestamp{WallTime: m.SinceWall, Logical: m.SinceLogic, NodeID: m.SinceNode}
}

// NewChangeSetResponse creates the server's answer to a pull.
func NewChangeSetResponse(entries []WireOplogEntry, hasMore bool) *Message {
	return &Message{
		MsgType: MsgTChangeSetResponse,
		Entries: entries,
		HasMore: hasMore,
	}
}

// NewPushChangesRequest creates a direct push of oplog entries.
func NewPushChangesRequest(entries []WireOplogEntry) *Message {
	return &Message{
		MsgType: MsgTPushChangesRequest,
		Entries: entries,
	}
}

// NewGossipPushRequest creates a push carrying gossip metadata for
// epidemic fan-out.
func NewGossipPushRequest(entries []WireOplogEntry, messageID, sourceNodeID string, hops uint32) *Message {
	return &Message{
		MsgType:      MsgTPushChangesRequest,
		Entries:      entries,
		GossipID:     messageID,
		GossipSource: sourceNodeID,
		GossipHops:   hops,
	}
}

// IsGossip reports whether a push carries gossip metadata.
func (m *Message) IsGossip() bool {
	return m.GossipID != ""
}

// NewAckResponse creates an acknowledgement for a push.
func NewAckResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTAckResponse,
		Success: err == nil,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of a protocol message. The numeric values
// are the wire contract and must not change.
type MessageType uint8

const (
	MsgTHandshakeRequest   MessageType = 1
	MsgTHandshakeResponse  MessageType = 2
	MsgTPullChangesRequest MessageType = 5
	MsgTChangeSetResponse  MessageType = 6
	MsgTPushChangesRequest MessageType = 7
	MsgTAckResponse        MessageType = 8
	MsgTSecureEnvelope     MessageType = 9
)

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTHandshakeRequest:
		return "handshakeRequest"
	case MsgTHandshakeResponse:
		return "handshakeResponse"
	case MsgTPullChangesRequest:
		return "pullChangesRequest"
	case MsgTChangeSetResponse:
		return "changeSetResponse"
	case MsgTPushChangesRequest:
		return "pushChangesRequest"
	case MsgTAckResponse:
		return "ackResponse"
	case MsgTSecureEnvelope:
		return "secureEnvelope"
	default:
		return "unknown"
	}
}
