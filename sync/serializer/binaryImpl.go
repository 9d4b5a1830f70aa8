package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dDoc/sync/common"
)

// NewBinarySerializer creates the canonical wire serializer. The field
// order and presence-flag layout are the inter-op contract with other
// implementations and must not change.
func NewBinarySerializer() IMessageSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IMessageSerializer using a compact
// binary format with fixed field tags
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present. The bit
// positions double as the field order in the encoded payload.
const (
	hasNodeID       uint16 = 1 << 0
	hasAuthToken    uint16 = 1 << 1
	hasCompressions uint16 = 1 << 2
	hasAccepted     uint16 = 1 << 3
	hasServerNodeID uint16 = 1 << 4
	hasSelected     uint16 = 1 << 5
	hasSinceWall    uint16 = 1 << 6
	hasSinceLogic   uint16 = 1 << 7
	hasSinceNode    uint16 = 1 << 8
	hasEntries      uint16 = 1 << 9
	hasHasMore      uint16 = 1 << 10
	hasSuccess      uint16 = 1 << 11
	hasErr          uint16 = 1 << 12
	hasGossipID     uint16 = 1 << 13
	hasGossipSource uint16 = 1 << 14
	hasGossipHops   uint16 = 1 << 15
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IMessageSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	var flags uint16
	var body bytes.Buffer

	// Collect present fields in tag order while building the body
	if msg.NodeID != "" {
		flags |= hasNodeID
		writeString(&body, msg.NodeID)
	}
	if msg.AuthToken != "" {
		flags |= hasAuthToken
		writeString(&body, msg.AuthToken)
	}
	if len(msg.Compressions) > 0 {
		flags |= hasCompressions
		writeStringList(&body, msg.Compressions)
	}
	if msg.Accepted {
		flags |= hasAccepted
		body.WriteByte(1)
	}
	if msg.ServerNodeID != "" {
		flags |= hasServerNodeID
		writeString(&body, msg.ServerNodeID)
	}
	if msg.Selected != "" {
		flags |= hasSelected
		writeString(&body, msg.Selected)
	}
	if msg.SinceWall > 0 {
		flags |= hasSinceWall
		writeUint64(&body, msg.SinceWall)
	}
	if msg.SinceLogic > 0 {
		flags |= hasSinceLogic
		writeUint32(&body, msg.SinceLogic)
	}
	if msg.SinceNode != "" {
		flags |= hasSinceNode
		writeString(&body, msg.SinceNode)
	}
	if len(msg.Entries) > 0 {
		flags |= hasEntries
		writeUint32(&body, uint32(len(msg.Entries)))
		for _, entry := range msg.Entries {
			writeString(&body, entry.Collection)
			writeString(&body, entry.Key)
			writeBytes(&body, entry.JSONData)
			body.WriteByte(entry.Operation)
			writeString(&body, entry.HLCWall)
			writeUint32(&body, entry.HLCLogic)
			writeString(&body, entry.HLCNode)
		}
	}
	if msg.HasMore {
		flags |= hasHasMore
		body.WriteByte(1)
	}
	if msg.Success {
		flags |= hasSuccess
		body.WriteByte(1)
	}
	if msg.Err != "" {
		flags |= hasErr
		writeString(&body, msg.Err)
	}
	if msg.GossipID != "" {
		flags |= hasGossipID
		writeString(&body, msg.GossipID)
	}
	if msg.GossipSource != "" {
		flags |= hasGossipSource
		writeString(&body, msg.GossipSource)
	}
	if msg.GossipHops > 0 {
		flags |= hasGossipHops
		writeUint32(&body, msg.GossipHops)
	}

	// Assemble header + body
	out := make([]byte, 3, 3+body.Len())
	out[0] = byte(msg.MsgType)
	binary.BigEndian.PutUint16(out[1:3], flags)
	return append(out, body.Bytes()...), nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < 3 {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:3])
	r := &reader{data: data, pos: 3}

	var err error
	if flags&hasNodeID != 0 {
		if msg.NodeID, err = r.readString("nodeId"); err != nil {
			return err
		}
	}
	if flags&hasAuthToken != 0 {
		if msg.AuthToken, err = r.readString("authToken"); err != nil {
			return err
		}
	}
	if flags&hasCompressions != 0 {
		if msg.Compressions, err = r.readStringList("compressions"); err != nil {
			return err
		}
	}
	if flags&hasAccepted != 0 {
		if msg.Accepted, err = r.readBool("accepted"); err != nil {
			return err
		}
	}
	if flags&hasServerNodeID != 0 {
		if msg.ServerNodeID, err = r.readString("serverNodeId"); err != nil {
			return err
		}
	}
	if flags&hasSelected != 0 {
		if msg.Selected, err = r.readString("selected"); err != nil {
			return err
		}
	}
	if flags&hasSinceWall != 0 {
		if msg.SinceWall, err = r.readUint64("sinceWall"); err != nil {
			return err
		}
	}
	if flags&hasSinceLogic != 0 {
		if msg.SinceLogic, err = r.readUint32("sinceLogic"); err != nil {
			return err
		}
	}
	if flags&hasSinceNode != 0 {
		if msg.SinceNode, err = r.readString("sinceNode"); err != nil {
			return err
		}
	}
	if flags&hasEntries != 0 {
		count, err := r.readUint32("entry count")
		if err != nil {
			return err
		}
		// Each entry needs at least its fixed-width fields, cap the
		// allocation against truncated input claiming a huge count
		if int(count) > len(data) {
			return fmt.Errorf("entry count %d exceeds payload size", count)
		}
		msg.Entries = make([]common.WireOplogEntry, count)
		for i := range msg.Entries {
			entry := &msg.Entries[i]
			if entry.Collection, err = r.readString("entry collection"); err != nil {
				return err
			}
			if entry.Key, err = r.readString("entry key"); err != nil {
				return err
			}
			if entry.JSONData, err = r.readBytes("entry data"); err != nil {
				return err
			}
			op, err := r.readBool("entry operation")
			if err != nil {
				return err
			}
			entry.Operation = common.WireOpPut
			if op {
				entry.Operation = common.WireOpDelete
			}
			if entry.HLCWall, err = r.readString("entry hlc wall"); err != nil {
				return err
			}
			if entry.HLCLogic, err = r.readUint32("entry hlc logic"); err != nil {
				return err
			}
			if entry.HLCNode, err = r.readString("entry hlc node"); err != nil {
				return err
			}
		}
	}
	if flags&hasHasMore != 0 {
		if msg.HasMore, err = r.readBool("hasMore"); err != nil {
			return err
		}
	}
	if flags&hasSuccess != 0 {
		if msg.Success, err = r.readBool("success"); err != nil {
			return err
		}
	}
	if flags&hasErr != 0 {
		if msg.Err, err = r.readString("err"); err != nil {
			return err
		}
	}
	if flags&hasGossipID != 0 {
		if msg.GossipID, err = r.readString("gossipId"); err != nil {
			return err
		}
	}
	if flags&hasGossipSource != 0 {
		if msg.GossipSource, err = r.readString("gossipSource"); err != nil {
			return err
		}
	}
	if flags&hasGossipHops != 0 {
		if msg.GossipHops, err = r.readUint32("gossipHops"); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Write Helpers
// --------------------------------------------------------------------------

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeStringList(buf *bytes.Buffer, list []string) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(list)))
	buf.Write(tmp[:])
	for _, s := range list {
		writeString(buf, s)
	}
}

// --------------------------------------------------------------------------
// Read Helpers
// --------------------------------------------------------------------------

// reader is a cursor over the payload with bounds-checked reads
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) readUint32(field string) (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("data too short for %s", field)
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) readUint64(field string) (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("data too short for %s", field)
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *reader) readBool(field string) (bool, error) {
	if r.remaining() < 1 {
		return false, fmt.Errorf("data too short for %s", field)
	}
	v := r.data[r.pos] != 0
	r.pos++
	return v, nil
}

func (r *reader) readBytes(field string) ([]byte, error) {
	length, err := r.readUint32(field + " length")
	if err != nil {
		return nil, err
	}
	if uint32(r.remaining()) < length {
		return nil, fmt.Errorf("data too short for %s", field)
	}
	if length == 0 {
		return nil, nil
	}
	out := make([]byte, length)
	copy(out, r.data[r.pos:r.pos+int(length)])
	r.pos += int(length)
	return out, nil
}

func (r *reader) readString(field string) (string, error) {
	b, err := r.readBytes(field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) readStringList(field string) ([]string, error) {
	if r.remaining() < 2 {
		return nil, fmt.Errorf("data too short for %s count", field)
	}
	count := binary.BigEndian.Uint16(r.data[r.pos : r.pos+2])
	r.pos += 2

	out := make([]string, count)
	for i := range out {
		s, err := r.readString(field + " element")
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
