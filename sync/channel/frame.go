package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ValentinKolb/dDoc/sync/common"
)

// --------------------------------------------------------------------------
// Wire Frame
// --------------------------------------------------------------------------

// One logical message on the wire:
//
//	+---------+---+---+-----------------+
//	|  len(4) | T | C |   payload(len)  |
//	+---------+---+---+-----------------+
//
// len is little-endian and counts only the payload bytes, T is the message
// type and C the compression flag.
const (
	frameHeaderSize = 6

	// maxFramePayload bounds a single frame. A peer claiming more is
	// treated as a protocol violation rather than an allocation request.
	maxFramePayload = 64 << 20
)

// Compression flag values
const (
	compressionNone   byte = 0
	compressionBrotli byte = 1
)

// writeFrame writes one frame to the connection.
func writeFrame(w io.Writer, msgType byte, compression byte, payload []byte) error {
	if len(payload) > maxFramePayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds frame limit", common.ErrProtocol, len(payload))
	}

	// Assemble header and payload into one write so a concurrent writer
	// can never interleave half a frame
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)))
	buf[4] = msgType
	buf[5] = compression
	copy(buf[frameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: failed to write frame: %v", common.ErrTransport, err)
	}
	return nil
}

// readFrame reads one frame from the connection.
func readFrame(r io.Reader) (msgType byte, compression byte, payload []byte, err error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, 0, nil, io.EOF
		}
		return 0, 0, nil, classifyReadError(err)
	}

	length := binary.LittleEndian.Uint32(header[:4])
	msgType = header[4]
	compression = header[5]

	if length > maxFramePayload {
		return 0, 0, nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", common.ErrProtocol, length)
	}

	if length == 0 {
		return msgType, compression, []byte{}, nil
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if isTimeout(err) {
			return 0, 0, nil, classifyReadError(err)
		}
		return 0, 0, nil, fmt.Errorf("%w: truncated frame payload: %v", common.ErrProtocol, err)
	}
	return msgType, compression, payload, nil
}

// isTimeout reports whether a read failed on an elapsed deadline.
func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// classifyReadError maps a raw read failure onto the error taxonomy.
func classifyReadError(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: receive deadline elapsed", common.ErrTimeout)
	}
	return fmt.Errorf("%w: failed to read frame header: %v", common.ErrTransport, err)
}
