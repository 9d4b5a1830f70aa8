package channel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("channel")

// Operational counters
var (
	framesSent       = metrics.GetOrCreateCounter(`ddoc_channel_frames_sent_total`)
	framesReceived   = metrics.GetOrCreateCounter(`ddoc_channel_frames_received_total`)
	framesEncrypted  = metrics.GetOrCreateCounter(`ddoc_channel_frames_encrypted_total`)
	framesCompressed = metrics.GetOrCreateCounter(`ddoc_channel_frames_compressed_total`)
)

// --------------------------------------------------------------------------
// Secure Channel
// --------------------------------------------------------------------------

// Channel frames logical messages over one connection and, depending on
// negotiation, transparently compresses and encrypts them.
//
// Layering on the outgoing path: optional brotli compression of the
// payload, then (when a cipher is present) the whole inner frame
// [type][compression][payload] is sealed into an authenticated envelope
// and emitted as a SecureEnvelope frame. The incoming path mirrors this.
//
// Send and Receive are individually safe for concurrent use, but the
// protocol on top serializes request/response pairs per connection.
type Channel struct {
	conn net.Conn

	writeMu sync.Mutex
	readMu  sync.Mutex

	// brotli negotiated via the application handshake
	compression bool

	// cipher state established by the key exchange, nil = plaintext
	cipher *cipherState

	timeout time.Duration
}

// NewChannel wraps an established connection. The timeout applies to
// every blocking send or receive; zero means the protocol default of 30
// seconds.
func NewChannel(conn net.Conn, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = time.Duration(common.DefaultTimeoutSecond) * time.Second
	}
	return &Channel{conn: conn, timeout: timeout}
}

// EnableCompression switches on brotli for payloads above the threshold.
// Called by both sides after the handshake selected the codec.
func (c *Channel) EnableCompression() {
	c.compression = true
}

// SecureHandshake runs the ECDH key exchange and installs the derived
// record keys. Must happen before any frame is exchanged.
func (c *Channel) SecureHandshake(initiator bool) error {
	cipher, err := performKeyExchange(c.conn, initiator, c.timeout)
	if err != nil {
		return err
	}
	c.cipher = cipher
	return nil
}

// RemoteAddr exposes the peer address for logging.
func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// --------------------------------------------------------------------------
// Send / Receive
// --------------------------------------------------------------------------

// Send transmits one logical message.
func (c *Channel) Send(msgType byte, payload []byte) error {
	outPayload := payload
	compression := compressionNone

	if c.compression {
		var err error
		outPayload, compression, err = maybeCompress(payload)
		if err != nil {
			return err
		}
		if compression == compressionBrotli {
			framesCompressed.Inc()
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("%w: failed to set write deadline: %v", common.ErrTransport, err)
	}

	if c.cipher != nil {
		// Seal the complete inner frame so type and compression flag are
		// authenticated too
		inner := make([]byte, 2+len(outPayload))
		inner[0] = msgType
		inner[1] = compression
		copy(inner[2:], outPayload)

		envelope, err := c.cipher.sealRecord(inner)
		if err != nil {
			return err
		}
		framesEncrypted.Inc()

		if err := writeFrame(c.conn, byte(common.MsgTSecureEnvelope), compressionNone, envelope); err != nil {
			return err
		}
		framesSent.Inc()
		return nil
	}

	if err := writeFrame(c.conn, msgType, compression, outPayload); err != nil {
		return err
	}
	framesSent.Inc()
	return nil
}

// Receive blocks for the next logical message and returns its type and
// decoded payload.
func (c *Channel) Receive() (byte, []byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, nil, fmt.Errorf("%w: failed to set read deadline: %v", common.ErrTransport, err)
	}

	msgType, compression, payload, err := readFrame(c.conn)
	if err != nil {
		return 0, nil, err
	}
	framesReceived.Inc()

	if msgType == byte(common.MsgTSecureEnvelope) {
		if c.cipher == nil {
			return 0, nil, fmt.Errorf("%w: received encrypted frame on plaintext channel", common.ErrProtocol)
		}

		inner, err := c.cipher.openRecord(payload)
		if err != nil {
			return 0, nil, err
		}
		if len(inner) < 2 {
			return 0, nil, fmt.Errorf("%w: inner frame shorter than header", common.ErrProtocol)
		}
		msgType = inner[0]
		compression = inner[1]
		payload = inner[2:]
	} else if c.cipher != nil {
		// Once keys are established, plaintext application frames are a
		// downgrade attempt
		return 0, nil, fmt.Errorf("%w: received plaintext frame on secure channel", common.ErrProtocol)
	}

	if compression == compressionBrotli {
		if payload, err = decompress(payload); err != nil {
			return 0, nil, err
		}
	} else if compression != compressionNone {
		return 0, nil, fmt.Errorf("%w: unknown compression flag %d", common.ErrProtocol, compression)
	}

	return msgType, payload, nil
}
