package channel

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/sync/common"
)

// channelPair creates two connected channels over an in-memory pipe.
func channelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	client := NewChannel(clientConn, 5*time.Second)
	server := NewChannel(serverConn, 5*time.Second)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// secureChannelPair additionally runs the key exchange on both ends.
func secureChannelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	client, server := channelPair(t)

	errCh := make(chan error, 1)
	go func() { errCh <- server.SecureHandshake(false) }()
	if err := client.SecureHandshake(true); err != nil {
		t.Fatalf("initiator handshake failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("responder handshake failed: %v", err)
	}
	return client, server
}

// send delivers one message and returns what the peer received.
func send(t *testing.T, from, to *Channel, msgType byte, payload []byte) (byte, []byte) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- from.Send(msgType, payload) }()

	gotType, gotPayload, err := to.Receive()
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("send failed: %v", err)
	}
	return gotType, gotPayload
}

func TestChannelPlaintext(t *testing.T) {
	client, server := channelPair(t)

	payload := []byte("plain payload")
	gotType, gotPayload := send(t, client, server, 5, payload)
	if gotType != 5 || !bytes.Equal(gotPayload, payload) {
		t.Errorf("message mismatch: type=%d payload=%q", gotType, gotPayload)
	}

	// And the other direction
	gotType, gotPayload = send(t, server, client, 6, []byte{})
	if gotType != 6 || len(gotPayload) != 0 {
		t.Errorf("empty message mismatch: type=%d payload=%v", gotType, gotPayload)
	}
}

func TestChannelCompression(t *testing.T) {
	client, server := channelPair(t)
	client.EnableCompression()
	server.EnableCompression()

	// Highly compressible payload above the threshold
	payload := bytes.Repeat([]byte("abcdefgh"), 1000)
	gotType, gotPayload := send(t, client, server, 7, payload)
	if gotType != 7 || !bytes.Equal(gotPayload, payload) {
		t.Error("compressed payload did not round trip")
	}

	// Below the threshold payloads travel uncompressed but intact
	small := []byte("tiny")
	_, gotPayload = send(t, client, server, 7, small)
	if !bytes.Equal(gotPayload, small) {
		t.Error("small payload did not round trip")
	}
}

func TestChannelIncompressiblePayloadKeptRaw(t *testing.T) {
	// Random-ish bytes do not shrink under brotli; the flag must stay
	// clear and the payload must still arrive intact
	payload := make([]byte, 4096)
	state := uint32(0x9e3779b9)
	for i := range payload {
		state = state*1664525 + 1013904223
		payload[i] = byte(state >> 24)
	}

	client, server := channelPair(t)
	client.EnableCompression()
	server.EnableCompression()

	_, gotPayload := send(t, client, server, 7, payload)
	if !bytes.Equal(gotPayload, payload) {
		t.Error("incompressible payload did not round trip")
	}
}

func TestChannelEncrypted(t *testing.T) {
	client, server := secureChannelPair(t)

	payload := []byte(`{"secret":"document"}`)
	gotType, gotPayload := send(t, client, server, 7, payload)
	if gotType != 7 || !bytes.Equal(gotPayload, payload) {
		t.Error("encrypted payload did not round trip")
	}

	gotType, gotPayload = send(t, server, client, 8, []byte("ack"))
	if gotType != 8 || !bytes.Equal(gotPayload, []byte("ack")) {
		t.Error("encrypted response did not round trip")
	}
}

func TestChannelEncryptedAndCompressed(t *testing.T) {
	client, server := secureChannelPair(t)
	client.EnableCompression()
	server.EnableCompression()

	payload := bytes.Repeat([]byte(`{"k":"v"}`), 2000)
	gotType, gotPayload := send(t, client, server, 6, payload)
	if gotType != 6 || !bytes.Equal(gotPayload, payload) {
		t.Error("encrypted+compressed payload did not round trip")
	}
}

func TestChannelWireIsActuallyEncrypted(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewChannel(clientConn, 5*time.Second)

	// Run the exchange manually on the raw server side
	serverState := make(chan *cipherState, 1)
	go func() {
		state, err := performKeyExchange(serverConn, false, 5*time.Second)
		if err != nil {
			serverState <- nil
			return
		}
		serverState <- state
	}()
	if err := client.SecureHandshake(true); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if s := <-serverState; s == nil {
		t.Fatal("responder handshake failed")
	}

	secret := []byte("this plaintext must not appear on the wire")
	go client.Send(7, secret)

	msgType, _, payload, err := readFrame(serverConn)
	if err != nil {
		t.Fatalf("raw read failed: %v", err)
	}
	if msgType != byte(common.MsgTSecureEnvelope) {
		t.Errorf("expected secure envelope frame, got type %d", msgType)
	}
	if bytes.Contains(payload, secret) {
		t.Error("plaintext leaked into the encrypted frame")
	}
}

func TestChannelRejectsPlaintextAfterHandshake(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := NewChannel(serverConn, 2*time.Second)

	go func() {
		performKeyExchange(clientConn, true, 2*time.Second)
		// Downgrade attempt: plaintext frame on a secured channel
		writeFrame(clientConn, 5, 0, []byte("plaintext"))
	}()

	if err := server.SecureHandshake(false); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	_, _, err := server.Receive()
	if !errors.Is(err, common.ErrProtocol) {
		t.Errorf("expected protocol error for downgrade, got %v", err)
	}
}

func TestChannelReceiveTimeout(t *testing.T) {
	client, _ := channelPair(t)
	client.timeout = 50 * time.Millisecond

	_, _, err := client.Receive()
	if !errors.Is(err, common.ErrTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestChannelTamperedEnvelopeRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := NewChannel(clientConn, 2*time.Second)
	server := NewChannel(serverConn, 2*time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- server.SecureHandshake(false) }()
	if err := client.SecureHandshake(true); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("responder handshake failed: %v", err)
	}

	// Seal a record, flip a ciphertext bit, deliver it as a raw frame
	envelope, err := client.cipher.sealRecord([]byte{7, 0, 'h', 'i'})
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	envelope[len(envelope)-1] ^= 0x80

	go writeFrame(clientConn, byte(common.MsgTSecureEnvelope), 0, envelope)

	_, _, err = server.Receive()
	if !errors.Is(err, common.ErrAuth) {
		t.Errorf("expected auth error for tampered envelope, got %v", err)
	}
}
