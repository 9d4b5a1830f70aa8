package channel

import (
	"bytes"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/sync/common"
)

// exchangeKeys runs the ECDH handshake over an in-memory pipe and returns
// both cipher states.
func exchangeKeys(t *testing.T) (*cipherState, *cipherState) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	type result struct {
		state *cipherState
		err   error
	}
	serverCh := make(chan result, 1)

	go func() {
		state, err := performKeyExchange(serverConn, false, 5*time.Second)
		serverCh <- result{state, err}
	}()

	clientState, err := performKeyExchange(clientConn, true, 5*time.Second)
	if err != nil {
		t.Fatalf("initiator key exchange failed: %v", err)
	}
	serverResult := <-serverCh
	if serverResult.err != nil {
		t.Fatalf("responder key exchange failed: %v", serverResult.err)
	}

	return clientState, serverResult.state
}

func TestKeyExchangeSymmetry(t *testing.T) {
	client, server := exchangeKeys(t)

	// Both sides derive the same keys in mirrored roles
	if !bytes.Equal(client.encryptKey, server.decryptKey) {
		t.Error("initiator encrypt key != responder decrypt key")
	}
	if !bytes.Equal(client.decryptKey, server.encryptKey) {
		t.Error("initiator decrypt key != responder encrypt key")
	}
	if bytes.Equal(client.encryptKey, client.decryptKey) {
		t.Error("directional keys must differ")
	}
	if len(client.encryptKey) != 32 || len(client.decryptKey) != 32 {
		t.Error("expected 32 byte record keys")
	}
}

func TestKeyExchangeFreshKeys(t *testing.T) {
	first, _ := exchangeKeys(t)
	second, _ := exchangeKeys(t)

	// Ephemeral keys: two exchanges never derive the same secret
	if bytes.Equal(first.encryptKey, second.encryptKey) {
		t.Error("two key exchanges derived identical keys")
	}
}

func TestKeyExchangeTimeout(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// The peer stays silent, the exchange must fail on its deadline
	_, err := performKeyExchange(clientConn, true, 50*time.Millisecond)
	if !errors.Is(err, common.ErrTimeout) {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestKeyExchangeGarbageKey(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	go func() {
		// Read the client's key, answer with garbage DER
		readPublicKey(serverConn)
		writePublicKey(serverConn, []byte("this is not a public key"))
	}()

	_, err := performKeyExchange(clientConn, true, 2*time.Second)
	if !errors.Is(err, common.ErrCrypto) {
		t.Errorf("expected crypto error for garbage key, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Record Crypto
// --------------------------------------------------------------------------

func TestRecordRoundTrip(t *testing.T) {
	client, server := exchangeKeys(t)

	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte("a record exactly sixteen"),
		bytes.Repeat([]byte{7}, 4096),
	}

	for _, plaintext := range payloads {
		envelope, err := client.sealRecord(plaintext)
		if err != nil {
			t.Fatalf("seal failed: %v", err)
		}
		opened, err := server.openRecord(envelope)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("record mismatch: %d bytes != %d bytes", len(opened), len(plaintext))
		}
	}
}

func TestRecordUniqueIVs(t *testing.T) {
	client, _ := exchangeKeys(t)

	first, _ := client.sealRecord([]byte("same plaintext"))
	second, _ := client.sealRecord([]byte("same plaintext"))
	if bytes.Equal(first[:ivSize], second[:ivSize]) {
		t.Error("two records used the same IV")
	}
	if bytes.Equal(first, second) {
		t.Error("two records of the same plaintext are identical")
	}
}

func TestRecordBitFlipsRejected(t *testing.T) {
	client, server := exchangeKeys(t)

	envelope, err := client.sealRecord([]byte("authenticated payload"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	// Flip one bit in every region: IV, tag, ciphertext
	regions := map[string]int{
		"iv":         0,
		"tag":        ivSize,
		"ciphertext": ivSize + tagSize,
	}
	for name, offset := range regions {
		t.Run(name, func(t *testing.T) {
			tampered := make([]byte, len(envelope))
			copy(tampered, envelope)
			tampered[offset] ^= 0x01

			if _, err := server.openRecord(tampered); !errors.Is(err, common.ErrAuth) {
				t.Errorf("expected auth error after %s bit flip, got %v", name, err)
			}
		})
	}
}

func TestRecordWrongDirectionRejected(t *testing.T) {
	client, _ := exchangeKeys(t)

	// A record sealed for the peer cannot be opened with the sender's
	// own decrypt key
	envelope, _ := client.sealRecord([]byte("directional"))
	if _, err := client.openRecord(envelope); !errors.Is(err, common.ErrAuth) {
		t.Errorf("expected auth error for wrong direction, got %v", err)
	}
}

func TestRecordTooShortRejected(t *testing.T) {
	client, _ := exchangeKeys(t)
	short := make([]byte, ivSize+tagSize)
	rand.Read(short)
	if _, err := client.openRecord(short); !errors.Is(err, common.ErrProtocol) {
		t.Errorf("expected protocol error for short envelope, got %v", err)
	}
}

func TestPKCS7Padding(t *testing.T) {
	for length := 0; length < 48; length++ {
		data := bytes.Repeat([]byte{0xab}, length)
		padded := padPKCS7(data, 16)
		if len(padded)%16 != 0 || len(padded) <= len(data) {
			t.Fatalf("invalid padded length %d for input %d", len(padded), length)
		}
		unpadded, err := unpadPKCS7(padded, 16)
		if err != nil {
			t.Fatalf("unpad failed for input %d: %v", length, err)
		}
		if !bytes.Equal(unpadded, data) {
			t.Fatalf("padding round trip failed for input %d", length)
		}
	}

	// Corrupt padding
	if _, err := unpadPKCS7([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 17}, 16); err == nil {
		t.Error("expected error for padding value above block size")
	}
	if _, err := unpadPKCS7([]byte{}, 16); err == nil {
		t.Error("expected error for empty input")
	}
}
