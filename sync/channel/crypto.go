package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ValentinKolb/dDoc/sync/common"
)

// --------------------------------------------------------------------------
// Key Exchange (ECDH P-256)
// --------------------------------------------------------------------------

// keyExchangeTimeout bounds the whole public key exchange.
const keyExchangeTimeout = 30 * time.Second

// cipherState holds the directional record keys derived from the ECDH
// shared secret. The same key authenticates and encrypts one direction.
type cipherState struct {
	encryptKey []byte
	decryptKey []byte
}

// performKeyExchange runs the ephemeral ECDH P-256 exchange on a fresh
// connection. Both sides send their public key as DER-encoded
// SubjectPublicKeyInfo prefixed by a 4-byte big-endian length, derive
// K1 = SHA-256(secret || 0x00) and K2 = SHA-256(secret || 0x01), and
// assign them to mirrored encrypt/decrypt roles: the initiator encrypts
// with K1, the responder with K2.
func performKeyExchange(conn net.Conn, initiator bool, timeout time.Duration) (*cipherState, error) {
	if timeout <= 0 {
		timeout = keyExchangeTimeout
	}
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: failed to set handshake deadline: %v", common.ErrTransport, err)
	}
	// The record layer manages its own deadlines afterwards
	defer conn.SetDeadline(time.Time{})

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate ephemeral key: %v", common.ErrCrypto, err)
	}

	der, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode public key: %v", common.ErrCrypto, err)
	}

	// The initiator announces first, the responder answers. This fixed
	// order keeps the exchange deadlock-free on unbuffered transports.
	var peerDER []byte
	if initiator {
		if err := writePublicKey(conn, der); err != nil {
			return nil, err
		}
		if peerDER, err = readPublicKey(conn); err != nil {
			return nil, err
		}
	} else {
		if peerDER, err = readPublicKey(conn); err != nil {
			return nil, err
		}
		if err := writePublicKey(conn, der); err != nil {
			return nil, err
		}
	}

	peerPub, err := parsePeerPublicKey(peerDER)
	if err != nil {
		return nil, err
	}

	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh agreement failed: %v", common.ErrCrypto, err)
	}

	k1 := deriveKey(secret, 0x00)
	k2 := deriveKey(secret, 0x01)

	if initiator {
		return &cipherState{encryptKey: k1, decryptKey: k2}, nil
	}
	return &cipherState{encryptKey: k2, decryptKey: k1}, nil
}

// writePublicKey sends a length-prefixed DER public key.
func writePublicKey(conn net.Conn, der []byte) error {
	buf := make([]byte, 4+len(der))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(der)))
	copy(buf[4:], der)
	if _, err := conn.Write(buf); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: key exchange deadline elapsed", common.ErrTimeout)
		}
		return fmt.Errorf("%w: failed to send public key: %v", common.ErrTransport, err)
	}
	return nil
}

// maxPublicKeyDER bounds the peer's announced key size. A P-256 SPKI is
// 91 bytes; anything much larger is not a key.
const maxPublicKeyDER = 1024

// readPublicKey receives a length-prefixed DER public key.
func readPublicKey(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, keyExchangeReadError(err)
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > maxPublicKeyDER {
		return nil, fmt.Errorf("%w: implausible public key length %d", common.ErrCrypto, length)
	}

	der := make([]byte, length)
	if _, err := io.ReadFull(conn, der); err != nil {
		return nil, keyExchangeReadError(err)
	}
	return der, nil
}

// keyExchangeReadError classifies a read failure during the exchange.
func keyExchangeReadError(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: key exchange deadline elapsed", common.ErrTimeout)
	}
	return fmt.Errorf("%w: key exchange failed: %v", common.ErrTransport, err)
}

// parsePeerPublicKey decodes a SubjectPublicKeyInfo into a P-256 ECDH key.
func parsePeerPublicKey(der []byte) (*ecdh.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse peer public key: %v", common.ErrCrypto, err)
	}

	switch key := parsed.(type) {
	case *ecdsa.PublicKey:
		// NIST curve keys parse as ecdsa, convert to the ecdh form
		ecdhKey, err := key.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: peer key is not a valid ecdh key: %v", common.ErrCrypto, err)
		}
		if ecdhKey.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: peer key is not on P-256", common.ErrCrypto)
		}
		return ecdhKey, nil
	case *ecdh.PublicKey:
		if key.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: peer key is not on P-256", common.ErrCrypto)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected peer key material %T", common.ErrCrypto, parsed)
	}
}

// deriveKey computes SHA-256(secret || suffix).
func deriveKey(secret []byte, suffix byte) []byte {
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte{suffix})
	return h.Sum(nil)
}

// --------------------------------------------------------------------------
// Record Crypto (AES-256-CBC + HMAC-SHA-256)
// --------------------------------------------------------------------------

const (
	ivSize  = aes.BlockSize // 16
	tagSize = sha256.Size   // 32
)

// sealRecord encrypts a plaintext record: AES-256-CBC with a fresh random
// IV and PKCS#7 padding, authenticated by HMAC-SHA-256 over
// IV || ciphertext. The envelope layout is [iv][tag][ciphertext].
func (s *cipherState) sealRecord(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", common.ErrCrypto, err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	out := make([]byte, ivSize+tagSize+len(padded))
	iv := out[:ivSize]
	ciphertext := out[ivSize+tagSize:]

	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: failed to generate iv: %v", common.ErrCrypto, err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, s.encryptKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	copy(out[ivSize:ivSize+tagSize], mac.Sum(nil))

	return out, nil
}

// openRecord authenticates and decrypts an envelope produced by the
// peer's sealRecord. The tag comparison is constant-time.
func (s *cipherState) openRecord(envelope []byte) ([]byte, error) {
	if len(envelope) < ivSize+tagSize+aes.BlockSize {
		return nil, fmt.Errorf("%w: envelope too short", common.ErrProtocol)
	}

	iv := envelope[:ivSize]
	tag := envelope[ivSize : ivSize+tagSize]
	ciphertext := envelope[ivSize+tagSize:]

	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", common.ErrProtocol)
	}

	mac := hmac.New(sha256.New, s.decryptKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	if !hmac.Equal(tag, mac.Sum(nil)) {
		return nil, fmt.Errorf("%w: record authentication failed", common.ErrAuth)
	}

	block, err := aes.NewCipher(s.decryptKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", common.ErrCrypto, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpadPKCS7(plaintext, aes.BlockSize)
}

// padPKCS7 appends PKCS#7 padding up to the block size.
func padPKCS7(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

// unpadPKCS7 strips and validates PKCS#7 padding. The record is already
// authenticated at this point, so padding errors indicate a broken peer
// rather than an oracle risk.
func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: invalid padded length", common.ErrCrypto)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", common.ErrCrypto)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: invalid padding", common.ErrCrypto)
		}
	}
	return data[:len(data)-padLen], nil
}
