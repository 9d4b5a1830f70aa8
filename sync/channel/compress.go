package channel

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ValentinKolb/dDoc/sync/common"
	"github.com/andybalholm/brotli"
)

// --------------------------------------------------------------------------
// Brotli Compression
// --------------------------------------------------------------------------

const (
	// compressionThreshold is the minimum plaintext size worth
	// compressing.
	compressionThreshold = 1024

	// brotliQuality trades ratio for speed; 4 keeps the sync path fast.
	brotliQuality = 4
)

// maybeCompress compresses the payload when the channel has negotiated
// brotli and the payload is large enough. The compression flag is set only
// if the compressed form is strictly smaller than the original.
func maybeCompress(payload []byte) ([]byte, byte, error) {
	if len(payload) <= compressionThreshold {
		return payload, compressionNone, nil
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotliQuality)
	if _, err := w.Write(payload); err != nil {
		return nil, 0, fmt.Errorf("%w: brotli compression failed: %v", common.ErrProtocol, err)
	}
	if err := w.Close(); err != nil {
		return nil, 0, fmt.Errorf("%w: brotli compression failed: %v", common.ErrProtocol, err)
	}

	if buf.Len() >= len(payload) {
		// Compression did not pay off, send the original
		return payload, compressionNone, nil
	}
	return buf.Bytes(), compressionBrotli, nil
}

// decompress reverses maybeCompress for payloads flagged as compressed.
func decompress(payload []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(payload))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: brotli decompression failed: %v", common.ErrProtocol, err)
	}
	return out, nil
}
