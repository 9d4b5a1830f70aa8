package channel

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/ValentinKolb/dDoc/sync/common"
)

func TestFrameRoundTrip(t *testing.T) {
	testCases := []struct {
		name        string
		msgType     byte
		compression byte
		payload     []byte
	}{
		{"empty payload", 1, 0, []byte{}},
		{"small payload", 5, 0, []byte("hello")},
		{"compressed flag", 6, 1, []byte{0, 1, 2, 3}},
		{"binary payload", 9, 0, bytes.Repeat([]byte{0xff, 0x00}, 1000)},
		{"payload straddling buffer sizes", 7, 0, bytes.Repeat([]byte{42}, 64*1024+17)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeFrame(&buf, tc.msgType, tc.compression, tc.payload); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			msgType, compression, payload, err := readFrame(&buf)
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if msgType != tc.msgType || compression != tc.compression {
				t.Errorf("header mismatch: (%d,%d) != (%d,%d)", msgType, compression, tc.msgType, tc.compression)
			}
			if !bytes.Equal(payload, tc.payload) {
				t.Errorf("payload mismatch: %d bytes != %d bytes", len(payload), len(tc.payload))
			}
		})
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, 5, 1, []byte("ab")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Length is little-endian and counts only payload bytes
	want := []byte{2, 0, 0, 0, 5, 1, 'a', 'b'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("frame layout changed:\ngot  %v\nwant %v", buf.Bytes(), want)
	}
}

func TestFrameMultipleSequential(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("one"), {}, []byte("three")}
	for i, p := range payloads {
		if err := writeFrame(&buf, byte(i+1), 0, p); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	for i, want := range payloads {
		msgType, _, payload, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("read %d failed: %v", i, err)
		}
		if msgType != byte(i+1) || !bytes.Equal(payload, want) {
			t.Errorf("frame %d mismatch: type=%d payload=%q", i, msgType, payload)
		}
	}
}

func TestFrameTruncatedInput(t *testing.T) {
	var buf bytes.Buffer
	writeFrame(&buf, 5, 0, []byte("full payload"))

	// Cut off half the payload
	data := buf.Bytes()[:frameHeaderSize+4]
	_, _, _, err := readFrame(bytes.NewReader(data))
	if !errors.Is(err, common.ErrProtocol) {
		t.Errorf("expected protocol error for truncated payload, got %v", err)
	}

	// Cut inside the header
	_, _, _, err = readFrame(bytes.NewReader(buf.Bytes()[:3]))
	if err == nil || err == io.EOF {
		t.Errorf("expected error for truncated header, got %v", err)
	}
}

func TestFrameOversizedRejected(t *testing.T) {
	// Header claiming a payload over the limit
	header := []byte{0xff, 0xff, 0xff, 0xff, 1, 0}
	_, _, _, err := readFrame(bytes.NewReader(header))
	if !errors.Is(err, common.ErrProtocol) {
		t.Errorf("expected protocol error for oversized frame, got %v", err)
	}
}

func TestFrameEOFOnClosedStream(t *testing.T) {
	_, _, _, err := readFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}
