package proxyhdr

import (
	"testing"

	"github.com/google/uuid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	band := uuid.New()
	h := Header{
		Version: Version1,
		Band:    band,
		SrcIP:   [4]byte{10, 0, 0, 1},
		DstIP:   [4]byte{10, 0, 0, 2},
	}
	buf := make([]byte, Size)
	n, err := Encode(buf, h)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != Size {
		t.Fatalf("Encode wrote %d bytes, want %d", n, Size)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Version != h.Version || got.Band != h.Band || got.SrcIP != h.SrcIP || got.DstIP != h.DstIP {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeRejectsShortInput(t *testing.T) {
	if _, err := Decode(make([]byte, Size-1)); err == nil {
		t.Fatal("Decode accepted a short buffer")
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	buf := make([]byte, Size)
	buf[0] = 0xff
	if _, err := Decode(buf); err == nil {
		t.Fatal("Decode accepted an unsupported version byte")
	}
}

func TestEncodeRejectsShortDst(t *testing.T) {
	if _, err := Encode(make([]byte, Size-1), Header{}); err == nil {
		t.Fatal("Encode accepted an undersized destination buffer")
	}
}
