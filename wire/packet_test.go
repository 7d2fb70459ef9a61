package wire_test

import (
	"bytes"
	"testing"

	"github.com/Achillessanger/SmartWN/wire"
)

func TestFrameParseRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	h := wire.Header{CallbackTag: 0xdeadbeef, Context: 42}
	payload := []byte("hello rdma")

	n, err := wire.Frame(buf, h, payload)
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if n != wire.HeaderLen+len(payload) {
		t.Fatalf("unexpected frame length %d", n)
	}

	got, err := wire.ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got.CallbackTag != h.CallbackTag || got.Context != h.Context || int(got.Length) != len(payload) {
		t.Fatalf("header mismatch: %+v", got)
	}

	out, err := wire.Payload(buf, got)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("payload mismatch: got %q want %q", out, payload)
	}
}

func TestFrameTruncatesOversizedPayload(t *testing.T) {
	buf := make([]byte, wire.HeaderLen+4)
	payload := []byte("far too long to fit")

	n, err := wire.Frame(buf, wire.Header{}, payload)
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected truncation to fill buffer, got %d bytes", n)
	}

	h, err := wire.ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if int(h.Length) != 4 {
		t.Fatalf("expected truncated length 4, got %d", h.Length)
	}
}

func TestParseHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := wire.ParseHeader(make([]byte, 4)); err != wire.ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}
