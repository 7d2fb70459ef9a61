// Package wire implements the two on-the-wire formats of spec.md §6: the
// fixed 20-byte data-plane packet header (§6.1) framed into every send
// buffer, and the fixed-size connect_info handshake record (§6.2)
// exchanged over the TCP side-channel during setup.
//
// Both codecs use encoding/binary directly against little-endian byte
// order rather than a reflection-based marshaler, mirroring the
// teacher's own protocol/native_handshake.go treatment of its own
// fixed-layout handshake frames.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderLen is the fixed size of a data-plane packet header: 8 bytes of
// callback_tag, 8 bytes of context, 4 bytes of length.
const HeaderLen = 20

// ErrShortPacket is returned when a buffer is too small to hold a header.
var ErrShortPacket = errors.New("wire: buffer shorter than packet header")

// Header is the fixed data-plane header of spec.md §6.1, identical in
// both the client-to-server request and the server-to-client reply.
type Header struct {
	CallbackTag uint64
	Context     uint64
	Length      int32
}

// PutHeader writes h into the first HeaderLen bytes of buf. buf must be
// at least HeaderLen bytes long.
func PutHeader(buf []byte, h Header) error {
	if len(buf) < HeaderLen {
		return ErrShortPacket
	}
	binary.LittleEndian.PutUint64(buf[0:8], h.CallbackTag)
	binary.LittleEndian.PutUint64(buf[8:16], h.Context)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Length))
	return nil
}

// ParseHeader reads a Header from the first HeaderLen bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortPacket
	}
	return Header{
		CallbackTag: binary.LittleEndian.Uint64(buf[0:8]),
		Context:     binary.LittleEndian.Uint64(buf[8:16]),
		Length:      int32(binary.LittleEndian.Uint32(buf[16:20])),
	}, nil
}

// Frame writes header h followed by payload into buf, truncating payload
// silently at the tail if it would overflow buf (spec.md §6.1: "excess
// is silently truncated"). It returns the total number of bytes written.
func Frame(buf []byte, h Header, payload []byte) (int, error) {
	if len(buf) < HeaderLen {
		return 0, ErrShortPacket
	}
	room := len(buf) - HeaderLen
	n := len(payload)
	if n > room {
		n = room
	}
	h.Length = int32(n)
	if err := PutHeader(buf, h); err != nil {
		return 0, err
	}
	copy(buf[HeaderLen:HeaderLen+n], payload[:n])
	return HeaderLen + n, nil
}

// Payload returns the slice of buf holding h's declared payload, after
// buf has already been parsed into h via ParseHeader.
func Payload(buf []byte, h Header) ([]byte, error) {
	end := HeaderLen + int(h.Length)
	if h.Length < 0 || end > len(buf) {
		return nil, errors.Errorf("wire: declared length %d exceeds buffer of %d bytes", h.Length, len(buf))
	}
	return buf[HeaderLen:end], nil
}
