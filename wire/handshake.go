package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/Achillessanger/SmartWN/verbs"
)

// ConnectInfoLen is sizeof(connect_info): spec.md §6.2 requires every
// read to match this exactly, short reads being fatal to the connection.
const ConnectInfoLen = 28

// InfoType is the tagged-union discriminant of a connect_info record.
type InfoType uint32

const (
	InfoHostInfo    InfoType = 1
	InfoChannelInfo InfoType = 2
	InfoGoGo        InfoType = 3
)

// ConnectInfo is the Go-side view of the connect_info wire record. Only
// the fields relevant to Type are meaningful; the rest are zero. A
// single fixed layout is used for all three variants so that every
// exchange is exactly ConnectInfoLen bytes on the wire, per spec.md §6.2.
type ConnectInfo struct {
	Type InfoType

	// HostInfo fields.
	GID           verbs.GID
	NumberOfQP    uint32

	// ChannelInfo fields. QPNum reuses the same wire offset as
	// NumberOfQP: the two variants are never meaningful at once.
	QPNum uint32
	DLID  uint16
	SL    uint8
}

// Encode serializes ci into a ConnectInfoLen-byte frame.
func Encode(ci ConnectInfo) []byte {
	buf := make([]byte, ConnectInfoLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ci.Type))
	copy(buf[4:20], ci.GID[:])
	switch ci.Type {
	case InfoHostInfo:
		binary.LittleEndian.PutUint32(buf[20:24], ci.NumberOfQP)
	case InfoChannelInfo:
		binary.LittleEndian.PutUint32(buf[20:24], ci.QPNum)
		binary.LittleEndian.PutUint16(buf[24:26], ci.DLID)
		buf[26] = ci.SL
	case InfoGoGo:
		// no union fields
	}
	return buf
}

// Decode parses a ConnectInfoLen-byte frame into a ConnectInfo.
func Decode(buf []byte) (ConnectInfo, error) {
	if len(buf) != ConnectInfoLen {
		return ConnectInfo{}, errors.Errorf("wire: connect_info frame is %d bytes, want %d", len(buf), ConnectInfoLen)
	}
	ci := ConnectInfo{Type: InfoType(binary.LittleEndian.Uint32(buf[0:4]))}
	copy(ci.GID[:], buf[4:20])
	switch ci.Type {
	case InfoHostInfo:
		ci.NumberOfQP = binary.LittleEndian.Uint32(buf[20:24])
	case InfoChannelInfo:
		ci.QPNum = binary.LittleEndian.Uint32(buf[20:24])
		ci.DLID = binary.LittleEndian.Uint16(buf[24:26])
		ci.SL = buf[26]
	case InfoGoGo:
		// no union fields
	default:
		return ConnectInfo{}, errors.Errorf("wire: unknown connect_info type %d", ci.Type)
	}
	return ci, nil
}

// WriteConnectInfo writes ci to w as a single ConnectInfoLen-byte frame.
func WriteConnectInfo(w io.Writer, ci ConnectInfo) error {
	_, err := w.Write(Encode(ci))
	return errors.Wrap(err, "wire: write connect_info")
}

// ReadConnectInfo reads exactly ConnectInfoLen bytes from r and decodes
// them. A short read is treated as fatal to the connection, per spec.md
// §6.2.
func ReadConnectInfo(r io.Reader) (ConnectInfo, error) {
	buf := make([]byte, ConnectInfoLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ConnectInfo{}, errors.Wrap(err, "wire: short read on connect_info")
	}
	return Decode(buf)
}
