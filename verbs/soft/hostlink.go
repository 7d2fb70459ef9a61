package soft

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/Achillessanger/SmartWN/verbs"
)

// frameHeaderLen is [qpn uint32][opcode byte][length uint32].
const frameHeaderLen = 4 + 1 + 4

// HostLink multiplexes every queue pair bound to one remote host over a
// single TCP stream. It is created once per Host, right after the
// control-plane handshake (spec.md §4.4) hands the same net.Conn to the
// data plane, and is shared by every QP the handshake subsequently
// activates against that host.
type HostLink struct {
	conn net.Conn

	writeMu sync.Mutex

	demuxMu sync.Mutex
	demux   map[uint32]*queuePair

	closeOnce sync.Once
	closed    chan struct{}
}

// NewHostLink wraps conn and starts its demultiplexing reader. conn must
// not be used for anything else afterward.
func NewHostLink(conn net.Conn) *HostLink {
	l := &HostLink{
		conn:   conn,
		demux:  make(map[uint32]*queuePair),
		closed: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// bind registers qp so that inbound frames tagged with its QPN are
// delivered to it.
func (l *HostLink) bind(qp *queuePair) {
	l.demuxMu.Lock()
	l.demux[qp.qpn] = qp
	l.demuxMu.Unlock()
}

func (l *HostLink) unbind(qpn uint32) {
	l.demuxMu.Lock()
	delete(l.demux, qpn)
	l.demuxMu.Unlock()
}

// send writes one framed message for qpn. Safe for concurrent use by
// multiple QPs sharing this link.
func (l *HostLink) send(qpn uint32, opcode byte, payload []byte) error {
	hdr := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], qpn)
	hdr[4] = opcode
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(payload)))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.conn.Write(hdr); err != nil {
		return fmt.Errorf("hostlink: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := l.conn.Write(payload); err != nil {
			return fmt.Errorf("hostlink: write payload: %w", err)
		}
	}
	return nil
}

func (l *HostLink) readLoop() {
	hdr := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(l.conn, hdr); err != nil {
			l.Close()
			return
		}
		qpn := binary.BigEndian.Uint32(hdr[0:4])
		opcode := hdr[4]
		length := binary.BigEndian.Uint32(hdr[5:9])

		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(l.conn, payload); err != nil {
				l.Close()
				return
			}
		}

		l.demuxMu.Lock()
		qp := l.demux[qpn]
		l.demuxMu.Unlock()
		if qp == nil {
			// Frame for a QPN this host never bound (setup race or bug);
			// drop it, matching spec.md §7's "dispatch to unknown
			// destination is a setup bug, not a runtime one."
			continue
		}
		qp.deliver(opcode, payload)
	}
}

// BindQP attaches qp (as returned by Device.CreateQP) to link so that
// frames tagged with its QPN are demultiplexed to it. qp must have been
// created by this package's Device.
func BindQP(qp verbs.QueuePair, link *HostLink) {
	qp.(*queuePair).Bind(link)
}

// Close shuts down the underlying connection; idempotent.
func (l *HostLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}
