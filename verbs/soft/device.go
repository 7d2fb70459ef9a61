// Package soft implements verbs.Device as a software Reliable-Connected
// simulator. There is no portable libibverbs binding available to a pure
// Go module, so — grounded in the teacher's own "fake now, real
// implementation behind the same interface later" split between
// reactor/reactor.go and reactor/epoll_reactor.go — this package plays
// the role a cgo/ibverbs backend would play behind verbs.Device, letting
// every other package (endpoint, engine, rdmacontext) be written against
// the real verbs state machine.
//
// All queue pairs belonging to one remote host share a single
// multiplexed TCP stream (a HostLink): RC's per-QP ordering guarantee
// survives demultiplexing, since a per-QP FIFO is a subsequence of the
// stream's own total order.
package soft

import (
	"sync"
	"sync/atomic"

	"github.com/Achillessanger/SmartWN/verbs"
)

// Device is the software RDMA NIC. One Device per process, matching
// spec.md's "Exactly one PD" invariant on rdma_context.
type Device struct {
	gid             verbs.GID
	inlineThreshold int
	nextQPN         uint32
}

// NewDevice constructs a software device identified by localGID, with
// the given inline-send threshold (spec.md §4.2 / SUPPLEMENTED
// FEATURES' kInlineThresh).
func NewDevice(localGID verbs.GID, inlineThreshold int) *Device {
	return &Device{gid: localGID, inlineThreshold: inlineThreshold}
}

var _ verbs.Device = (*Device)(nil)

func (d *Device) LocalGID() verbs.GID  { return d.gid }
func (d *Device) InlineThreshold() int { return d.inlineThreshold }

func (d *Device) RegisterMemory(buf []byte) (verbs.MemoryRegion, error) {
	return &memoryRegion{buf: buf}, nil
}

func (d *Device) CreateCQ(depth int) (verbs.CompletionQueue, error) {
	return newCQ(depth), nil
}

func (d *Device) CreateQP(qpType verbs.QPType, sendCQ, recvCQ verbs.CompletionQueue, sendDepth, recvDepth int) (verbs.QueuePair, error) {
	if qpType != verbs.QPTypeRC {
		return nil, verbs.ErrNotSupported
	}
	qpn := atomic.AddUint32(&d.nextQPN, 1)
	return &queuePair{
		qpn:       qpn,
		qpType:    qpType,
		state:     verbs.QPStateReset,
		sendCQ:    sendCQ.(*cq),
		recvCQ:    recvCQ.(*cq),
		sendDepth: sendDepth,
		recvDepth: recvDepth,
	}, nil
}

func (d *Device) Close() error { return nil }

type memoryRegion struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memoryRegion) Addr() uintptr { return addrOf(m.buf) }
func (m *memoryRegion) LKey() uint32  { return 1 }
func (m *memoryRegion) Bytes() []byte { return m.buf }
