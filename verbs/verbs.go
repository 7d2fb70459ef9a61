// Package verbs models the subset of the ibverbs surface this fabric
// drives: GIDs, queue-pair state transitions, work requests/completions,
// and completion queues. It is deliberately backend-agnostic — see
// verbs/soft for the software Reliable-Connected implementation used by
// this repository, grounded in the same "fake now, real implementation
// behind the same interface later" split the teacher uses for its
// reactor (reactor/reactor.go vs reactor/epoll_reactor.go).
package verbs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// GID is a 128-bit RDMA port identifier. Only the last four bytes are
// interpreted (as an IPv4-in-IPv6 address) by LocalIPv4.
type GID [16]byte

// LocalIPv4 formats the last four bytes of the GID as a dotted-quad
// string, mirroring rdma_context::GidToIP in the original implementation.
func (g GID) LocalIPv4() string {
	return fmt.Sprintf("%d.%d.%d.%d", g[12], g[13], g[14], g[15])
}

// GIDFromIndex builds the GID a real device would return from
// ibv_query_gid(ctx, port, index, &gid) (spec.md §6.3's "Local GID
// index" config knob). The software device has no NIC to query, so the
// index is encoded into the last four bytes LocalIPv4 reads, giving
// each configured index a distinct, stable local identity.
func GIDFromIndex(index int) GID {
	var g GID
	binary.BigEndian.PutUint32(g[12:], uint32(index))
	return g
}

// QPType enumerates queue-pair transport types. Only RC is wired
// end-to-end; UC/UD exist only so the original switch-on-type structure
// has somewhere to land, per REDESIGN FLAGS (a) in SPEC_FULL.md.
type QPType int

const (
	QPTypeRC QPType = iota
	QPTypeUC
	QPTypeUD
)

func (t QPType) String() string {
	switch t {
	case QPTypeRC:
		return "RC"
	case QPTypeUC:
		return "UC"
	case QPTypeUD:
		return "UD"
	default:
		return "unknown"
	}
}

// QPState is the queue-pair state machine: RESET -> INIT -> RTR -> RTS,
// with ERROR reachable from any state on a failed completion.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateError:
		return "ERROR"
	default:
		return "unknown"
	}
}

// WROpcode is the work-request opcode. Only SEND/RECV are exercised by
// this fabric; RDMA_READ is named only because the inline-send rule
// references it (spec.md §4.2: "opcode is not RDMA_READ").
type WROpcode int

const (
	WROpcodeSend WROpcode = iota
	WROpcodeRecv
	WROpcodeRDMARead
)

// SGE is one scatter/gather element: a (address, length, local key)
// triple pointing into registered memory. Buf is the Go-level view of
// the same bytes Addr/Length describe — real ibverbs has no equivalent
// because a C pointer already doubles as the byte view; a software
// backend needs an actual slice handle to move data without unsafe
// pointer arithmetic across goroutines.
type SGE struct {
	Addr   uintptr
	Length int
	LKey   uint32
	Buf    []byte
}

// SendFlags mirrors the ibv_send_flags bitmask consulted by PostSend.
type SendFlags int

const (
	SendSignaled SendFlags = 1 << iota
	SendInline
)

// WorkRequest is what gets posted to a queue pair's send or receive
// queue. WrID carries the caller's correlation token (the
// TransmitStatus/Request pair of spec.md §3 "TransmitStatus").
type WorkRequest struct {
	Opcode WROpcode
	SGEs   []SGE
	Flags  SendFlags
	WrID   uint64
}

// WorkCompletion is what a CQ yields after polling.
type WorkCompletion struct {
	WrID    uint64
	Opcode  WROpcode
	Status  WCStatus
	BytesXferred int
}

// WCStatus mirrors ibv_wc_status, collapsed to success/failure: the spec
// (§7) treats every non-SUCCESS status identically (fatal by default).
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCError
)

var (
	// ErrNotSupported is returned for QP types other than RC (REDESIGN
	// FLAGS (a)).
	ErrNotSupported = errors.New("verbs: queue pair type not supported")
	// ErrQPNotActivated is returned by PostSend/PostRecv before the QP
	// completes its INIT->RTR->RTS transition.
	ErrQPNotActivated = errors.New("verbs: queue pair not activated")
	// ErrQueueFull is returned when the underlying work queue has no
	// free slots (back-pressure condition, spec.md §5).
	ErrQueueFull = errors.New("verbs: work queue full")
	// ErrBadState is returned when an operation is invalid for the
	// queue pair's current state.
	ErrBadState = errors.New("verbs: invalid queue pair state")
)

// CompletionQueue delivers WorkCompletions for one or more queue pairs
// bound to it. Poll never blocks; it returns immediately with however
// many completions (up to max) are ready — this is the shape the
// engine worker loop polls without sleeping (spec.md §4.3).
type CompletionQueue interface {
	Poll(max int) ([]WorkCompletion, error)
	Close() error
}

// QueuePair is one Reliable Connected (or, nominally, UC/UD) queue
// pair: the unit of RDMA connectivity.
type QueuePair interface {
	// Modify drives the RESET->INIT->RTR->RTS state machine. Each call
	// advances exactly one transition, matching spec.md §4.2's "Each
	// sub-transition sets only the attribute mask required for that
	// step."
	Modify(target QPState, remote GID, remoteQPN uint32, sl uint8) error
	State() QPState
	QPN() uint32
	Type() QPType
	PostSend(wr WorkRequest) error
	PostRecv(wr WorkRequest) error
	Close() error
}

// MemoryRegion is a registered, pinned block of memory; Device.RegisterMemory
// returns one for a Region to slice Buffers out of.
type MemoryRegion interface {
	Addr() uintptr
	LKey() uint32
	Bytes() []byte
}

// Device is the RDMA NIC abstraction: protection domain, memory
// registration, CQ/QP creation, and local identity. verbs/soft.Device
// is the only implementation shipped by this repository.
type Device interface {
	LocalGID() GID
	// InlineThreshold is the total payload length at or below which a
	// send is posted with SendInline (spec.md §4.2).
	InlineThreshold() int
	RegisterMemory(buf []byte) (MemoryRegion, error)
	CreateCQ(depth int) (CompletionQueue, error)
	// CreateQP allocates a queue pair bound to the given send/recv CQs.
	CreateQP(qpType QPType, sendCQ, recvCQ CompletionQueue, sendDepth, recvDepth int) (QueuePair, error)
	Close() error
}
