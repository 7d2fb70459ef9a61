// Package endpoint implements the RC queue-pair lifecycle of spec.md
// §4.2: one Endpoint owns one verbs.QueuePair plus the remote identity
// needed to drive it through INIT -> RTR -> RTS, and exposes the
// post_send/post_recv/restore_from_err surface the engine worker calls
// on its single owning thread.
//
// Grounded on the teacher's reactor/reactor.go split between a Go-level
// state wrapper and the underlying fake/real transport, and on
// original_source/nic/endpoint.cpp's activate/postSend/postRecv/reset
// sequence.
package endpoint

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Achillessanger/SmartWN/verbs"
)

// Kind distinguishes the send and receive buffer regions a Request's
// sges are drawn from; it threads through from the engine layer but an
// Endpoint itself is agnostic to it.
type Kind int

const (
	Send Kind = 0
	Recv Kind = 1
)

var statusCounter atomic.Uint64

// TransmitStatus is spec.md §3's TransmitStatus: posted as a work
// request's WrID so the completion path can recover which endpoint and
// which buffers a completion belongs to.
type TransmitStatus struct {
	ID       uint64
	Endpoint *Endpoint
	Kind     Kind
	Buffers  [][]byte
}

func newTransmitStatus(ep *Endpoint, kind Kind, buffers [][]byte) *TransmitStatus {
	return &TransmitStatus{
		ID:       statusCounter.Add(1),
		Endpoint: ep,
		Kind:     kind,
		Buffers:  buffers,
	}
}

// Endpoint's WrIDs are correlated to their TransmitStatus by the owning
// engine's inflight map, not here: the soft verbs backend round-trips
// WrID verbatim through WorkRequest and WorkCompletion, but a CQ (and
// therefore the completions an engine drains) can be shared by several
// endpoints, so that bookkeeping belongs one level up (spec.md §5:
// "each endpoint's QP is touched only by its owning engine's worker
// thread after activation").
type Endpoint struct {
	qp        verbs.QueuePair
	qpType    verbs.QPType
	remoteGID verbs.GID
	remoteQPN uint32
	remoteSL  uint8
	activated bool
	host      string // remote_server
}

// New wraps qp (already created against an engine's device) as an
// endpoint bound to remote host dest; it starts deactivated.
func New(qp verbs.QueuePair, dest string) *Endpoint {
	return &Endpoint{
		qp:     qp,
		qpType: qp.Type(),
		host:   dest,
	}
}

// Activate drives the QP through INIT -> RTR -> RTS against remoteGID/
// remoteQPN/remoteSL, per spec.md §4.2. Each sub-transition is left to
// the verbs.QueuePair implementation, which is responsible for setting
// only the attribute mask required for that step.
func (e *Endpoint) Activate(remoteGID verbs.GID, remoteQPN uint32, remoteSL uint8) error {
	if err := e.qp.Modify(verbs.QPStateInit, remoteGID, remoteQPN, remoteSL); err != nil {
		return errors.Wrap(err, "endpoint: INIT")
	}
	if err := e.qp.Modify(verbs.QPStateRTR, remoteGID, remoteQPN, remoteSL); err != nil {
		return errors.Wrap(err, "endpoint: RTR")
	}
	if err := e.qp.Modify(verbs.QPStateRTS, remoteGID, remoteQPN, remoteSL); err != nil {
		return errors.Wrap(err, "endpoint: RTS")
	}
	e.remoteGID = remoteGID
	e.remoteQPN = remoteQPN
	e.remoteSL = remoteSL
	e.activated = true
	return nil
}

// RestoreFromErr resets the QP and replays Activate against the last
// known remote identity, per spec.md §4.2: "set QP to RESET, then call
// activate(remote_gid_prev)". Used after a WC completes non-SUCCESS.
func (e *Endpoint) RestoreFromErr() error {
	e.activated = false
	if err := e.qp.Modify(verbs.QPStateReset, e.remoteGID, e.remoteQPN, e.remoteSL); err != nil {
		return errors.Wrap(err, "endpoint: reset")
	}
	return e.Activate(e.remoteGID, e.remoteQPN, e.remoteSL)
}

// PostSend builds a work request with opcode SEND, a fresh
// TransmitStatus as wr_id, and IBV_SEND_INLINE set whenever the total
// payload length is at or below inlineThreshold (spec.md §4.2). It returns ErrQPNotActivated if Activate hasn't succeeded yet.
func (e *Endpoint) PostSend(sges []verbs.SGE, inlineThreshold int) (*TransmitStatus, error) {
	if !e.activated {
		return nil, verbs.ErrQPNotActivated
	}
	total := 0
	buffers := make([][]byte, 0, len(sges))
	for _, sge := range sges {
		total += sge.Length
		buffers = append(buffers, sge.Buf)
	}
	status := newTransmitStatus(e, Send, buffers)

	var flags verbs.SendFlags = verbs.SendSignaled
	if total <= inlineThreshold {
		flags |= verbs.SendInline
	}
	wr := verbs.WorkRequest{Opcode: verbs.WROpcodeSend, SGEs: sges, Flags: flags, WrID: status.ID}
	if err := e.qp.PostSend(wr); err != nil {
		return nil, err
	}
	return status, nil
}

// PostRecv posts a receive work request covering sges, tagged with a
// fresh TransmitStatus as wr_id.
func (e *Endpoint) PostRecv(sges []verbs.SGE) (*TransmitStatus, error) {
	if !e.activated {
		return nil, verbs.ErrQPNotActivated
	}
	buffers := make([][]byte, 0, len(sges))
	for _, sge := range sges {
		buffers = append(buffers, sge.Buf)
	}
	status := newTransmitStatus(e, Recv, buffers)
	wr := verbs.WorkRequest{Opcode: verbs.WROpcodeRecv, SGEs: sges, WrID: status.ID}
	if err := e.qp.PostRecv(wr); err != nil {
		return nil, err
	}
	return status, nil
}

// QPN returns the local queue pair number.
func (e *Endpoint) QPN() uint32 { return e.qp.QPN() }

// Type returns the queue pair type (always RC for this fabric).
func (e *Endpoint) Type() verbs.QPType { return e.qpType }

// Activated reports whether Activate has completed successfully.
func (e *Endpoint) Activated() bool { return e.activated }

// RemoteServer returns the destination string endpoint selection keys
// on (spec.md §4.3's pick_endpoint(dest)).
func (e *Endpoint) RemoteServer() string { return e.host }

// QueuePair exposes the underlying verbs.QueuePair, e.g. so an engine
// can enumerate its CQs.
func (e *Endpoint) QueuePair() verbs.QueuePair { return e.qp }

// Close releases the underlying queue pair.
func (e *Endpoint) Close() error {
	return e.qp.Close()
}
