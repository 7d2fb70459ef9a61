package soft

import (
	"sync"

	"github.com/Achillessanger/SmartWN/verbs"
)

const dataFrameOpcode = 1

// queuePair is the software stand-in for one RC ibv_qp. Modify drives
// the same RESET->INIT->RTR->RTS state machine spec.md §4.2 describes;
// Bind attaches the HostLink that actually carries the bytes.
type queuePair struct {
	qpn    uint32
	qpType verbs.QPType

	mu        sync.Mutex
	state     verbs.QPState
	remoteGID verbs.GID
	remoteQPN uint32
	remoteSL  uint8

	link *HostLink

	sendCQ, recvCQ *cq

	sendDepth, recvDepth int
	outstandingSend      int

	inboxMu      sync.Mutex
	pendingRecvs []verbs.WorkRequest // posted, awaiting data
	pendingData  [][]byte            // arrived, awaiting a posted recv
}

var _ verbs.QueuePair = (*queuePair)(nil)

// Bind attaches the shared per-host transport. Must be called before
// the first PostSend; Modify and PostRecv do not use the link.
func (q *queuePair) Bind(link *HostLink) {
	q.link = link
	link.bind(q)
}

func (q *queuePair) State() verbs.QPState { return q.getState() }
func (q *queuePair) QPN() uint32          { return q.qpn }
func (q *queuePair) Type() verbs.QPType   { return q.qpType }

func (q *queuePair) getState() verbs.QPState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Modify implements the three-step INIT->RTR->RTS activation (and the
// RESET rollback used by restore-from-error), exactly the granularity
// spec.md §4.2 names: "Each sub-transition sets only the attribute mask
// required for that step." There is no wire traffic at any step — real
// ibv_modify_qp is a purely local operation; the remote GID/QPN were
// already learned out of band during the handshake.
func (q *queuePair) Modify(target verbs.QPState, remoteGID verbs.GID, remoteQPN uint32, sl uint8) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch target {
	case verbs.QPStateReset:
		q.state = verbs.QPStateReset
		return nil
	case verbs.QPStateInit:
		if q.state != verbs.QPStateReset {
			return verbs.ErrBadState
		}
		q.state = verbs.QPStateInit
		return nil
	case verbs.QPStateRTR:
		if q.state != verbs.QPStateInit {
			return verbs.ErrBadState
		}
		q.remoteGID = remoteGID
		q.remoteQPN = remoteQPN
		q.remoteSL = sl
		q.state = verbs.QPStateRTR
		return nil
	case verbs.QPStateRTS:
		if q.state != verbs.QPStateRTR {
			return verbs.ErrBadState
		}
		q.state = verbs.QPStateRTS
		return nil
	default:
		return verbs.ErrBadState
	}
}

func (q *queuePair) activated() bool {
	return q.getState() == verbs.QPStateRTS
}

// PostSend marshals the request's SGEs onto the wire, then immediately
// (synchronously, since there is no real DMA engine to wait for)
// posts a SEND completion — matching spec.md's signaled-send contract.
func (q *queuePair) PostSend(wr verbs.WorkRequest) error {
	if !q.activated() {
		return verbs.ErrQPNotActivated
	}
	q.mu.Lock()
	if q.outstandingSend >= q.sendDepth {
		q.mu.Unlock()
		return verbs.ErrQueueFull
	}
	q.outstandingSend++
	q.mu.Unlock()

	total := 0
	for _, sge := range wr.SGEs {
		total += len(sge.Buf)
	}
	payload := make([]byte, 0, total)
	for _, sge := range wr.SGEs {
		payload = append(payload, sge.Buf...)
	}

	err := q.link.send(q.qpn, dataFrameOpcode, payload)

	q.mu.Lock()
	q.outstandingSend--
	q.mu.Unlock()

	if err != nil {
		return err
	}

	q.sendCQ.push(verbs.WorkCompletion{
		WrID:         wr.WrID,
		Opcode:       verbs.WROpcodeSend,
		Status:       verbs.WCSuccess,
		BytesXferred: len(payload),
	})
	return nil
}

// PostRecv posts a receive buffer. If a frame already arrived and is
// waiting (the sender raced ahead of this post), it is consumed
// immediately and completed; otherwise the request waits in
// pendingRecvs for HostLink.readLoop to deliver into it.
func (q *queuePair) PostRecv(wr verbs.WorkRequest) error {
	if !q.activated() {
		return verbs.ErrQPNotActivated
	}

	q.inboxMu.Lock()
	if len(q.pendingData) > 0 {
		data := q.pendingData[0]
		q.pendingData = q.pendingData[1:]
		q.inboxMu.Unlock()
		q.completeRecv(wr, data)
		return nil
	}
	q.pendingRecvs = append(q.pendingRecvs, wr)
	q.inboxMu.Unlock()
	return nil
}

// deliver is invoked by HostLink.readLoop on receipt of a data frame.
func (q *queuePair) deliver(opcode byte, payload []byte) {
	q.inboxMu.Lock()
	if len(q.pendingRecvs) > 0 {
		wr := q.pendingRecvs[0]
		q.pendingRecvs = q.pendingRecvs[1:]
		q.inboxMu.Unlock()
		q.completeRecv(wr, payload)
		return
	}
	q.pendingData = append(q.pendingData, payload)
	q.inboxMu.Unlock()
}

func (q *queuePair) completeRecv(wr verbs.WorkRequest, payload []byte) {
	n := 0
	for _, sge := range wr.SGEs {
		room := len(sge.Buf)
		if room == 0 {
			continue
		}
		c := copy(sge.Buf, payload[n:])
		n += c
		if n >= len(payload) {
			break
		}
	}
	q.recvCQ.push(verbs.WorkCompletion{
		WrID:         wr.WrID,
		Opcode:       verbs.WROpcodeRecv,
		Status:       verbs.WCSuccess,
		BytesXferred: n,
	})
}

func (q *queuePair) Close() error {
	if q.link != nil {
		q.link.unbind(q.qpn)
	}
	return nil
}
