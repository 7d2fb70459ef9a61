// Package engine implements spec.md §4.3's IoEngine: the single-threaded
// pump that combines outbound task dispatch with completion draining
// across one or more completion queues. One IoEngine exists per worker
// thread spawned by a Client/Server Session.
//
// Grounded on the teacher's lowlevel/client and lowlevel/server worker
// loops (one goroutine owning a batch of connections, alternating send
// dispatch with completion/read handling) and on
// original_source/nic/rdma-gpunode.cpp / rdma-memorynode.cpp's
// data_channel loops, which this package reproduces in Go idiom:
// dispatch-one-task-then-drain-completions, never sleeping except on
// documented back-pressure points.
package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Achillessanger/SmartWN/bufpool"
	"github.com/Achillessanger/SmartWN/endpoint"
	"github.com/Achillessanger/SmartWN/internal/supervisor"
	"github.com/Achillessanger/SmartWN/metrics"
	"github.com/Achillessanger/SmartWN/taskqueue"
	"github.com/Achillessanger/SmartWN/verbs"
	"github.com/Achillessanger/SmartWN/wire"
)

// BackpressureSleep is the fixed sleep spec.md §5 names for every
// back-pressure suspension point: server-side send-buffer acquisition
// and retried post_send failures.
const BackpressureSleep = 50 * time.Microsecond

// RecvHandler is invoked once per RECV completion, after the fixed
// header has been parsed out of the buffer, and before the engine
// re-posts the same buffer as a fresh recv request. Client and server
// sessions supply different handlers: the client invokes a user
// callback synchronously; the server invokes a user callback and posts
// a reply (spec.md §4.5/§4.6).
type RecvHandler func(ep *endpoint.Endpoint, hdr wire.Header, payload []byte)

// inflight correlates a posted work request's wr_id with the buffer
// and endpoint it was posted against, so completion dispatch can
// release or re-post without the verbs layer knowing about bufpool.
type inflight struct {
	ep   *endpoint.Endpoint
	buf  *bufpool.Buffer
	kind endpoint.Kind
}

// IoEngine owns one send region, one recv region, the completion
// queues polled by this engine's worker, its outbound task queue, and
// the list of endpoints it drives.
type IoEngine struct {
	Index int

	SendRegion *bufpool.Region
	RecvRegion *bufpool.Region
	CQs        []verbs.CompletionQueue
	Tasks      *taskqueue.Queue

	InlineThreshold int
	CQPollDepth     int

	logger     *zap.SugaredLogger
	supervisor *supervisor.FailureSupervisor
	metrics    *metrics.Fabric

	mu        sync.Mutex
	endpoints []*endpoint.Endpoint
	cursor    int

	inflightMu sync.Mutex
	inflight   map[uint64]*inflight
}

// New constructs an IoEngine. cqPollDepth is the CQ_POLL_DEPTH of
// spec.md §4.3: the maximum completions pulled from a single CQ per
// poll call.
func New(index int, sendRegion, recvRegion *bufpool.Region, cqs []verbs.CompletionQueue, taskQueueCapacity, inlineThreshold, cqPollDepth int, logger *zap.SugaredLogger, sup *supervisor.FailureSupervisor, m *metrics.Fabric) *IoEngine {
	return &IoEngine{
		Index:           index,
		SendRegion:      sendRegion,
		RecvRegion:      recvRegion,
		CQs:             cqs,
		Tasks:           taskqueue.New(taskQueueCapacity),
		InlineThreshold: inlineThreshold,
		CQPollDepth:     cqPollDepth,
		logger:          logger,
		supervisor:      sup,
		metrics:         m,
		inflight:        make(map[uint64]*inflight),
	}
}

// PutTask enqueues a send task (client sessions only).
func (e *IoEngine) PutTask(t taskqueue.Task) {
	e.Tasks.Put(t)
}

// PutEndpoint registers ep with this engine, appended to the
// round-robin selection list.
func (e *IoEngine) PutEndpoint(ep *endpoint.Endpoint) {
	e.mu.Lock()
	e.endpoints = append(e.endpoints, ep)
	e.mu.Unlock()
}

// EndpointCount returns how many endpoints this engine owns.
func (e *IoEngine) EndpointCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.endpoints)
}

// PickEndpoint returns the next endpoint whose RemoteServer matches
// dest, starting at this engine's round-robin cursor and wrapping at
// the end (spec.md §4.3). The cursor only advances on a successful
// pick. Returns nil if no endpoint matches dest.
func (e *IoEngine) PickEndpoint(dest string) *endpoint.Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.endpoints)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (e.cursor + i) % n
		if ep := e.endpoints[idx]; ep.RemoteServer() == dest {
			e.cursor = (idx + 1) % n
			return ep
		}
	}
	return nil
}

// PickNextBuffer pops a buffer from the send or recv region, matching
// kind.
func (e *IoEngine) PickNextBuffer(kind endpoint.Kind) *bufpool.Buffer {
	if kind == endpoint.Send {
		return e.SendRegion.Get()
	}
	return e.RecvRegion.Get()
}

// ReleaseBuffer returns buf to the region matching kind. Kind is
// accepted for symmetry with spec.md §4.3's release_buffer(kind,
// Buffer); buf already knows its own owning region.
func (e *IoEngine) ReleaseBuffer(kind endpoint.Kind, buf *bufpool.Buffer) {
	_ = kind
	buf.Release()
}

// RemainingBuffers reports the free count in the send or recv region.
func (e *IoEngine) RemainingBuffers(kind endpoint.Kind) int {
	if kind == endpoint.Send {
		return e.SendRegion.Size()
	}
	return e.RecvRegion.Size()
}

func (e *IoEngine) track(wrID uint64, in *inflight) {
	e.inflightMu.Lock()
	e.inflight[wrID] = in
	e.inflightMu.Unlock()
}

func (e *IoEngine) take(wrID uint64) *inflight {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	in := e.inflight[wrID]
	delete(e.inflight, wrID)
	return in
}

// PostSendBuffer frames header+payload into buf and posts it on ep,
// tracking the (endpoint, buffer) pair under the returned work
// request's wr_id for later completion dispatch. Used by both
// DispatchOneTask and the server reply path.
func (e *IoEngine) PostSendBuffer(ep *endpoint.Endpoint, buf *bufpool.Buffer, hdr wire.Header, payload []byte) error {
	n, err := wire.Frame(buf.Bytes(), hdr, payload)
	if err != nil {
		return err
	}
	sge := buf.SGE()
	sge.Length = n
	sge.Buf = buf.Bytes()[:n]

	status, err := ep.PostSend([]verbs.SGE{sge}, e.InlineThreshold)
	if err != nil {
		return err
	}
	e.track(status.ID, &inflight{ep: ep, buf: buf, kind: endpoint.Send})
	return nil
}

// PostRecvBuffer posts buf as a fresh recv request on ep, tracking the
// (endpoint, buffer) pair for later completion dispatch. Used both for
// the handshake's initial FLAGS_recv_batch pre-posting and for the
// re-post step after each RECV completion.
func (e *IoEngine) PostRecvBuffer(ep *endpoint.Endpoint, buf *bufpool.Buffer) error {
	status, err := ep.PostRecv([]verbs.SGE{buf.SGE()})
	if err != nil {
		return err
	}
	e.track(status.ID, &inflight{ep: ep, buf: buf, kind: endpoint.Recv})
	return nil
}

// DispatchOneTask implements spec.md §4.3 phase 1 ("Dispatch one
// task"), client sessions only: pop a task, acquire a send buffer,
// frame the fixed header plus payload into it, pick an endpoint for
// task.Dest, and post_send. On any failure (no free send buffer, no
// endpoint for task.Dest, or a post error) it releases the buffer if one
// was taken and requeues the task to the tail rather than dropping it. Returns
// true if a task was available to attempt (whether or not it
// succeeded), false if the queue was empty.
func (e *IoEngine) DispatchOneTask() bool {
	task, ok := e.Tasks.Get()
	if !ok {
		return false
	}

	buf := e.SendRegion.Get()
	if buf == nil {
		e.requeue(task)
		return true
	}

	ep := e.PickEndpoint(task.Dest)
	if ep == nil {
		buf.Release()
		e.requeue(task)
		return true
	}

	hdr := wire.Header{CallbackTag: task.CallbackTag, Context: task.Context}
	if err := e.PostSendBuffer(ep, buf, hdr, task.Payload); err != nil {
		buf.Release()
		e.requeue(task)
		return true
	}
	return true
}

func (e *IoEngine) requeue(task taskqueue.Task) {
	e.Tasks.Put(task)
	if e.metrics != nil {
		e.metrics.TasksRequeued.Inc()
	}
}

// DrainCompletions implements spec.md §4.3 phase 2: poll every bound CQ
// up to CQPollDepth completions and dispatch each. SEND completions
// release their buffers; RECV completions parse the fixed header,
// invoke onRecv, and re-post the same buffer as a fresh recv request.
// Per REDESIGN FLAGS (c), each completion's inflight record is removed
// from the map (take) before handling, which leaves the worker holding
// the only reference to its endpoint and buffer until the
// opcode-specific handling, including the re-post, completes.
func (e *IoEngine) DrainCompletions(onRecv RecvHandler) {
	for _, cq := range e.CQs {
		wcs, err := cq.Poll(e.CQPollDepth)
		if err != nil {
			e.logger.Errorw("cq poll error", "engine", e.Index, "error", err)
			continue
		}
		for _, wc := range wcs {
			e.dispatchCompletion(wc, onRecv)
		}
	}
}

func (e *IoEngine) dispatchCompletion(wc verbs.WorkCompletion, onRecv RecvHandler) {
	if wc.Status != verbs.WCSuccess {
		e.supervisor.HandleCompletionError(e.Index, wc)
		if in := e.take(wc.WrID); in != nil {
			if err := in.ep.RestoreFromErr(); err != nil {
				e.logger.Errorw("restore_from_err failed", "engine", e.Index, "error", err)
			}
		}
		return
	}

	switch wc.Opcode {
	case verbs.WROpcodeSend:
		in := e.take(wc.WrID)
		if in == nil {
			return
		}
		in.buf.Release()
		if e.metrics != nil {
			e.metrics.ObserveSend(1, wc.BytesXferred)
		}

	case verbs.WROpcodeRecv:
		in := e.take(wc.WrID)
		if in == nil {
			return
		}
		raw := in.buf.Bytes()
		if wc.BytesXferred < len(raw) {
			raw = raw[:wc.BytesXferred]
		}

		hdr, err := wire.ParseHeader(raw)
		if err != nil {
			e.logger.Errorw("malformed packet header", "engine", e.Index, "error", err)
		} else if payload, perr := wire.Payload(raw, hdr); perr != nil {
			e.logger.Errorw("malformed packet payload", "engine", e.Index, "error", perr)
		} else if onRecv != nil {
			onRecv(in.ep, hdr, payload)
		}

		if err := e.PostRecvBuffer(in.ep, in.buf); err != nil {
			e.logger.Errorw("recv re-post failed", "engine", e.Index, "endpoint", in.ep.QPN(), "error", err)
		}

		if e.metrics != nil {
			e.metrics.ObserveRecv(1, wc.BytesXferred)
		}
	}
}
