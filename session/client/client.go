// Package client implements spec.md §4.5's Client Session: a thin
// façade owning a Context, spawning one worker goroutine per IO engine
// running the client data_channel loop, and exposing Send through a
// per-engine handle.
//
// Grounded on the teacher's lowlevel/client/facade.go (a façade owning a
// transport and exposing a narrow send surface to callers) and on
// original_source/nic/rdma-gpunode.cpp's data_channel client loop.
package client

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Achillessanger/SmartWN/endpoint"
	"github.com/Achillessanger/SmartWN/rdmacontext"
	"github.com/Achillessanger/SmartWN/taskqueue"
	"github.com/Achillessanger/SmartWN/wire"
)

// Callback is invoked on an engine's worker goroutine when a reply to
// one of its Send calls arrives. It must not block (spec.md §4.5: "The
// callback runs under the engine's single thread; it must not block").
type Callback func(ctx uint64, payload []byte)

// Session owns a Context and the per-call callback registry that
// stands in for the original's raw callback_tag function pointer
// (spec.md §9's "implementations MAY map it through a registry").
type Session struct {
	ctx *rdmacontext.Context

	cbMu      sync.Mutex
	callbacks map[uint64]Callback
	nextTag   atomic.Uint64

	group   *errgroup.Group
	stop    chan struct{}
	stopped atomic.Bool
}

// New wraps ctx as a client session.
func New(ctx *rdmacontext.Context) *Session {
	return &Session{
		ctx:       ctx,
		callbacks: make(map[uint64]Callback),
		stop:      make(chan struct{}),
	}
}

// SetHosts connects to every address in hosts, on the given port, per
// spec.md §4.5's set_hosts/init surface.
func (s *Session) SetHosts(hosts []string, port int) error {
	for _, h := range hosts {
		if err := s.ctx.Connect(h, port); err != nil {
			return err
		}
	}
	return nil
}

// Start spawns one worker goroutine per IO engine, each running the
// dispatch-then-drain loop of spec.md §4.3 without sleeping except on
// the documented back-pressure points (handled inside engine itself).
func (s *Session) Start() {
	g := &errgroup.Group{}
	for _, eng := range s.ctx.Engines {
		eng := eng
		g.Go(func() error {
			for {
				select {
				case <-s.stop:
					return nil
				default:
				}
				eng.DispatchOneTask()
				eng.DrainCompletions(s.onRecv)
			}
		})
	}
	s.group = g
}

// Stop signals every worker loop to exit and waits for them to do so.
func (s *Session) Stop() error {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stop)
	}
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// EngineHandle is the thin per-engine handle spec.md §4.5 exposes from
// get_engine(i): its only method is Send.
type EngineHandle struct {
	session *Session
	index   int
}

// GetEngine returns the handle for engine i.
func (s *Session) GetEngine(i int) *EngineHandle {
	return &EngineHandle{session: s, index: i}
}

// Send registers cb under a fresh callback tag, carrying ctx alongside
// it, and enqueues a send task for this engine's worker to dispatch.
// The call returns immediately; cb fires later from the worker
// goroutine when the reply's RECV completion is processed.
func (h *EngineHandle) Send(cb Callback, ctx uint64, payload []byte, dest string) error {
	s := h.session
	tag := s.nextTag.Add(1)

	s.cbMu.Lock()
	s.callbacks[tag] = cb
	s.cbMu.Unlock()

	s.ctx.Engines[h.index].PutTask(taskqueue.Task{
		CallbackTag: tag,
		Context:     ctx,
		Payload:     payload,
		Dest:        dest,
	})
	return nil
}

// onRecv is the client's RecvHandler (spec.md §4.5): decode
// {callback_tag, ctx, length} from the header, invoke the registered
// callback synchronously, and let the caller (engine.DrainCompletions)
// re-post the recv buffer unchanged.
func (s *Session) onRecv(ep *endpoint.Endpoint, hdr wire.Header, payload []byte) {
	s.cbMu.Lock()
	cb, ok := s.callbacks[hdr.CallbackTag]
	if ok {
		delete(s.callbacks, hdr.CallbackTag)
	}
	s.cbMu.Unlock()
	if !ok {
		return
	}
	cb(hdr.Context, payload)
}
