// Package server implements spec.md §4.6's Server Session: it owns a
// Context, listens for incoming connections, and on every request
// invokes a user-supplied handler, replying with the handler's output
// under the same {callback_tag, ctx} pair.
//
// Grounded on the teacher's server/ package (a façade that owns a
// transport and a reactor loop per worker) and on
// original_source/nic/rdma-memorynode.cpp's data_channel server loop,
// including its busy-wait retry on send-buffer exhaustion.
package server

import (
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Achillessanger/SmartWN/endpoint"
	"github.com/Achillessanger/SmartWN/engine"
	"github.com/Achillessanger/SmartWN/rdmacontext"
	"github.com/Achillessanger/SmartWN/wire"
)

func busyWait() {
	time.Sleep(engine.BackpressureSleep)
}

// Handler answers a request: given the input payload it returns the
// reply payload to send back under the same callback_tag/ctx.
type Handler func(ctx uint64, in []byte) (out []byte)

// Session owns a Context and dispatches incoming requests to a single
// Handler across every IO engine's worker goroutine.
type Session struct {
	ctx     *rdmacontext.Context
	handler atomic.Value // Handler

	group   *errgroup.Group
	stop    chan struct{}
	stopped atomic.Bool
}

// New wraps ctx as a server session. Listen must be called separately
// before Start so the caller can decide when to begin accepting.
func New(ctx *rdmacontext.Context) *Session {
	return &Session{stop: make(chan struct{}), ctx: ctx}
}

// SetCallback installs the request handler. It may be changed at any
// time; readers observe it atomically.
func (s *Session) SetCallback(h Handler) {
	s.handler.Store(h)
}

// Listen opens the fabric's listening port (spec.md §4.4's server side
// of the handshake).
func (s *Session) Listen() error {
	return s.ctx.Listen()
}

// Start spawns one worker goroutine per IO engine running the
// dispatch-then-drain loop; incoming RECV completions are routed to
// onRecv, which invokes the installed Handler and replies in place.
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
				eng.DrainCompletions(func(ep *endpoint.Endpoint, hdr wire.Header, payload []byte) {
					s.onRecv(eng, ep, hdr, payload)
				})
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

// onRecv answers one request: it runs the installed handler, then
// posts the reply under the request's own callback_tag/ctx, retrying
// with engine.BackpressureSleep spacing while no send buffer is free
// (original_source's data_channel busy-waits the same way rather than
// drop a reply).
func (s *Session) onRecv(eng *engine.IoEngine, ep *endpoint.Endpoint, hdr wire.Header, payload []byte) {
	h, _ := s.handler.Load().(Handler)
	if h == nil {
		return
	}
	out := h(hdr.Context, payload)

	replyHdr := wire.Header{CallbackTag: hdr.CallbackTag, Context: hdr.Context, Length: int32(len(out))}
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		buf := eng.PickNextBuffer(endpoint.Send)
		if buf == nil {
			busyWait()
			continue
		}
		if err := eng.PostSendBuffer(ep, buf, replyHdr, out); err != nil {
			eng.ReleaseBuffer(endpoint.Send, buf)
			busyWait()
			continue
		}
		return
	}
}
