// Package rdmacontext implements spec.md §4.4's Context: the
// process-wide owner of the device, the set of IO engines, the set of
// peer Hosts, and the TCP-side-channel handshake (Listen/Connect) that
// wires RDMA queue pairs end-to-end.
//
// Grounded on original_source/nic/context.cpp's ConnectionSetup /
// AcceptHandler state machine and on the teacher's
// transport/tcp/listener.go accept-loop shape, generalized from a
// WebSocket upgrade handshake to the three-exchange connect_info
// protocol of spec.md §6.2.
package rdmacontext

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Achillessanger/SmartWN/bufpool"
	"github.com/Achillessanger/SmartWN/config"
	"github.com/Achillessanger/SmartWN/endpoint"
	"github.com/Achillessanger/SmartWN/engine"
	"github.com/Achillessanger/SmartWN/host"
	"github.com/Achillessanger/SmartWN/internal/supervisor"
	"github.com/Achillessanger/SmartWN/metrics"
	"github.com/Achillessanger/SmartWN/verbs"
	"github.com/Achillessanger/SmartWN/verbs/soft"
	"github.com/Achillessanger/SmartWN/wire"
)

// defaultSL is the service level original_source's rdma_context
// constructor hard-codes via SetSl(7) (SUPPLEMENTED FEATURES).
const defaultSL = 7

// cqPollDepth is the CQ_POLL_DEPTH spec.md §4.3 names: the maximum
// completions pulled from one CQ per poll call.
const cqPollDepth = 16

// Context owns the device, the fixed set of IO engines, and the
// (append-only, mutex-guarded) set of peer Hosts, per spec.md §3's
// Context row: "Exactly one PD; hosts list is append-only and guarded;
// engines list is fixed after init."
type Context struct {
	dev      verbs.Device
	opts     config.Options
	localGID verbs.GID
	localIP  string

	logger     *zap.SugaredLogger
	supervisor *supervisor.FailureSupervisor
	metrics    *metrics.Fabric

	Engines []*engine.IoEngine

	hostsMu sync.Mutex
	hosts   map[string]*host.Host

	listener net.Listener
}

// New builds a Context against dev: one IoEngine per opts.IoEngineNum,
// each with its own send/recv Buffer Region and opts.CQNum completion
// queues.
func New(dev verbs.Device, opts config.Options, logger *zap.SugaredLogger, sup *supervisor.FailureSupervisor, m *metrics.Fabric) (*Context, error) {
	c := &Context{
		dev:        dev,
		opts:       opts,
		localGID:   dev.LocalGID(),
		logger:     logger,
		supervisor: sup,
		metrics:    m,
		hosts:      make(map[string]*host.Host),
	}
	c.localIP = c.localGID.LocalIPv4()

	for i := 0; i < opts.IoEngineNum; i++ {
		sendRegion, err := bufpool.New(dev, opts.SendBufSize, opts.BufNum, opts.MemAlign)
		if err != nil {
			return nil, errors.Wrapf(err, "rdmacontext: engine %d send region", i)
		}
		recvRegion, err := bufpool.New(dev, opts.RecvBufSize, opts.BufNum, opts.MemAlign)
		if err != nil {
			return nil, errors.Wrapf(err, "rdmacontext: engine %d recv region", i)
		}

		cqs := make([]verbs.CompletionQueue, opts.CQNum)
		for j := 0; j < opts.CQNum; j++ {
			cq, err := dev.CreateCQ(opts.CQDepth)
			if err != nil {
				return nil, errors.Wrapf(err, "rdmacontext: engine %d cq %d", i, j)
			}
			cqs[j] = cq
		}

		eng := engine.New(i, sendRegion, recvRegion, cqs, opts.BufNum, opts.InlineThreshold, cqPollDepth, logger, sup, m)
		c.Engines = append(c.Engines, eng)
	}
	return c, nil
}

// LocalIP returns the dotted-quad derived from the last four bytes of
// the local GID (spec.md §4.4's "IP derivation").
func (c *Context) LocalIP() string { return c.localIP }

func (c *Context) getOrCreateHost(addr string) *host.Host {
	c.hostsMu.Lock()
	defer c.hostsMu.Unlock()
	h, ok := c.hosts[addr]
	if !ok {
		h = host.New(addr)
		c.hosts[addr] = h
	}
	return h
}

// Host returns the Host for addr if one has been created by a
// completed or in-progress handshake.
func (c *Context) Host(addr string) (*host.Host, bool) {
	c.hostsMu.Lock()
	defer c.hostsMu.Unlock()
	h, ok := c.hosts[addr]
	return h, ok
}

// Listen binds opts.Port and accepts inbound peer connections,
// performing the server side of the handshake on each in its own
// goroutine. It returns once the listening socket is bound; accept
// errors on an already-running listener are logged, not returned.
func (c *Context) Listen() error {
	ln, err := listenConfig().Listen(context.Background(), "tcp", ":"+strconv.Itoa(c.opts.Port))
	if err != nil {
		return errors.Wrapf(err, "rdmacontext: listen on port %d", c.opts.Port)
	}
	c.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				c.logger.Infow("listener closed", "error", err)
				return
			}
			go func() {
				if err := c.serverHandshake(conn); err != nil {
					c.logger.Errorw("server handshake failed", "remote", conn.RemoteAddr(), "error", err)
					conn.Close()
				}
			}()
		}
	}()
	return nil
}

// Close shuts down the listening socket, if any.
func (c *Context) Close() error {
	if c.listener == nil {
		return nil
	}
	return c.listener.Close()
}

// Connect dials server:port and drives the client side of the
// handshake, retrying up to opts.ConnectRetries times with
// opts.ConnectBackoff between attempts (spec.md §4.4's "Retry").
func (c *Context) Connect(server string, port int) error {
	addr := server + ":" + strconv.Itoa(port)

	var conn net.Conn
	var err error
	for attempt := 0; attempt <= c.opts.ConnectRetries; attempt++ {
		conn, err = net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			break
		}
		if attempt < c.opts.ConnectRetries {
			time.Sleep(c.opts.ConnectBackoff)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "rdmacontext: connect to %s after %d retries", addr, c.opts.ConnectRetries)
	}

	if err := c.clientHandshake(conn, server); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// clientHandshake drives the client side of the three exchanges of
// spec.md §4.4 against an already-dialed conn.
func (c *Context) clientHandshake(conn net.Conn, dest string) error {
	totalQP := c.opts.QPNum * len(c.Engines)

	if err := wire.WriteConnectInfo(conn, wire.ConnectInfo{
		Type: wire.InfoHostInfo, GID: c.localGID, NumberOfQP: uint32(totalQP),
	}); err != nil {
		return errors.Wrap(err, "rdmacontext: write HostInfo")
	}
	reply, err := wire.ReadConnectInfo(conn)
	if err != nil {
		return errors.Wrap(err, "rdmacontext: read HostInfo reply")
	}
	if reply.Type != wire.InfoHostInfo {
		return errors.Errorf("rdmacontext: expected HostInfo, got type %d", reply.Type)
	}

	h := c.getOrCreateHost(dest)
	createdQPs, err := c.channelExchange(conn, h, dest, reply.GID, totalQP, true)
	if err != nil {
		return err
	}

	if err := wire.WriteConnectInfo(conn, wire.ConnectInfo{Type: wire.InfoGoGo}); err != nil {
		return errors.Wrap(err, "rdmacontext: write GoGo")
	}
	if _, err := wire.ReadConnectInfo(conn); err != nil {
		return errors.Wrap(err, "rdmacontext: read GoGo reply")
	}

	c.finishHandshake(conn, h, createdQPs)
	return nil
}

// serverHandshake drives the server side against an accepted conn.
func (c *Context) serverHandshake(conn net.Conn) error {
	req, err := wire.ReadConnectInfo(conn)
	if err != nil {
		return errors.Wrap(err, "rdmacontext: read HostInfo")
	}
	if req.Type != wire.InfoHostInfo {
		return errors.Errorf("rdmacontext: expected HostInfo, got type %d", req.Type)
	}

	dest := conn.RemoteAddr().String()
	h := c.getOrCreateHost(dest)

	if err := wire.WriteConnectInfo(conn, wire.ConnectInfo{
		Type: wire.InfoHostInfo, GID: c.localGID, NumberOfQP: req.NumberOfQP,
	}); err != nil {
		return errors.Wrap(err, "rdmacontext: write HostInfo reply")
	}

	createdQPs, err := c.channelExchange(conn, h, dest, req.GID, int(req.NumberOfQP), false)
	if err != nil {
		return err
	}

	gogo, err := wire.ReadConnectInfo(conn)
	if err != nil {
		return errors.Wrap(err, "rdmacontext: read GoGo")
	}
	if gogo.Type != wire.InfoGoGo {
		return errors.Errorf("rdmacontext: expected GoGo, got type %d", gogo.Type)
	}
	if err := wire.WriteConnectInfo(conn, wire.ConnectInfo{Type: wire.InfoGoGo}); err != nil {
		return errors.Wrap(err, "rdmacontext: write GoGo reply")
	}

	c.finishHandshake(conn, h, createdQPs)
	return nil
}

// channelExchange repeats the QP allocation / ChannelInfo exchange /
// activate / recv-batch-prepost sequence count times, assigning QPs to
// local engines (then, within an engine, to its CQs) in round-robin
// order (spec.md §4.4). isClient controls exchange ordering (client
// writes-then-reads; server reads-then-writes) so a single TCP
// connection never deadlocks on a symmetric protocol.
func (c *Context) channelExchange(conn net.Conn, h *host.Host, dest string, remoteGID verbs.GID, count int, isClient bool) ([]verbs.QueuePair, error) {
	qps := make([]verbs.QueuePair, 0, count)
	cqCursor := make([]int, len(c.Engines))

	for i := 0; i < count; i++ {
		engIdx := i % len(c.Engines)
		eng := c.Engines[engIdx]
		cqIdx := cqCursor[engIdx] % len(eng.CQs)
		cqCursor[engIdx]++
		cq := eng.CQs[cqIdx]

		qp, err := c.dev.CreateQP(verbs.QPTypeRC, cq, cq, c.opts.SendWQDepth, c.opts.RecvWQDepth)
		if err != nil {
			return nil, errors.Wrapf(err, "rdmacontext: create qp %d", i)
		}

		local := wire.ConnectInfo{Type: wire.InfoChannelInfo, QPNum: qp.QPN(), DLID: 0, SL: defaultSL}
		var remote wire.ConnectInfo
		if isClient {
			if err := wire.WriteConnectInfo(conn, local); err != nil {
				return nil, errors.Wrapf(err, "rdmacontext: write ChannelInfo %d", i)
			}
			remote, err = wire.ReadConnectInfo(conn)
		} else {
			remote, err = wire.ReadConnectInfo(conn)
			if err == nil {
				err = wire.WriteConnectInfo(conn, local)
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "rdmacontext: ChannelInfo exchange %d", i)
		}
		if remote.Type != wire.InfoChannelInfo {
			return nil, errors.Errorf("rdmacontext: expected ChannelInfo, got type %d", remote.Type)
		}

		ep := endpoint.New(qp, dest)
		if err := ep.Activate(remoteGID, remote.QPNum, remote.SL); err != nil {
			return nil, errors.Wrapf(err, "rdmacontext: activate endpoint %d", i)
		}

		for r := 0; r < c.opts.RecvBatch; r++ {
			buf := eng.RecvRegion.Get()
			if buf == nil {
				break
			}
			if err := eng.PostRecvBuffer(ep, buf); err != nil {
				return nil, errors.Wrapf(err, "rdmacontext: pre-post recv on endpoint %d", i)
			}
		}

		eng.PutEndpoint(ep)
		h.AddEndpoint(ep)
		qps = append(qps, qp)
	}
	return qps, nil
}

// finishHandshake wraps conn in a HostLink and binds every QP created
// during this handshake to it, then marks the host initialized.
func (c *Context) finishHandshake(conn net.Conn, h *host.Host, qps []verbs.QueuePair) {
	link := soft.NewHostLink(conn)
	for _, qp := range qps {
		soft.BindQP(qp, link)
	}
	h.SetInitialized()
}
