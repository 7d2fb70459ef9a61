package engine_test

import (
	"net"
	"testing"
	"time"

	"github.com/Achillessanger/SmartWN/bufpool"
	"github.com/Achillessanger/SmartWN/endpoint"
	"github.com/Achillessanger/SmartWN/engine"
	"github.com/Achillessanger/SmartWN/internal/logging"
	"github.com/Achillessanger/SmartWN/internal/supervisor"
	"github.com/Achillessanger/SmartWN/taskqueue"
	"github.com/Achillessanger/SmartWN/verbs"
	"github.com/Achillessanger/SmartWN/verbs/soft"
	"github.com/Achillessanger/SmartWN/wire"
)

func newTestEnginePair(t *testing.T) (client *engine.IoEngine, server *engine.IoEngine, epServer *endpoint.Endpoint) {
	t.Helper()
	dev := soft.NewDevice(verbs.GID{}, 256)

	sendRegionA, err := bufpool.New(dev, 64, 4, 8)
	if err != nil {
		t.Fatalf("New send region: %v", err)
	}
	recvRegionA, err := bufpool.New(dev, 64, 4, 8)
	if err != nil {
		t.Fatalf("New recv region: %v", err)
	}
	sendRegionB, err := bufpool.New(dev, 64, 4, 8)
	if err != nil {
		t.Fatalf("New send region: %v", err)
	}
	recvRegionB, err := bufpool.New(dev, 64, 4, 8)
	if err != nil {
		t.Fatalf("New recv region: %v", err)
	}

	cqA, _ := dev.CreateCQ(16)
	cqB, _ := dev.CreateCQ(16)

	qpA, err := dev.CreateQP(verbs.QPTypeRC, cqA, cqA, 16, 16)
	if err != nil {
		t.Fatalf("CreateQP a: %v", err)
	}
	qpB, err := dev.CreateQP(verbs.QPTypeRC, cqB, cqB, 16, 16)
	if err != nil {
		t.Fatalf("CreateQP b: %v", err)
	}

	connA, connB := net.Pipe()
	linkA := soft.NewHostLink(connA)
	linkB := soft.NewHostLink(connB)
	soft.BindQP(qpA, linkA)
	soft.BindQP(qpB, linkB)

	epA := endpoint.New(qpA, "server")
	epB := endpoint.New(qpB, "client")

	if err := epA.Activate(verbs.GID{}, qpB.QPN(), 0); err != nil {
		t.Fatalf("activate a: %v", err)
	}
	if err := epB.Activate(verbs.GID{}, qpA.QPN(), 0); err != nil {
		t.Fatalf("activate b: %v", err)
	}

	logger := logging.Nop()
	sup := supervisor.New(logger, false)

	client = engine.New(0, sendRegionA, recvRegionA, []verbs.CompletionQueue{cqA}, 16, 256, 16, logger, sup, nil)
	server = engine.New(1, sendRegionB, recvRegionB, []verbs.CompletionQueue{cqB}, 16, 256, 16, logger, sup, nil)
	client.PutEndpoint(epA)
	server.PutEndpoint(epB)

	return client, server, epB
}

func TestEngineDispatchAndRecvRoundTrip(t *testing.T) {
	client, server, epServer := newTestEnginePair(t)

	recvBuf := server.RecvRegion.Get()
	if recvBuf == nil {
		t.Fatalf("expected a recv buffer")
	}
	if err := server.PostRecvBuffer(epServer, recvBuf); err != nil {
		t.Fatalf("PostRecvBuffer: %v", err)
	}

	client.PutTask(taskqueue.Task{CallbackTag: 7, Context: 99, Payload: []byte("hi"), Dest: "server"})
	if dispatched := client.DispatchOneTask(); !dispatched {
		t.Fatalf("expected DispatchOneTask to find a task")
	}

	var gotHdr wire.Header
	var gotPayload []byte
	onRecv := func(ep *endpoint.Endpoint, hdr wire.Header, payload []byte) {
		gotHdr = hdr
		gotPayload = append([]byte(nil), payload...)
	}

	deadline := time.Now().Add(time.Second)
	for gotPayload == nil {
		client.DrainCompletions(nil)
		server.DrainCompletions(onRecv)
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for recv completion")
		}
		time.Sleep(time.Millisecond)
	}

	if gotHdr.CallbackTag != 7 || gotHdr.Context != 99 {
		t.Fatalf("unexpected header: %+v", gotHdr)
	}
	if string(gotPayload) != "hi" {
		t.Fatalf("got payload %q want %q", gotPayload, "hi")
	}

	if client.SendRegion.Size() != 4 {
		t.Fatalf("expected send buffer released back, got size %d", client.SendRegion.Size())
	}
}

func TestEngineDispatchRequeuesOnNoMatchingEndpoint(t *testing.T) {
	client, _, _ := newTestEnginePair(t)
	client.PutTask(taskqueue.Task{Dest: "nonexistent"})
	if dispatched := client.DispatchOneTask(); !dispatched {
		t.Fatalf("expected a task to be attempted")
	}
	task, ok := client.Tasks.Get()
	if !ok {
		t.Fatalf("expected the task to be requeued")
	}
	if task.Dest != "nonexistent" {
		t.Fatalf("unexpected requeued task: %+v", task)
	}
}
