package endpoint_test

import (
	"net"
	"testing"
	"time"

	"github.com/Achillessanger/SmartWN/endpoint"
	"github.com/Achillessanger/SmartWN/verbs"
	"github.com/Achillessanger/SmartWN/verbs/soft"
)

func pairedEndpoints(t *testing.T, dev *soft.Device) (a, b *endpoint.Endpoint) {
	t.Helper()
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

	a = endpoint.New(qpA, "peer-b")
	b = endpoint.New(qpB, "peer-a")

	if err := a.Activate(verbs.GID{}, qpB.QPN(), 0); err != nil {
		t.Fatalf("activate a: %v", err)
	}
	if err := b.Activate(verbs.GID{}, qpA.QPN(), 0); err != nil {
		t.Fatalf("activate b: %v", err)
	}
	return a, b
}

func TestEndpointPostSendRecvDeliversPayload(t *testing.T) {
	dev := soft.NewDevice(verbs.GID{}, 256)
	a, b := pairedEndpoints(t, dev)

	recvBuf := make([]byte, 32)
	if _, err := b.PostRecv([]verbs.SGE{{Buf: recvBuf, Length: len(recvBuf)}}); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	payload := []byte("ping")
	sendBuf := make([]byte, 32)
	copy(sendBuf, payload)
	if _, err := a.PostSend([]verbs.SGE{{Buf: sendBuf[:len(payload)], Length: len(payload)}}, 256); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	// HostLink delivers on its own reader goroutine; poll briefly rather
	// than assume delivery is synchronous with PostSend's return.
	deadline := time.Now().Add(time.Second)
	for string(recvBuf[:len(payload)]) != string(payload) {
		if time.Now().After(deadline) {
			t.Fatalf("got %q want %q", recvBuf[:len(payload)], payload)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEndpointPostSendRejectsBeforeActivate(t *testing.T) {
	dev := soft.NewDevice(verbs.GID{}, 256)
	cq, _ := dev.CreateCQ(4)
	qp, err := dev.CreateQP(verbs.QPTypeRC, cq, cq, 4, 4)
	if err != nil {
		t.Fatalf("CreateQP: %v", err)
	}
	ep := endpoint.New(qp, "peer")
	if _, err := ep.PostSend(nil, 256); err != verbs.ErrQPNotActivated {
		t.Fatalf("expected ErrQPNotActivated, got %v", err)
	}
}
