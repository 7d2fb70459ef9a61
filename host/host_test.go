package host_test

import (
	"testing"

	"github.com/Achillessanger/SmartWN/endpoint"
	"github.com/Achillessanger/SmartWN/host"
	"github.com/Achillessanger/SmartWN/verbs"
	"github.com/Achillessanger/SmartWN/verbs/soft"
)

func newTestEndpoint(t *testing.T, dev *soft.Device) *endpoint.Endpoint {
	t.Helper()
	cq, err := dev.CreateCQ(4)
	if err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	qp, err := dev.CreateQP(verbs.QPTypeRC, cq, cq, 4, 4)
	if err != nil {
		t.Fatalf("CreateQP: %v", err)
	}
	return endpoint.New(qp, "peer")
}

func TestHostNextEndpointRoundRobinsAndWraps(t *testing.T) {
	dev := soft.NewDevice(verbs.GID{}, 256)
	h := host.New("peer")
	e1 := newTestEndpoint(t, dev)
	e2 := newTestEndpoint(t, dev)
	e3 := newTestEndpoint(t, dev)
	h.AddEndpoint(e1)
	h.AddEndpoint(e2)
	h.AddEndpoint(e3)

	seen := []*endpoint.Endpoint{h.NextEndpoint(), h.NextEndpoint(), h.NextEndpoint(), h.NextEndpoint()}
	if seen[0] != e1 || seen[1] != e2 || seen[2] != e3 || seen[3] != e1 {
		t.Fatalf("expected round-robin wrap e1,e2,e3,e1, got %v", seen)
	}
}

func TestHostNextEndpointEmpty(t *testing.T) {
	h := host.New("peer")
	if ep := h.NextEndpoint(); ep != nil {
		t.Fatalf("expected nil from empty host, got %v", ep)
	}
}

func TestHostInitializedAndCredit(t *testing.T) {
	h := host.New("peer")
	if h.Initialized() {
		t.Fatalf("expected not initialized")
	}
	h.SetInitialized()
	if !h.Initialized() {
		t.Fatalf("expected initialized")
	}

	h.AddCredit(5)
	h.AddCredit(-2)
	if h.Credit() != 3 {
		t.Fatalf("expected credit 3, got %d", h.Credit())
	}
}
