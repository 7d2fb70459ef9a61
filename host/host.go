// Package host implements spec.md §3's Host entity: one remote peer
// identified by address string, its ordered list of endpoints, and fair
// round-robin selection across them. Grounded on the teacher's
// client/facade.go connection-pool-by-address pattern, generalized from
// one TCP connection per address to N RDMA endpoints per address.
package host

import (
	"sync"
	"sync/atomic"

	"github.com/Achillessanger/SmartWN/endpoint"
)

// Host is one remote peer. Endpoints holds non-owning references into
// the owning IoEngine's endpoint lists (spec.md §3: "Host holds
// non-owning references to its endpoints").
type Host struct {
	Address string

	mu          sync.Mutex
	endpoints   []*endpoint.Endpoint
	cursor      uint64
	initialized bool

	credit atomic.Int64
}

// New creates an uninitialized Host for address.
func New(address string) *Host {
	return &Host{Address: address}
}

// AddEndpoint appends ep to this host's endpoint list. Called once per
// channel exchange during the handshake (spec.md §4.4).
func (h *Host) AddEndpoint(ep *endpoint.Endpoint) {
	h.mu.Lock()
	h.endpoints = append(h.endpoints, ep)
	h.mu.Unlock()
}

// Endpoints returns a snapshot of this host's endpoint list.
func (h *Host) Endpoints() []*endpoint.Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*endpoint.Endpoint, len(h.endpoints))
	copy(out, h.endpoints)
	return out
}

// NextEndpoint returns the next endpoint in round-robin order, fair
// under concurrent callers (spec.md §3: "next_endpoint() is fair under
// concurrent callers"). Returns nil if this host has no endpoints.
func (h *Host) NextEndpoint() *endpoint.Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.endpoints) == 0 {
		return nil
	}
	idx := h.cursor % uint64(len(h.endpoints))
	h.cursor++
	return h.endpoints[idx]
}

// SetInitialized marks this host ready for data-plane traffic, set
// after the GoGo exchange completes (spec.md §4.4).
func (h *Host) SetInitialized() {
	h.mu.Lock()
	h.initialized = true
	h.mu.Unlock()
}

// Initialized reports whether the GoGo exchange has completed.
func (h *Host) Initialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initialized
}

// AddCredit adjusts the advisory credit counter. Per REDESIGN FLAGS (b)
// this is never consulted on the send-dispatch hot path; it exists for
// an application-level admission-control layer to read.
func (h *Host) AddCredit(delta int64) {
	h.credit.Add(delta)
}

// Credit returns the current advisory credit value.
func (h *Host) Credit() int64 {
	return h.credit.Load()
}
