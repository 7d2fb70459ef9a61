package soft

import (
	"sync"

	"github.com/Achillessanger/SmartWN/verbs"
)

// cq is a bounded, mutex-guarded completion queue. Poll never blocks —
// it returns whatever is ready, which is the shape engine.DrainCompletions
// needs for its non-sleeping poll loop (spec.md §4.3).
type cq struct {
	mu     sync.Mutex
	depth  int
	pend   []verbs.WorkCompletion
	closed bool
}

func newCQ(depth int) *cq {
	return &cq{depth: depth, pend: make([]verbs.WorkCompletion, 0, depth)}
}

func (c *cq) push(wc verbs.WorkCompletion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	// A software CQ never truly "overflows" the way a hardware ring
	// would; the spec's only hard requirement is FIFO delivery per QP,
	// so we simply grow rather than drop.
	c.pend = append(c.pend, wc)
}

func (c *cq) Poll(max int) ([]verbs.WorkCompletion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pend) == 0 {
		return nil, nil
	}
	n := max
	if n > len(c.pend) {
		n = len(c.pend)
	}
	out := make([]verbs.WorkCompletion, n)
	copy(out, c.pend[:n])
	c.pend = c.pend[n:]
	return out, nil
}

func (c *cq) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pend = nil
	return nil
}
