package bufpool

import (
	"fmt"

	"github.com/Achillessanger/SmartWN/verbs"
)

// Region is one contiguous, registered memory block sliced into
// bufCount buffers of bufSize bytes, aligned to align bytes. The
// free-list is a buffered channel, matching the teacher's own
// channel-backed free-list pattern (pool/base_bufferpool.go) and
// satisfying spec.md's requirement that it "tolerate concurrent
// get/put from the engine worker AND... the engine worker that also
// re-posts after completion."
type Region struct {
	backing []byte
	bufSize int
	free    chan *Buffer
	mr      verbs.MemoryRegion
}

// New allocates a region of bufCount buffers of bufSize bytes each,
// aligned to align bytes, and registers it with dev's protection
// domain (spec.md §4.1: "new(pd, buf_size, buf_count, align, flags)").
func New(dev verbs.Device, bufSize, bufCount, align int) (*Region, error) {
	if bufSize <= 0 || bufCount <= 0 {
		return nil, fmt.Errorf("bufpool: invalid size=%d count=%d", bufSize, bufCount)
	}
	total := bufSize*bufCount + align
	backing := make([]byte, total)

	offset := alignUp(backing, align)
	usable := backing[offset:]

	mr, err := dev.RegisterMemory(usable)
	if err != nil {
		return nil, fmt.Errorf("bufpool: register memory region: %w", err)
	}

	r := &Region{
		backing: usable,
		bufSize: bufSize,
		free:    make(chan *Buffer, bufCount),
		mr:      mr,
	}

	base := mr.Addr()
	for i := 0; i < bufCount; i++ {
		lo, hi := i*bufSize, (i+1)*bufSize
		buf := &Buffer{
			Address:  base + uintptr(lo),
			Length:   bufSize,
			LocalKey: mr.LKey(),
			bytes:    usable[lo:hi],
			region:   r,
		}
		r.free <- buf
	}
	return r, nil
}

// Get pops one buffer from the free-list, or returns nil if the region
// is momentarily exhausted (spec.md §4.1: "returns none when empty;
// caller must back off").
func (r *Region) Get() *Buffer {
	select {
	case b := <-r.free:
		return b
	default:
		return nil
	}
}

// put returns b to the tail of the free-list. Unexported: callers go
// through Buffer.Release to keep the region<->buffer relationship
// enforced in one place.
func (r *Region) put(b *Buffer) {
	r.free <- b
}

// Size returns the current free count.
func (r *Region) Size() int {
	return len(r.free)
}

func alignUp(backing []byte, align int) int {
	if align <= 1 || len(backing) == 0 {
		return 0
	}
	addr := addrOf(backing)
	rem := int(addr) % align
	if rem == 0 {
		return 0
	}
	return align - rem
}
