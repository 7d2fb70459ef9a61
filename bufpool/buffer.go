// Package bufpool implements the pre-registered, pre-sliced Buffer
// Region of spec.md §4.1: one contiguous, NIC-registered memory block
// sliced into fixed-size, aligned buffers, handed out and reclaimed
// through a thread-safe free-list.
//
// Grounded on the teacher's pool/base_bufferpool.go (channel-backed
// free-list keyed by size/NUMA class) and core/buffer/bufferpool_linux.go
// (a registered-memory-backed Buffer type with Release returning it to
// its owning pool).
package bufpool

import (
	"github.com/Achillessanger/SmartWN/verbs"
)

// Buffer is one fixed-size slice out of a Region's registered memory.
// It carries exactly the {address, length, local_key} triple spec.md
// §3 names, plus the Go-level byte view soft verbs backends need.
type Buffer struct {
	Address  uintptr
	Length   int
	LocalKey uint32
	bytes    []byte
	region   *Region
}

// Bytes returns the full backing slice for this buffer.
func (b *Buffer) Bytes() []byte { return b.bytes }

// SGE converts this buffer into a verbs.SGE describing its whole extent.
func (b *Buffer) SGE() verbs.SGE {
	return verbs.SGE{Addr: b.Address, Length: b.Length, LKey: b.LocalKey, Buf: b.bytes}
}

// Release returns the buffer to its owning region's free-list. Safe to
// call exactly once per acquisition (spec.md §3: "either free in
// region free-list XOR owned by exactly one in-flight work request").
func (b *Buffer) Release() {
	b.region.put(b)
}
