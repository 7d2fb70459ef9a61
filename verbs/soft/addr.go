package soft

import "unsafe"

// addrOf returns a process-local, debug-only numeric handle for buf's
// backing array. It is never dereferenced by this package — all actual
// data movement goes through verbs.SGE.Buf — so it stays safe even
// though the returned value looks like a real pointer.
func addrOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
