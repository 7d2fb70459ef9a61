//go:build linux
// +build linux

package rdmacontext

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig returns a net.ListenConfig that sets SO_REUSEADDR on the
// listening socket before bind, so a restarted Context can rebind a
// port still draining TIME_WAIT connections from a prior run, grounded
// on ehrlich-b-go-ublk's direct golang.org/x/sys/unix socket-option use
// (SPEC_FULL.md's DOMAIN STACK).
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}
