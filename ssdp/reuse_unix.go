//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package ssdp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets several listeners on the host share the SSDP port.
func reuseControl(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr != nil {
			return
		}

		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}); err != nil {
		return err
	}

	return serr
}
