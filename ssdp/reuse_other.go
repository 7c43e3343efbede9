//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package ssdp

import "syscall"

func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
