//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package beacon

import "net"

func enableBroadcast(*net.UDPConn) error {
	return nil
}
