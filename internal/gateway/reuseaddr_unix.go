//go:build unix

package gateway

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setReuseAddr lets the watchdog and learning sockets share their multicast
// port with other gateways on the same host.
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
