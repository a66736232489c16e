//go:build unix

package memcache

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket disables Nagle and enables keepalive before connect.
func controlSocket(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
