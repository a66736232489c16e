//go:build !unix

package memcache

import "syscall"

// controlSocket is a no-op here; dial still calls SetNoDelay on the
// resulting *net.TCPConn.
func controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
