//go:build !windows

package ports

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// disableReuseAddr clears SO_REUSEADDR before bind. Go's listener setup
// enables it by default, which lets the probe bind succeed on a port
// another process is still holding.
func disableReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 0)
	})
	if err != nil {
		return err
	}
	return sockErr
}
