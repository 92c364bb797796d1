//go:build windows

package ports

import "syscall"

// On Windows binds are exclusive unless SO_REUSEADDR is explicitly
// requested, and Go does not request it for listeners, so a plain bind
// already gives accurate availability.
func disableReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
