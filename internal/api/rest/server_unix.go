//go:build !windows

package rest

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePort lets a restarted replica bind while the old one drains
func reusePort(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
