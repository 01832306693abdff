//go:build windows

package transport

import "syscall"

// reuseAddrControl enables SO_REUSEADDR on punch sockets so repeated
// dials can bind the same local port that the NAT mapping was opened on.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
