//go:build unix

package receiver

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl sets options on the listening socket before bind.
// Accepted sockets inherit SO_RCVBUF from it.
func listenControl(reusePort bool, receiveBuffer int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			// Allow quick restarts while old connections sit in TIME_WAIT
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if opErr != nil {
				opErr = fmt.Errorf("SO_REUSEADDR: %w", opErr)
				return
			}

			// Allow multiple relays on one port
			if reusePort {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); opErr != nil {
					opErr = fmt.Errorf("SO_REUSEPORT: %w", opErr)
					return
				}
			}

			if receiveBuffer > 0 {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, receiveBuffer); opErr != nil {
					opErr = fmt.Errorf("SO_RCVBUF: %w", opErr)
				}
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// isResourceExhausted reports accept errors worth a short back off.
func isResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) || errors.Is(err, unix.ENOBUFS)
}

// isConnAborted reports accept errors that only concern the one pending
// connection.
func isConnAborted(err error) bool {
	return errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.ECONNRESET)
}
