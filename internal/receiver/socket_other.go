//go:build !unix

package receiver

import (
	"errors"
	"syscall"
)

func listenControl(reusePort bool, receiveBuffer int) func(network, address string, c syscall.RawConn) error {
	if !reusePort {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		return errors.New("SO_REUSEPORT is not supported on this platform")
	}
}

func isResourceExhausted(err error) bool {
	return false
}

func isConnAborted(err error) bool {
	return false
}
