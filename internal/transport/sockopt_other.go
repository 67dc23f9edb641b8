//go:build !unix

package transport

import "syscall"

func udpControl(network, address string, c syscall.RawConn) error {
	return nil
}
