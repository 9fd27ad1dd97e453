//go:build !unix

package client

import "syscall"

func enableBroadcast(network, address string, c syscall.RawConn) error {
	return nil
}
