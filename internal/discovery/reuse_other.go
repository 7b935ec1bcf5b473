//go:build !linux && !darwin && !freebsd

package discovery

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error { return nil }
