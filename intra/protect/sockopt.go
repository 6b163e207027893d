// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package protect

import (
	"net"

	"github.com/celzero/netcon/intra/log"
	"golang.org/x/sys/unix"
)

// shorter count / interval for faster drops
const (
	defaultIdle     = 180 // in seconds
	defaultCount    = 4   // unacknowledged probes
	defaultInterval = 5   // in seconds
)

// SetKeepAlive turns on tcp keepalives for c with short probes.
// Apps can't tune these themselves: their keepalive options are
// swallowed before they reach a real socket.
func SetKeepAlive(c net.Conn) (ok bool) {
	tc, isTCP := c.(*net.TCPConn)
	if !isTCP {
		return false
	}
	rawConn, err := tc.SyscallConn()
	if err != nil || rawConn == nil {
		return false
	}
	ok = true
	err = rawConn.Control(func(fd uintptr) {
		sock := int(fd)
		if err := unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			log.D("set SO_KEEPALIVE failed: %v", err)
			ok = false
		}
		if err := unix.SetsockoptInt(sock, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, defaultIdle); err != nil {
			log.D("set TCP_KEEPIDLE failed: %v", err)
			ok = false
		}
		if err := unix.SetsockoptInt(sock, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, defaultInterval); err != nil {
			log.D("set TCP_KEEPINTVL failed: %v", err)
			ok = false
		}
		if err := unix.SetsockoptInt(sock, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, defaultCount); err != nil {
			log.D("set TCP_KEEPCNT failed: %v", err)
			ok = false
		}
	})
	if err != nil {
		log.E("RawConn.Control() failed: %v", err)
		ok = false
	}
	return ok
}
