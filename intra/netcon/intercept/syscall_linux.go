// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package intercept

import (
	"errors"
	"unsafe"

	"github.com/celzero/netcon/intra/netcon/rpc"
	"golang.org/x/sys/unix"
)

var rawShims = map[uintptr]rawShim{
	unix.SYS_ACCEPT4: rawAccept4,
}

// rawAccept4 is accept4(fd, addr, addrlen, flags) for callers that
// bypass libc. EBADF is reported as EAGAIN so non-blocking accept
// loops retry instead of giving up on the listener.
func rawAccept4(p *Proxy, a [6]uintptr) (uintptr, uintptr, unix.Errno) {
	fd, addr, addrlen, flags := int(a[0]), a[1], a[2], int(a[3])

	nfd, sa, err := p.Accept4(fd, flags)
	if err != nil {
		var errno unix.Errno
		if !errors.As(err, &errno) {
			errno = unix.EIO
		}
		if errno == unix.EBADF {
			errno = unix.EAGAIN
		}
		return ^uintptr(0), 0, errno
	}
	if addr != 0 && addrlen != 0 {
		putSockaddr(sa, addr, addrlen)
	}
	return uintptr(nfd), 0, 0
}

// putSockaddr writes sa to the caller's (addr, *addrlen) the way the
// kernel does: truncated to *addrlen, with *addrlen set to the full size.
// addr and addrlen are the caller's own syscall arguments, so they are
// valid user pointers for the duration of the call.
func putSockaddr(sa unix.Sockaddr, addr, addrlen uintptr) {
	lenp := (*uint32)(unsafe.Pointer(addrlen))
	raw, n, err := rpc.EncodeSockaddr(sa)
	if err != nil {
		*lenp = 0
		return
	}
	c := min(*lenp, n)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), c)
	copy(dst, raw[:c])
	*lenp = n
}
