// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package symbols

import (
	"github.com/celzero/netcon/intra/log"
	"golang.org/x/sys/unix"
)

// Direct sends every call to the genuine implementation. A call
// through a missing symbol fails with ENOSYS instead of crashing.
type Direct struct {
	reg *Registry
}

// NewDirect returns a kernel backend over reg.
func NewDirect(reg *Registry) *Direct {
	return &Direct{reg: reg}
}

func (d *Direct) t() *Table {
	return d.reg.Table()
}

func missing(name string) error {
	log.E("symbols: %s unresolved", name)
	return unix.ENOSYS
}

func (d *Direct) Socket(domain, typ, proto int) (int, error) {
	if f := d.t().Socket; f != nil {
		return f(domain, typ, proto)
	}
	return -1, missing("socket")
}

func (d *Direct) Connect(fd int, sa unix.Sockaddr) error {
	if f := d.t().Connect; f != nil {
		return f(fd, sa)
	}
	return missing("connect")
}

func (d *Direct) Bind(fd int, sa unix.Sockaddr) error {
	if f := d.t().Bind; f != nil {
		return f(fd, sa)
	}
	return missing("bind")
}

func (d *Direct) Listen(fd, backlog int) error {
	if f := d.t().Listen; f != nil {
		return f(fd, backlog)
	}
	return missing("listen")
}

func (d *Direct) Accept(fd int) (int, unix.Sockaddr, error) {
	if f := d.t().Accept; f != nil {
		return f(fd)
	}
	return -1, nil, missing("accept")
}

func (d *Direct) Accept4(fd, flags int) (int, unix.Sockaddr, error) {
	if f := d.t().Accept4; f != nil {
		return f(fd, flags)
	}
	return -1, nil, missing("accept4")
}

func (d *Direct) SetsockoptInt(fd, level, opt, value int) error {
	if f := d.t().SetsockoptInt; f != nil {
		return f(fd, level, opt, value)
	}
	return missing("setsockopt")
}

func (d *Direct) Setsockopt(fd, level, opt int, value []byte) error {
	if f := d.t().Setsockopt; f != nil {
		return f(fd, level, opt, value)
	}
	return missing("setsockopt")
}

func (d *Direct) GetsockoptInt(fd, level, opt int) (int, error) {
	if f := d.t().GetsockoptInt; f != nil {
		return f(fd, level, opt)
	}
	return -1, missing("getsockopt")
}

func (d *Direct) Getsockname(fd int) (unix.Sockaddr, error) {
	if f := d.t().Getsockname; f != nil {
		return f(fd)
	}
	return nil, missing("getsockname")
}

func (d *Direct) Getpeername(fd int) (unix.Sockaddr, error) {
	if f := d.t().Getpeername; f != nil {
		return f(fd)
	}
	return nil, missing("getpeername")
}

func (d *Direct) Send(fd int, p []byte, flags int) (int, error) {
	return d.Sendto(fd, p, flags, nil)
}

func (d *Direct) Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	if f := d.t().Sendto; f != nil {
		return f(fd, p, flags, to)
	}
	return -1, missing("sendto")
}

func (d *Direct) Sendmsg(fd int, bufs [][]byte, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	if f := d.t().Sendmsg; f != nil {
		return f(fd, bufs, oob, to, flags)
	}
	return -1, missing("sendmsg")
}

func (d *Direct) Recv(fd int, p []byte, flags int) (int, error) {
	n, _, err := d.Recvfrom(fd, p, flags)
	return n, err
}

func (d *Direct) Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	if f := d.t().Recvfrom; f != nil {
		return f(fd, p, flags)
	}
	return -1, nil, missing("recvfrom")
}

func (d *Direct) Recvmsg(fd int, bufs [][]byte, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	if f := d.t().Recvmsg; f != nil {
		return f(fd, bufs, oob, flags)
	}
	return -1, 0, 0, nil, missing("recvmsg")
}

func (d *Direct) Close(fd int) error {
	if f := d.t().Close; f != nil {
		return f(fd)
	}
	return missing("close")
}

func (d *Direct) Fcntl(fd, cmd, arg int) (int, error) {
	if f := d.t().Fcntl; f != nil {
		return f(fd, cmd, arg)
	}
	return -1, missing("fcntl")
}

func (d *Direct) Getrlimit(resource int, rlim *unix.Rlimit) error {
	if f := d.t().Getrlimit; f != nil {
		return f(resource, rlim)
	}
	return missing("getrlimit")
}

func (d *Direct) Syscall(trap, a1, a2, a3, a4, a5, a6 uintptr) (r1, r2 uintptr, err unix.Errno) {
	if f := d.t().Syscall; f != nil {
		return f(trap, a1, a2, a3, a4, a5, a6)
	}
	_ = missing("syscall")
	return ^uintptr(0), 0, unix.ENOSYS
}
