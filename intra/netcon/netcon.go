// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netcon is the socket API apps use in place of direct
// syscalls. A process picks one backend at start: the kernel, or the
// rpc-proxied backend that hands inet sockets to the network service
// for threads flagged to be intercepted.
package netcon

import (
	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/netcon/intercept"
	"github.com/celzero/netcon/intra/netcon/symbols"
	"github.com/celzero/netcon/intra/settings"
	"golang.org/x/sys/unix"
)

// Sockets is the socket API. Errors are unix.Errno values; a nil
// error is success.
type Sockets interface {
	Socket(domain, typ, proto int) (int, error)
	Connect(fd int, sa unix.Sockaddr) error
	Bind(fd int, sa unix.Sockaddr) error
	Listen(fd, backlog int) error
	Accept(fd int) (int, unix.Sockaddr, error)
	Accept4(fd, flags int) (int, unix.Sockaddr, error)

	SetsockoptInt(fd, level, opt, value int) error
	Setsockopt(fd, level, opt int, value []byte) error
	GetsockoptInt(fd, level, opt int) (int, error)
	Getsockname(fd int) (unix.Sockaddr, error)

	Send(fd int, p []byte, flags int) (int, error)
	Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error)
	Sendmsg(fd int, bufs [][]byte, oob []byte, to unix.Sockaddr, flags int) (int, error)
	Recv(fd int, p []byte, flags int) (int, error)
	Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	Recvmsg(fd int, bufs [][]byte, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error)

	Close(fd int) error
	Syscall(trap, a1, a2, a3, a4, a5, a6 uintptr) (r1, r2 uintptr, err unix.Errno)
}

var _ Sockets = (*symbols.Direct)(nil)
var _ Sockets = (*intercept.Proxy)(nil)

// process-wide state shared by every backend New returns
var (
	threads = intercept.NewThreads()
	rpcpath = intercept.NewPath(settings.EnvRPCPath)
)

// New returns the backend o.Mode names.
func New(o *settings.NetconOptions) (Sockets, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	reg := symbols.Default()
	if o.Mode != settings.ModeIntercept {
		log.I("netcon: direct; %s", o)
		return symbols.NewDirect(reg), nil
	}
	if len(o.RPCPath) > 0 {
		rpcpath.Set(o.RPCPath)
	}
	log.I("netcon: intercept; %s", o)
	return intercept.NewProxy(reg, threads, rpcpath, intercept.Opts{
		MTU:        o.MTU,
		Persistent: o.Persistent,
	}), nil
}

// RegisterThread sets the calling thread's interception flag and
// returns the previous one. Callers lock their goroutine to its
// thread first (runtime.LockOSThread).
func RegisterThread(f intercept.Flag) intercept.Flag {
	return threads.Register(f)
}

// SetInterceptPath sets the rpc path once; later calls with another
// path are ignored and report false.
func SetInterceptPath(p string) bool {
	return rpcpath.Set(p)
}

// Threads is the process-wide thread registry.
func Threads() *intercept.Threads {
	return threads
}
