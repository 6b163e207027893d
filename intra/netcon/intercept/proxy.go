// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package intercept

import (
	"sync"

	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/netcon/rpc"
	"github.com/celzero/netcon/intra/netcon/symbols"
	"github.com/celzero/netcon/intra/netstat"
	"github.com/celzero/netcon/intra/settings"
	"golang.org/x/sys/unix"
)

// Opts tunes a Proxy.
type Opts struct {
	// MTU bounds one atomic send; zero means settings.DefaultMTU.
	MTU int
	// Persistent shares one rpc conn among all threads.
	Persistent bool
	// Transport, if set, replaces the unix socket client.
	Transport rpc.Transport
}

// Proxy is the rpc-proxied socket backend. Calls from threads not
// flagged Enabled, or made before an rpc path is known, go to the
// kernel unchanged.
type Proxy struct {
	reg     *symbols.Registry
	real    *symbols.Direct
	threads *Threads
	path    *Path
	mtu     int
	persist bool

	once sync.Once
	tr   rpc.Transport

	fds *fdtab
}

// NewProxy wires a Proxy; reg supplies the genuine calls.
func NewProxy(reg *symbols.Registry, threads *Threads, path *Path, o Opts) *Proxy {
	mtu := o.MTU
	if mtu <= 0 {
		mtu = settings.DefaultMTU
	}
	return &Proxy{
		reg:     reg,
		real:    symbols.NewDirect(reg),
		threads: threads,
		path:    path,
		mtu:     mtu,
		persist: o.Persistent,
		tr:      o.Transport,
		fds:     newFdtab(),
	}
}

// Threads returns the thread registry p consults.
func (p *Proxy) Threads() *Threads {
	return p.threads
}

// Path returns the rpc path p consults.
func (p *Proxy) Path() *Path {
	return p.path
}

// Transplanted reports whether fd was handed out by the service.
func (p *Proxy) Transplanted(fd int) bool {
	return p.fds.has(fd)
}

// ShouldIntercept reports whether the calling thread's socket calls
// go over rpc: it must be flagged Enabled and an rpc path must exist.
func (p *Proxy) ShouldIntercept() bool {
	if _, err := p.reg.Get(); err != nil {
		return false
	}
	if p.threads.Flag() != Enabled {
		return false
	}
	path := p.path.Resolve()
	if len(path) <= 0 {
		return false
	}
	p.once.Do(func() {
		if p.tr == nil {
			p.tr = rpc.NewClient(path, p.persist)
		}
		log.I("intercept: transport up for %s (persistent? %t)", path, p.persist)
	})
	return true
}

// stdio fds are never proxied.
func stdio(fd int) bool {
	return fd == 0 || fd == 1 || fd == 2
}

// local families carry the rpc channel itself and are never proxied.
func local(family int) bool {
	return family == unix.AF_UNIX || family == unix.AF_LOCAL || family == unix.AF_NETLINK
}

// guard fails with EBADF for closed fds and ENOTSOCK for non-sockets;
// it returns the kernel's socket type for fd.
func (p *Proxy) guard(fd int) (typ int, err error) {
	if _, err = p.real.Fcntl(fd, unix.F_GETFD, 0); err != nil {
		return 0, unix.EBADF
	}
	if typ, err = p.real.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE); err != nil {
		return 0, unix.ENOTSOCK
	}
	return typ, nil
}

func (p *Proxy) send(kind rpc.Kind, relatedFd int, req any) (int, error) {
	r, err := p.tr.Send(kind, relatedFd, req)
	netstat.Call(kind.String(), true)
	if err != nil {
		log.D("intercept: %s(%d): %v", kind, relatedFd, err)
	}
	return r, err
}

func kernel(call string) {
	netstat.Call(call, false)
}

func tid() int32 {
	return int32(gettid())
}
