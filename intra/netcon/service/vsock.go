// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package service

import (
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/celzero/netcon/intra/core"
	"golang.org/x/sys/unix"
)

// vsock is the service side of one proxied socket: the service end
// of its socketpair and whatever real sockets back it.
type vsock struct {
	id     uint64 // inode of the app's end
	family int
	typ    int
	end    *net.UnixConn
	ctime  time.Time

	mu     sync.Mutex
	local  netip.AddrPort // as bound by the app, if at all
	peer   netip.AddrPort
	egress net.Conn         // connected or accepted tcp
	ln     *net.TCPListener // listening tcp
	pc     *net.UDPConn     // direct udp
	upc    map[netip.AddrPort]net.Conn
	relay  bool // udp relays running
	closed bool
}

func newVsock(id uint64, family, typ int, end *net.UnixConn) *vsock {
	return &vsock{
		id:     id,
		family: family,
		typ:    typ,
		end:    end,
		ctime:  time.Now(),
	}
}

func (v *vsock) stream() bool {
	return v.typ == unix.SOCK_STREAM
}

// proto is the network Go dials and listens on for v.
func (v *vsock) proto() string {
	if v.stream() {
		return "tcp"
	}
	return "udp"
}

func (v *vsock) typname() string {
	if v.stream() {
		return "stream"
	}
	return "dgram"
}

func (v *vsock) String() string {
	return v.proto() + "#" + strconv.FormatUint(v.id, 10)
}

func (v *vsock) unspecified() netip.AddrPort {
	if v.family == unix.AF_INET6 {
		return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}
	return netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
}

// bindAddr is where v's real socket should be bound.
func (v *vsock) bindAddr() netip.AddrPort {
	if v.local.IsValid() {
		return v.local
	}
	return v.unspecified()
}

// localAddr is the address the kernel gave v's real socket, or the
// address it will be bound to.
func (v *vsock) localAddr() netip.AddrPort {
	v.mu.Lock()
	defer v.mu.Unlock()

	var a net.Addr
	switch {
	case v.egress != nil:
		a = v.egress.LocalAddr()
	case v.ln != nil:
		a = v.ln.Addr()
	case v.pc != nil:
		a = v.pc.LocalAddr()
	}
	switch x := a.(type) {
	case *net.TCPAddr:
		return x.AddrPort()
	case *net.UDPAddr:
		return x.AddrPort()
	}
	return v.bindAddr()
}

// close tears v down; only the first call does anything.
func (v *vsock) close() bool {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	v.closed = true
	egress, ln, pc, upc := v.egress, v.ln, v.pc, v.upc
	v.upc = nil
	v.mu.Unlock()

	core.CloseConn(v.end, egress)
	if ln != nil {
		core.Close(ln)
	}
	if pc != nil {
		core.CloseConn(pc)
	}
	for _, c := range upc {
		core.CloseConn(c)
	}
	return true
}
