// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package intercept

import (
	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/netcon/rpc"
	"github.com/celzero/netcon/intra/netstat"
	"golang.org/x/sys/unix"
)

const (
	sockFlags = unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC
	// sockMax is one past the largest socket type linux knows.
	sockMax = unix.SOCK_PACKET + 1
)

// Socket creates a socket; inet sockets are created by the service and
// come back as one end of a socketpair.
func (p *Proxy) Socket(domain, typ, proto int) (int, error) {
	if !p.ShouldIntercept() {
		kernel("socket")
		return p.real.Socket(domain, typ, proto)
	}
	flags := typ & sockFlags
	base := typ &^ sockFlags
	if domain < 0 || domain >= unix.AF_MAX {
		return -1, unix.EAFNOSUPPORT
	}
	if base <= 0 || base >= sockMax {
		return -1, unix.EINVAL
	}
	if local(domain) {
		kernel("socket")
		return p.real.Socket(domain, typ, proto)
	}
	if base != unix.SOCK_STREAM && base != unix.SOCK_DGRAM {
		// raw, seqpacket and friends have no proxied equivalent
		return -1, unix.EPROTONOSUPPORT
	}

	req := &rpc.SocketReq{
		Family:   int32(domain),
		Type:     int32(base),
		Protocol: int32(proto),
		Tid:      tid(),
	}
	fd, err := p.send(rpc.KindSocket, rpc.NoFd, req)
	if err != nil {
		return -1, err
	}
	if err := p.setFlags(fd, flags); err != nil {
		_ = p.real.Close(fd)
		return -1, err
	}
	p.fds.add(fd, tfd{family: domain, typ: base})
	log.V("intercept: socket(%d, %d, %d) = %d", domain, typ, proto, fd)
	return fd, nil
}

// setFlags applies SOCK_NONBLOCK/SOCK_CLOEXEC to fd via fcntl.
func (p *Proxy) setFlags(fd, flags int) error {
	if flags&unix.SOCK_CLOEXEC != 0 {
		if _, err := p.real.Fcntl(fd, unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			return err
		}
	}
	if flags&unix.SOCK_NONBLOCK != 0 {
		fl, err := p.real.Fcntl(fd, unix.F_GETFL, 0)
		if err != nil {
			return err
		}
		if _, err := p.real.Fcntl(fd, unix.F_SETFL, fl|unix.O_NONBLOCK); err != nil {
			return err
		}
	}
	return nil
}

// Connect associates fd with sa; for stream sockets the service dials out.
func (p *Proxy) Connect(fd int, sa unix.Sockaddr) error {
	if !p.ShouldIntercept() || stdio(fd) {
		kernel("connect")
		return p.real.Connect(fd, sa)
	}
	if _, err := p.guard(fd); err != nil {
		return err
	}
	fam := rpc.Family(sa)
	if fam < 0 {
		return unix.EAFNOSUPPORT
	}
	if local(fam) {
		kernel("connect")
		return p.real.Connect(fd, sa)
	}
	return p.connect(fd, sa)
}

func (p *Proxy) connect(fd int, sa unix.Sockaddr) error {
	raw, n, err := rpc.EncodeSockaddr(sa)
	if err != nil {
		return err
	}
	req := &rpc.ConnectReq{
		Tid:     tid(),
		Fd:      int32(fd),
		Addr:    raw,
		AddrLen: n,
	}
	if _, err := p.send(rpc.KindConnect, fd, req); err != nil {
		return err
	}
	p.fds.associate(fd, sa)
	return nil
}

// Bind asks the service to bind fd to sa.
func (p *Proxy) Bind(fd int, sa unix.Sockaddr) error {
	if !p.ShouldIntercept() || stdio(fd) {
		kernel("bind")
		return p.real.Bind(fd, sa)
	}
	if _, err := p.guard(fd); err != nil {
		return err
	}
	fam := rpc.Family(sa)
	if fam < 0 {
		return unix.EAFNOSUPPORT
	}
	if local(fam) {
		kernel("bind")
		return p.real.Bind(fd, sa)
	}
	raw, n, err := rpc.EncodeSockaddr(sa)
	if err != nil {
		return err
	}
	req := &rpc.BindReq{
		Tid:     tid(),
		Sockfd:  int32(fd),
		Addr:    raw,
		AddrLen: n,
	}
	_, err = p.send(rpc.KindBind, fd, req)
	return err
}

// Listen asks the service to accept conns for fd; accepted conns
// are queued on fd itself.
func (p *Proxy) Listen(fd, backlog int) error {
	if !p.ShouldIntercept() || stdio(fd) {
		kernel("listen")
		return p.real.Listen(fd, backlog)
	}
	if _, err := p.guard(fd); err != nil {
		return err
	}
	t, ok := p.fds.get(fd)
	if !ok || local(t.family) {
		kernel("listen")
		return p.real.Listen(fd, backlog)
	}
	if t.dgram() {
		return unix.EOPNOTSUPP
	}
	req := &rpc.ListenReq{
		Tid:     tid(),
		Sockfd:  int32(fd),
		Backlog: int32(backlog),
	}
	if _, err := p.send(rpc.KindListen, fd, req); err != nil {
		return err
	}
	p.fds.listening(fd)
	return nil
}

// Accept pulls the next conn the service queued on the listening fd.
// A non-blocking fd with nothing queued fails with EAGAIN.
func (p *Proxy) Accept(fd int) (int, unix.Sockaddr, error) {
	if !p.ShouldIntercept() || stdio(fd) {
		kernel("accept")
		return p.real.Accept(fd)
	}
	return p.accept(fd)
}

// Accept4 is Accept with SOCK_NONBLOCK/SOCK_CLOEXEC applied to the new fd.
func (p *Proxy) Accept4(fd, flags int) (int, unix.Sockaddr, error) {
	if !p.ShouldIntercept() || stdio(fd) {
		kernel("accept4")
		return p.real.Accept4(fd, flags)
	}
	if flags&^sockFlags != 0 {
		return -1, nil, unix.EINVAL
	}
	nfd, sa, err := p.accept(fd)
	if err != nil {
		return nfd, sa, err
	}
	if err := p.setFlags(nfd, flags); err != nil {
		p.fds.forget(nfd)
		_ = p.real.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}

func (p *Proxy) accept(fd int) (int, unix.Sockaddr, error) {
	typ, err := p.guard(fd)
	if err != nil {
		return -1, nil, err
	}
	if typ != unix.SOCK_STREAM && typ != unix.SOCK_SEQPACKET {
		return -1, nil, unix.EOPNOTSUPP
	}
	var rl unix.Rlimit
	if err := p.real.Getrlimit(unix.RLIMIT_NOFILE, &rl); err == nil && uint64(fd) >= uint64(rl.Cur) {
		return -1, nil, unix.EMFILE
	}
	t, ok := p.fds.get(fd)
	if !ok {
		kernel("accept")
		return p.real.Accept(fd)
	}
	if !t.listen {
		return -1, nil, unix.EINVAL
	}

	frame := make([]byte, rpc.AcceptFrameLen)
	oob := make([]byte, rpc.RightsSpace())
	n, oobn, _, _, err := p.real.Recvmsg(fd, [][]byte{frame}, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	if n == 0 && oobn == 0 {
		// the service closed its end of the listener
		return -1, nil, unix.ECONNABORTED
	}
	nfd, err := rpc.ParseRights(oob[:oobn])
	if err != nil {
		log.W("intercept: accept(%d): no fd queued: %v", fd, err)
		return -1, nil, unix.EAGAIN
	}
	for n < len(frame) {
		m, _, err := p.real.Recvfrom(fd, frame[n:], 0)
		if err != nil || m <= 0 {
			break
		}
		n += m
	}
	peer := rpc.DecodeAcceptFrame(frame[:n])
	p.fds.add(nfd, tfd{family: t.family, typ: unix.SOCK_STREAM, peer: peer})
	netstat.Call("accept", true)
	log.V("intercept: accept(%d) = %d from %v", fd, nfd, peer)
	return nfd, peer, nil
}

// noop reports setsockopt options the proxied stack accepts and ignores.
func noop(level, opt int) bool {
	switch level {
	case unix.IPPROTO_TCP:
		return true
	case unix.SOL_SOCKET:
		return opt == unix.SO_KEEPALIVE
	case unix.IPPROTO_IP:
		return opt == unix.IP_TTL || opt == unix.IP_TOS
	case unix.IPPROTO_IPV6:
		return opt == unix.IPV6_V6ONLY
	}
	return false
}

// SetsockoptInt silently accepts options the proxied stack ignores.
func (p *Proxy) SetsockoptInt(fd, level, opt, value int) error {
	if p.ShouldIntercept() && !stdio(fd) && noop(level, opt) {
		return nil
	}
	kernel("setsockopt")
	return p.real.SetsockoptInt(fd, level, opt, value)
}

// Setsockopt is SetsockoptInt for opaque option values.
func (p *Proxy) Setsockopt(fd, level, opt int, value []byte) error {
	if p.ShouldIntercept() && !stdio(fd) && noop(level, opt) {
		return nil
	}
	kernel("setsockopt")
	return p.real.Setsockopt(fd, level, opt, value)
}

// GetsockoptInt reports the type the app asked for as SO_TYPE of
// transplanted fds, which really are unix socketpair ends.
func (p *Proxy) GetsockoptInt(fd, level, opt int) (int, error) {
	if level == unix.SOL_SOCKET && opt == unix.SO_TYPE && p.ShouldIntercept() {
		if t, ok := p.fds.get(fd); ok {
			return t.typ, nil
		}
	}
	kernel("getsockopt")
	return p.real.GetsockoptInt(fd, level, opt)
}

// Getsockname asks the service for the local address of its own fds.
// Only the sockaddr_in prefix is reported, always as AF_INET.
func (p *Proxy) Getsockname(fd int) (unix.Sockaddr, error) {
	if !p.ShouldIntercept() || stdio(fd) || !p.ours(fd) {
		kernel("getsockname")
		return p.real.Getsockname(fd)
	}
	req := &rpc.GetsocknameReq{
		Sockfd:  int32(fd),
		AddrLen: rpc.SockaddrStorageLen,
	}
	aux, err := p.send(rpc.KindGetsockname, fd, req)
	if err != nil {
		return nil, err
	}
	defer p.real.Close(aux)

	raw := make([]byte, rpc.SockaddrStorageLen)
	n := 0
	for n < len(raw) {
		m, _, err := p.real.Recvfrom(aux, raw[n:], 0)
		if err != nil {
			return nil, err
		}
		if m <= 0 {
			break
		}
		n += m
	}
	if n < 8 {
		return nil, unix.EIO
	}
	return rpc.DecodeInet4Prefix(raw[:n]), nil
}

// ours reports whether fd came from the service: either it is a known
// transplanted fd or its peer is the rpc socket.
func (p *Proxy) ours(fd int) bool {
	if p.fds.has(fd) {
		return true
	}
	sa, err := p.real.Getpeername(fd)
	if err != nil {
		return false
	}
	u, ok := sa.(*unix.SockaddrUnix)
	return ok && len(u.Name) > 0 && u.Name == p.path.Resolve()
}

// Close always releases fd through the genuine close.
func (p *Proxy) Close(fd int) error {
	p.fds.forget(fd)
	return p.real.Close(fd)
}
