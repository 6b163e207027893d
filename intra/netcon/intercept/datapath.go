// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package intercept

import (
	"github.com/celzero/netcon/intra/core"
	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/netcon/rpc"
	"golang.org/x/sys/unix"
)

// Datagrams between app and service carry a 6 byte ip4:port header,
// one header per datagram: the destination on the way out and the
// sender on the way in. Stream fds are plain byte pipes.

// transplanted returns fd's record if the calling thread is
// intercepted and fd came from the service.
func (p *Proxy) transplanted(fd int) (tfd, bool) {
	if stdio(fd) || !p.ShouldIntercept() {
		return tfd{}, false
	}
	return p.fds.get(fd)
}

// Send writes p on a connected fd.
func (p *Proxy) Send(fd int, b []byte, flags int) (int, error) {
	return p.Sendto(fd, b, flags, nil)
}

// Sendto writes b to to; datagram fds without any association
// first push to as their destination over rpc.
func (p *Proxy) Sendto(fd int, b []byte, flags int, to unix.Sockaddr) (int, error) {
	t, ok := p.transplanted(fd)
	if !ok {
		kernel("sendto")
		return p.real.Sendto(fd, b, flags, to)
	}
	if !t.dgram() {
		// like linux tcp, a destination on a stream fd is ignored
		return p.real.Sendto(fd, b, flags, nil)
	}
	return p.sendDgram(fd, t, b, flags, to)
}

func (p *Proxy) sendDgram(fd int, t tfd, b []byte, flags int, to unix.Sockaddr) (int, error) {
	if len(b) > p.mtu {
		return -1, unix.EMSGSIZE
	}
	dst := to
	if dst == nil {
		dst = t.peer
	}
	if dst == nil {
		return -1, unix.ENOTCONN
	}
	dst4, ok := dst.(*unix.SockaddrInet4)
	if !ok {
		return -1, unix.EAFNOSUPPORT
	}
	if t.peer == nil {
		if err := p.connect(fd, dst); err != nil {
			return -1, err
		}
	}

	frame := core.AllocRegion(rpc.AddrHeaderLen + len(b))
	defer core.Recycle(frame)
	rpc.PutAddrHeader(frame, dst4)
	copy(frame[rpc.AddrHeaderLen:], b)

	n, err := p.real.Sendto(fd, frame, flags, nil)
	if err != nil {
		return -1, err
	}
	if n -= rpc.AddrHeaderLen; n < 0 {
		n = 0
	}
	return n, nil
}

// Sendmsg flattens bufs and sends them as one unit of at most MTU bytes;
// larger sends fail with EMSGSIZE before any i/o.
func (p *Proxy) Sendmsg(fd int, bufs [][]byte, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	if _, ok := p.transplanted(fd); !ok {
		kernel("sendmsg")
		return p.real.Sendmsg(fd, bufs, oob, to, flags)
	}
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total > p.mtu {
		return -1, unix.EMSGSIZE
	}
	if len(oob) > 0 {
		log.D("intercept: sendmsg(%d): dropping %d bytes of control data", fd, len(oob))
	}
	flat := core.AllocRegion(total)
	defer core.Recycle(flat)
	off := 0
	for _, b := range bufs {
		off += copy(flat[off:], b)
	}
	return p.Sendto(fd, flat[:total], flags, to)
}

// Recv reads from a connected fd.
func (p *Proxy) Recv(fd int, b []byte, flags int) (int, error) {
	n, _, err := p.Recvfrom(fd, b, flags)
	return n, err
}

// Recvfrom reads one datagram (or some stream bytes) and reports the
// sender as decoded from the service's address header.
func (p *Proxy) Recvfrom(fd int, b []byte, flags int) (int, unix.Sockaddr, error) {
	t, ok := p.transplanted(fd)
	if !ok {
		kernel("recvfrom")
		return p.real.Recvfrom(fd, b, flags)
	}
	if !t.dgram() {
		n, _, err := p.real.Recvfrom(fd, b, flags)
		return n, t.peer, err
	}
	n, from, _, err := p.recvDgram(fd, [][]byte{b}, flags)
	return n, from, err
}

// Recvmsg scatters one datagram across bufs; MSG_TRUNC is set in
// recvflags when the datagram did not fit.
func (p *Proxy) Recvmsg(fd int, bufs [][]byte, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	t, ok := p.transplanted(fd)
	if !ok {
		kernel("recvmsg")
		return p.real.Recvmsg(fd, bufs, oob, flags)
	}
	if !t.dgram() {
		n, _, recvflags, _, err = p.real.Recvmsg(fd, bufs, nil, flags)
		return n, 0, recvflags, t.peer, err
	}
	var trunc bool
	n, from, trunc, err = p.recvDgram(fd, bufs, flags)
	if trunc && flags&unix.MSG_PEEK == 0 {
		recvflags |= unix.MSG_TRUNC
	}
	return n, 0, recvflags, from, err
}

// recvDgram reads one framed datagram from fd into bufs and reports
// whether its payload was larger than bufs.
func (p *Proxy) recvDgram(fd int, bufs [][]byte, flags int) (n int, from unix.Sockaddr, trunc bool, err error) {
	capacity := 0
	for _, b := range bufs {
		capacity += len(b)
	}
	sz := rpc.AddrHeaderLen + max(capacity, p.mtu)
	frame := core.AllocRegion(sz)
	defer core.Recycle(frame)

	// MSG_TRUNC makes unix dgram sockets report the full length
	m, _, err := p.real.Recvfrom(fd, frame, flags|unix.MSG_TRUNC)
	if err != nil {
		return -1, nil, false, err
	}
	if m == 0 {
		return 0, nil, false, nil
	}
	if m < rpc.AddrHeaderLen {
		log.W("intercept: recv(%d): runt datagram of %d bytes", fd, m)
		return -1, nil, false, unix.EIO
	}
	from = rpc.AddrHeader(frame)

	plen := m - rpc.AddrHeaderLen
	got := min(m, len(frame)) - rpc.AddrHeaderLen
	payload := frame[rpc.AddrHeaderLen : rpc.AddrHeaderLen+got]
	for _, b := range bufs {
		if len(payload) <= 0 {
			break
		}
		c := copy(b, payload)
		payload = payload[c:]
		n += c
	}
	trunc = plen > n
	return n, from, trunc, nil
}
