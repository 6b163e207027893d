// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/celzero/netcon/intra/core"
	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/netcon/rpc"
	"github.com/celzero/netcon/intra/netstat"
	"github.com/celzero/netcon/intra/protect"
	"golang.org/x/sys/unix"
)

var errGone = errors.New("service: socket closed")

// dial connects v to dst and relays bytes until either side is done.
func (s *Service) dial(v *vsock, dst netip.AddrPort) *rpc.Reply {
	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return rpc.Errno(unix.EBADF)
	case v.egress != nil:
		v.mu.Unlock()
		return rpc.Errno(unix.EISCONN)
	case v.ln != nil:
		v.mu.Unlock()
		return rpc.Errno(unix.EINVAL)
	}
	v.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	c, err := s.rd.DialContext(ctx, v.proto(), dst.String())
	if err != nil {
		log.D("service: connect %s to %s: %v", v, dst, err)
		return rpc.Errno(errnoOf(err, unix.ECONNREFUSED))
	}
	protect.SetKeepAlive(c)

	v.mu.Lock()
	if v.closed || v.egress != nil {
		v.mu.Unlock()
		core.CloseConn(c)
		return rpc.Errno(unix.EISCONN)
	}
	v.egress = c
	v.peer = dst
	v.mu.Unlock()

	core.Go("service.pipe", func() { s.pipe(v, c) })
	log.D("service: connect %s to %s via %s", v, dst, c.LocalAddr())
	return rpc.Ok(0)
}

// pipe relays between v's end and c; a close on either side is passed
// on as a half-close to the other.
func (s *Service) pipe(v *vsock, c net.Conn) {
	defer s.drop(v)

	up, down, err := core.Relay(v.end, c)
	netstat.Relayed("up", up)
	netstat.Relayed("down", down)
	log.VV("service: %s relayed up %d, down %d bytes; err? %v", v, up, down, err)
}

// associate sets dst as v's default destination. Datagrams name their
// own destination, so this only readies the relays.
func (s *Service) associate(v *vsock, dst netip.AddrPort) *rpc.Reply {
	if !dst.Addr().Unmap().Is4() {
		// replies could not be framed for the app
		return rpc.Errno(unix.EAFNOSUPPORT)
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return rpc.Errno(unix.EBADF)
	}
	v.peer = dst
	v.mu.Unlock()

	if err := s.startUDP(v); err != nil {
		log.W("service: associate %s with %s: %v", v, dst, err)
		return rpc.Errno(errnoOf(err, unix.EADDRNOTAVAIL))
	}
	log.D("service: associate %s with %s", v, dst)
	return rpc.Ok(0)
}

// startUDP opens v's udp egress and starts its relays, once.
func (s *Service) startUDP(v *vsock) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return errGone
	}
	if v.relay {
		return nil
	}
	if s.rd.Proxied() {
		// one upstream conn per destination, dialed on first use
		v.upc = make(map[netip.AddrPort]net.Conn)
	} else {
		pc, err := s.rd.Announce(v.proto(), v.bindAddr().String())
		if err != nil {
			return err
		}
		v.pc = pc
		core.Go("service.udp.in", func() { s.udpIn(v, pc) })
	}
	v.relay = true
	core.Go("service.udp.out", func() { s.udpOut(v) })
	return nil
}

// udpOut sends the app's datagrams to the destinations in their headers.
func (s *Service) udpOut(v *vsock) {
	defer s.drop(v)

	b := core.Alloc()
	defer core.Recycle(b)
	for {
		n, err := v.end.Read(b)
		if err != nil {
			log.VV("service: %s out: %v", v, err)
			return
		}
		if n < rpc.AddrHeaderLen {
			log.W("service: %s out: runt datagram of %d bytes", v, n)
			continue
		}
		dst, _ := rpc.ToAddrPort(rpc.AddrHeader(b))
		payload := b[rpc.AddrHeaderLen:n]
		if err := s.sendUDP(v, dst, payload); err != nil {
			if errors.Is(err, errGone) {
				return
			}
			log.D("service: %s out to %s: %v", v, dst, err)
			continue
		}
		netstat.Relayed("up", int64(len(payload)))
	}
}

func (s *Service) sendUDP(v *vsock, dst netip.AddrPort, payload []byte) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return errGone
	}
	if pc := v.pc; pc != nil {
		v.mu.Unlock()
		_, err := pc.WriteToUDPAddrPort(payload, dst)
		return err
	}
	c, ok := v.upc[dst]
	v.mu.Unlock()

	if !ok {
		uc, err := s.rd.DialUDP(dst.String())
		if err != nil {
			return err
		}
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			core.CloseConn(uc)
			return errGone
		}
		if c, ok = v.upc[dst]; ok {
			core.CloseConn(uc)
		} else {
			c = uc
			v.upc[dst] = uc
			core.Go("service.udp.in.upstream", func() { s.udpInConn(v, dst, uc) })
		}
		v.mu.Unlock()
	}
	_, err := c.Write(payload)
	return err
}

// udpIn hands datagrams from anyone to the app, each behind its
// sender's header.
func (s *Service) udpIn(v *vsock, pc *net.UDPConn) {
	defer s.drop(v)

	b := core.Alloc()
	defer core.Recycle(b)
	for {
		n, from, err := pc.ReadFromUDPAddrPort(b[rpc.AddrHeaderLen:])
		if err != nil {
			log.VV("service: %s in: %v", v, err)
			return
		}
		if !s.deliver(v, from, b, n) {
			return
		}
	}
}

// udpInConn is udpIn for a conn connected to from through the upstream.
func (s *Service) udpInConn(v *vsock, from netip.AddrPort, c net.Conn) {
	defer s.drop(v)

	b := core.Alloc()
	defer core.Recycle(b)
	for {
		n, err := c.Read(b[rpc.AddrHeaderLen:])
		if err != nil {
			log.VV("service: %s in from %s: %v", v, from, err)
			return
		}
		if !s.deliver(v, from, b, n) {
			return
		}
	}
}

// deliver frames the n payload bytes in b[AddrHeaderLen:] for the app;
// false means the app's end is gone.
func (s *Service) deliver(v *vsock, from netip.AddrPort, b []byte, n int) bool {
	ip := from.Addr().Unmap()
	if !ip.Is4() {
		log.D("service: %s in: dropped datagram from %s", v, from)
		return true
	}
	rpc.PutAddrHeader(b, &unix.SockaddrInet4{Addr: ip.As4(), Port: int(from.Port())})
	if _, err := v.end.Write(b[:rpc.AddrHeaderLen+n]); err != nil {
		if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.EPIPE) ||
			errors.Is(err, unix.ENOTCONN) || errors.Is(err, net.ErrClosed) {
			return false
		}
		log.D("service: %s in: dropped datagram from %s: %v", v, from, err)
		return true
	}
	netstat.Relayed("down", int64(n))
	return true
}

// accept hands each conn on ln to the app over v's end, along with
// the new conn's own socketpair end.
func (s *Service) accept(v *vsock, ln *net.TCPListener) {
	defer s.drop(v)

	for {
		c, err := ln.AcceptTCP()
		if err != nil {
			log.VV("service: %s accept: %v", v, err)
			return
		}
		protect.SetKeepAlive(c)
		if err := s.handoff(v, c); err != nil {
			log.W("service: %s handoff: %v", v, err)
			core.CloseConn(c)
			if errors.Is(err, errGone) {
				return
			}
		}
	}
}

func (s *Service) handoff(v *vsock, c *net.TCPConn) error {
	peer := c.RemoteAddr().(*net.TCPAddr).AddrPort()
	nv, appfd, err := s.pair(v.family, unix.SOCK_STREAM)
	if err != nil {
		return err
	}
	defer core.CloseFd(appfd)

	nv.mu.Lock()
	nv.egress = c
	nv.peer = peer
	nv.mu.Unlock()

	frame := rpc.EncodeAcceptFrame(rpc.FromAddrPort(peer))
	if _, _, err := v.end.WriteMsgUnix(frame, unix.UnixRights(appfd), nil); err != nil {
		s.drop(nv)
		return errors.Join(errGone, err)
	}
	core.Go("service.pipe", func() { s.pipe(nv, c) })
	log.D("service: %s accepted %s from %s", v, nv, peer)
	return nil
}

// watch drops v once the app closes its end; apps never write to a
// listening socket.
func (s *Service) watch(v *vsock) {
	defer s.drop(v)

	b := make([]byte, 1)
	for {
		if _, err := v.end.Read(b); err != nil {
			return
		}
	}
}
