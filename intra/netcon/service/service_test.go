// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/celzero/netcon/intra/netcon/intercept"
	"github.com/celzero/netcon/intra/netcon/rpc"
	"github.com/celzero/netcon/intra/netcon/symbols"
	"github.com/celzero/netcon/intra/protect"
	"github.com/celzero/netcon/intra/settings"
	"github.com/google/uuid"
	"github.com/kylelemons/godebug/pretty"
	"github.com/txthinking/socks5"
	"golang.org/x/sys/unix"
)

func ko(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func sockpath() string {
	return filepath.Join(os.TempDir(), "ncsvc-"+uuid.NewString()[:8]+".sock")
}

// up runs a Service and returns it with a proxy wired to it.
func up(t *testing.T) (*Service, *intercept.Proxy) {
	t.Helper()
	rd, err := protect.NewRDial("test", nil, nil, nil)
	ko(t, err)
	return upWith(t, rd)
}

// upWith is up with egress through rd.
func upWith(t *testing.T, rd *protect.RDial) (*Service, *intercept.Proxy) {
	t.Helper()
	s := NewService(sockpath(), rd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, _ := s.Run(ctx)
		done <- res
	}()
	t.Cleanup(func() {
		cancel()
		if res := <-done; res != NormalTermination {
			t.Errorf("service ended with %s", res)
		}
	})
	select {
	case <-s.Ready():
	case res := <-done:
		t.Fatalf("service ended early: %s", res)
	}

	path := intercept.NewPath("NETCON_TEST_UNSET")
	path.Set(s.path)
	p := intercept.NewProxy(symbols.NewRegistry(symbols.Kernel()), intercept.NewThreads(), path, intercept.Opts{})
	return s, p
}

func sa4(ipp string) *unix.SockaddrInet4 {
	return rpc.FromAddrPort(netip.MustParseAddrPort(ipp)).(*unix.SockaddrInet4)
}

func tcpEcho(t *testing.T) string {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	ko(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func udpEcho(t *testing.T) string {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	ko(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		b := make([]byte, 2048)
		for {
			n, from, err := pc.ReadFrom(b)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo(b[:n], from)
		}
	}()
	return pc.LocalAddr().String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for end := time.Now().Add(5 * time.Second); time.Now().Before(end); {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("timed out waiting for %s", what)
}

func TestTCPThroughService(t *testing.T) {
	s, p := up(t)
	echo := tcpEcho(t)

	p.Threads().WithThread(intercept.Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		ko(t, err)
		if !p.Transplanted(fd) {
			t.Fatal("socket not from the service")
		}
		ko(t, p.Connect(fd, sa4(echo)))

		n, err := p.Send(fd, []byte("hello"), 0)
		ko(t, err)
		if n != 5 {
			t.Errorf("sent %d", n)
		}
		b := make([]byte, 5)
		got := 0
		for got < len(b) {
			m, err := p.Recv(fd, b[got:], 0)
			ko(t, err)
			if m <= 0 {
				t.Fatal("eof")
			}
			got += m
		}
		if string(b) != "hello" {
			t.Errorf("echo %q", b)
		}

		sa, err := p.Getsockname(fd)
		ko(t, err)
		local := sa.(*unix.SockaddrInet4)
		if local.Addr != [4]byte{127, 0, 0, 1} || local.Port == 0 {
			t.Errorf("getsockname %v", local)
		}
		if err := p.Connect(fd, sa4(echo)); !errors.Is(err, unix.EISCONN) {
			t.Errorf("second connect: %v", err)
		}
		ko(t, p.Close(fd))
	})
	eventually(t, "teardown", func() bool { return s.Len() == 0 })
}

func TestUDPThroughService(t *testing.T) {
	_, p := up(t)
	echo := sa4(udpEcho(t))

	p.Threads().WithThread(intercept.Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		ko(t, err)
		defer p.Close(fd)

		for _, msg := range []string{"one", "two"} {
			n, err := p.Sendto(fd, []byte(msg), 0, echo)
			ko(t, err)
			if n != len(msg) {
				t.Errorf("sent %d", n)
			}
			b := make([]byte, 64)
			n, from, err := p.Recvfrom(fd, b, 0)
			ko(t, err)
			if string(b[:n]) != msg {
				t.Errorf("echo %q; want %q", b[:n], msg)
			}
			if diff := pretty.Compare(from, echo); diff != "" {
				t.Errorf("from (-got +want):\n%s", diff)
			}
		}
		sa, err := p.Getsockname(fd)
		ko(t, err)
		if sa.(*unix.SockaddrInet4).Port == 0 {
			t.Errorf("no local port")
		}
	})
}

// socks5Upstream runs a local socks5 server and returns its options.
func socks5Upstream(t *testing.T) *settings.ProxyOptions {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	ko(t, err)
	addr := ln.Addr().String()
	ln.Close()

	srv, err := socks5.NewClassicServer(addr, "127.0.0.1", "", "", 60, 60)
	ko(t, err)
	go srv.ListenAndServe(nil)
	t.Cleanup(func() { srv.Shutdown() })
	time.Sleep(100 * time.Millisecond)

	ipp := netip.MustParseAddrPort(addr)
	return settings.NewProxyOptions(ipp.Addr().String(), strconv.Itoa(int(ipp.Port())))
}

func TestUDPThroughUpstream(t *testing.T) {
	rd, err := protect.NewRDial("test", nil, nil, socks5Upstream(t))
	ko(t, err)
	if !rd.Proxied() {
		t.Fatal("not proxied")
	}
	_, p := upWith(t, rd)
	echoes := []*unix.SockaddrInet4{sa4(udpEcho(t)), sa4(udpEcho(t))}

	p.Threads().WithThread(intercept.Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		ko(t, err)
		defer p.Close(fd)

		// each destination gets its own association; the second
		// round reuses them
		for round := 0; round < 2; round++ {
			for i, echo := range echoes {
				msg := fmt.Sprintf("dgram %d.%d", round, i)
				n, err := p.Sendto(fd, []byte(msg), 0, echo)
				ko(t, err)
				if n != len(msg) {
					t.Errorf("sent %d", n)
				}
				b := make([]byte, 64)
				n, from, err := p.Recvfrom(fd, b, 0)
				ko(t, err)
				if string(b[:n]) != msg {
					t.Errorf("echo %q; want %q", b[:n], msg)
				}
				if diff := pretty.Compare(from, echo); diff != "" {
					t.Errorf("from (-got +want):\n%s", diff)
				}
			}
		}
	})
}

func TestListenAcceptThroughService(t *testing.T) {
	_, p := up(t)

	p.Threads().WithThread(intercept.Enabled, func() {
		ln, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		ko(t, err)
		defer p.Close(ln)
		ko(t, p.Bind(ln, sa4("127.0.0.1:0")))
		ko(t, p.Listen(ln, 8))
		sa, err := p.Getsockname(ln)
		ko(t, err)
		port := sa.(*unix.SockaddrInet4).Port
		if port == 0 {
			t.Fatal("listener has no port")
		}

		c, err := net.Dial("tcp4", netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port)).String())
		ko(t, err)
		defer c.Close()

		nfd, peer, err := p.Accept(ln)
		ko(t, err)
		defer p.Close(nfd)
		want := rpc.FromAddrPort(c.LocalAddr().(*net.TCPAddr).AddrPort())
		if diff := pretty.Compare(peer, want); diff != "" {
			t.Errorf("peer (-got +want):\n%s", diff)
		}

		_, err = p.Send(nfd, []byte("hi there"), 0)
		ko(t, err)
		b := make([]byte, 8)
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadFull(c, b)
		ko(t, err)
		if string(b) != "hi there" {
			t.Errorf("got %q", b)
		}
	})
}

func TestConnectRefused(t *testing.T) {
	_, p := up(t)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	ko(t, err)
	closed := ln.Addr().String()
	ln.Close()

	p.Threads().WithThread(intercept.Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		ko(t, err)
		defer p.Close(fd)
		if err := p.Connect(fd, sa4(closed)); !errors.Is(err, unix.ECONNREFUSED) {
			t.Errorf("connect to %s: %v; want ECONNREFUSED", closed, err)
		}
	})
}

func TestUnknownSocket(t *testing.T) {
	_, p := up(t)
	// a real inet socket the service never made
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	ko(t, err)
	defer unix.Close(fd)

	p.Threads().WithThread(intercept.Enabled, func() {
		if err := p.Connect(fd, sa4("127.0.0.1:9")); !errors.Is(err, unix.EBADF) {
			t.Errorf("connect: %v; want EBADF", err)
		}
	})
}

func TestServiceRejects(t *testing.T) {
	s := NewService(sockpath(), nil)
	cases := []struct {
		req  *rpc.SocketReq
		want unix.Errno
	}{
		{&rpc.SocketReq{Family: unix.AF_PACKET, Type: unix.SOCK_DGRAM}, unix.EAFNOSUPPORT},
		{&rpc.SocketReq{Family: unix.AF_INET, Type: unix.SOCK_SEQPACKET}, unix.EPROTONOSUPPORT},
	}
	for _, c := range cases {
		r := s.Serve(&rpc.Command{Kind: rpc.KindSocket, Fd: rpc.NoFd, Req: c.req})
		if r.Errno != c.want {
			t.Errorf("%+v: errno %v; want %v", c.req, r.Errno, c.want)
		}
	}
	r := s.Serve(&rpc.Command{Kind: rpc.KindListen, Fd: rpc.NoFd, Req: &rpc.ListenReq{}})
	if r.Errno != unix.EBADF {
		t.Errorf("listen without fd: %v", r.Errno)
	}
}

func TestReapClosedDatagrams(t *testing.T) {
	s := NewService(sockpath(), nil)
	s.reapEvery = 0
	r := s.Serve(&rpc.Command{Kind: rpc.KindSocket, Fd: rpc.NoFd, Req: &rpc.SocketReq{Family: unix.AF_INET, Type: unix.SOCK_DGRAM}})
	if r.Errno != 0 {
		t.Fatal(r.Errno)
	}
	if s.Len() != 1 {
		t.Fatalf("%d live sockets", s.Len())
	}
	s.reap()
	if s.Len() != 1 {
		t.Errorf("reaped a live socket")
	}
	unix.Close(r.Fd)
	s.reap()
	if s.Len() != 0 {
		t.Errorf("%d live sockets after the app closed its end", s.Len())
	}
}
