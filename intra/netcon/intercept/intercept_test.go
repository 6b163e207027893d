// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package intercept

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/celzero/netcon/intra/netcon/rpc"
	"github.com/celzero/netcon/intra/netcon/symbols"
	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sys/unix"
)

var lo4 = &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}

func errnoOf(err error) unix.Errno {
	var e unix.Errno
	if errors.As(err, &e) {
		return e
	}
	return 0
}

func TestPassthroughWhenNotEnabled(t *testing.T) {
	for _, f := range []Flag{Uninitialized, Disabled} {
		m := newMock(t)
		p := newProxy(t, m, nil)
		d := symbols.NewDirect(symbols.Default())

		p.Threads().WithThread(f, func() {
			if p.ShouldIntercept() {
				t.Fatalf("%s: intercepting", f)
			}
			fd, err := p.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
			ko(t, err)
			defer p.Close(fd)

			typ, err := p.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
			if err != nil || typ != unix.SOCK_DGRAM {
				t.Errorf("%s: SO_TYPE %d, %v", f, typ, err)
			}
			if err := p.Bind(fd, lo4); err != nil {
				t.Errorf("%s: bind: %v", f, err)
			}
			sa, err := p.Getsockname(fd)
			ko(t, err)
			if sa.(*unix.SockaddrInet4).Port == 0 {
				t.Errorf("%s: kernel did not pick a port", f)
			}

			// same errno as a direct call for the same bad input
			perr := p.Connect(987, lo4)
			derr := d.Connect(987, lo4)
			if errnoOf(perr) != errnoOf(derr) {
				t.Errorf("%s: connect(987) %v; direct %v", f, perr, derr)
			}
			_, _, perr = p.Accept(fd)
			_, _, derr = d.Accept(fd)
			if errnoOf(perr) != errnoOf(derr) {
				t.Errorf("%s: accept(dgram) %v; direct %v", f, perr, derr)
			}
		})
		if m.count() != 0 {
			t.Errorf("%s: transport used %d times", f, m.count())
		}
	}
}

func TestNoPathNoIntercept(t *testing.T) {
	m := newMock(t)
	p := NewProxy(symbols.NewRegistry(symbols.Kernel()), NewThreads(), NewPath("NETCON_TEST_UNSET"), Opts{Transport: m})
	p.Threads().WithThread(Enabled, func() {
		if p.ShouldIntercept() {
			t.Errorf("intercepting without a path")
		}
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		ko(t, err)
		_ = p.Close(fd)
	})
	if m.count() != 0 {
		t.Errorf("transport used %d times", m.count())
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("NETCON_TEST_PATH", "/tmp/from-env.sock")
	path := NewPath("NETCON_TEST_PATH")
	if got := path.Resolve(); got != "/tmp/from-env.sock" {
		t.Errorf("resolve %q", got)
	}
	if path.Set("/tmp/other.sock") {
		t.Errorf("path changed after it was set")
	}
	if got := path.Resolve(); got != "/tmp/from-env.sock" {
		t.Errorf("resolve after set %q", got)
	}
}

func TestStdStreamsAlwaysReal(t *testing.T) {
	m := newMock(t)
	p := newProxy(t, m, nil)
	d := symbols.NewDirect(symbols.Default())

	p.Threads().WithThread(Enabled, func() {
		if !p.ShouldIntercept() {
			t.Fatal("not intercepting")
		}
		for fd := 0; fd <= 2; fd++ {
			if e1, e2 := errnoOf(p.Connect(fd, lo4)), errnoOf(d.Connect(fd, lo4)); e1 != e2 {
				t.Errorf("connect(%d) %v; want %v", fd, e1, e2)
			}
			if e1, e2 := errnoOf(p.Bind(fd, lo4)), errnoOf(d.Bind(fd, lo4)); e1 != e2 {
				t.Errorf("bind(%d) %v; want %v", fd, e1, e2)
			}
			if e1, e2 := errnoOf(p.Listen(fd, 1)), errnoOf(d.Listen(fd, 1)); e1 != e2 {
				t.Errorf("listen(%d) %v; want %v", fd, e1, e2)
			}
			_, _, perr := p.Accept(fd)
			_, _, derr := d.Accept(fd)
			if errnoOf(perr) != errnoOf(derr) {
				t.Errorf("accept(%d) %v; want %v", fd, perr, derr)
			}
		}
	})
	if m.count() != 0 {
		t.Errorf("std streams reached the transport %d times", m.count())
	}
}

func TestResolveOnceConcurrently(t *testing.T) {
	r := new(countingResolver)
	p := newProxy(t, newMock(t), r)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Threads().WithThread(Enabled, func() {
				if !p.ShouldIntercept() {
					t.Errorf("not intercepting")
				}
			})
		}()
	}
	wg.Wait()
	if n := r.resolves.Load(); n != 1 {
		t.Errorf("resolved %d times; want 1", n)
	}
}

func TestLocalSocketNeverProxied(t *testing.T) {
	m := newMock(t)
	p := newProxy(t, m, nil)
	p.Threads().WithThread(Enabled, func() {
		for _, fam := range []int{unix.AF_UNIX, unix.AF_NETLINK} {
			typ := unix.SOCK_STREAM
			if fam == unix.AF_NETLINK {
				typ = unix.SOCK_RAW
			}
			fd, err := p.Socket(fam, typ, 0)
			ko(t, err)
			if p.Transplanted(fd) {
				t.Errorf("family %d: transplanted", fam)
			}
			_ = p.Close(fd)
		}
	})
	if m.count() != 0 {
		t.Errorf("transport used %d times", m.count())
	}
}

func TestSocketValidation(t *testing.T) {
	m := newMock(t)
	p := newProxy(t, m, nil)
	p.Threads().WithThread(Enabled, func() {
		if _, err := p.Socket(unix.AF_MAX+1, unix.SOCK_STREAM, 0); !errors.Is(err, unix.EAFNOSUPPORT) {
			t.Errorf("bad family: %v", err)
		}
		if _, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM|0x40000000, 0); !errors.Is(err, unix.EINVAL) {
			t.Errorf("bad flags: %v", err)
		}
		if _, err := p.Socket(unix.AF_INET, unix.SOCK_RAW, 0); !errors.Is(err, unix.EPROTONOSUPPORT) {
			t.Errorf("raw: %v", err)
		}
	})
	if m.count() != 0 {
		t.Errorf("invalid sockets reached the transport")
	}
}

func TestSendmsgRecvmsgRoundtrip(t *testing.T) {
	m := newMock(t)
	p := newProxy(t, m, nil)
	dst := &unix.SockaddrInet4{Addr: [4]byte{10, 0, 0, 2}, Port: 9000}

	p.Threads().WithThread(Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		ko(t, err)
		defer p.Close(fd)
		svc := m.end(fd)

		out := [][]byte{[]byte("he"), []byte("llo "), []byte("world")}
		n, err := p.Sendmsg(fd, out, nil, dst, 0)
		ko(t, err)
		if n != 11 {
			t.Errorf("sent %d; want 11", n)
		}
		if m.kinds(rpc.KindConnect) != 1 {
			t.Errorf("destination not associated")
		}

		frame := make([]byte, 64)
		fn, err := unix.Read(svc, frame)
		ko(t, err)
		if diff := pretty.Compare(rpc.AddrHeader(frame), dst); diff != "" {
			t.Errorf("header (-got +want):\n%s", diff)
		}
		if got := frame[rpc.AddrHeaderLen:fn]; string(got) != "hello world" {
			t.Errorf("service got %q", got)
		}

		// echo it back, as if dst replied
		_, err = unix.Write(svc, frame[:fn])
		ko(t, err)
		in := [][]byte{make([]byte, 3), make([]byte, 4), make([]byte, 10)}
		n, _, rflags, from, err := p.Recvmsg(fd, in, nil, 0)
		ko(t, err)
		if n != 11 || rflags&unix.MSG_TRUNC != 0 {
			t.Errorf("recvmsg n=%d flags=%x", n, rflags)
		}
		if got := string(bytes.Join([][]byte{in[0], in[1], in[2][:4]}, nil)); got != "hello world" {
			t.Errorf("demux %q %q %q", in[0], in[1], in[2])
		}
		if diff := pretty.Compare(from, dst); diff != "" {
			t.Errorf("from (-got +want):\n%s", diff)
		}

		// a short buffer truncates
		_, err = unix.Write(svc, frame[:fn])
		ko(t, err)
		small := [][]byte{make([]byte, 4)}
		n, _, rflags, _, err = p.Recvmsg(fd, small, nil, 0)
		ko(t, err)
		if n != 4 || rflags&unix.MSG_TRUNC == 0 {
			t.Errorf("short recvmsg n=%d flags=%x", n, rflags)
		}
	})
}

func TestSendmsgOversize(t *testing.T) {
	m := newMock(t)
	p := newProxy(t, m, nil)
	dst := &unix.SockaddrInet4{Addr: [4]byte{10, 0, 0, 2}, Port: 9000}

	p.Threads().WithThread(Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		ko(t, err)
		defer p.Close(fd)
		svc := m.end(fd)
		before := m.count()

		big := [][]byte{make([]byte, 1000), make([]byte, 445)} // 1445 > 1444
		n, err := p.Sendmsg(fd, big, nil, dst, 0)
		if n != -1 || !errors.Is(err, unix.EMSGSIZE) {
			t.Errorf("got %d, %v; want -1, EMSGSIZE", n, err)
		}
		if m.count() != before {
			t.Errorf("rpc used for an oversized send")
		}
		ko(t, unix.SetNonblock(svc, true))
		if _, err := unix.Read(svc, make([]byte, 8)); !errors.Is(err, unix.EAGAIN) {
			t.Errorf("service end has data: %v", err)
		}
	})
}

func TestCloseAlwaysReal(t *testing.T) {
	for _, f := range []Flag{Uninitialized, Enabled, Disabled} {
		r := new(countingResolver)
		p := newProxy(t, newMock(t), r)
		p.Threads().WithThread(f, func() {
			fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
			ko(t, err)
			defer unix.Close(fds[1])
			ko(t, p.Close(fds[0]))
		})
		if n := r.closes.Load(); n != 1 {
			t.Errorf("%s: real close ran %d times", f, n)
		}
	}

	// no path: ShouldIntercept is false for unrelated reasons
	r := new(countingResolver)
	p := NewProxy(symbols.NewRegistry(r), NewThreads(), NewPath("NETCON_TEST_UNSET"), Opts{})
	p.Threads().WithThread(Enabled, func() {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		ko(t, err)
		ko(t, p.Close(fd))
	})
	if n := r.closes.Load(); n != 1 {
		t.Errorf("no path: real close ran %d times", n)
	}
}

func TestConnectRequestFidelity(t *testing.T) {
	m := newMock(t)
	p := newProxy(t, m, nil)
	dst := &unix.SockaddrInet4{Addr: [4]byte{172, 16, 9, 1}, Port: 8080}

	// struct sockaddr_in {AF_INET, htons(8080), 172.16.9.1, zero[8]}
	var want [rpc.SockaddrStorageLen]byte
	binary.NativeEndian.PutUint16(want[0:2], unix.AF_INET)
	want[2], want[3] = 0x1f, 0x90
	copy(want[4:8], []byte{172, 16, 9, 1})

	p.Threads().WithThread(Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		ko(t, err)
		defer p.Close(fd)
		ko(t, p.Connect(fd, dst))

		c := m.last()
		if c.kind != rpc.KindConnect || c.related != fd {
			t.Fatalf("last call %v(%d)", c.kind, c.related)
		}
		req := c.req.(rpc.ConnectReq)
		if req.AddrLen != 16 {
			t.Errorf("addrlen %d; want 16", req.AddrLen)
		}
		if int(req.Fd) != fd || req.Tid != int32(Tid()) {
			t.Errorf("fd/tid %d/%d", req.Fd, req.Tid)
		}
		if req.Addr != want {
			t.Errorf("addr\n got % x\nwant % x", req.Addr[:16], want[:16])
		}
	})
}

func TestSetsockoptNoops(t *testing.T) {
	r := new(countingResolver)
	p := newProxy(t, newMock(t), r)
	p.Threads().WithThread(Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		ko(t, err)
		defer p.Close(fd)

		ko(t, p.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1))
		ko(t, p.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1))
		ko(t, p.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, 7))
		ko(t, p.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0))
		if n := r.setopts.Load(); n != 0 {
			t.Errorf("no-op options reached the kernel %d times", n)
		}
		ko(t, p.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 8192))
		if n := r.setopts.Load(); n != 1 {
			t.Errorf("SO_SNDBUF went to the kernel %d times; want 1", n)
		}
	})
}

func TestSoTypeIllusion(t *testing.T) {
	m := newMock(t)
	m.pairType = unix.SOCK_DGRAM // the service hands out a dgram pair
	p := newProxy(t, m, nil)
	p.Threads().WithThread(Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		ko(t, err)
		defer p.Close(fd)
		typ, err := p.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
		ko(t, err)
		if typ != unix.SOCK_STREAM {
			t.Errorf("SO_TYPE %d; want SOCK_STREAM", typ)
		}
	})
}

func TestGetsocknameForcesInet(t *testing.T) {
	m := newMock(t)
	// a sockaddr_in6-tagged blob; only the sockaddr_in prefix is read
	m.sockname = []byte{unix.AF_INET6, 0, 0x04, 0xd2, 192, 0, 2, 1}
	p := newProxy(t, m, nil)
	p.Threads().WithThread(Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		ko(t, err)
		defer p.Close(fd)
		sa, err := p.Getsockname(fd)
		ko(t, err)
		want := &unix.SockaddrInet4{Addr: [4]byte{192, 0, 2, 1}, Port: 1234}
		if diff := pretty.Compare(sa, want); diff != "" {
			t.Errorf("getsockname (-got +want):\n%s", diff)
		}
		if m.kinds(rpc.KindGetsockname) != 1 {
			t.Errorf("getsockname not proxied")
		}
	})
}

func TestSendtoAssociatesOnce(t *testing.T) {
	m := newMock(t)
	p := newProxy(t, m, nil)
	a := &unix.SockaddrInet4{Addr: [4]byte{10, 1, 1, 1}, Port: 53}
	b := &unix.SockaddrInet4{Addr: [4]byte{10, 2, 2, 2}, Port: 53}

	p.Threads().WithThread(Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		ko(t, err)
		defer p.Close(fd)
		svc := m.end(fd)

		if _, err := p.Send(fd, []byte("x"), 0); !errors.Is(err, unix.ENOTCONN) {
			t.Errorf("send unassociated: %v", err)
		}
		for _, dst := range []*unix.SockaddrInet4{a, b} {
			n, err := p.Sendto(fd, []byte("q"), 0, dst)
			ko(t, err)
			if n != 1 {
				t.Errorf("sendto %d", n)
			}
			frame := make([]byte, 16)
			_, err = unix.Read(svc, frame)
			ko(t, err)
			if diff := pretty.Compare(rpc.AddrHeader(frame), dst); diff != "" {
				t.Errorf("header (-got +want):\n%s", diff)
			}
		}
		if n := m.kinds(rpc.KindConnect); n != 1 {
			t.Errorf("%d connects; want 1", n)
		}
		v6 := &unix.SockaddrInet6{Port: 53}
		if _, err := p.Sendto(fd, []byte("q"), 0, v6); !errors.Is(err, unix.EAFNOSUPPORT) {
			t.Errorf("v6 dgram: %v", err)
		}
	})
}

func TestAcceptFromService(t *testing.T) {
	m := newMock(t)
	p := newProxy(t, m, nil)
	peer := &unix.SockaddrInet4{Addr: [4]byte{198, 51, 100, 7}, Port: 40000}

	p.Threads().WithThread(Enabled, func() {
		ln, err := p.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
		ko(t, err)
		defer p.Close(ln)
		ko(t, p.Bind(ln, &unix.SockaddrInet4{Port: 8080}))
		ko(t, p.Listen(ln, 16))
		svc := m.end(ln)

		if _, _, err := p.Accept(ln); !errors.Is(err, unix.EAGAIN) {
			t.Errorf("empty queue: %v; want EAGAIN", err)
		}

		conn, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		ko(t, err)
		defer unix.Close(conn[1])
		ko(t, rpc.SendFd(svc, rpc.EncodeAcceptFrame(peer), conn[0]))
		_ = unix.Close(conn[0])

		nfd, from, err := p.Accept4(ln, unix.SOCK_NONBLOCK)
		ko(t, err)
		defer p.Close(nfd)
		if diff := pretty.Compare(from, peer); diff != "" {
			t.Errorf("peer (-got +want):\n%s", diff)
		}
		if !p.Transplanted(nfd) {
			t.Errorf("accepted fd not tracked")
		}
		fl, err := unix.FcntlInt(uintptr(nfd), unix.F_GETFL, 0)
		ko(t, err)
		if fl&unix.O_NONBLOCK == 0 {
			t.Errorf("SOCK_NONBLOCK not applied")
		}
		_, err = unix.Write(conn[1], []byte("hey"))
		ko(t, err)
		b := make([]byte, 8)
		n, sa, err := p.Recvfrom(nfd, b, 0)
		ko(t, err)
		if string(b[:n]) != "hey" || sa == nil {
			t.Errorf("recv %q from %v", b[:n], sa)
		}
	})
}

func TestListenOnDgram(t *testing.T) {
	p := newProxy(t, newMock(t), nil)
	p.Threads().WithThread(Enabled, func() {
		fd, err := p.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		ko(t, err)
		defer p.Close(fd)
		if err := p.Listen(fd, 1); !errors.Is(err, unix.EOPNOTSUPP) {
			t.Errorf("listen(dgram): %v", err)
		}
	})
}
