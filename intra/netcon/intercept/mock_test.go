// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package intercept

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/celzero/netcon/intra/netcon/rpc"
	"github.com/celzero/netcon/intra/netcon/symbols"
	"golang.org/x/sys/unix"
)

type call struct {
	kind    rpc.Kind
	related int
	req     any // a copy of the request struct, not a pointer
}

// mockTransport plays the service: SOCKET hands out one end of a
// socketpair and keeps the other as the service end.
type mockTransport struct {
	t *testing.T

	mu    sync.Mutex
	calls []call
	ends  map[int]int // app fd -> service end
	// pairType, if set, is the socketpair type used for SOCKET
	pairType int
	// sockname is the blob GETSOCKNAME writes to its aux fd
	sockname []byte
}

var _ rpc.Transport = (*mockTransport)(nil)

func newMock(t *testing.T) *mockTransport {
	m := &mockTransport{t: t, ends: make(map[int]int)}
	t.Cleanup(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, end := range m.ends {
			_ = unix.Close(end)
		}
	})
	return m
}

func (m *mockTransport) Send(kind rpc.Kind, relatedFd int, req any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c any
	switch x := req.(type) {
	case *rpc.SocketReq:
		c = *x
	case *rpc.ConnectReq:
		c = *x
	case *rpc.BindReq:
		c = *x
	case *rpc.ListenReq:
		c = *x
	case *rpc.GetsocknameReq:
		c = *x
	}
	m.calls = append(m.calls, call{kind, relatedFd, c})

	switch kind {
	case rpc.KindSocket:
		typ := int(req.(*rpc.SocketReq).Type)
		if m.pairType != 0 {
			typ = m.pairType
		}
		fds, err := unix.Socketpair(unix.AF_UNIX, typ|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, err
		}
		m.ends[fds[0]] = fds[1]
		return fds[0], nil
	case rpc.KindGetsockname:
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, err
		}
		blob := make([]byte, rpc.SockaddrStorageLen)
		copy(blob, m.sockname)
		_, _ = unix.Write(fds[1], blob)
		_ = unix.Close(fds[1])
		return fds[0], nil
	}
	return 0, nil
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockTransport) last() call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

func (m *mockTransport) kinds(k rpc.Kind) (n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c.kind == k {
			n++
		}
	}
	return
}

// end returns the service end paired with app fd.
func (m *mockTransport) end(fd int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ends[fd]
}

// countingResolver resolves to the kernel and counts resolutions
// and genuine closes.
type countingResolver struct {
	resolves atomic.Int32
	closes   atomic.Int32
	setopts  atomic.Int32
}

func (r *countingResolver) Resolve() (*symbols.Table, error) {
	r.resolves.Add(1)
	t, err := symbols.Kernel().Resolve()
	if err != nil {
		return nil, err
	}
	realClose := t.Close
	t.Close = func(fd int) error {
		r.closes.Add(1)
		return realClose(fd)
	}
	realSetopt := t.SetsockoptInt
	t.SetsockoptInt = func(fd, level, opt, value int) error {
		r.setopts.Add(1)
		return realSetopt(fd, level, opt, value)
	}
	return t, nil
}

const svcPath = "/tmp/svc.sock"

func newProxy(t *testing.T, tr rpc.Transport, r symbols.Resolver) *Proxy {
	if r == nil {
		r = symbols.Kernel()
	}
	path := NewPath("NETCON_TEST_UNSET")
	path.Set(svcPath)
	return NewProxy(symbols.NewRegistry(r), NewThreads(), path, Opts{Transport: tr})
}

func ko(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
