// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package symbols

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/celzero/netcon/intra/log"
	"golang.org/x/sys/unix"
)

// Table holds the genuine implementation of every socket call
// netcon intercepts. Nil entries are symbols the platform lacks.
type Table struct {
	Socket        func(domain, typ, proto int) (int, error)
	Connect       func(fd int, sa unix.Sockaddr) error
	Bind          func(fd int, sa unix.Sockaddr) error
	Listen        func(fd, backlog int) error
	Accept        func(fd int) (int, unix.Sockaddr, error)
	Accept4       func(fd, flags int) (int, unix.Sockaddr, error) // linux only
	SetsockoptInt func(fd, level, opt, value int) error
	Setsockopt    func(fd, level, opt int, value []byte) error
	GetsockoptInt func(fd, level, opt int) (int, error)
	Getsockname   func(fd int) (unix.Sockaddr, error)
	Getpeername   func(fd int) (unix.Sockaddr, error)
	Sendto        func(fd int, p []byte, flags int, to unix.Sockaddr) (int, error)
	Sendmsg       func(fd int, bufs [][]byte, oob []byte, to unix.Sockaddr, flags int) (int, error)
	Recvfrom      func(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
	Recvmsg       func(fd int, bufs [][]byte, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error)
	Close         func(fd int) error
	Fcntl         func(fd, cmd, arg int) (int, error)
	Getrlimit     func(resource int, rlim *unix.Rlimit) error
	// Syscall is the raw multiplexer; linux only
	Syscall func(trap, a1, a2, a3, a4, a5, a6 uintptr) (r1, r2 uintptr, err unix.Errno)
}

// Resolver finds the genuine socket calls, "the next definition
// of the symbol" after netcon's own.
type Resolver interface {
	Resolve() (*Table, error)
}

// ResolverFunc adapts a func to Resolver.
type ResolverFunc func() (*Table, error)

func (f ResolverFunc) Resolve() (*Table, error) {
	return f()
}

var errMissingSymbol = errors.New("symbols: essential symbol missing")

// essential are the calls no shim can do without.
var essential = []string{"socket", "connect", "close", "fcntl", "getsockopt"}

// Missing lists the names of nil entries in t.
func (t *Table) Missing() (names []string) {
	check := func(name string, isnil bool) {
		if isnil {
			names = append(names, name)
		}
	}
	check("socket", t.Socket == nil)
	check("connect", t.Connect == nil)
	check("bind", t.Bind == nil)
	check("listen", t.Listen == nil)
	check("accept", t.Accept == nil)
	check("accept4", t.Accept4 == nil)
	check("setsockopt", t.SetsockoptInt == nil || t.Setsockopt == nil)
	check("getsockopt", t.GetsockoptInt == nil)
	check("getsockname", t.Getsockname == nil)
	check("getpeername", t.Getpeername == nil)
	check("sendto", t.Sendto == nil)
	check("sendmsg", t.Sendmsg == nil)
	check("recvfrom", t.Recvfrom == nil)
	check("recvmsg", t.Recvmsg == nil)
	check("close", t.Close == nil)
	check("fcntl", t.Fcntl == nil)
	check("getrlimit", t.Getrlimit == nil)
	check("syscall", t.Syscall == nil)
	return
}

func (t *Table) validate() error {
	missing := t.Missing()
	for _, m := range missing {
		for _, e := range essential {
			if m == e {
				return errors.Join(errMissingSymbol, errors.New(m))
			}
		}
	}
	if len(missing) > 0 {
		log.I("symbols: unavailable: %s", strings.Join(missing, ","))
	}
	return nil
}

// Registry resolves a Table once and hands it out thereafter.
type Registry struct {
	r     Resolver
	once  sync.Once
	t     *Table
	err   error
	count atomic.Int32 // resolutions attempted
}

// NewRegistry returns a registry over r; r is consulted at most once.
func NewRegistry(r Resolver) *Registry {
	return &Registry{r: r}
}

// Get resolves on first use. On error, the returned table is empty
// (every entry nil) and never nil itself.
func (g *Registry) Get() (*Table, error) {
	g.once.Do(func() {
		g.count.Add(1)
		t, err := g.r.Resolve()
		if err == nil && t == nil {
			err = errMissingSymbol
		}
		if err == nil {
			err = t.validate()
		}
		if err != nil {
			log.E("symbols: resolve: %v", err)
			g.t, g.err = new(Table), err
			return
		}
		g.t = t
	})
	return g.t, g.err
}

// Table is Get without the error.
func (g *Registry) Table() *Table {
	t, _ := g.Get()
	return t
}

// Resolutions is the number of times the resolver was consulted.
func (g *Registry) Resolutions() int {
	return int(g.count.Load())
}

var kernelRegistry = NewRegistry(Kernel())

// Default returns the process-wide registry over Kernel().
func Default() *Registry {
	return kernelRegistry
}
