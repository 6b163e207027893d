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
	"os"
	"sync"
	"time"

	"github.com/celzero/netcon/intra/core"
	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/netcon/rpc"
	"github.com/celzero/netcon/intra/netstat"
	"github.com/celzero/netcon/intra/protect"
	"golang.org/x/sys/unix"
)

const (
	defaultReapEvery = 10 * time.Second
	connectTimeout   = 30 * time.Second
)

var (
	errServeDied = errors.New("service: rpc server died")
	errNotUnix   = errors.New("service: not a unix socket")
)

// Service is the kernel-backed network engine. It serves the rpc
// socket and backs each proxied socket with a real one, relaying
// bytes between the two.
type Service struct {
	path      string
	rd        *protect.RDial
	reapEvery time.Duration

	ready     chan struct{}
	readyOnce sync.Once

	mu    sync.RWMutex
	socks map[uint64]*vsock // by inode of the app's end
}

var _ Engine = (*Service)(nil)
var _ rpc.Handler = (*Service)(nil)

// NewService serves path and reaches out through rd.
func NewService(path string, rd *protect.RDial) *Service {
	return &Service{
		path:      path,
		rd:        rd,
		reapEvery: defaultReapEvery,
		ready:     make(chan struct{}),
		socks:     make(map[uint64]*vsock),
	}
}

// Ready is closed once the rpc socket accepts conns.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Len is the no. of live proxied sockets.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.socks)
}

// Run serves the rpc socket until ctx is done.
func (s *Service) Run(ctx context.Context) (Result, error) {
	srv, err := rpc.Listen(s.path, s)
	if err != nil {
		log.E("service: listen %s: %v", s.path, err)
		return UnrecoverableError, err
	}
	defer s.closeAll()
	s.readyOnce.Do(func() { close(s.ready) })
	log.I("service: serving %s", s.path)

	errc := make(chan error, 1)
	core.Go("service.serve", func() {
		err := errServeDied
		defer func() { errc <- err }()
		err = srv.Serve()
	})

	t := time.NewTicker(s.reapEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = srv.Close()
			<-errc
			return NormalTermination, nil
		case err := <-errc:
			log.E("service: serve %s: %v", s.path, err)
			return UnrecoverableError, err
		case <-t.C:
			s.reap()
		}
	}
}

// Serve implements rpc.Handler.
func (s *Service) Serve(cmd *rpc.Command) (r *rpc.Reply) {
	defer func() {
		netstat.Command(cmd.Kind.String(), r != nil && r.Errno == 0)
	}()

	switch req := cmd.Req.(type) {
	case *rpc.SocketReq:
		return s.socket(req)
	case *rpc.ConnectReq:
		return s.connect(cmd.Fd, req)
	case *rpc.BindReq:
		return s.bind(cmd.Fd, req)
	case *rpc.ListenReq:
		return s.listen(cmd.Fd, req)
	case *rpc.GetsocknameReq:
		return s.getsockname(cmd.Fd)
	}
	return rpc.Errno(unix.EINVAL)
}

func (s *Service) socket(req *rpc.SocketReq) *rpc.Reply {
	fam, typ := int(req.Family), int(req.Type)
	if fam != unix.AF_INET && fam != unix.AF_INET6 {
		return rpc.Errno(unix.EAFNOSUPPORT)
	}
	if typ != unix.SOCK_STREAM && typ != unix.SOCK_DGRAM {
		return rpc.Errno(unix.EPROTONOSUPPORT)
	}
	v, appfd, err := s.pair(fam, typ)
	if err != nil {
		log.W("service: socket(%d, %d) for tid %d: %v", fam, typ, req.Tid, err)
		return rpc.Errno(errnoOf(err, unix.ENFILE))
	}
	log.D("service: socket(%d, %d) for tid %d = %s", fam, typ, req.Tid, v)
	return rpc.WithFd(appfd)
}

// pair makes a socketpair of type typ; the returned fd is the app's
// end, the other is kept by the new vsock.
func (s *Service) pair(family, typ int) (*vsock, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, rpc.NoFd, err
	}
	id, err := inodeOf(fds[0])
	if err != nil {
		core.CloseFd(fds[0], fds[1])
		return nil, rpc.NoFd, err
	}
	end, err := fileConn(fds[1])
	if err != nil {
		core.CloseFd(fds[0])
		return nil, rpc.NoFd, err
	}
	v := newVsock(id, family, typ, end)

	s.mu.Lock()
	s.socks[id] = v
	s.mu.Unlock()
	netstat.SocketOpened(v.typname())
	return v, fds[0], nil
}

// lookup finds the vsock of the app's fd as received by the service.
func (s *Service) lookup(fd int) (*vsock, unix.Errno) {
	if fd < 0 {
		return nil, unix.EBADF
	}
	id, err := inodeOf(fd)
	if err != nil {
		return nil, unix.EBADF
	}
	s.mu.RLock()
	v, ok := s.socks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, unix.EBADF
	}
	return v, 0
}

func (s *Service) drop(v *vsock) {
	if !v.close() {
		return
	}
	s.mu.Lock()
	delete(s.socks, v.id)
	s.mu.Unlock()
	netstat.SocketClosed(v.typname())
	log.D("service: closed %s", v)
}

func (s *Service) closeAll() {
	s.mu.RLock()
	all := make([]*vsock, 0, len(s.socks))
	for _, v := range s.socks {
		all = append(all, v)
	}
	s.mu.RUnlock()
	for _, v := range all {
		s.drop(v)
	}
}

// reap drops vsocks whose app end no longer exists anywhere; datagram
// pairs never see EOF when the app closes its end.
func (s *Service) reap() {
	netstat.ForgetUnixInodes()
	live, err := netstat.LiveUnixInodes()
	if err != nil {
		log.D("service: reap: %v", err)
		return
	}
	var dead []*vsock
	s.mu.RLock()
	for id, v := range s.socks {
		if _, ok := live[id]; !ok && time.Since(v.ctime) > s.reapEvery {
			dead = append(dead, v)
		}
	}
	s.mu.RUnlock()
	for _, v := range dead {
		s.drop(v)
	}
	if len(dead) > 0 {
		log.I("service: reaped %d sockets", len(dead))
	}
}

func (s *Service) connect(fd int, req *rpc.ConnectReq) *rpc.Reply {
	v, errno := s.lookup(fd)
	if errno != 0 {
		return rpc.Errno(errno)
	}
	sa, err := rpc.DecodeSockaddr(req.Addr[:], req.AddrLen)
	if err != nil {
		return rpc.Errno(errnoOf(err, unix.EINVAL))
	}
	dst, ok := rpc.ToAddrPort(sa)
	if !ok {
		return rpc.Errno(unix.EAFNOSUPPORT)
	}
	if v.stream() {
		return s.dial(v, dst)
	}
	return s.associate(v, dst)
}

func (s *Service) bind(fd int, req *rpc.BindReq) *rpc.Reply {
	v, errno := s.lookup(fd)
	if errno != 0 {
		return rpc.Errno(errno)
	}
	sa, err := rpc.DecodeSockaddr(req.Addr[:], req.AddrLen)
	if err != nil {
		return rpc.Errno(errnoOf(err, unix.EINVAL))
	}
	local, ok := rpc.ToAddrPort(sa)
	if !ok {
		return rpc.Errno(unix.EAFNOSUPPORT)
	}

	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return rpc.Errno(unix.EBADF)
	case v.local.IsValid(), v.egress != nil, v.ln != nil, v.pc != nil:
		v.mu.Unlock()
		return rpc.Errno(unix.EINVAL)
	}
	v.local = local
	v.mu.Unlock()

	if !v.stream() {
		if err := s.startUDP(v); err != nil {
			v.mu.Lock()
			v.local = netip.AddrPort{}
			v.mu.Unlock()
			return rpc.Errno(errnoOf(err, unix.EADDRINUSE))
		}
	}
	log.D("service: bind %s to %s", v, local)
	return rpc.Ok(0)
}

func (s *Service) listen(fd int, req *rpc.ListenReq) *rpc.Reply {
	v, errno := s.lookup(fd)
	if errno != 0 {
		return rpc.Errno(errno)
	}
	if !v.stream() {
		return rpc.Errno(unix.EOPNOTSUPP)
	}

	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return rpc.Errno(unix.EBADF)
	case v.egress != nil:
		v.mu.Unlock()
		return rpc.Errno(unix.EISCONN)
	case v.ln != nil:
		// backlog changes are not forwarded
		v.mu.Unlock()
		return rpc.Ok(0)
	}
	local := v.bindAddr()
	v.mu.Unlock()

	ln, err := s.rd.Listen(v.proto(), local.String())
	if err != nil {
		log.W("service: listen %s on %s: %v", v, local, err)
		return rpc.Errno(errnoOf(err, unix.EADDRINUSE))
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		core.Close(ln)
		return rpc.Errno(unix.EBADF)
	}
	v.ln = ln
	v.mu.Unlock()

	core.Go("service.accept", func() { s.accept(v, ln) })
	core.Go("service.watch", func() { s.watch(v) })
	log.D("service: listen %s on %s (backlog %d)", v, ln.Addr(), req.Backlog)
	return rpc.Ok(0)
}

func (s *Service) getsockname(fd int) *rpc.Reply {
	v, errno := s.lookup(fd)
	if errno != 0 {
		return rpc.Errno(errno)
	}
	raw, _, err := rpc.EncodeSockaddr(rpc.FromAddrPort(v.localAddr()))
	if err != nil {
		return rpc.Errno(errnoOf(err, unix.EINVAL))
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return rpc.Errno(errnoOf(err, unix.ENFILE))
	}
	_, err = unix.Write(fds[1], raw[:])
	core.CloseFd(fds[1])
	if err != nil {
		core.CloseFd(fds[0])
		return rpc.Errno(errnoOf(err, unix.EIO))
	}
	return rpc.WithFd(fds[0])
}

func inodeOf(fd int) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// fileConn takes ownership of fd and returns it as a conn.
func fileConn(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "netcon-svc")
	defer core.CloseFile(f)
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		core.CloseConn(c)
		return nil, errNotUnix
	}
	return uc, nil
}

// errnoOf extracts the errno err carries, if any.
func errnoOf(err error, fallback unix.Errno) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return unix.ETIMEDOUT
	}
	return fallback
}
