// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rpc

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/celzero/netcon/intra/core"
	"github.com/celzero/netcon/intra/log"
	"golang.org/x/sys/unix"
)

// Command is one decoded request.
type Command struct {
	Kind Kind
	// RelatedFd is the descriptor number as seen by the caller.
	RelatedFd int
	// Fd is the caller's descriptor as received by the service,
	// or NoFd. Owned by the server; valid only during Serve.
	Fd int
	// Req is one of *SocketReq, *ConnectReq, *BindReq, *ListenReq,
	// *GetsocknameReq, matching Kind.
	Req any
}

// Reply is the service's answer to a Command.
type Reply struct {
	Result int32
	Errno  unix.Errno
	// Fd, if not NoFd, is passed to the caller and then closed.
	Fd int
}

// Handler serves commands; calls on one conn are sequential.
type Handler interface {
	Serve(cmd *Command) *Reply
}

// HandlerFunc adapts a func to Handler.
type HandlerFunc func(cmd *Command) *Reply

func (f HandlerFunc) Serve(cmd *Command) *Reply {
	return f(cmd)
}

// Errno returns a Reply that rejects a command with e.
func Errno(e unix.Errno) *Reply {
	return &Reply{Result: -1, Errno: e, Fd: NoFd}
}

// Ok returns a Reply with result r.
func Ok(r int32) *Reply {
	return &Reply{Result: r, Fd: NoFd}
}

// WithFd returns a Reply that passes fd to the caller.
func WithFd(fd int) *Reply {
	return &Reply{Result: int32(fd), Fd: fd}
}

// Server accepts rpc conns on a unix socket path.
type Server struct {
	path string
	h    Handler
	ln   *net.UnixListener

	mu     sync.Mutex // guards conns
	conns  map[*net.UnixConn]struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

var errClosed = errors.New("rpc: server closed")

// Listen binds path, removing a stale socket file left there.
func Listen(path string, h Handler) (*Server, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		_ = os.Remove(path)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	ln.SetUnlinkOnClose(true)
	return &Server{
		path:  path,
		h:     h,
		ln:    ln,
		conns: make(map[*net.UnixConn]struct{}),
	}, nil
}

// Path returns the socket path s listens on.
func (s *Server) Path() string {
	return s.path
}

// Serve accepts conns until Close; it always returns a non-nil error.
func (s *Server) Serve() error {
	for {
		c, err := s.ln.AcceptUnix()
		if err != nil {
			if s.closed.Load() {
				return errClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.W("rpc: serve %s: accept: %v", s.path, err)
			return err
		}
		if !s.track(c) {
			core.CloseConn(c)
			return errClosed
		}
		s.wg.Add(1)
		core.Go("rpc.conn", func() {
			defer s.wg.Done()
			defer s.untrack(c)
			s.serveConn(c)
		})
	}
}

// Close stops accepting, closes live conns and waits for them to drain.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		core.CloseConn(c)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) track(c *net.UnixConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	core.CloseConn(c)
}

// serveConn handles frames on c until the client hangs up.
func (s *Server) serveConn(c *net.UnixConn) {
	for {
		cmd, err := readCommand(c)
		if err != nil {
			if err != io.EOF && !s.closed.Load() {
				log.D("rpc: conn %s: read: %v", s.path, err)
			}
			return
		}
		reply := s.h.Serve(cmd)
		core.CloseFd(cmd.Fd)
		if reply == nil {
			reply = Errno(unix.EIO)
		}
		if err := writeReply(c, reply); err != nil {
			log.W("rpc: conn %s: %s reply: %v", s.path, cmd.Kind, err)
			return
		}
	}
}

func readCommand(c *net.UnixConn) (*Command, error) {
	hb := make([]byte, headerLen)
	oob := make([]byte, RightsSpace())
	n, oobn, _, _, err := c.ReadMsgUnix(hb, oob)
	if err != nil {
		return nil, err
	}
	if n == 0 && oobn == 0 {
		return nil, io.EOF
	}
	fd := NoFd
	if oobn > 0 {
		if fd, err = parseRights(oob[:oobn]); err != nil {
			return nil, err
		}
	}
	if n < headerLen {
		if _, err = io.ReadFull(c, hb[n:]); err != nil {
			core.CloseFd(fd)
			return nil, err
		}
	}
	h := decodeHeader(hb)
	req, err := newReq(h.Kind)
	if err != nil {
		// payload size is unknown; the stream cannot be resynced
		core.CloseFd(fd)
		return nil, err
	}
	if err = binary.Read(c, order, req); err != nil {
		core.CloseFd(fd)
		return nil, err
	}
	return &Command{
		Kind:      h.Kind,
		RelatedFd: int(h.RelatedFd),
		Fd:        fd,
		Req:       req,
	}, nil
}

func writeReply(c *net.UnixConn, r *Reply) error {
	defer core.CloseFd(r.Fd)

	b := encodeResponse(r.Result, r.Errno)
	var oob []byte
	if r.Fd >= 0 && r.Errno == 0 {
		oob = unix.UnixRights(r.Fd)
	}
	n, _, err := c.WriteMsgUnix(b, oob, nil)
	if err == nil && n != len(b) {
		err = errShortOut
	}
	return err
}
