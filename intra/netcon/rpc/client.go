// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rpc

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/celzero/netcon/intra/core"
	"github.com/celzero/netcon/intra/log"
	"golang.org/x/sys/unix"
)

// Transport sends one command to the network service and returns
// either a descriptor passed back by the service or its result code.
type Transport interface {
	// Send blocks until the service replies. Errors are unix.Errno.
	Send(kind Kind, relatedFd int, req any) (int, error)
}

// Client is a Transport over a unix stream socket at a fixed path.
type Client struct {
	path       string
	persistent bool

	mu   sync.Mutex    // guards conn; held for a whole exchange
	conn *net.UnixConn // nil unless persistent
}

var _ Transport = (*Client)(nil)

// dialTimeout bounds connecting to the service; exchanges themselves
// block for as long as the service takes.
const dialTimeout = 5 * time.Second

// NewClient returns a Client for the service at path. If persistent
// is set, one conn is shared by all callers, else every Send dials.
func NewClient(path string, persistent bool) *Client {
	return &Client{path: path, persistent: persistent}
}

// Path returns the service's socket path.
func (c *Client) Path() string {
	return c.path
}

// Send implements Transport.
func (c *Client) Send(kind Kind, relatedFd int, req any) (int, error) {
	frame, err := encodeFrame(kind, relatedFd, req)
	if err != nil {
		log.E("rpc: send %s: %v", kind, err)
		return -1, unix.EINVAL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connLocked()
	if err != nil {
		log.W("rpc: send %s: dial %s: %v", kind, c.path, err)
		return -1, unix.ECONNREFUSED
	}

	res, fd, err := exchange(conn, frame, relatedFd)
	if err != nil || !c.persistent {
		c.dropLocked(conn)
	}
	if err != nil {
		log.W("rpc: send %s(%d): %v", kind, relatedFd, err)
		return -1, unix.EIO
	}
	if res.Errno != 0 {
		core.CloseFd(fd)
		log.D("rpc: %s(%d) rejected: %v", kind, relatedFd, unix.Errno(res.Errno))
		return -1, unix.Errno(res.Errno)
	}
	if fd >= 0 {
		log.V("rpc: %s(%d) got fd %d", kind, relatedFd, fd)
		return fd, nil
	}
	return int(res.Result), nil
}

// Close closes the shared conn, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(c.conn)
	return nil
}

func (c *Client) connLocked() (*net.UnixConn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.Dial("unix", c.path)
	if err != nil {
		return nil, err
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		core.CloseConn(nc)
		return nil, errNotUnix
	}
	if c.persistent {
		c.conn = uc
	}
	return uc, nil
}

func (c *Client) dropLocked(conn *net.UnixConn) {
	if conn == nil {
		return
	}
	if c.conn == conn {
		c.conn = nil
	}
	core.CloseConn(conn)
}

var (
	errNotUnix  = errors.New("rpc: not a unix conn")
	errShortOut = errors.New("rpc: short write")
)

// exchange writes frame (with relatedFd as SCM_RIGHTS, if any) and
// reads one response along with an optional passed descriptor.
func exchange(conn *net.UnixConn, frame []byte, relatedFd int) (res response, fd int, err error) {
	fd = NoFd

	var oob []byte
	if relatedFd >= 0 {
		oob = unix.UnixRights(relatedFd)
	}
	n, oobn, err := conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return
	}
	if n != len(frame) || oobn != len(oob) {
		err = errShortOut
		return
	}

	b := make([]byte, responseLen)
	rights := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err = conn.ReadMsgUnix(b, rights)
	if err != nil {
		return
	}
	if oobn > 0 {
		if fd, err = parseRights(rights[:oobn]); err != nil {
			return
		}
	}
	if n < responseLen {
		// rights ride on the first byte; the rest is plain stream
		if _, err = io.ReadFull(conn, b[n:]); err != nil {
			core.CloseFd(fd)
			fd = NoFd
			return
		}
	}
	res = decodeResponse(b)
	return
}
