// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"io"
	"net"
	"os"
	"reflect"

	"golang.org/x/sys/unix"
)

type CloserOp int

const (
	CopR CloserOp = iota
	CopW
	CopRW
	CopAny
)

// halfCloser is implemented by *net.TCPConn and *net.UnixConn.
type halfCloser interface {
	net.Conn
	CloseRead() error
	CloseWrite() error
}

func CloseFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

// CloseFd closes raw descriptors; negative fds are ignored.
func CloseFd(fds ...int) {
	for _, fd := range fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}

// CloseConn closes cs.
func CloseConn(cs ...net.Conn) {
	for _, c := range cs {
		if !IsNil(c) {
			_ = c.Close()
		}
	}
}

// Close closes cs.
func Close(cs ...io.Closer) {
	for _, c := range cs {
		CloseOp(c, CopAny)
	}
}

// CloseOp closes op on c; half-closes are honoured only
// by conns that support them, others are closed fully.
func CloseOp(c io.Closer, op CloserOp) {
	if IsNil(c) {
		return
	}
	switch x := c.(type) {
	case halfCloser:
		switch op {
		case CopR:
			_ = x.CloseRead()
		case CopW:
			_ = x.CloseWrite()
		default:
			_ = x.Close()
		}
	case *os.File:
		CloseFile(x)
	default:
		_ = c.Close()
	}
}

// IsNil reports whether x is nil if its Chan, Func, Map,
// Pointer, UnsafePointer, Interface, and Slice;
// may panic or return false if x is not addressable
func IsNil(x any) bool {
	// from: stackoverflow.com/a/76595928
	if x == nil {
		return true
	}
	v := reflect.ValueOf(x)
	k := v.Kind()
	switch k {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Interface, reflect.Chan, reflect.Func, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}
