// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package symbols

import (
	"golang.org/x/sys/unix"
)

// Kernel resolves to raw syscalls via x/sys/unix, which never
// loop back into netcon.
func Kernel() Resolver {
	return ResolverFunc(func() (*Table, error) {
		t := &Table{
			Socket:        unix.Socket,
			Connect:       unix.Connect,
			Bind:          unix.Bind,
			Listen:        unix.Listen,
			Accept:        unix.Accept,
			SetsockoptInt: unix.SetsockoptInt,
			Setsockopt: func(fd, level, opt int, value []byte) error {
				return unix.SetsockoptString(fd, level, opt, string(value))
			},
			GetsockoptInt: unix.GetsockoptInt,
			Getsockname:   unix.Getsockname,
			Getpeername:   unix.Getpeername,
			Sendto: func(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
				return unix.SendmsgN(fd, p, nil, to, flags)
			},
			Sendmsg:  unix.SendmsgBuffers,
			Recvfrom: unix.Recvfrom,
			Recvmsg:  unix.RecvmsgBuffers,
			Close:    unix.Close,
			Fcntl: func(fd, cmd, arg int) (int, error) {
				return unix.FcntlInt(uintptr(fd), cmd, arg)
			},
			Getrlimit: unix.Getrlimit,
		}
		platform(t)
		return t, nil
	})
}
