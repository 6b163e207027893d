// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package intercept

import "golang.org/x/sys/unix"

// rawShim handles one raw syscall number on behalf of the multiplexer.
type rawShim func(p *Proxy, a [6]uintptr) (r1, r2 uintptr, err unix.Errno)

// Syscall routes the syscall numbers in rawShims to their shims and
// passes every other number to the genuine multiplexer. Threads that
// are not intercepting always get the genuine multiplexer.
func (p *Proxy) Syscall(trap, a1, a2, a3, a4, a5, a6 uintptr) (r1, r2 uintptr, err unix.Errno) {
	if p.ShouldIntercept() {
		if shim, ok := rawShims[trap]; ok {
			return shim(p, [6]uintptr{a1, a2, a3, a4, a5, a6})
		}
	}
	kernel("syscall")
	return p.real.Syscall(trap, a1, a2, a3, a4, a5, a6)
}
