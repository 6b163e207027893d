// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package symbols

import "golang.org/x/sys/unix"

func platform(t *Table) {
	t.Accept4 = unix.Accept4
	t.Syscall = unix.Syscall6
}
