// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package protect

import "golang.org/x/sys/unix"

func bindToDevice(fd int, ifname string) error {
	return unix.BindToDevice(fd, ifname)
}
