// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !linux

package protect

import "errors"

var errNoBindToDevice = errors.New("protect: SO_BINDTODEVICE unsupported")

func bindToDevice(int, string) error {
	return errNoBindToDevice
}
