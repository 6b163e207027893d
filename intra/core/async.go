// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import "runtime"

// Go runs f in a goroutine and recovers from any panics.
func Go(who string, f func()) {
	go func() {
		defer Recover(who)

		f()
	}()
}

// Gt runs f in a goroutine wired to its own OS thread for its entire
// lifetime; the thread exits with the goroutine. Thread-scoped state
// (like intercept flags keyed by tid) set inside f stays with f.
func Gt(who string, f func()) {
	go func() {
		runtime.LockOSThread()
		// no UnlockOSThread: the thread is discarded when f returns
		defer Recover(who)

		f()
	}()
}
