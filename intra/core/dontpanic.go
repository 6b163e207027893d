// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"fmt"
	"sync/atomic"

	"github.com/celzero/netcon/intra/log"
)

var parentCallerDepthAt = log.LogFnCallerDepth + 1

// traceSize is the scratch space for a goroutine stacktrace.
const traceSize = 16 * 1024

var panics atomic.Uint32

// Recover must be the first deferred call of a new goroutine. netcon
// runs inside the processes it intercepts: a panic is logged with its
// stack and the goroutine ends; the process never exits on our behalf.
func Recover(aux string) (didpanic bool) {
	recovered := recover()
	if recovered == nil {
		return false
	}
	n := panics.Add(1)

	msg := fmt.Sprintf("%s: panic #%d: %v", aux, n, recovered)
	log.E2(parentCallerDepthAt, msg)

	b := AllocRegion(traceSize)
	defer Recycle(b)
	log.C(msg, b[:cap(b)])
	return true
}

// Panics is the no. of panics Recover has caught.
func Panics() uint32 {
	return panics.Load()
}
