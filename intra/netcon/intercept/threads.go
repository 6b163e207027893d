// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package intercept

import (
	"runtime"
	"strconv"
	"sync"
)

// Flag is a thread's interception state.
type Flag int32

const (
	// Uninitialized threads were never registered; calls go to the kernel.
	Uninitialized Flag = iota
	// Enabled threads have their socket calls proxied.
	Enabled
	// Disabled threads are registered but use the kernel.
	Disabled
)

func (f Flag) String() string {
	switch f {
	case Uninitialized:
		return "uninitialized"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	}
	return "flag(" + strconv.Itoa(int(f)) + ")"
}

// Threads maps OS thread ids to their Flag. Goroutines must be
// locked to their OS thread (runtime.LockOSThread) for as long as
// their registration is meant to hold.
type Threads struct {
	mu sync.RWMutex
	m  map[int]Flag
}

// NewThreads returns an empty registry; every thread is Uninitialized.
func NewThreads() *Threads {
	return &Threads{m: make(map[int]Flag)}
}

// Register sets the calling thread's flag and returns the previous one.
// Callers must Unregister before their locked goroutine exits: entries
// are keyed by tid, and a later thread that reuses the tid inherits a
// stale flag. WithThread does this for its callers.
func (t *Threads) Register(f Flag) (prev Flag) {
	return t.RegisterTid(gettid(), f)
}

// RegisterTid sets tid's flag; Uninitialized removes tid.
func (t *Threads) RegisterTid(tid int, f Flag) (prev Flag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev = t.m[tid]
	if f == Uninitialized {
		delete(t.m, tid)
	} else {
		t.m[tid] = f
	}
	return prev
}

// Unregister forgets the calling thread.
func (t *Threads) Unregister() {
	t.RegisterTid(gettid(), Uninitialized)
}

// Flag returns the calling thread's flag.
func (t *Threads) Flag() Flag {
	return t.Of(gettid())
}

// Of returns tid's flag.
func (t *Threads) Of(tid int) Flag {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[tid]
}

// Len returns the no. of registered threads.
func (t *Threads) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// WithThread runs fn locked to the calling goroutine's OS thread with
// that thread's flag set to f; the previous flag is restored after.
func (t *Threads) WithThread(f Flag, fn func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	prev := t.Register(f)
	defer t.Register(prev)

	fn()
}

// Tid returns the calling OS thread's id.
func Tid() int {
	return gettid()
}
