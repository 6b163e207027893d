// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package log

import "sync"

// ring keeps the last cap(b) values pushed to it. Push never blocks
// on a reader: it is called from inside intercepted socket calls.
type ring[T any] struct {
	sync.Mutex
	b    []T
	next int  // slot the next Push writes
	full bool // b has wrapped at least once
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{b: make([]T, max(capacity, 1))}
}

// Push adds v, evicting the oldest value when full.
func (r *ring[T]) Push(v T) {
	r.Lock()
	defer r.Unlock()

	r.b[r.next] = v
	r.next = (r.next + 1) % len(r.b)
	if r.next == 0 {
		r.full = true
	}
}

// Len is the no. of values held.
func (r *ring[T]) Len() int {
	r.Lock()
	defer r.Unlock()

	if r.full {
		return len(r.b)
	}
	return r.next
}

// Snapshot copies out the held values, oldest first.
func (r *ring[T]) Snapshot() []T {
	r.Lock()
	defer r.Unlock()

	if !r.full {
		return append([]T(nil), r.b[:r.next]...)
	}
	out := make([]T, 0, len(r.b))
	out = append(out, r.b[r.next:]...)
	return append(out, r.b[:r.next]...)
}
