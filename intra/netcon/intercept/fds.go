// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package intercept

import (
	"sync"

	"golang.org/x/sys/unix"
)

// tfd describes a transplanted descriptor.
type tfd struct {
	family int           // as asked for by the app
	typ    int           // SOCK_STREAM or SOCK_DGRAM, sans flags
	peer   unix.Sockaddr // last associated destination; may be nil
	listen bool
}

func (t tfd) dgram() bool {
	return t.typ == unix.SOCK_DGRAM
}

// fdtab tracks descriptors handed out by the service.
type fdtab struct {
	sync.RWMutex
	m map[int]tfd
}

func newFdtab() *fdtab {
	return &fdtab{m: make(map[int]tfd)}
}

func (f *fdtab) add(fd int, t tfd) {
	f.Lock()
	defer f.Unlock()
	f.m[fd] = t
}

func (f *fdtab) get(fd int) (t tfd, ok bool) {
	f.RLock()
	defer f.RUnlock()
	t, ok = f.m[fd]
	return
}

func (f *fdtab) has(fd int) bool {
	_, ok := f.get(fd)
	return ok
}

func (f *fdtab) associate(fd int, peer unix.Sockaddr) {
	f.Lock()
	defer f.Unlock()
	if t, ok := f.m[fd]; ok {
		t.peer = peer
		f.m[fd] = t
	}
}

func (f *fdtab) listening(fd int) {
	f.Lock()
	defer f.Unlock()
	if t, ok := f.m[fd]; ok {
		t.listen = true
		f.m[fd] = t
	}
}

func (f *fdtab) forget(fd int) {
	f.Lock()
	defer f.Unlock()
	delete(f.m, fd)
}

func (f *fdtab) len() int {
	f.RLock()
	defer f.RUnlock()
	return len(f.m)
}
