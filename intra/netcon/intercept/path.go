// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package intercept

import (
	"os"
	"sync/atomic"

	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/settings"
)

// Path is the process-wide rpc socket path. Once non-empty it
// never changes.
type Path struct {
	v   atomic.Pointer[string] // nil until set
	env string
}

// NewPath returns an unset path that falls back to env var env.
func NewPath(env string) *Path {
	return &Path{env: env}
}

// Set memoizes p; first writer wins. Reports whether the path is p.
func (x *Path) Set(p string) bool {
	if len(p) <= 0 {
		return false
	}
	if x.v.CompareAndSwap(nil, &p) {
		log.I("intercept: rpc path %s", p)
		return true
	}
	cur := x.load()
	if cur != p {
		log.W("intercept: rpc path %s already set; ignoring %s", cur, p)
	}
	return cur == p
}

// Resolve returns the memoized path, else the env var's value, else
// settings.PlatformRPCPath; empty if none is set.
func (x *Path) Resolve() string {
	if p := x.load(); len(p) > 0 {
		return p
	}
	if p := os.Getenv(x.env); len(p) > 0 {
		x.Set(p)
	} else if len(settings.PlatformRPCPath) > 0 {
		x.Set(settings.PlatformRPCPath)
	}
	return x.load()
}

func (x *Path) load() string {
	if p := x.v.Load(); p != nil {
		return *p
	}
	return ""
}
