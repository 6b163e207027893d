// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"strconv"
)

// Result is how one engine run ended.
type Result int32

const (
	// StillRunning is reported by an engine that returned without
	// stopping, which the bootstrap treats as final.
	StillRunning Result = iota
	NormalTermination
	UnrecoverableError
	// IdentityCollision asks for a fresh identity and a restart.
	IdentityCollision
)

func (r Result) String() string {
	switch r {
	case StillRunning:
		return "still-running"
	case NormalTermination:
		return "normal-termination"
	case UnrecoverableError:
		return "unrecoverable-error"
	case IdentityCollision:
		return "identity-collision"
	}
	return "result(" + strconv.Itoa(int(r)) + ")"
}

// Engine is the network engine the bootstrap runs and restarts.
type Engine interface {
	// Run blocks until the engine stops or ctx is done.
	Run(ctx context.Context) (Result, error)
}

// EngineFunc adapts a func to Engine.
type EngineFunc func(ctx context.Context) (Result, error)

func (f EngineFunc) Run(ctx context.Context) (Result, error) {
	return f(ctx)
}
