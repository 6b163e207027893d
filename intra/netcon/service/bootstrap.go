// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/celzero/netcon/intra/core"
	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/netcon/intercept"
	"github.com/celzero/netcon/intra/netstat"
	"github.com/celzero/netcon/intra/settings"
	"golang.org/x/time/rate"
)

var errStarted = errors.New("service: already started")

// Bootstrap runs an engine on a thread of its own and restarts it
// after identity collisions.
type Bootstrap struct {
	eng     Engine
	threads *intercept.Threads
	home    string
	nwid    string
	lim     *rate.Limiter

	started atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	res    Result
	err    error
	runs   int
}

// NewBootstrap readies eng to run with o's home and restart rate.
func NewBootstrap(eng Engine, threads *intercept.Threads, o *settings.NetconOptions) *Bootstrap {
	every := rate.Inf
	if o.RestartEvery > 0 {
		every = rate.Every(o.RestartEvery)
	}
	burst := max(o.RestartBurst, 1)
	return &Bootstrap{
		eng:     eng,
		threads: threads,
		home:    o.Home,
		nwid:    o.NetworkID,
		lim:     rate.NewLimiter(every, burst),
		done:    make(chan struct{}),
		res:     StillRunning,
	}
}

// Start prepares the home dir and runs the engine until it stops or
// ctx is done. The engine thread is flagged Disabled: its own
// bookkeeping never loops back through the service.
func (b *Bootstrap) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errStarted
	}
	if err := PrepareHome(b.home, b.nwid); err != nil {
		b.started.Store(false)
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	core.Gt("service.bootstrap", func() {
		b.loop(ctx)
	})
	return nil
}

func (b *Bootstrap) loop(ctx context.Context) {
	res, err := UnrecoverableError, error(nil)
	defer func() {
		b.finish(res, err)
	}()

	b.threads.Register(intercept.Disabled)
	defer b.threads.Unregister()

	for {
		if err = b.lim.Wait(ctx); err != nil {
			// cancelled while throttled
			res, err = NormalTermination, nil
			return
		}
		b.mu.Lock()
		b.runs++
		n := b.runs
		b.mu.Unlock()

		log.I("service: engine run #%d", n)
		res, err = b.eng.Run(ctx)
		log.I("service: engine run #%d: %s; err? %v", n, res, err)

		if res != IdentityCollision {
			// StillRunning, NormalTermination, UnrecoverableError
			return
		}
		if len(b.home) > 0 {
			if merr := moveIdentityAside(b.home); merr != nil {
				log.E("service: identity collision: %v", merr)
				res, err = UnrecoverableError, merr
				return
			}
		}
		netstat.Restarted()
	}
}

func (b *Bootstrap) finish(res Result, err error) {
	b.mu.Lock()
	b.res, b.err = res, err
	b.mu.Unlock()
	close(b.done)
}

// Stop cancels the engine; Wait reports how it ended.
func (b *Bootstrap) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the engine has stopped for good.
func (b *Bootstrap) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the engine stops for good and returns how the
// last run ended.
func (b *Bootstrap) Wait() (Result, error) {
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.res, b.err
}

// Runs is the no. of times the engine was started.
func (b *Bootstrap) Runs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

// SetInterceptStatus flags the calling thread and returns its
// previous flag. The caller must have locked its goroutine to its
// thread, see intercept.Threads.WithThread.
func (b *Bootstrap) SetInterceptStatus(f intercept.Flag) intercept.Flag {
	return b.threads.Register(f)
}
