// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/celzero/netcon/intra/netcon/intercept"
	"github.com/celzero/netcon/intra/settings"
)

func opts(home string) *settings.NetconOptions {
	o := settings.DefaultNetconOptions()
	o.Home = home
	o.RestartEvery = time.Millisecond
	return o
}

func waitFor(t *testing.T, b *Bootstrap) (Result, error) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	return b.Wait()
}

func TestRestartOnIdentityCollision(t *testing.T) {
	home := t.TempDir()
	var runs atomic.Int32
	eng := EngineFunc(func(ctx context.Context) (Result, error) {
		// each run generates an identity
		_ = os.WriteFile(filepath.Join(home, identitySecret), []byte("secret"), 0o600)
		_ = os.WriteFile(filepath.Join(home, identityPublic), []byte("public"), 0o600)
		if runs.Add(1) < 3 {
			return IdentityCollision, nil
		}
		return NormalTermination, nil
	})

	b := NewBootstrap(eng, intercept.NewThreads(), opts(home))
	ko(t, b.Start(context.Background()))
	res, err := waitFor(t, b)
	if res != NormalTermination || err != nil {
		t.Errorf("ended with %s, %v", res, err)
	}
	if b.Runs() != 3 {
		t.Errorf("%d runs; want 3", b.Runs())
	}
	saved, err := os.ReadFile(filepath.Join(home, identitySecret+collisionSuffix))
	ko(t, err)
	if string(saved) != "secret" {
		t.Errorf("saved %q", saved)
	}
	if err := b.Start(context.Background()); err != errStarted {
		t.Errorf("restart: %v", err)
	}
}

func TestFinalResults(t *testing.T) {
	boom := errors.New("boom")
	for _, want := range []Result{StillRunning, NormalTermination, UnrecoverableError} {
		var runs atomic.Int32
		eng := EngineFunc(func(context.Context) (Result, error) {
			runs.Add(1)
			return want, boom
		})
		b := NewBootstrap(eng, intercept.NewThreads(), opts(""))
		ko(t, b.Start(context.Background()))
		res, err := waitFor(t, b)
		if res != want || err != boom {
			t.Errorf("%s: ended with %s, %v", want, res, err)
		}
		if runs.Load() != 1 {
			t.Errorf("%s: %d runs; want 1", want, runs.Load())
		}
	}
}

func TestEngineThreadDisabled(t *testing.T) {
	threads := intercept.NewThreads()
	flags := make(chan intercept.Flag, 1)
	eng := EngineFunc(func(ctx context.Context) (Result, error) {
		flags <- threads.Flag()
		<-ctx.Done()
		return NormalTermination, nil
	})
	b := NewBootstrap(eng, threads, opts(""))
	ko(t, b.Start(context.Background()))
	if f := <-flags; f != intercept.Disabled {
		t.Errorf("engine thread is %s", f)
	}
	b.Stop()
	if res, _ := waitFor(t, b); res != NormalTermination {
		t.Errorf("stopped with %s", res)
	}
	if threads.Len() != 0 {
		t.Errorf("engine thread still registered")
	}
}

func TestSetInterceptStatus(t *testing.T) {
	threads := intercept.NewThreads()
	b := NewBootstrap(EngineFunc(nil), threads, opts(""))
	threads.WithThread(intercept.Uninitialized, func() {
		if prev := b.SetInterceptStatus(intercept.Enabled); prev != intercept.Uninitialized {
			t.Errorf("prev %s", prev)
		}
		if f := threads.Flag(); f != intercept.Enabled {
			t.Errorf("flag %s", f)
		}
		b.SetInterceptStatus(intercept.Disabled)
		if f := threads.Flag(); f != intercept.Disabled {
			t.Errorf("flag %s", f)
		}
	})
}

func TestPrepareHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "zt")
	ko(t, PrepareHome(home, "8056c2e21c000001"))
	if _, err := os.Stat(filepath.Join(home, networksDir, "8056c2e21c000001.conf")); err != nil {
		t.Errorf("no network conf: %v", err)
	}
	if err := PrepareHome(home, "not-a-network"); err != errBadNetworkID {
		t.Errorf("bad nwid: %v", err)
	}
	if err := PrepareHome("", "8056c2e21c000001"); err != nil {
		t.Errorf("no home: %v", err)
	}
}

func TestMoveIdentityWithoutOne(t *testing.T) {
	home := t.TempDir()
	ko(t, moveIdentityAside(home))
	if _, err := os.Stat(filepath.Join(home, identitySecret+collisionSuffix)); !os.IsNotExist(err) {
		t.Errorf("saved a secret that never was: %v", err)
	}
}
