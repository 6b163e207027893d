// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package settings

import "testing"

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvRPCPath, "/tmp/nc.sock")
	t.Setenv(EnvMode, "intercept")
	t.Setenv(EnvSOCKS5, "127.0.0.1:1080")

	o := DefaultNetconOptions().FromEnv()
	if o.Mode != ModeIntercept {
		t.Errorf("mode %d; want intercept", o.Mode)
	}
	if o.RPCPath != "/tmp/nc.sock" {
		t.Errorf("path %q", o.RPCPath)
	}
	if o.Upstream == nil || o.Upstream.IPPort != "127.0.0.1:1080" {
		t.Errorf("upstream %v", o.Upstream)
	}
	if err := o.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidateNoPath(t *testing.T) {
	o := DefaultNetconOptions()
	o.Mode = ModeIntercept
	if err := o.Validate(); err != errNoPath {
		t.Errorf("got %v; want %v", err, errNoPath)
	}
	o.Mode = ModeDirect
	o.MTU = 0
	if err := o.Validate(); err != errBadMTU {
		t.Errorf("got %v; want %v", err, errBadMTU)
	}
}

func TestInterfaceNames(t *testing.T) {
	good := []string{"eth0", "wlan0", "enp3s0", "zt-wan.1"}
	bad := []string{"", "eth0;rm", "a|b", "$(x)", "eth0 ", "`id`", "averyverylongifname"}
	for _, n := range good {
		if !ValidInterfaceName(n) {
			t.Errorf("%q should be valid", n)
		}
	}
	for _, n := range bad {
		if ValidInterfaceName(n) {
			t.Errorf("%q should be invalid", n)
		}
	}
	f := &FirewallOptions{WanInterface: "eth0", UDPPort: 0}
	if f.Validate() != errBadPort {
		t.Errorf("port 0 accepted")
	}
	f.UDPPort = 9993
	if err := f.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}
