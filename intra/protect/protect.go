// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This file incorporates work covered by the following copyright and
// permission notice:
//
//     Copyright 2019 The Outline Authors
//
//     Licensed under the Apache License, Version 2.0 (the "License");
//     you may not use this file except in compliance with the License.
//     You may obtain a copy of the License at
//
//          http://www.apache.org/licenses/LICENSE-2.0
//
//     Unless required by applicable law or agreed to in writing, software
//     distributed under the License is distributed on an "AS IS" BASIS,
//     WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//     See the License for the specific language governing permissions and
//     limitations under the License.

package protect

import (
	"net"
	"net/netip"
	"syscall"

	"github.com/celzero/netcon/intra/log"
	"golang.org/x/sys/unix"
)

// Protector picks the local address egress sockets bind to.
type Protector interface {
	// UIP returns the ip to bind for network n; nil leaves the
	// choice to the kernel.
	UIP(n string) []byte
}

type control = func(network, address string, c syscall.RawConn) error

// ifaceBinder pins sockets to the interface named ifname, so egress
// leaves through it regardless of the routing table.
func ifaceBinder(ifname string) control {
	return func(network, address string, c syscall.RawConn) (err error) {
		cerr := c.Control(func(fd uintptr) {
			err = bindToDevice(int(fd), ifname)
		})
		if err != nil {
			log.E("protect: bind %s(%s) to %s: %v", network, address, ifname, err)
			return err
		}
		return cerr
	}
}

func ipBinder(p Protector) control {
	return func(network, address string, c syscall.RawConn) (err error) {
		src := p.UIP(network)
		ipaddr, ok := netip.AddrFromSlice(src)
		if !ok {
			return nil
		}
		origaddr, err := netip.ParseAddrPort(address)
		log.V("control: net(%s), orig(%s/%v), bind(%s)", network, origaddr, err, ipaddr)
		if err != nil {
			return err
		}
		// listeners bind after control runs; only dials are pinned here
		if origaddr.Addr().IsUnspecified() || ipaddr.IsUnspecified() {
			return nil
		}
		cerr := c.Control(func(fd uintptr) {
			switch network {
			case "tcp6", "udp6":
				bind6 := &unix.SockaddrInet6{Addr: ipaddr.As16()}
				err = unix.Bind(int(fd), bind6)
			default:
				bind4 := &unix.SockaddrInet4{Addr: ipaddr.Unmap().As4()}
				err = unix.Bind(int(fd), bind4)
			}
			if err != nil {
				log.E("protect: fail to bind ip(%s) to socket %v", ipaddr, err)
			}
		})
		if err != nil {
			return err
		}
		return cerr
	}
}

// MakeDialer creates a dialer that binds to the ip p picks.
func MakeDialer(p Protector) *net.Dialer {
	if p == nil {
		return MakeDefaultDialer()
	}
	d := MakeDefaultDialer()
	d.Control = ipBinder(p)
	return d
}

// MakeIfaceDialer creates a dialer whose sockets are pinned to ifname.
func MakeIfaceDialer(ifname string) *net.Dialer {
	if len(ifname) <= 0 {
		return MakeDefaultDialer()
	}
	d := MakeDefaultDialer()
	d.Control = ifaceBinder(ifname)
	return d
}

// MakeIfaceListenConfig creates a listener whose sockets are pinned to ifname.
func MakeIfaceListenConfig(ifname string) *net.ListenConfig {
	if len(ifname) <= 0 {
		return MakeDefaultListenConfig()
	}
	return &net.ListenConfig{
		Control: ifaceBinder(ifname),
	}
}

// Creates a plain old dialer
func MakeDefaultDialer() *net.Dialer {
	return &net.Dialer{
		Timeout: dialTimeout,
	}
}

// Creates a plain old listener
func MakeDefaultListenConfig() *net.ListenConfig {
	return &net.ListenConfig{}
}
