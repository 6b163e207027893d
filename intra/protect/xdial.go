// Copyright (c) 2023 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package protect

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/settings"
	"github.com/txthinking/socks5"
	"golang.org/x/net/proxy"
)

const dialTimeout = 10 * time.Second

const (
	udptimeoutsec = 5 * 60                    // 5m
	tcptimeoutsec = (2 * 60 * 60) + (40 * 60) // 2h40m
)

// RDial is the service's way out: tcp through Dialer, udp through
// Listener, or through UDP when an upstream socks5 proxy is set.
type RDial struct {
	Owner    string            // owner tag
	Dialer   proxy.Dialer      // may be nil
	UDP      proxy.Dialer      // connected udp via upstream; may be nil
	Listener *net.ListenConfig // may be nil
}

var (
	errNoConn    = errors.New("not a dialer")
	errNoUDP     = errors.New("not a udp dialer")
	errNoConnMux = errors.New("not an announcer")
	errNoUDPMux  = errors.New("not a udp announcer")
	errAnnounce  = errors.New("cannot announce network")
	errListen    = errors.New("cannot listen on network")
)

// NewRDial wraps d and l; if up is set, tcp dials go through it via
// x/net/proxy and udp via a socks5 udp associate.
func NewRDial(owner string, d *net.Dialer, l *net.ListenConfig, up *settings.ProxyOptions) (*RDial, error) {
	if d == nil {
		d = MakeDefaultDialer()
	}
	if l == nil {
		l = MakeDefaultListenConfig()
	}
	r := &RDial{Owner: owner, Dialer: d, Listener: l}
	if up == nil {
		return r, nil
	}

	var auth *proxy.Auth
	user, pwd := "", ""
	if up.Auth != nil && len(up.Auth.User) > 0 {
		auth = up.Auth
		user, pwd = up.Auth.User, up.Auth.Password
	}
	// x.net.proxy doesn't yet support udp
	// github.com/golang/net/blob/62affa334/internal/socks/socks.go#L233
	tcp, err := proxy.SOCKS5("tcp", up.IPPort, auth, d)
	if err != nil {
		return nil, err
	}
	udp, err := socks5.NewClient(up.IPPort, user, pwd, tcptimeoutsec, udptimeoutsec)
	if err != nil {
		return nil, err
	}
	r.Dialer = tcp
	r.UDP = udp
	log.I("xdial: %s: upstream socks5 %s", owner, up)
	return r, nil
}

// Proxied reports whether dials go through an upstream proxy.
func (d *RDial) Proxied() bool {
	return d.UDP != nil
}

// DialContext connects to addr over a stream network.
func (d *RDial) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.Dialer == nil {
		log.V("xdial: Dial: (o: %s) %s %s", d.Owner, network, addr)
		return nil, errNoConn
	}
	if cd, ok := d.Dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return d.Dialer.Dial(network, addr)
}

func (d *RDial) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// DialUDP connects to addr through the upstream; each destination
// gets its own conn.
func (d *RDial) DialUDP(addr string) (net.Conn, error) {
	if d.UDP == nil {
		return nil, errNoUDP
	}
	return d.UDP.Dial("udp", addr)
}

// Announce announces the local address. network must be "udp" or "udp4" or "udp6".
func (d *RDial) Announce(network, local string) (*net.UDPConn, error) {
	if network != "udp" && network != "udp4" && network != "udp6" {
		return nil, errAnnounce
	}
	// diailing (proxy.Dial/net.Dial/etc) on wildcard addresses (ex: ":8080" or "" or "localhost:1025")
	// is not equivalent to listening/announcing. see: github.com/golang/go/issues/22827
	if d.Listener == nil {
		log.V("xdial: Announce: (o: %s) %s %s", d.Owner, network, local)
		return nil, errNoConnMux
	}
	pc, err := d.Listener.ListenPacket(context.Background(), network, local)
	if err != nil {
		return nil, err
	}
	switch x := pc.(type) {
	case *net.UDPConn:
		return x, nil
	default:
		log.W("xdial: Announce: addr(%s) for owner(%s): failed; %T is not net.UDPConn", local, d.Owner, x)
		clos(pc)
		return nil, errNoUDPMux
	}
}

// Listen accepts stream conns on local. network must be "tcp" or "tcp4" or "tcp6".
func (d *RDial) Listen(network, local string) (*net.TCPListener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, errListen
	}
	if d.Listener == nil {
		return nil, errNoConnMux
	}
	ln, err := d.Listener.Listen(context.Background(), network, local)
	if err != nil {
		return nil, err
	}
	if tl, ok := ln.(*net.TCPListener); ok {
		return tl, nil
	}
	clos(ln)
	return nil, errListen
}

func clos(c io.Closer) {
	if c != nil {
		c.Close()
	}
}
