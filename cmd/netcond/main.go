// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command netcond runs the network service that intercepted apps
// send their socket calls to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/celzero/netcon/intra/firewall"
	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/netcon"
	"github.com/celzero/netcon/intra/netcon/service"
	"github.com/celzero/netcon/intra/netstat"
	"github.com/celzero/netcon/intra/protect"
	"github.com/celzero/netcon/intra/settings"
	"github.com/spf13/pflag"
)

var (
	path     = pflag.String("path", "", "rpc socket path; defaults to $"+settings.EnvRPCPath)
	home     = pflag.String("home", "", "engine home dir; defaults to $"+settings.EnvHome)
	nwid     = pflag.String("nwid", "", "network id to join on start (16 hex digits)")
	socks5   = pflag.String("socks5", "", "upstream socks5 proxy as [user:pass@]ip:port")
	metrics  = pflag.String("metrics", "", "serve prometheus metrics on this ip:port")
	level    = pflag.String("log-level", "info", "one of vv, v, debug, info, warn, error, none")
	logtids  = pflag.Bool("log-tids", false, "tag log lines with the os thread id")
	wan      = pflag.String("iptables-wan", "", "manage the "+firewall.Chain+" chain for this wan interface")
	udpport  = pflag.Int("iptables-port", settings.DefaultServicePort, "engine udp port peers reach over wan")
	peers    = pflag.StringSlice("iptables-peers", nil, "peer ipv4 addresses to accept on start")
	restarts = pflag.Duration("restart-every", 5*time.Second, "min interval between engine restarts")
)

func main() {
	pflag.Parse()

	lvl := log.ParseLevel(*level)
	log.SetLevel(lvl)
	log.SetConsoleLevel(lvl)
	log.SetThreadIDs(*logtids)

	if err := run(); err != nil {
		log.E("netcond: %v", err)
		fmt.Fprintln(os.Stderr, "netcond:", err)
		os.Exit(1)
	}
}

func options() (*settings.NetconOptions, error) {
	o := settings.DefaultNetconOptions().FromEnv()
	o.Mode = settings.ModeIntercept
	if len(*path) > 0 {
		o.RPCPath = *path
	}
	if len(*home) > 0 {
		o.Home = *home
	}
	o.NetworkID = *nwid
	o.MetricsAddr = *metrics
	o.RestartEvery = *restarts
	if len(*socks5) > 0 {
		up, err := upstream(*socks5)
		if err != nil {
			return nil, err
		}
		o.Upstream = up
	}
	return o, o.Validate()
}

// upstream parses [user:pass@]ip:port.
func upstream(s string) (*settings.ProxyOptions, error) {
	var user, pass string
	if cred, ipp, ok := strings.Cut(s, "@"); ok {
		user, pass, _ = strings.Cut(cred, ":")
		s = ipp
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("--socks5 %s: %w", s, err)
	}
	up := settings.NewAuthProxyOptions(user, pass, host, port)
	if up == nil {
		return nil, fmt.Errorf("--socks5 %s: want ip:port", s)
	}
	return up, nil
}

func run() error {
	o, err := options()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(o.MetricsAddr) > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", netstat.Handler())
		mux.HandleFunc("/debug/recent", recent)
		srv := &http.Server{Addr: o.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.W("netcond: metrics: %v", err)
			}
		}()
		defer srv.Close()
	}

	d, l := protect.MakeDefaultDialer(), protect.MakeDefaultListenConfig()
	if len(*wan) > 0 {
		d, l = protect.MakeIfaceDialer(*wan), protect.MakeIfaceListenConfig(*wan)
	}
	rd, err := protect.NewRDial("netcond", d, l, o.Upstream)
	if err != nil {
		return err
	}

	if len(*wan) > 0 {
		fw, err := firewall.NewIptablesManager(&settings.FirewallOptions{WanInterface: *wan, UDPPort: *udpport})
		if err != nil {
			return err
		}
		defer fw.Close()
		if len(*peers) > 0 {
			fw.Sync(addrs(*peers))
		}
	}

	// stale socket from a previous run
	if err := os.Remove(o.RPCPath); err != nil && !os.IsNotExist(err) {
		log.W("netcond: rm %s: %v", o.RPCPath, err)
	}

	svc := service.NewService(o.RPCPath, rd)
	boot := service.NewBootstrap(svc, netcon.Threads(), o)
	if err := boot.Start(ctx); err != nil {
		return err
	}
	log.I("netcond: serving %s; upstream? %t", o.RPCPath, rd.Proxied())

	select {
	case <-ctx.Done():
		log.I("netcond: signalled; stopping")
		boot.Stop()
	case <-boot.Done():
	}
	res, err := boot.Wait()
	log.I("netcond: engine ended %s after %d runs", res, boot.Runs())
	if res == service.UnrecoverableError {
		return fmt.Errorf("engine: %s: %w", res, err)
	}
	return nil
}

func addrs(ss []string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		ip, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			log.W("netcond: peer %s: %v", s, err)
			continue
		}
		out = append(out, ip)
	}
	return out
}

// recent writes the last few log lines, oldest first.
func recent(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, l := range log.Recent() {
		fmt.Fprintln(w, l)
	}
}
