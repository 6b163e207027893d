// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
package settings

import (
	"errors"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/celzero/netcon/intra/log"
	"golang.org/x/net/proxy"
)

// ModeDirect sends every socket call straight to the kernel.
const ModeDirect int = 0

// ModeIntercept proxies socket calls of registered threads over RPC.
const ModeIntercept int = 1

// EnvRPCPath names the env var that supplies the RPC socket path.
const EnvRPCPath = "ZT_NC_NETWORK"

// EnvMode names the env var that selects ModeDirect ("direct") or
// ModeIntercept ("intercept").
const EnvMode = "ZT_NC_MODE"

// EnvHome names the env var for the engine's home directory.
const EnvHome = "ZT_NC_HOME"

// EnvSOCKS5 names the env var for an upstream socks5 ip:port.
const EnvSOCKS5 = "ZT_NC_SOCKS5"

// DefaultMTU is the largest payload one atomic send may carry
// over the virtual link (ZeroTier's default UDP payload MTU).
const DefaultMTU = 1444

// DefaultServicePort is the engine's default primary port.
const DefaultServicePort = 9991

// PlatformRPCPath is the last resort RPC path when neither an explicit
// path nor EnvRPCPath is set. Empty disables interception.
var PlatformRPCPath = ""

var (
	errNoPath   = errors.New("settings: empty rpc path")
	errBadMTU   = errors.New("settings: mtu out of range")
	errBadIface = errors.New("settings: invalid interface name")
	errBadPort  = errors.New("settings: port out of range")
)

// NetconOptions configures the socket layer and its service.
type NetconOptions struct {
	// Mode is one of ModeDirect or ModeIntercept.
	Mode int
	// RPCPath is the unix socket path of the service.
	RPCPath string
	// MTU bounds sendmsg payloads.
	MTU int
	// Persistent reuses one rpc conn for all commands.
	Persistent bool
	// Home is the engine's home directory.
	Home string
	// NetworkID, if set, gets a networks.d/<id>.conf entry in Home.
	NetworkID string
	// Upstream, if set, is the socks5 proxy the service dials through.
	Upstream *ProxyOptions
	// MetricsAddr, if set, is where prometheus metrics are served.
	MetricsAddr string
	// RestartEvery is the min interval between engine restarts.
	RestartEvery time.Duration
	// RestartBurst is the no. of restarts allowed back-to-back.
	RestartBurst int
}

// FirewallOptions configures peer filtering on the wan interface.
type FirewallOptions struct {
	WanInterface string
	UDPPort      int
}

// ProxyOptions define socks5 proxy options
type ProxyOptions struct {
	Auth   *proxy.Auth
	IPPort string
}

// DefaultNetconOptions returns options for a direct-mode process
// with the default MTU.
func DefaultNetconOptions() *NetconOptions {
	return &NetconOptions{
		Mode:         ModeDirect,
		MTU:          DefaultMTU,
		RestartEvery: 5 * time.Second,
		RestartBurst: 3,
	}
}

// FromEnv overlays ZT_NC_* env vars on to o.
func (o *NetconOptions) FromEnv() *NetconOptions {
	if p := os.Getenv(EnvRPCPath); len(p) > 0 {
		o.RPCPath = p
	}
	switch strings.ToLower(os.Getenv(EnvMode)) {
	case "intercept", "1":
		o.Mode = ModeIntercept
	case "direct", "0":
		o.Mode = ModeDirect
	}
	if h := os.Getenv(EnvHome); len(h) > 0 {
		o.Home = h
	}
	if s := os.Getenv(EnvSOCKS5); len(s) > 0 {
		if host, port, ok := strings.Cut(s, ":"); ok {
			o.Upstream = NewProxyOptions(host, port)
		} else {
			log.W("settings: %s=%s; want ip:port", EnvSOCKS5, s)
		}
	}
	return o
}

// Validate checks o for values that cannot work.
func (o *NetconOptions) Validate() error {
	if o.MTU <= 0 || o.MTU > 65507 {
		return errBadMTU
	}
	if o.Mode == ModeIntercept && len(o.RPCPath) <= 0 && len(PlatformRPCPath) <= 0 {
		return errNoPath
	}
	return nil
}

func (o *NetconOptions) String() string {
	mode := "direct"
	if o.Mode == ModeIntercept {
		mode = "intercept"
	}
	return mode + "," + o.RPCPath + ",mtu:" + strconv.Itoa(o.MTU)
}

// Validate rejects interface names that could smuggle shell
// metacharacters and ports out of range.
func (f *FirewallOptions) Validate() error {
	if !ValidInterfaceName(f.WanInterface) {
		return errBadIface
	}
	if f.UDPPort < 1 || f.UDPPort > 65535 {
		return errBadPort
	}
	return nil
}

// ValidInterfaceName reports whether name is non-empty and
// free of characters like ;|&`$()<> and whitespace.
func ValidInterfaceName(name string) bool {
	if len(name) <= 0 || len(name) > 15 { // IFNAMSIZ-1
		return false
	}
	return !strings.ContainsAny(name, ";|&`$()<> \t\n\\'\"")
}

func addrport(ip string, port string) (*netip.AddrPort, error) {
	var ipaddr netip.Addr
	var p int
	var err error
	if ipaddr, err = netip.ParseAddr(ip); err == nil {
		if p, err = strconv.Atoi(port); err == nil {
			if p <= 0 || p > 65535 {
				return nil, errBadPort
			}
			ipp := netip.AddrPortFrom(ipaddr, uint16(p))
			return &ipp, nil
		}
	}
	return nil, err
}

// NewAuthProxyOptions returns a new ProxyOptions object with authentication object.
func NewAuthProxyOptions(username string, password string, ip string, port string) *ProxyOptions {
	ipp, err := addrport(ip, port)
	if err != nil {
		log.W("proxyopt(%s:%s); ipport invalid(%v)", ip, port, err)
		return nil
	}
	if len(username) <= 0 || len(password) <= 0 {
		username = ""
		password = ""
		log.D("proxyopt; no auth for %s", ipp)
	}
	auth := proxy.Auth{
		User:     username,
		Password: password,
	}
	return &ProxyOptions{
		Auth:   &auth,
		IPPort: ipp.String(),
	}
}

// NewProxyOptions returns a new ProxyOptions object.
func NewProxyOptions(ip string, port string) *ProxyOptions {
	return NewAuthProxyOptions("" /*user*/, "" /*password*/, ip, port)
}

func (p *ProxyOptions) String() string {
	return p.Auth.User + "," + p.IPPort
}
