// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package firewall keeps an iptables chain of per-peer accept rules in
// step with the peers the engine knows about.
package firewall

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/celzero/netcon/intra/log"
	"github.com/celzero/netcon/intra/netstat"
	"github.com/celzero/netcon/intra/settings"
	"github.com/coreos/go-iptables/iptables"
	"github.com/k-sone/critbitgo"
)

const (
	table = "filter"
	input = "INPUT"
	// Chain holds every rule the manager owns.
	Chain = "zt_rules"
)

var (
	errClosed  = errors.New("firewall: closed")
	errNotIPv4 = errors.New("firewall: not an ipv4 address")
	errIface   = errors.New("firewall: invalid interface name")
	errPort    = errors.New("firewall: port out of range")
)

// jump sends INPUT traffic through Chain.
var jump = []string{"-j", Chain}

// established lets replies to outbound packets through.
var established = []string{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"}

// Tables is the subset of *iptables.IPTables the manager uses.
type Tables interface {
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

var _ Tables = (*iptables.IPTables)(nil)

// IptablesManager owns Chain: one NEW-state udp accept rule per peer
// on the wan interface and the engine's port.
type IptablesManager struct {
	mu     sync.Mutex
	ipt    Tables
	wan    string
	port   int
	rules  *critbitgo.Net // /32 -> rulespec the rule was added with
	closed bool
}

// NewIptablesManager installs Chain using the system's iptables.
func NewIptablesManager(o *settings.FirewallOptions) (*IptablesManager, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("firewall: iptables: %w", err)
	}
	return NewWithTables(ipt, o)
}

// NewWithTables installs Chain over ipt.
func NewWithTables(ipt Tables, o *settings.FirewallOptions) (*IptablesManager, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	m := &IptablesManager{
		ipt:   ipt,
		wan:   o.WanInterface,
		port:  o.UDPPort,
		rules: critbitgo.NewNet(),
	}
	// creates the chain, or flushes what a previous run left behind
	if err := ipt.ClearChain(table, Chain); err != nil {
		return nil, fmt.Errorf("firewall: chain %s: %w", Chain, err)
	}
	if ok, err := ipt.Exists(table, input, jump...); err != nil {
		return nil, fmt.Errorf("firewall: jump: %w", err)
	} else if !ok {
		if err := ipt.Insert(table, input, 1, jump...); err != nil {
			return nil, fmt.Errorf("firewall: jump: %w", err)
		}
	}
	if err := ipt.Append(table, Chain, established...); err != nil {
		return nil, fmt.Errorf("firewall: conntrack: %w", err)
	}
	log.I("firewall: %s on %s:%d", Chain, m.wan, m.port)
	return m, nil
}

func (m *IptablesManager) rulespec(ip netip.Addr) []string {
	return []string{
		"-i", m.wan,
		"-p", "udp", "--dport", strconv.Itoa(m.port),
		"-s", ip.String(),
		"-m", "conntrack", "--ctstate", "NEW",
		"-j", "ACCEPT",
	}
}

func host(ip netip.Addr) (*net.IPNet, error) {
	if !ip.Is4() {
		return nil, errNotIPv4
	}
	b := ip.As4()
	return &net.IPNet{IP: b[:], Mask: net.CIDRMask(32, 32)}, nil
}

// AddPeerRule accepts new udp flows from ip. Adding an existing
// peer is a no-op that reports true.
func (m *IptablesManager) AddPeerRule(ip netip.Addr) bool {
	k, err := host(ip)
	if err != nil {
		log.D("firewall: add %v: %v", ip, err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	if _, ok, _ := m.rules.Get(k); ok {
		return true
	}
	spec := m.rulespec(ip)
	if err := m.ipt.Append(table, Chain, spec...); err != nil {
		log.W("firewall: add %v: %v", ip, err)
		return false
	}
	if err := m.rules.Add(k, spec); err != nil {
		log.E("firewall: add %v: set: %v", ip, err)
	}
	netstat.PeerRules(m.rules.Size())
	log.V("firewall: +%v", ip)
	return true
}

// RemovePeerRule drops the rule for ip. Removing an absent peer
// reports true.
func (m *IptablesManager) RemovePeerRule(ip netip.Addr) bool {
	k, err := host(ip)
	if err != nil {
		log.D("firewall: remove %v: %v", ip, err)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.removeLocked(ip, k)
}

func (m *IptablesManager) removeLocked(ip netip.Addr, k *net.IPNet) bool {
	v, ok, _ := m.rules.Get(k)
	if !ok {
		return true
	}
	spec, _ := v.([]string)
	if err := m.ipt.Delete(table, Chain, spec...); err != nil {
		log.W("firewall: remove %v: %v", ip, err)
		return false
	}
	_, _, _ = m.rules.Delete(k)
	netstat.PeerRules(m.rules.Size())
	log.V("firewall: -%v", ip)
	return true
}

// HasPeerRule reports whether ip has a rule.
func (m *IptablesManager) HasPeerRule(ip netip.Addr) bool {
	k, err := host(ip)
	if err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok, _ := m.rules.Get(k)
	return ok
}

// SetWanInterface changes the interface rules added from now on
// match. Existing rules are left as they are.
func (m *IptablesManager) SetWanInterface(wan string) error {
	if !settings.ValidInterfaceName(wan) {
		return errIface
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.wan = wan
	return nil
}

// SetUDPPort changes the port rules added from now on match.
func (m *IptablesManager) SetUDPPort(port int) error {
	if port < 1 || port > 65535 {
		return errPort
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.port = port
	return nil
}

// ActiveRuleCount is the no. of peers with a rule.
func (m *IptablesManager) ActiveRuleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rules.Size()
}

// Peers lists peers with a rule.
func (m *IptablesManager) Peers() []netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.peersLocked()
}

func (m *IptablesManager) peersLocked() []netip.Addr {
	out := make([]netip.Addr, 0, m.rules.Size())
	m.rules.Walk(nil, func(k *net.IPNet, _ any) bool {
		if ip, ok := netip.AddrFromSlice(k.IP); ok {
			out = append(out, ip.Unmap())
		}
		return true // next
	})
	return out
}

// Sync makes the rule set equal peers: missing ones are added and
// stale ones removed. Returns the no. of rules added and removed.
func (m *IptablesManager) Sync(peers []netip.Addr) (added, removed int) {
	want := make(map[netip.Addr]struct{}, len(peers))
	for _, ip := range peers {
		if ip.Is4() {
			want[ip] = struct{}{}
		}
	}

	m.mu.Lock()
	for _, ip := range m.peersLocked() {
		if _, ok := want[ip]; ok {
			delete(want, ip)
			continue
		}
		if k, err := host(ip); err == nil && m.removeLocked(ip, k) {
			removed++
		}
	}
	m.mu.Unlock()

	for ip := range want {
		if m.AddPeerRule(ip) {
			added++
		}
	}
	log.I("firewall: sync; +%d -%d", added, removed)
	return
}

// Close flushes and deletes Chain and unhooks it from INPUT. The
// manager adds no rules after Close.
func (m *IptablesManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}
	m.closed = true

	var errs []error
	if err := m.ipt.ClearChain(table, Chain); err != nil {
		errs = append(errs, err)
	}
	if err := m.ipt.Delete(table, input, jump...); err != nil {
		errs = append(errs, err)
	}
	if err := m.ipt.DeleteChain(table, Chain); err != nil {
		errs = append(errs, err)
	}
	m.rules.Clear()
	netstat.PeerRules(0)
	log.I("firewall: closed %s", Chain)
	return errors.Join(errs...)
}
