// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rpc

import (
	"encoding/binary"
	"net/netip"

	"golang.org/x/sys/unix"
)

const (
	sizeofSockaddrInet4 = 16
	sizeofSockaddrInet6 = 28
	sizeofSockaddrUnix  = 110
	// AddrHeaderLen is ip4 (4) + port (2), prefixed to proxied datagrams.
	AddrHeaderLen = 6
)

// Family returns the address family of sa, or -1 if unknown.
func Family(sa unix.Sockaddr) int {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	case *unix.SockaddrUnix:
		return unix.AF_UNIX
	case *unix.SockaddrNetlink:
		return unix.AF_NETLINK
	}
	return -1
}

// EncodeSockaddr lays sa out as the kernel would in a sockaddr_storage
// and returns the used length.
func EncodeSockaddr(sa unix.Sockaddr) (raw [SockaddrStorageLen]byte, n uint32, err error) {
	switch x := sa.(type) {
	case *unix.SockaddrInet4:
		order.PutUint16(raw[0:2], unix.AF_INET)
		binary.BigEndian.PutUint16(raw[2:4], uint16(x.Port))
		copy(raw[4:8], x.Addr[:])
		n = sizeofSockaddrInet4
	case *unix.SockaddrInet6:
		order.PutUint16(raw[0:2], unix.AF_INET6)
		binary.BigEndian.PutUint16(raw[2:4], uint16(x.Port))
		// flowinfo stays zero
		copy(raw[8:24], x.Addr[:])
		order.PutUint32(raw[24:28], x.ZoneId)
		n = sizeofSockaddrInet6
	case *unix.SockaddrUnix:
		if len(x.Name) >= sizeofSockaddrUnix-2 {
			return raw, 0, unix.EINVAL
		}
		order.PutUint16(raw[0:2], unix.AF_UNIX)
		copy(raw[2:], x.Name)
		n = uint32(2 + len(x.Name) + 1)
	default:
		return raw, 0, unix.EAFNOSUPPORT
	}
	return raw, n, nil
}

// DecodeSockaddr is the inverse of EncodeSockaddr; n is the used length.
func DecodeSockaddr(raw []byte, n uint32) (unix.Sockaddr, error) {
	if n < 2 || int(n) > len(raw) {
		return nil, unix.EINVAL
	}
	switch order.Uint16(raw[0:2]) {
	case unix.AF_INET:
		if n < sizeofSockaddrInet4 {
			return nil, unix.EINVAL
		}
		sa := &unix.SockaddrInet4{Port: int(binary.BigEndian.Uint16(raw[2:4]))}
		copy(sa.Addr[:], raw[4:8])
		return sa, nil
	case unix.AF_INET6:
		if n < sizeofSockaddrInet6 {
			return nil, unix.EINVAL
		}
		sa := &unix.SockaddrInet6{
			Port:   int(binary.BigEndian.Uint16(raw[2:4])),
			ZoneId: order.Uint32(raw[24:28]),
		}
		copy(sa.Addr[:], raw[8:24])
		return sa, nil
	case unix.AF_UNIX:
		name := raw[2:n]
		for i, c := range name {
			if c == 0 {
				name = name[:i]
				break
			}
		}
		return &unix.SockaddrUnix{Name: string(name)}, nil
	}
	return nil, unix.EAFNOSUPPORT
}

// DecodeInet4Prefix reads only the sockaddr_in prefix of raw, whatever
// family raw claims to be.
func DecodeInet4Prefix(raw []byte) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{}
	if len(raw) < 8 {
		return sa
	}
	sa.Port = int(binary.BigEndian.Uint16(raw[2:4]))
	copy(sa.Addr[:], raw[4:8])
	return sa
}

// PutAddrHeader writes the 6 byte ip4:port datagram header into b.
func PutAddrHeader(b []byte, sa *unix.SockaddrInet4) {
	copy(b[0:4], sa.Addr[:])
	binary.BigEndian.PutUint16(b[4:6], uint16(sa.Port))
}

// AddrHeader reads the 6 byte ip4:port datagram header from b.
func AddrHeader(b []byte) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(binary.BigEndian.Uint16(b[4:6]))}
	copy(sa.Addr[:], b[0:4])
	return sa
}

// ToAddrPort converts inet sockaddrs to netip; ok is false for others.
func ToAddrPort(sa unix.Sockaddr) (ipp netip.AddrPort, ok bool) {
	switch x := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(x.Addr), uint16(x.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(x.Addr), uint16(x.Port)), true
	}
	return
}

// FromAddrPort converts ipp to an inet sockaddr; 4in6 maps to AF_INET.
func FromAddrPort(ipp netip.AddrPort) unix.Sockaddr {
	ip := ipp.Addr().Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Addr: ip.As4(), Port: int(ipp.Port())}
	}
	return &unix.SockaddrInet6{Addr: ip.As16(), Port: int(ipp.Port())}
}
