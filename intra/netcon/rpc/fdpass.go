// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rpc

import (
	"errors"

	"github.com/celzero/netcon/intra/core"
	"golang.org/x/sys/unix"
)

// AcceptFrameLen is the payload the service sends over a listening
// descriptor for every accepted conn: addrlen (4) + sockaddr_storage.
const AcceptFrameLen = 4 + SockaddrStorageLen

var errNoRights = errors.New("rpc: no descriptor in control message")

// parseRights returns the first passed descriptor in oob; any extra
// descriptors are closed.
func parseRights(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return NoFd, err
	}
	fd := NoFd
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, x := range fds {
			if fd == NoFd {
				fd = x
			} else {
				core.CloseFd(x)
			}
		}
	}
	if fd == NoFd {
		return NoFd, errNoRights
	}
	return fd, nil
}

// ParseRights is parseRights for callers that read control
// messages themselves.
func ParseRights(oob []byte) (int, error) {
	return parseRights(oob)
}

// RightsSpace is the oob buffer size needed to receive one descriptor.
func RightsSpace() int {
	return unix.CmsgSpace(4)
}

// EncodeAcceptFrame describes an accepted peer.
func EncodeAcceptFrame(peer unix.Sockaddr) []byte {
	b := make([]byte, AcceptFrameLen)
	raw, n, err := EncodeSockaddr(peer)
	if err != nil {
		n = 0
	}
	order.PutUint32(b[0:4], n)
	copy(b[4:], raw[:])
	return b
}

// DecodeAcceptFrame is the inverse of EncodeAcceptFrame; peer is nil
// if the service did not know it.
func DecodeAcceptFrame(b []byte) (peer unix.Sockaddr) {
	if len(b) < AcceptFrameLen {
		return nil
	}
	n := order.Uint32(b[0:4])
	if n == 0 {
		return nil
	}
	peer, _ = DecodeSockaddr(b[4:], n)
	return
}

// SendFd sends data over the socket fd with passfd attached.
func SendFd(fd int, data []byte, passfd int) error {
	return unix.Sendmsg(fd, data, unix.UnixRights(passfd), nil, unix.MSG_NOSIGNAL)
}
