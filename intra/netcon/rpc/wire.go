// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"

	"golang.org/x/sys/unix"
)

// Kind tags a request frame.
type Kind uint32

const (
	KindSocket Kind = iota + 1
	KindConnect
	KindBind
	KindListen
	KindGetsockname
)

// SockaddrStorageLen is sizeof(struct sockaddr_storage) on linux.
const SockaddrStorageLen = 128

// NoFd in a header means the request is not about an existing descriptor.
const NoFd = -1

// frames are host-ordered; both ends always live on the same machine.
var order = binary.NativeEndian

const (
	headerLen   = 8 // kind + relatedFd
	responseLen = 8 // result + errno
)

var (
	errUnknownKind  = errors.New("rpc: unknown command kind")
	errKindMismatch = errors.New("rpc: request does not match kind")
)

// SocketReq is socket_st.
type SocketReq struct {
	Family   int32
	Type     int32
	Protocol int32
	Tid      int32
}

// ConnectReq is connect_st.
type ConnectReq struct {
	Tid     int32
	Fd      int32
	Addr    [SockaddrStorageLen]byte
	AddrLen uint32
}

// BindReq is bind_st.
type BindReq struct {
	Tid     int32
	Sockfd  int32
	Addr    [SockaddrStorageLen]byte
	AddrLen uint32
}

// ListenReq is listen_st.
type ListenReq struct {
	Tid     int32
	Sockfd  int32
	Backlog int32
}

// GetsocknameReq is getsockname_st.
type GetsocknameReq struct {
	Sockfd  int32
	AddrLen uint32
}

type header struct {
	Kind      Kind
	RelatedFd int32
}

type response struct {
	Result int32
	Errno  int32
}

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindConnect:
		return "connect"
	case KindBind:
		return "bind"
	case KindListen:
		return "listen"
	case KindGetsockname:
		return "getsockname"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// newReq returns a zero request for k.
func newReq(k Kind) (any, error) {
	switch k {
	case KindSocket:
		return new(SocketReq), nil
	case KindConnect:
		return new(ConnectReq), nil
	case KindBind:
		return new(BindReq), nil
	case KindListen:
		return new(ListenReq), nil
	case KindGetsockname:
		return new(GetsocknameReq), nil
	}
	return nil, errUnknownKind
}

// sameKind reports whether req is the payload struct for k.
func sameKind(k Kind, req any) bool {
	switch req.(type) {
	case *SocketReq:
		return k == KindSocket
	case *ConnectReq:
		return k == KindConnect
	case *BindReq:
		return k == KindBind
	case *ListenReq:
		return k == KindListen
	case *GetsocknameReq:
		return k == KindGetsockname
	}
	return false
}

// encodeFrame lays out header followed by the fixed-size payload.
func encodeFrame(k Kind, relatedFd int, req any) ([]byte, error) {
	if !sameKind(k, req) {
		return nil, errKindMismatch
	}
	var b bytes.Buffer
	b.Grow(headerLen + binary.Size(req))
	if err := binary.Write(&b, order, header{k, int32(relatedFd)}); err != nil {
		return nil, err
	}
	if err := binary.Write(&b, order, req); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeHeader(b []byte) (h header) {
	h.Kind = Kind(order.Uint32(b[0:4]))
	h.RelatedFd = int32(order.Uint32(b[4:8]))
	return
}

func encodeResponse(result int32, errno unix.Errno) []byte {
	b := make([]byte, responseLen)
	order.PutUint32(b[0:4], uint32(result))
	order.PutUint32(b[4:8], uint32(errno))
	return b
}

func decodeResponse(b []byte) response {
	return response{
		Result: int32(order.Uint32(b[0:4])),
		Errno:  int32(order.Uint32(b[4:8])),
	}
}
