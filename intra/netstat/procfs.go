// Copyright (c) 2020 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// Code relicensed from opensnitch with permissions from evilsocket.
package netstat

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/celzero/netcon/intra/core"
	"github.com/celzero/netcon/intra/log"
)

const (
	crlftabspace = "\r\n\t "
	cachettl     = 2 * time.Second
	procNetUnix  = "/proc/net/unix"
)

var (
	unixParser = regexp.MustCompile(`(?i)` +
		`^[a-f0-9]+:\s+` + // num
		`([a-f0-9]{8})\s+` + // refcount
		`[a-f0-9]{8}\s+` + // protocol
		`([a-f0-9]{8})\s+` + // flags
		`([a-f0-9]{4})\s+` + // type
		`([a-f0-9]{2})\s+` + // st
		`(\d+)` + // inode
		`(?:\s+(.+))?$`) // path, if bound

	cache = &inodeCache{}
)

// UnixEntry is a single line of /proc/net/unix.
type UnixEntry struct {
	RefCount int
	Flags    int
	Type     int
	State    int
	INode    uint64
	Path     string
}

// Listening reports whether the socket accepts connections (__SO_ACCEPTCON).
func (e *UnixEntry) Listening() bool {
	return e.Flags&0x10000 != 0
}

type inodeCache struct {
	sync.Mutex
	inodes map[uint64]struct{}
	mtime  time.Time
}

func trim(s string) string {
	return strings.Trim(s, crlftabspace)
}

func hexToInt(h string) int {
	d, err := strconv.ParseInt(h, 16, 64)
	if err != nil {
		log.E("Error while parsing %s to int: %s", h, err)
	}
	return int(d)
}

func decToUint(n string) uint64 {
	d, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		log.E("Error while parsing %s to int: %s", n, err)
	}
	return d
}

// ParseProcNetUnix scans /proc/net/unix, one entry per socket.
func ParseProcNetUnix() ([]UnixEntry, error) {
	fd, err := os.Open(procNetUnix)
	if err != nil {
		return nil, err
	}
	defer core.CloseFile(fd)

	return parseProcNetUnix(fd)
}

func parseProcNetUnix(r io.Reader) ([]UnixEntry, error) {
	entries := make([]UnixEntry, 0)
	scanner := bufio.NewScanner(r)
	for lineno := 0; scanner.Scan(); lineno++ {
		// skip column names
		if lineno == 0 {
			continue
		}

		line := trim(scanner.Text())
		m := unixParser.FindStringSubmatch(line)
		if m == nil {
			log.W("Could not parse netstat line from %s: %s", procNetUnix, line)
			continue
		}

		entries = append(entries, UnixEntry{
			RefCount: hexToInt(m[1]),
			Flags:    hexToInt(m[2]),
			Type:     hexToInt(m[3]),
			State:    hexToInt(m[4]),
			INode:    decToUint(m[5]),
			Path:     m[6],
		})
	}
	return entries, scanner.Err()
}

// LiveUnixInodes returns the inodes of all unix sockets open on the
// system; results are reused for a couple of seconds.
func LiveUnixInodes() (map[uint64]struct{}, error) {
	cache.Lock()
	defer cache.Unlock()

	if cache.inodes != nil && time.Since(cache.mtime) < cachettl {
		return cache.inodes, nil
	}
	entries, err := ParseProcNetUnix()
	if err != nil {
		return nil, err
	}
	m := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		m[e.INode] = struct{}{}
	}
	cache.inodes = m
	cache.mtime = time.Now()
	return m, nil
}

// ForgetUnixInodes drops cached results of LiveUnixInodes.
func ForgetUnixInodes() {
	cache.Lock()
	cache.inodes = nil
	cache.Unlock()
}
