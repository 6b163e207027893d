// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"errors"
	"io"
	"net"
	"sync"
)

var errNoPipe = errors.New("src or dst nil")

// Pipe copies data from src to dst, and returns the number of bytes copied.
// Prefers src.WriteTo(dst) and dst.ReadFrom(src) if available.
// Otherwise, uses io.CopyBuffer, recycling buffers from global pool.
func Pipe(dst io.Writer, src io.Reader) (int64, error) {
	if IsNil(src) || IsNil(dst) {
		return 0, errNoPipe
	}

	// Prefer WriteTo/ReadFrom if available as they are zero-copy.
	// also: github.com/acln0/zerocopy
	if x, ok := src.(io.WriterTo); ok {
		return x.WriteTo(dst)
	} else if x, ok := dst.(io.ReaderFrom); ok {
		return x.ReadFrom(src)
	}
	b := Alloc()
	defer Recycle(b)
	return io.CopyBuffer(dst, src, b)
}

// Relay copies between a and b in both directions until both are
// drained; EOF on one side is passed on as a half-close of the
// other. Returns bytes copied from a to b and from b to a.
func Relay(a, b net.Conn) (ab, ba int64, err error) {
	var wg sync.WaitGroup
	var berr error
	wg.Add(1)
	Go("core.relay", func() {
		defer wg.Done()
		ba, berr = Pipe(a, b)
		CloseOp(a, CopW)
	})

	ab, err = Pipe(b, a)
	CloseOp(b, CopW)
	wg.Wait()
	return ab, ba, errors.Join(err, berr)
}
