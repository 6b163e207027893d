// Copyright (c) 2022 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.
//
// This file incorporates work covered by the following copyright and
// permission notice:
//
//	MIT License
//
//	Copyright (c) 2018 eycorsican
//
//	Permission is hereby granted, free of charge, to any person obtaining a copy
//	of this software and associated documentation files (the "Software"), to deal
//	in the Software without restriction, including without limitation the rights
//	to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
//	copies of the Software, and to permit persons to whom the Software is
//	furnished to do so, subject to the following conditions:
//
//	The above copyright notice and this permission notice shall be included in all
//	copies or substantial portions of the Software.
//
//	THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
//	IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
//	FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
//	AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
//	LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
//	OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
//	SOFTWARE.
package log

import (
	"fmt"
	golog "log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

type Logger interface {
	SetLevel(level LogLevel)
	SetConsoleLevel(level LogLevel)
	SetConsole(c Console)
	// SetThreadIDs prefixes every msg with the OS thread id it was
	// logged from; interception is decided per thread.
	SetThreadIDs(on bool)
	Printf(msg string, args ...any)
	Println(args ...any)
	VeryVerbosef(at int, msg string, args ...any)
	Verbosef(at int, msg string, args ...any)
	Debugf(at int, msg string, args ...any)
	Infof(at int, msg string, args ...any)
	Warnf(at int, msg string, args ...any)
	Errorf(at int, msg string, args ...any)
	Fatalf(at int, msg string, args ...any)
	Stack(at int, msg string, scratch []byte)
	// Recent returns the most recent msgs, oldest first.
	Recent() []string
}

// based on github.com/eycorsican/go-tun2socks/blob/301549c43/common/log/simple/logger.go
type simpleLogger struct {
	sync.Mutex // guards stcount
	level      atomic.Uint32
	clevel     atomic.Uint32 // may be different from level
	tids       atomic.Bool
	tag        string
	c          atomic.Pointer[Console] // may be nil
	msgC       chan *conMsg            // never closed
	stcount    map[string]uint32       // stack trace counter for identical traces
	e          *golog.Logger
	o          *golog.Logger
	q          *ring[string]
}

var _ Logger = (*simpleLogger)(nil)

// based on: github.com/eycorsican/go-tun2socks/blob/301549c43/common/log/logger.go
type LogLevel uint32

const (
	VVERBOSE LogLevel = iota
	VERBOSE
	DEBUG
	INFO
	WARN
	ERROR
	STACKTRACE
	NONE
)

const defaultLevel = INFO
const defaultClevel = STACKTRACE

// qSize is the number of recent log msgs to keep in the ring buffer.
const qSize = 128

// similarTraceThreshold is the no. of similar stacktraces to report before suppressing.
const similarTraceThreshold = 8

var defaultFlags = golog.Lshortfile
var defaultCallerDepth = 2
var _ = RegisterLogger(defaultLogger())

func defaultLogger() *simpleLogger {
	l := &simpleLogger{
		msgC:    make(chan *conMsg, consoleChSize),
		stcount: make(map[string]uint32),
		// intercepted processes share stdio with us; netcon never proxies fds 0, 1, 2
		e: golog.New(os.Stderr, "", defaultFlags),
		o: golog.New(os.Stdout, "", defaultFlags),
		q: newRing[string](qSize),
	}
	l.level.Store(uint32(defaultLevel))
	l.clevel.Store(uint32(defaultClevel))
	go l.fromConsole()
	return l
}

// NewLogger creates a new logger with the given tag.
func NewLogger(tag string) *simpleLogger {
	l := defaultLogger()
	if len(tag) <= 0 { // if tag is empty, leave it as is
		return l
	}
	if !strings.HasSuffix(tag, "/") {
		tag += "/ " // does not end with a /, add a / + space
	} else if !strings.HasSuffix(tag, " ") {
		tag += " " // does not end with a space, add space
	}
	l.tag = tag
	return l
}

func (l *simpleLogger) SetLevel(n LogLevel) {
	l.level.Store(uint32(n))
}

func (l *simpleLogger) SetConsoleLevel(n LogLevel) {
	l.clearStCounts()
	l.clevel.Store(uint32(n))
}

// SetConsole sets the external log console.
func (l *simpleLogger) SetConsole(c Console) {
	l.clearStCounts()
	if c == nil {
		l.c.Store(nil)
	} else {
		l.c.Store(&c)
	}
}

func (l *simpleLogger) SetThreadIDs(on bool) {
	l.tids.Store(on)
}

func (l *simpleLogger) console() Console {
	if c := l.c.Load(); c != nil {
		return *c
	}
	return nil
}

func (l *simpleLogger) clearStCounts() {
	l.Lock()
	defer l.Unlock()
	clear(l.stcount)
}

func (l *simpleLogger) incrStCount(id string) (c uint32) {
	l.Lock()
	defer l.Unlock()

	c = l.stcount[id]
	c++
	l.stcount[id] = c
	return c
}

// fromConsole sends msgs from l.msgC to external log console.
// It may drop logs on high load (50% for conNorm, 80% for conErr).
func (l *simpleLogger) fromConsole() {
	for m := range l.msgC {
		load := len(l.msgC) * 100 / cap(l.msgC)
		c := l.console()
		if c == nil || m == nil || len(m.m) <= 0 {
			continue // dropped
		}
		switch m.t {
		case conNorm:
			if load < 50 {
				c.Log(m.m)
			}
		case conStack:
			c.Stack(m.m)
		case conErr:
			if load < 80 {
				c.Err(m.m)
			}
		}
	}
}

// toConsole sends msg m to l.msgC, dropping if full.
func (l *simpleLogger) toConsole(m *conMsg) {
	select {
	case l.msgC <- m:
	default: // drop
	}
}

// Printf exists to satisfy net/http's ErrorLog-style loggers.
func (l *simpleLogger) Printf(msg string, args ...any) {
	l.Debugf(defaultCallerDepth, msg, args...)
}

// Println satisfies promhttp.Logger; metrics handler errors are warnings.
func (l *simpleLogger) Println(args ...any) {
	l.Warnf(defaultCallerDepth, "W metrics: %s", strings.TrimSpace(fmt.Sprintln(args...)))
}

// emit writes msg at lvl to stdout (or stderr from WARN up) and to
// the console if its level admits lvl.
func (l *simpleLogger) emit(lvl LogLevel, at int, f string, args ...any) {
	tolog := LogLevel(l.level.Load()) <= lvl
	tocon := LogLevel(l.clevel.Load()) <= lvl
	if !tolog && !tocon {
		return
	}
	msg := l.msgstr(f, args...)
	t := conNorm
	if lvl >= WARN {
		t = conErr
	}
	if tolog {
		if t == conErr {
			l.err(at+1, msg)
		} else {
			l.out(at+1, msg)
		}
	}
	if tocon {
		l.toConsole(&conMsg{msg, t})
	}
}

func (l *simpleLogger) VeryVerbosef(at int, msg string, args ...any) {
	l.emit(VVERBOSE, at, msg, args...)
}

func (l *simpleLogger) Verbosef(at int, msg string, args ...any) {
	l.emit(VERBOSE, at, msg, args...)
}

func (l *simpleLogger) Debugf(at int, msg string, args ...any) {
	l.emit(DEBUG, at, msg, args...)
}

func (l *simpleLogger) Infof(at int, msg string, args ...any) {
	l.emit(INFO, at, msg, args...)
}

func (l *simpleLogger) Warnf(at int, msg string, args ...any) {
	l.emit(WARN, at, msg, args...)
}

func (l *simpleLogger) Errorf(at int, msg string, args ...any) {
	l.emit(ERROR, at, msg, args...)
}

func (l *simpleLogger) Fatalf(at int, msg string, args ...any) {
	l.err(at, l.msgstr(msg, args...))
	os.Exit(1)
}

func (l *simpleLogger) Recent() []string {
	return l.q.Snapshot()
}

// emitStack sends stacktrace to console or log.
// Empty msgs are ignored.
func (l *simpleLogger) emitStack(at int, msgs ...string) {
	sendtoconsole := at == 0

	for _, msg := range msgs {
		if len(msg) <= 0 {
			continue
		}
		if !sendtoconsole {
			l.err(at+1, msg)
		} else if c := l.console(); c != nil {
			// c.Stack() on the same go routine, since
			// the caller (ex: core.Recover) may exit
			// immediately once simpleLogger.Stack() returns
			c.Stack(msg)
		} else {
			l.toConsole(&conMsg{msg, conStack})
		}
	}
}

func (l *simpleLogger) Stack(at int, msg string, scratch []byte) {
	if len(l.tag) > 0 {
		msg = l.tag + msg
	}

	if LogLevel(l.level.Load()) > STACKTRACE {
		l.emitStack(at, msg, "stacktrace disabled")
		return
	} else if len(scratch) <= 0 {
		l.emitStack(at, msg, "stacktrace no scratch")
		return
	}

	count := l.incrStCount(msg)
	msg = msg + fmt.Sprintf(" (#%d)", count)
	if count > similarTraceThreshold {
		l.emitStack(at, msg, "stacktrace suppressed")
		return
	}

	// recent msgs give the trace its context
	appendix := strings.Join(l.q.Snapshot(), "\n")

	n := runtime.Stack(scratch, false)
	if n == len(scratch) {
		msg += "[trunc]"
	}
	// byt2str accepted proposal: github.com/golang/go/issues/19367
	l.emitStack(at, appendix, msg, unsafe.String(&scratch[0], n))
}

func (l *simpleLogger) msgstr(f string, args ...any) string {
	msg := fmt.Sprintf(f, args...)
	if l.tids.Load() {
		msg = "[" + strconv.Itoa(gettid()) + "] " + msg
	}
	if len(l.tag) > 0 {
		msg = l.tag + msg
	}
	return msg
}

// out logs to stdout and pushes msg into ring buffer.
// ref: github.com/golang/mobile/blob/c713f31d/internal/mobileinit/mobileinit_android.go#L51
func (l *simpleLogger) out(at int, msg string) {
	_ = l.o.Output(at, msg) // may error
	l.q.Push(msg)
}

// err logs to stderr and pushes msg into ring buffer.
func (l *simpleLogger) err(at int, msg string) {
	_ = l.e.Output(at, msg) // may error
	l.q.Push(msg)
}
