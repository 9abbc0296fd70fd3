// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// A simple file logger. Lines are queued and written by a saver goroutine, so the event loop never waits on disk.
// Lines that find the queue full are dropped and counted.

package simple

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	. "github.com/hexinfra/webserv/hemi"
)

func init() {
	RegisterLogger("simple", func(logConfig *LogConfig) Logger {
		if err := os.MkdirAll(filepath.Dir(logConfig.Target), 0755); err != nil {
			return nil
		}
		logFile, err := os.OpenFile(logConfig.Target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil
		}
		return newSimpleLogger(logFile, int(logConfig.BufSize))
	})
}

const defaultBufSize = 4096

func newSimpleLogger(file *os.File, bufSize int) *simpleLogger {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	l := new(simpleLogger)
	l.file = file
	l.queue = make(chan string, 256)
	l.done = make(chan struct{})
	l.buffer = make([]byte, bufSize)
	l.size = len(l.buffer)
	l.used = 0
	go l.saver()
	return l
}

// simpleLogger implements Logger.
type simpleLogger struct {
	file    *os.File
	queue   chan string
	done    chan struct{} // closed when saver exits
	buffer  []byte
	size    int
	used    int
	dropped atomic.Int64 // lines lost to a full queue
}

func (l *simpleLogger) Logf(f string, v ...any) {
	if s := fmt.Sprintf(f, v...); s != "" {
		select {
		case l.queue <- s:
		default:
			l.dropped.Add(1)
		}
	}
}
func (l *simpleLogger) Close() {
	l.queue <- ""
	<-l.done
}

func (l *simpleLogger) saver() { // runner
	defer close(l.done)
	for {
		s := <-l.queue
		if s == "" {
			goto over
		}
		l.write(s)
	more:
		for {
			select {
			case s = <-l.queue:
				if s == "" {
					goto over
				}
				l.write(s)
			default:
				l.clear()
				break more
			}
		}
	}
over:
	if n := l.dropped.Load(); n > 0 {
		l.write(fmt.Sprintf("%d log lines dropped\n", n))
	}
	l.clear()
	l.file.Close()
}
func (l *simpleLogger) write(s string) {
	n := len(s)
	if n >= l.size {
		l.clear()
		l.flush([]byte(s))
		return
	}
	w := copy(l.buffer[l.used:], s)
	l.used += w
	if l.used == l.size {
		l.clear()
		if n -= w; n > 0 {
			copy(l.buffer, s[w:])
			l.used = n
		}
	}
}
func (l *simpleLogger) clear() {
	if l.used > 0 {
		l.flush(l.buffer[:l.used])
		l.used = 0
	}
}
func (l *simpleLogger) flush(logs []byte) {
	l.file.Write(logs)
}
