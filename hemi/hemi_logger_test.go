// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hemi

import (
	"fmt"
	"testing"
	"time"
)

type memoryLogger struct {
	lines  []string
	closed bool
}

func (l *memoryLogger) Logf(f string, v ...any) { l.lines = append(l.lines, fmt.Sprintf(f, v...)) }
func (l *memoryLogger) Close()                  { l.closed = true }

func TestLevelLog(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  int // lines kept out of debug, info, warn, error
	}{
		{LevelDebug, 4},
		{LevelInfo, 3},
		{LevelWarn, 2},
		{LevelError, 1},
		{LevelNone, 0},
	}
	for i, test := range tests {
		logger := new(memoryLogger)
		l := newLevelLog(logger, test.level)
		l.now = func() time.Time { return testTime }
		for _, level := range []LogLevel{LevelDebug, LevelInfo, LevelWarn, LevelError} {
			l.logf(level, "event %d", level)
		}
		if len(logger.lines) != test.want {
			t.Errorf("#%d: lines=%v", i, logger.lines)
		}
		l.close()
		if !logger.closed {
			t.Errorf("#%d: not closed", i)
		}
	}
	logger := new(memoryLogger)
	l := newLevelLog(logger, LevelInfo)
	l.now = func() time.Time { return testTime }
	l.logf(LevelWarn, "conn=%d closed", 7)
	if want := "2024-03-05 06:07:08 [WARN] conn=7 closed\n"; len(logger.lines) != 1 || logger.lines[0] != want {
		t.Errorf("lines=%q", logger.lines)
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "warn", "ERROR", "none"} {
		if _, ok := ParseLogLevel(name); !ok {
			t.Errorf("%s rejected", name)
		}
	}
	if _, ok := ParseLogLevel("verbose"); ok {
		t.Error("verbose accepted")
	}
	if LevelWarn.String() != "WARN" || LogLevel(42).String() != "UNKNOWN" {
		t.Error("level names")
	}
}
