// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Loggers log events.

package hemi

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger
type Logger interface {
	Logf(f string, v ...any)
	Close()
}

// LogConfig
type LogConfig struct {
	Target  string // "stderr", "/path/to/file.log", ...
	BufSize int32  // size of log buffer
}

var (
	loggersLock    sync.RWMutex
	loggerCreators = make(map[string]func(config *LogConfig) Logger) // indexed by loggerSign
)

func RegisterLogger(loggerSign string, create func(config *LogConfig) Logger) {
	loggersLock.Lock()
	defer loggersLock.Unlock()

	if _, ok := loggerCreators[loggerSign]; ok {
		BugExitln("logger conflicts")
	}
	loggerCreators[loggerSign] = create
}
func loggerRegistered(loggerSign string) bool {
	loggersLock.RLock()
	_, ok := loggerCreators[loggerSign]
	loggersLock.RUnlock()
	return ok
}
func createLogger(loggerSign string, config *LogConfig) Logger {
	loggersLock.RLock()
	defer loggersLock.RUnlock()

	if create := loggerCreators[loggerSign]; create != nil {
		return create(config)
	}
	return nil
}

func init() {
	RegisterLogger("noop", func(config *LogConfig) Logger {
		return noopLogger{}
	})
	RegisterLogger("console", func(config *LogConfig) Logger {
		return consoleLogger{}
	})
}

// noopLogger
type noopLogger struct{}

func (noopLogger) Logf(f string, v ...any) {}
func (noopLogger) Close()                  {}

// consoleLogger writes to stderr synchronously.
type consoleLogger struct{}

func (consoleLogger) Logf(f string, v ...any) { fmt.Fprintf(os.Stderr, f, v...) }
func (consoleLogger) Close()                  {}

// LogLevel
type LogLevel int8

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

var logLevelNames = [...]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelNone:  "NONE",
}

func (l LogLevel) String() string {
	if l >= 0 && int(l) < len(logLevelNames) {
		return logLevelNames[l]
	}
	return "UNKNOWN"
}

// ParseLogLevel accepts level names in any case.
func ParseLogLevel(name string) (LogLevel, bool) {
	switch name {
	case "debug", "DEBUG":
		return LevelDebug, true
	case "info", "INFO":
		return LevelInfo, true
	case "warn", "WARN":
		return LevelWarn, true
	case "error", "ERROR":
		return LevelError, true
	case "none", "NONE":
		return LevelNone, true
	default:
		return LevelNone, false
	}
}

// levelLog filters events below level and stamps the rest.
type levelLog struct {
	logger Logger
	level  LogLevel
	now    func() time.Time
}

func newLevelLog(logger Logger, level LogLevel) *levelLog {
	return &levelLog{logger: logger, level: level, now: time.Now}
}

func (l *levelLog) enabled(level LogLevel) bool { return level >= l.level && l.level != LevelNone }
func (l *levelLog) logf(level LogLevel, f string, v ...any) {
	if !l.enabled(level) {
		return
	}
	l.logger.Logf("%s [%s] %s\n", l.now().Format("2006-01-02 15:04:05"), level, fmt.Sprintf(f, v...))
}
func (l *levelLog) close() { l.logger.Close() }
