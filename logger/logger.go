// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package logger

import (
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"sync"
	"time"
)

// LogSystem is a sink a Logger broadcasts formatted lines to. New/log,v,
// /json/mlog output formats are each one LogSystem implementation; more
// than one may be registered at once (e.g. stderr plus an mlog file).
type LogSystem interface {
	LogPrint(level LogLevel, msg string)
}

var (
	logSystemsMu sync.RWMutex
	logSystems   []LogSystem
)

// AddLogSystem registers sys as an additional output sink. Every line any
// Logger sends afterward is broadcast to it too.
func AddLogSystem(sys LogSystem) {
	logSystemsMu.Lock()
	logSystems = append(logSystems, sys)
	logSystemsMu.Unlock()
}

func broadcast(level LogLevel, msg string) {
	logSystemsMu.RLock()
	defer logSystemsMu.RUnlock()
	for _, sys := range logSystems {
		sys.LogPrint(level, msg)
	}
}

// Flush waits for any buffered log lines to reach their LogSystems. Every
// LogSystem here writes synchronously, so there is nothing to wait for;
// the function exists for parity with the corpus's async loggers, which
// do need it.
func Flush() {}

// Reset clears all registered LogSystems and mlog activation state, and
// restores the default mlog format. It exists for tests that need a
// clean slate between runs sharing this package's process-global state.
func Reset() {
	logSystemsMu.Lock()
	logSystems = nil
	logSystemsMu.Unlock()

	mlogRegLock.Lock()
	MLogRegistryActive = make(map[mlogComponent]*Logger)
	mlogRegLock.Unlock()

	mlogFormatMu.Lock()
	mlogFormat = MLOGPLAIN
	mlogFormatMu.Unlock()

	SetMlogEnabled(true)
}

// Logger is a named line source, e.g. one per mlog component. Unlike
// glog's package-level V()/Infof() surface, a Logger is handed out to a
// single caller (see mlog_file.go's mlogComponent.Send) and broadcasts
// each line unchanged to the registered LogSystems; its tag is not
// written into the line.
type Logger struct {
	tag string
}

// NewLogger creates a Logger tagged with name.
func NewLogger(name string) *Logger {
	return &Logger{tag: name}
}

// Sendf writes a pre-formatted line, at level Error, to every registered
// LogSystem, so any system that is not Silent receives it.
// calldepth is accepted for parity with log.Output's signature but
// unused: mlog lines carry their own structured fields (including a
// component tag baked in by the caller's chosen format) rather than a
// caller file:line, so Sendf passes s through unmodified -- stamping a
// tag here would corrupt the JSON mlog format.
func (l *Logger) Sendf(calldepth int, s string) {
	broadcast(Error, s)
}

// stdLogSystem writes plain lines through the standard library's log
// package, filtered by a minimum level.
type stdLogSystem struct {
	mu    sync.Mutex
	log   *stdlog.Logger
	level LogLevel
}

// NewStdLogSystem wraps writer in a LogSystem that drops anything below
// level and otherwise defers to the standard library's formatting flags
// (log.LstdFlags and friends).
func NewStdLogSystem(writer io.Writer, flags int, level LogLevel) LogSystem {
	return &stdLogSystem{log: stdlog.New(writer, "", flags), level: level}
}

func (s *stdLogSystem) LogPrint(level LogLevel, msg string) {
	if level > s.level {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Print(msg)
}

// jsonLogSystem writes one JSON object per line: {"t": level, "msg": ...}.
type jsonLogSystem struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJsonLogSystem wraps writer in a LogSystem emitting newline-delimited
// JSON, for machine consumption (e.g. piping into a log aggregator).
func NewJsonLogSystem(writer io.Writer) LogSystem {
	return &jsonLogSystem{w: writer}
}

func (s *jsonLogSystem) LogPrint(level LogLevel, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	enc.Encode(struct {
		Level LogLevel `json:"level"`
		Msg   string   `json:"msg"`
	}{level, msg})
}

// mlogLogSystem writes the raw mlog line, optionally prefixed with a
// timestamp, one per line. Structured mlog lines are already fully
// formatted by the time they reach LogPrint (see MLogT.Send), so this
// system does no further formatting beyond the optional timestamp.
type mlogLogSystem struct {
	mu            sync.Mutex
	w             io.Writer
	level         LogLevel
	withTimestamp bool
}

// NewMLogSystem wraps writer in a LogSystem for structured mlog output.
func NewMLogSystem(writer io.Writer, flags int, level LogLevel, withTimestamp bool) LogSystem {
	return &mlogLogSystem{w: writer, level: level, withTimestamp: withTimestamp}
}

func (s *mlogLogSystem) LogPrint(level LogLevel, msg string) {
	if level > s.level {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withTimestamp {
		fmt.Fprintf(s.w, "%s %s\n", time.Now().Format(time.RFC3339Nano), msg)
		return
	}
	fmt.Fprintf(s.w, "%s\n", msg)
}
