// Copyright 2015 The go-ethereum Authors
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

import "github.com/coredht/node/logger/glog"

// LogLevel is the Verbosity ceiling glog.V is checked against: a message
// at level L is written when the logger's configured level is >= L. Its
// underlying type matches glog.Level so call sites convert with
// glog.Level(logger.Warn) etc.
type LogLevel glog.Level

const (
	Silent LogLevel = iota
	Error
	Warn
	Info
	Debug
	Detail
	Ridiculousness
)

func (l LogLevel) String() string {
	switch l {
	case Silent:
		return "Silent"
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	case Detail:
		return "Detail"
	case Ridiculousness:
		return "Ridiculousness"
	default:
		return "Unknown"
	}
}
