// Copyright 2017 The go-ethereum Authors
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


// File I/O and registry for mlogs.

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coredht/node/common"
	"github.com/coredht/node/logger/glog"
)

var (
	// mLogDir is the directory mlog files are written to; createLogDirs
	// (and so CreateMLogFile) fails while it is empty.
	mLogDir *string = new(string)

	errMLogComponentUnavailable = errors.New("provided component name is unavailable")

	// MLogRegistryAvailable contains all available mlog components submitted by any package
	// with MLogRegisterAvailable.
	MLogRegistryAvailable = make(map[mlogComponent][]*MLogT)
	// MLogRegistryActive contains all registered mlog component and their respective loggers.
	MLogRegistryActive = make(map[mlogComponent]*Logger)
	mlogRegLock        sync.RWMutex
)

// mlogComponent is used as a golang receiver type that can call Send(logLine).
type mlogComponent string

// The following vars and init() essentially duplicate those found in glog_file;
// the reason for the non-DRYness of that is that this allows us flexibility
// as we finalize the spec and format for the mlog lines, allowing customization
// of the establish system if desired, without exporting the vars from glog.
var (
	pid      = os.Getpid()
	program  = filepath.Base(os.Args[0])
	host     = "unknownhost"
	userName = "unknownuser"
)

func init() {
	h, err := os.Hostname()
	if err == nil {
		host = shortHostname(h)
	}

	current, err := user.Current()
	if err == nil {
		userName = current.Username
	}

	// Sanitize userName since it may contain filepath separators on Windows.
	userName = strings.Replace(userName, `\`, "_", -1)
}

// MLogRegisterAvailable is called for each log component variable from a package/mlog.go file
// as they set up their mlog vars.
// It registers an mlog component as Available.
func MLogRegisterAvailable(name string, lines []*MLogT) mlogComponent {
	c := mlogComponent(name)
	mlogRegLock.Lock()
	MLogRegistryAvailable[c] = lines
	mlogRegLock.Unlock()
	return c
}

// MLogRegisterComponentsFromContext receives a comma-separated string of
// desired mlog components.
// It returns an error if the specified mlog component is unavailable.
// For each available component, the desires mlog components are registered as active,
// creating new loggers for each.
//
// If the first listed component is prefixed with '!', the whole list is
// treated as an exclude-set instead: every available component EXCEPT the
// ones named is activated, replacing whatever was active before
// ("!net,rpc" means "everything but net and rpc").
func MLogRegisterComponentsFromContext(s string) error {
	parts := strings.Split(s, ",")
	if len(parts) > 0 && strings.HasPrefix(strings.TrimSpace(parts[0]), "!") {
		exclude := make(map[string]bool, len(parts))
		first := strings.TrimSpace(parts[0])
		exclude[strings.TrimPrefix(first, "!")] = true
		for _, p := range parts[1:] {
			exclude[strings.TrimSpace(p)] = true
		}

		mlogRegLock.Lock()
		available := make([]mlogComponent, 0, len(MLogRegistryAvailable))
		for c := range MLogRegistryAvailable {
			available = append(available, c)
		}
		MLogRegistryActive = make(map[mlogComponent]*Logger)
		mlogRegLock.Unlock()

		for _, c := range available {
			if !exclude[string(c)] {
				MLogRegisterActive(c)
			}
		}
		return nil
	}

	// Validate every name before activating any of them, so a typo in a
	// long list doesn't leave mlog half-configured.
	for _, c := range parts {
		ct := strings.TrimSpace(c)
		mlogRegLock.RLock()
		_, ok := MLogRegistryAvailable[mlogComponent(ct)]
		mlogRegLock.RUnlock()
		if !ok {
			return fmt.Errorf("%v: '%s'", errMLogComponentUnavailable, ct)
		}
	}
	for _, c := range parts {
		MLogRegisterActive(mlogComponent(strings.TrimSpace(c)))
	}
	return nil
}

// GetMLogRegistryAvailable returns a snapshot of every mlog component
// that has been registered as available.
func GetMLogRegistryAvailable() map[mlogComponent][]*MLogT {
	mlogRegLock.RLock()
	defer mlogRegLock.RUnlock()
	out := make(map[mlogComponent][]*MLogT, len(MLogRegistryAvailable))
	for k, v := range MLogRegistryAvailable {
		out[k] = v
	}
	return out
}

// GetMLogRegistryActive returns a snapshot of every mlog component
// currently registered as active.
func GetMLogRegistryActive() map[mlogComponent]*Logger {
	mlogRegLock.RLock()
	defer mlogRegLock.RUnlock()
	out := make(map[mlogComponent]*Logger, len(MLogRegistryActive))
	for k, v := range MLogRegistryActive {
		out[k] = v
	}
	return out
}

// MLogRegisterActive registers a component for mlogging.
// Only registered loggers will write to mlog file.
func MLogRegisterActive(component mlogComponent) {
	mlogRegLock.Lock()
	MLogRegistryActive[component] = NewLogger(string(component))
	mlogRegLock.Unlock()
}

// Send writes enabled component mlogs to file if the component is registered active.
func (c mlogComponent) Send(logLine string) {
	mlogRegLock.RLock()
	if l := MLogRegistryActive[c]; l != nil {
		l.Sendf(1, logLine)
	}
	mlogRegLock.RUnlock()
}

// SetMLogDir sets the mlog directory, into which one mlog file per session
// will be written.
func SetMLogDir(str string) {
	*mLogDir = str
}

// GetMLogDir returns the currently configured mlog directory.
func GetMLogDir() string {
	return *mLogDir
}

var (
	mlogEnabledMu sync.RWMutex
	mlogEnabled   = true
)

// SetMlogEnabled turns mlog output on or off globally. Components stay
// registered either way; this just gates MLogT.Send.
func SetMlogEnabled(on bool) {
	mlogEnabledMu.Lock()
	mlogEnabled = on
	mlogEnabledMu.Unlock()
}

// MlogEnabled reports whether mlog output is currently enabled.
func MlogEnabled() bool {
	mlogEnabledMu.RLock()
	defer mlogEnabledMu.RUnlock()
	return mlogEnabled
}

// MlogFormatT identifies one of the on-the-wire mlog line formats.
type MlogFormatT int

const (
	MLOGPLAIN MlogFormatT = iota
	MLOGKV
	MLOGJSON
)

func (f MlogFormatT) String() string {
	switch f {
	case MLOGPLAIN:
		return "plain"
	case MLOGKV:
		return "kv"
	case MLOGJSON:
		return "json"
	default:
		return "unknown"
	}
}

// MLogStringToFormat maps the -mlog-format flag's accepted values to
// their MlogFormatT.
var MLogStringToFormat = map[string]MlogFormatT{
	"plain": MLOGPLAIN,
	"kv":    MLOGKV,
	"json":  MLOGJSON,
}

var (
	mlogFormatMu sync.RWMutex
	mlogFormat   = MLOGPLAIN
)

// SetMLogFormatFromString sets the process-wide mlog line format, or
// returns an error if s names no known format.
func SetMLogFormatFromString(s string) error {
	f, ok := MLogStringToFormat[s]
	if !ok {
		return fmt.Errorf("logger: unknown mlog format %q", s)
	}
	mlogFormatMu.Lock()
	mlogFormat = f
	mlogFormatMu.Unlock()
	return nil
}

// GetMLogFormat returns the process-wide mlog line format.
func GetMLogFormat() MlogFormatT {
	mlogFormatMu.RLock()
	defer mlogFormatMu.RUnlock()
	return mlogFormat
}

func createLogDirs() error {
	if *mLogDir != "" {
		return os.MkdirAll(*mLogDir, os.ModePerm)
	}
	return errors.New("createLogDirs received empty string")
}

// shortHostname returns its argument, truncating at the first period.
// For instance, given "www.google.com" it returns "www".
func shortHostname(hostname string) string {
	if i := strings.Index(hostname, "."); i >= 0 {
		return hostname[:i]
	}
	return hostname
}

// logName returns a new mlog file name with start time t, and the name
// (program.log) for the symlink to it.
func logName(t time.Time) (name, link string) {
	name = fmt.Sprintf("%s.%s.%s.mlog.%04d%02d%02d-%02d%02d%02d.%d",
		program,
		host,
		userName,
		t.Year(),
		t.Month(),
		t.Day(),
		t.Hour(),
		t.Minute(),
		t.Second(),
		pid)
	return name, program + ".log"
}

// CreateMLogFile creates a new mlog file in mLogDir and returns the file and its
// filename, which contains t.  If the file is created successfully, it also
// attempts to update the program.log symlink, ignoring errors.
func CreateMLogFile(t time.Time) (f *os.File, filename string, err error) {

	if e := createLogDirs(); e != nil {
		return nil, "", e
	}

	name, link := logName(t)
	fname := filepath.Join(*mLogDir, name)

	f, e := os.Create(fname)
	if e != nil {
		err = e
		return nil, fname, err
	}

	symlink := filepath.Join(*mLogDir, link)
	os.Remove(symlink)        // ignore err
	os.Symlink(name, symlink) // ignore err

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Log file created at: %s\n", t.Format("2006/01/02 15:04:05"))
	fmt.Fprintf(&buf, "Running on machine: %s\n", host)
	fmt.Fprintf(&buf, "Binary: Built with %s %s for %s/%s\n", runtime.Compiler, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	cmps := []string{}
	for k := range MLogRegistryActive {
		cmps = append(cmps, string(k))
	}
	fmt.Fprintf(&buf, "Registered components: %v\n", cmps) // no need for fancy formatting
	fmt.Fprintln(&buf, glog.Separator("-"))
	f.Write(buf.Bytes())

	return f, fname, nil
}

// MLogT defines an mlog LINE
type MLogT struct {
	Description string
	Receiver string
	Verb string
	Subject string
	Details []MLogDetailT
}

// MLogDetailT defines an mlog LINE DETAILS
type MLogDetailT struct {
	Owner string
	Key string
	Value interface{}
}

// AssignDetails is a setter function for setting values for pre-existing details.
// It accepts a variadic number of empty interfaces.
// If the number of arguments does not match  the number of established details
// for the receiving MLogT, it will fatal error.
// Arguments MUST be provided in the order in which they should be applied to the
// slice of existing details.
func (m *MLogT) AssignDetails(detailVals ...interface{}) *MLogT {

	// Check for congruence between argument length and registered details.
	if len(detailVals) != len(m.Details) {
		glog.Fatal("mlog: wrong number of details set, want: ", len(m.Details), "got:", len(detailVals))
	}

	for i, detailval := range detailVals {
		m.Details[i].Value = detailval
	}

	return m
}

// String implements the 'stringer' interface for
// an MLogT struct.
// eg. $RECEIVER $VERB $SUBJECT $RECEIVER:DETAIL $RECEIVER:DETAIL $SUBJECT:DETAIL $SUBJECT:DETAIL
func (m MLogT) String(documentation ...bool) string {
	placeholderEmpty := "-"
	if m.Receiver == "" {
		m.Receiver = placeholderEmpty
	}
	if m.Subject == "" {
		m.Subject = placeholderEmpty
	}
	if m.Verb == "" {
		m.Verb = placeholderEmpty
	}
	out := fmt.Sprintf("%s %s %s", m.Receiver, m.Verb, m.Subject)
	for _, d := range m.Details {
		out += " " + d.String(documentation...)
	}
	if documentation != nil && len(documentation) > 0 && documentation[0] {
		out += fmt.Sprintf("\n    %s", m.Description)
	}
	return out
}

// String implements the stringer interface for mlog details.
// It can used to provide raw mlog-formatted strings, or
// strings formatted for self-documentation.
func (d MLogDetailT) String(documentation ...bool) string {
	if documentation != nil && len(documentation) > 0 && documentation[0] {
		return fmt.Sprintf("$%s:%s:%s", d.Owner, d.Key, d.Value)
	}
	return fmt.Sprintf("[%v]", d.Value)
}

// eventName is the lowercased receiver.verb.subject triple used as the
// "event" field in the kv and json formats.
func (m *MLogT) eventName() string {
	return strings.ToLower(strings.Join([]string{m.Receiver, m.Verb, m.Subject}, "."))
}

// FormatPlain renders m as a space-separated line: the session id in
// brackets, receiver/verb/subject, then each detail's bare value.
func (m *MLogT) FormatPlain() string {
	parts := make([]string, 0, 4+len(m.Details))
	parts = append(parts, fmt.Sprintf("[%s]", common.SessionID), m.Receiver, m.Verb, m.Subject)
	for _, d := range m.Details {
		parts = append(parts, fmt.Sprintf("%v", d.Value))
	}
	return strings.Join(parts, " ")
}

// FormatKV renders m as logfmt-style key=value pairs.
func (m *MLogT) FormatKV() string {
	fields := make([]string, 0, 2+len(m.Details))
	fields = append(fields, fmt.Sprintf("session=%s", common.SessionID))
	fields = append(fields, fmt.Sprintf("event=%s", m.eventName()))
	for _, d := range m.Details {
		fields = append(fields, fmt.Sprintf("%s.%s=%v", strings.ToLower(d.Owner), strings.ToLower(d.Key), d.Value))
	}
	return strings.Join(fields, " ")
}

// formatJSON renders m as a single JSON object, tagged with the
// component it was sent under.
func (m *MLogT) formatJSON(component mlogComponent) string {
	obj := make(map[string]interface{}, 3+len(m.Details))
	obj["component"] = string(component)
	obj["session"] = common.SessionID
	obj["event"] = m.eventName()
	for _, d := range m.Details {
		obj[strings.ToLower(d.Owner)+"."+strings.ToLower(d.Key)] = d.Value
	}
	b, err := json.Marshal(obj)
	if err != nil {
		glog.Errorln("mlog: failed to marshal json line:", err)
		return "{}"
	}
	return string(b)
}

// FormatDocumentation renders m as a human-readable description of the
// event it represents, for use by a -mlog-documentation dump.
func (m *MLogT) FormatDocumentation(component mlogComponent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s.%s.%s (%s)\n", strings.ToLower(m.Receiver), strings.ToLower(m.Verb), strings.ToLower(m.Subject), component)
	fmt.Fprintf(&sb, "%s\n", m.Description)
	fmt.Fprintf(&sb, "RECEIVER=%s VERB=%s SUBJECT=%s\n", m.Receiver, m.Verb, m.Subject)
	for _, d := range m.Details {
		fmt.Fprintf(&sb, "  $%s:%s (%v)\n", d.Owner, d.Key, d.Value)
	}
	return sb.String()
}

// Send formats m according to the process-wide mlog format and, if mlog
// output is enabled, writes it to component's logger.
func (m *MLogT) Send(component mlogComponent) {
	if !MlogEnabled() {
		return
	}
	switch GetMLogFormat() {
	case MLOGJSON:
		component.Send(m.formatJSON(component))
	case MLOGKV:
		component.Send(m.FormatKV())
	default:
		component.Send(m.FormatPlain())
	}
}