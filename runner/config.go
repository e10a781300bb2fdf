// Copyright 2016 The go-ethereum Authors
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

package runner

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/rjeczalik/notify"
	"github.com/spf13/afero"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
	"github.com/coredht/node/p2p/discover"
)

// Config is the Runner's construction-time configuration, modeled on the
// teacher's node.Config: a plain struct, an abstracted filesystem for
// persistence so tests never touch the real disk, and an identity slot
// that may be nil (anonymous mode).
type Config struct {
	// DataDir is where persisted state and the bootstrap file live, when
	// persistence is enabled at all. Empty disables both.
	DataDir string

	// Fs abstracts the filesystem persist.go and the bootstrap watcher
	// read and write through. A nil Fs defaults to the real OS
	// filesystem; tests substitute afero.NewMemMapFs().
	Fs afero.Fs

	Identity *crypto.Identity

	BootstrapNodes []*discover.Node

	// NAT is a nat.Parse-compatible spec string ("", "none", "any",
	// "upnp", "pmp", "extip:<ip>"). Runner.Run parses it, outside proxy
	// mode only; a bad spec is logged as a warning, NAT traversal is
	// skipped, and Run still succeeds.
	NAT string

	// ProxyServer, when set, switches the Runner into proxy-client mode
	// (spec.md §4.K): operations are translated into HTTP calls against
	// this base URL instead of a local Dht.
	ProxyServer string
}

func (c *Config) fs() afero.Fs {
	if c.Fs == nil {
		return afero.NewOsFs()
	}
	return c.Fs
}

// bootstrapFile is the on-disk shape of the hot-reloadable bootstrap
// peer list: one "host:port" string per entry. It hand-implements
// easyjson's Marshaler/Unmarshaler interfaces directly against
// jwriter/jlexer instead of being generated, since this module can't
// invoke the easyjson code generator.
type bootstrapFile struct {
	Nodes []string `json:"nodes"`
}

func (b *bootstrapFile) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawByte('{')
	w.RawString(`"nodes":`)
	w.RawByte('[')
	for i, n := range b.Nodes {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(n)
	}
	w.RawByte(']')
	w.RawByte('}')
}

func (b *bootstrapFile) UnmarshalEasyJSON(l *jlexer.Lexer) {
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		switch key {
		case "nodes":
			if l.IsNull() {
				l.Skip()
			} else {
				l.Delim('[')
				for !l.IsDelim(']') {
					b.Nodes = append(b.Nodes, l.String())
					l.WantComma()
				}
				l.Delim(']')
			}
		default:
			l.SkipRecursive()
		}
		l.WantComma()
	}
	l.Delim('}')
}

func marshalBootstrapFile(b *bootstrapFile) ([]byte, error) {
	w := jwriter.Writer{}
	b.MarshalEasyJSON(&w)
	if w.Error != nil {
		return nil, w.Error
	}
	return w.BuildBytes()
}

func unmarshalBootstrapFile(data []byte) (*bootstrapFile, error) {
	b := &bootstrapFile{}
	l := jlexer.Lexer{Data: data}
	b.UnmarshalEasyJSON(&l)
	if err := l.Error(); err != nil {
		return nil, err
	}
	return b, nil
}

func parseBootstrapAddr(s string) (*discover.Node, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("could not resolve %q: %v", host, err)
	}
	return discover.NewNode(discover.IdHash{}, ips[0], uint16(port)), nil
}

// bootstrapFilePath is the hot-reloaded peer list path under DataDir.
func (c *Config) bootstrapFilePath() string {
	return strings.TrimRight(c.DataDir, "/") + "/bootstrap.json"
}

// loadBootstrapFile reads and parses the bootstrap file, if DataDir is
// set and the file exists; a missing file is not an error.
func (c *Config) loadBootstrapFile() ([]*discover.Node, error) {
	if c.DataDir == "" {
		return nil, nil
	}
	data, err := afero.ReadFile(c.fs(), c.bootstrapFilePath())
	if err != nil {
		return nil, nil
	}
	bf, err := unmarshalBootstrapFile(data)
	if err != nil {
		return nil, err
	}
	var nodes []*discover.Node
	for _, addr := range bf.Nodes {
		n, err := parseBootstrapAddr(addr)
		if err != nil {
			glog.V(glog.Level(logger.Warn)).Infof("runner: skipping bad bootstrap entry %q: %v", addr, err)
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// watchBootstrapFile starts a notify watch on the bootstrap file and
// calls onChange (enqueued onto the I/O thread by the caller) whenever
// it's rewritten, so an operator can add peers without restarting the
// node.
func (c *Config) watchBootstrapFile(onChange func([]*discover.Node)) (stop func(), err error) {
	if c.DataDir == "" {
		return func() {}, nil
	}
	events := make(chan notify.EventInfo, 8)
	path := c.bootstrapFilePath()
	if err := notify.Watch(path, events, notify.Write, notify.Create); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-events:
				nodes, err := c.loadBootstrapFile()
				if err != nil {
					glog.V(glog.Level(logger.Warn)).Infof("runner: reloading bootstrap file: %v", err)
					continue
				}
				onChange(nodes)
			case <-done:
				notify.Stop(events)
				return
			}
		}
	}()
	return func() { close(done) }, nil
}
