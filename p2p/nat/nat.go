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

// Package nat provides access to common network port mapping protocols,
// the spec.md §6 "environment/NAT" surface: a node runs behind a router
// that doesn't know it exists until something maps its listening port.
package nat

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
)

// An Interface is a method of traversing a NAT to map an internal port
// through to an externally routable one.
type Interface interface {
	// AddMapping maps the given external port to the given internal
	// port, advertising name in the mapping's description. lifetime is
	// the duration the mapping should exist for. Implementations do not
	// refresh it; Map re-adds the mapping before it expires.
	AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) error

	// DeleteMapping removes an existing port mapping.
	DeleteMapping(protocol string, extport, intport int) error

	// ExternalIP should return the external (Internet-facing) address
	// of the gateway device.
	ExternalIP() (net.IP, error)

	// String should return a human-readable description of the
	// mapping method, suitable for a log line.
	String() string
}

// Parse parses a NAT interface description, one of: "" or "none" for no
// NAT, "extip:<IP>" for a static external IP, "any" for auto-discovered
// UPnP or NAT-PMP, "upnp" or "pmp" to force one specific protocol.
func Parse(spec string) (Interface, error) {
	var (
		parts = strings.SplitN(spec, ":", 2)
		mech  = strings.ToLower(parts[0])
		ip    net.IP
	)
	if len(parts) > 1 {
		ip = net.ParseIP(parts[1])
		if ip == nil {
			return nil, errors.New("invalid IP address")
		}
	}
	switch mech {
	case "", "none", "off":
		return nil, nil
	case "any", "auto", "on":
		return Any(), nil
	case "extip", "ip":
		if ip == nil {
			return nil, errors.New("missing IP address")
		}
		return ExtIP(ip), nil
	case "upnp":
		return UPnP(), nil
	case "pmp", "natpmp", "nat-pmp":
		return PMP(ip), nil
	default:
		return nil, fmt.Errorf("unknown mechanism %q", parts[0])
	}
}

// ExtIP assumes that the local machine is reachable on the given
// external IP address, and that any required manual port mapping has
// already been done.
func ExtIP(ip net.IP) Interface {
	if ip == nil {
		panic("IP must not be nil")
	}
	return extIP(ip)
}

type extIP net.IP

func (n extIP) ExternalIP() (net.IP, error) { return net.IP(n), nil }
func (n extIP) String() string              { return fmt.Sprintf("extip{%v}", net.IP(n)) }

// These do nothing.
func (extIP) AddMapping(string, int, int, string, time.Duration) error { return nil }
func (extIP) DeleteMapping(string, int, int) error                     { return nil }

// Any returns a port mapper that tries to discover any supported
// mechanism on the local network.
func Any() Interface {
	return startautodisc("any", func() Interface {
		found := make(chan Interface, 2)
		go func() { found <- discoverUPnP() }()
		go func() { found <- discoverPMP() }()
		for i := 0; i < 2; i++ {
			if r := <-found; r != nil {
				return r
			}
		}
		return nil
	})
}

// UPnP returns a port mapper that uses UPnP. It will attempt to discover
// the address of your router using UDP broadcasts.
func UPnP() Interface {
	return startautodisc("UPnP", discoverUPnP)
}

// PMP returns a port mapper that uses NAT-PMP. The provided gateway
// address should be the IP of your router.
func PMP(gateway net.IP) Interface {
	if gateway != nil {
		return &pmp{gw: gateway, c: natPMPClient(gateway)}
	}
	return startautodisc("NAT-PMP", discoverPMP)
}

// autodisc represents a port mapping mechanism that is still being
// autodiscovered. Calls to the Interface methods on this type will wait
// until the discovery is done and then call the method on the
// discovered mechanism, matching the teacher's lazily-resolved
// upstream-device pattern.
type autodisc struct {
	what string // type of interface being autodiscovered
	once sync.Once
	doit func() Interface

	mu    sync.Mutex
	found Interface
}

func startautodisc(what string, doit func() Interface) Interface {
	return &autodisc{what: what, doit: doit}
}

func (n *autodisc) AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) error {
	if err := n.wait(); err != nil {
		return err
	}
	return n.found.AddMapping(protocol, extport, intport, name, lifetime)
}

func (n *autodisc) DeleteMapping(protocol string, extport, intport int) error {
	if err := n.wait(); err != nil {
		return err
	}
	return n.found.DeleteMapping(protocol, extport, intport)
}

func (n *autodisc) ExternalIP() (net.IP, error) {
	if err := n.wait(); err != nil {
		return nil, err
	}
	return n.found.ExternalIP()
}

func (n *autodisc) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.found == nil {
		return n.what
	}
	return n.found.String()
}

// wait blocks until auto-discovery has been performed.
func (n *autodisc) wait() error {
	n.once.Do(func() {
		n.mu.Lock()
		n.found = n.doit()
		n.mu.Unlock()
	})
	if n.found == nil {
		return fmt.Errorf("no %s router discovered", n.what)
	}
	return nil
}

// Map adds a port mapping on m and keeps it alive until c is closed.
// This function is typically invoked in its own goroutine by the runner
// event loop's startup path, outside the single-threaded I/O loop
// itself, since discovery and mapping are blocking network calls.
func Map(m Interface, c <-chan struct{}, protocol string, extport, intport int, name string) {
	log := func(format string, args ...interface{}) {
		glog.V(glog.Level(logger.Info)).Infof("port mapping: "+format, args...)
	}
	refresh := time.NewTimer(mapTimeout)
	defer func() {
		refresh.Stop()
		glog.V(glog.Level(logger.Debug)).Infof("deleting port mapping: %s", m)
		m.DeleteMapping(protocol, extport, intport)
	}()
	if err := m.AddMapping(protocol, extport, intport, name, mapTimeout+mapUpdateInterval); err != nil {
		log("couldn't add: %v", err)
	} else {
		log("mapped %s port %d -> %d (%s)", protocol, extport, intport, m)
	}
	for {
		select {
		case _, ok := <-c:
			if !ok {
				return
			}
		case <-refresh.C:
			log("refreshing mapping")
			if err := m.AddMapping(protocol, extport, intport, name, mapTimeout+mapUpdateInterval); err != nil {
				log("couldn't refresh: %v", err)
			}
			refresh.Reset(mapUpdateInterval)
		}
	}
}

const (
	mapTimeout        = 20 * time.Minute
	mapUpdateInterval = 15 * time.Minute
)
