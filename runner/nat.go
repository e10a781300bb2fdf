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
	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
	"github.com/coredht/node/p2p/nat"
)

// startNAT resolves cfg.NAT and, if a traversal mechanism was configured,
// keeps the bound UDP port mapped on the gateway for the lifetime of the
// node. The mapping loop runs on its own goroutine and stops when
// Shutdown closes natStop.
func (r *Runner) startNAT(port int) {
	natm, err := nat.Parse(r.cfg.NAT)
	if err != nil {
		glog.V(glog.Level(logger.Warn)).Infof("runner: bad NAT spec %q: %v", r.cfg.NAT, err)
		return
	}
	if natm == nil {
		return
	}
	r.natStop = make(chan struct{})
	go nat.Map(natm, r.natStop, "udp", port, port, "coredht discovery")
	go func() {
		if ip, err := natm.ExternalIP(); err == nil {
			glog.V(glog.Level(logger.Info)).Infof("runner: NAT external address is %v", ip)
		}
	}()
}
