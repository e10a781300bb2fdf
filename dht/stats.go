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

package dht

import "github.com/rcrowley/go-metrics"

// Counters mirror the role p2p/metrics.go plays for the teacher's transport
// layer: named go-metrics meters a monitor (cmd/dhtnode monitor) or an
// operator dashboard can sample without the core taking a dependency on any
// particular reporter.
var (
	metricNodesDropped    = metrics.NewRegisteredMeter("dht/table/dropped", nil)
	metricNodesAdded      = metrics.NewRegisteredMeter("dht/table/added", nil)
	metricValuesStored    = metrics.NewRegisteredMeter("dht/storage/stored", nil)
	metricValuesEvicted   = metrics.NewRegisteredMeter("dht/storage/evicted", nil)
	metricSearchesFailed  = metrics.NewRegisteredMeter("dht/search/failed", nil)
	metricSearchesDone    = metrics.NewRegisteredMeter("dht/search/done", nil)
	metricTokensRejected  = metrics.NewRegisteredMeter("dht/token/rejected", nil)
	metricPacketsDropped  = metrics.NewRegisteredMeter("dht/wire/dropped", nil)
	metricRequestTimeouts = metrics.NewRegisteredMeter("dht/wire/timeouts", nil)
)
