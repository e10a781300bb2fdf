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

// Package metrics centralizes process-level collection. The DHT's own
// meters (dht/stats.go, securedht/stats.go) register into the same
// default registry, so one Collect loop snapshots everything.
package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/coredht/node/logger/glog"
	"github.com/rcrowley/go-metrics"
)

// reg is the shared registry every subsystem registers into.
var reg = metrics.DefaultRegistry

var (
	MemAllocs = metrics.GetOrRegisterGauge("memory/allocs", reg)
	MemFrees  = metrics.GetOrRegisterGauge("memory/frees", reg)
	MemInuse  = metrics.GetOrRegisterGauge("memory/inuse", reg)
	MemPauses = metrics.GetOrRegisterGauge("memory/pauses", reg)

	DiskReads      = metrics.GetOrRegisterGauge("disk/readcount", reg)
	DiskReadBytes  = metrics.GetOrRegisterGauge("disk/readdata", reg)
	DiskWrites     = metrics.GetOrRegisterGauge("disk/writecount", reg)
	DiskWriteBytes = metrics.GetOrRegisterGauge("disk/writedata", reg)
)

// diskStats is the per process disk I/O statistics.
type diskStats struct {
	ReadCount  int64 // Number of read operations executed
	ReadBytes  int64 // Total number of bytes read
	WriteCount int64 // Number of write operations executed
	WriteBytes int64 // Total number of byte written
}

// Each iterates every registered metric, for ad-hoc consumers like the
// monitor dashboard.
func Each(fn func(name string, metric interface{})) {
	reg.Each(fn)
}

// Collect writes metrics to the given file.
func Collect(file string) {
	f, err := os.OpenFile(file, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		glog.Fatal(err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	encoder := json.NewEncoder(w)

	for range time.Tick(3 * time.Second) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		MemAllocs.Update(int64(mem.Mallocs))
		MemFrees.Update(int64(mem.Frees))
		MemInuse.Update(int64(mem.Alloc))
		MemPauses.Update(int64(mem.PauseTotalNs))

		var disk diskStats
		readDiskStats(&disk)
		DiskReads.Update(disk.ReadCount)
		DiskReadBytes.Update(disk.ReadBytes)
		DiskWrites.Update(disk.WriteCount)
		DiskWriteBytes.Update(disk.WriteBytes)

		if err := encoder.Encode(reg); err != nil {
			glog.Errorf("metrics: encode: %v", err)
			return
		}
		if err := w.Flush(); err != nil {
			glog.Errorf("metrics: flush: %v", err)
			return
		}
	}
}
