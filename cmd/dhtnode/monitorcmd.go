// Copyright 2016 The go-ethereum Authors
// This file is part of go-ethereum.
//
// go-ethereum is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-ethereum is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-ethereum. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"sort"

	"github.com/gizak/termui"
	gometrics "github.com/rcrowley/go-metrics"
	"gopkg.in/urfave/cli.v1"

	"github.com/coredht/node/metrics"
	"github.com/coredht/node/runner"
)

var monitorCommand = cli.Command{
	Action: monitor,
	Name:   "monitor",
	Usage:  "Run a node with a live terminal dashboard of its DHT activity",
}

const (
	tuiSmallHeight = 3
	tuiLargeWidth  = 100
	tuiDataLimit   = 100
)

var (
	peerSpark       termui.Sparkline
	storeSpark      termui.Sparkline
	searchSpark     termui.Sparkline
	sparkHolder     *termui.Sparklines
	meterList       *termui.List
	lastPeerCount   int64
	lastStoreCount  int64
	lastSearchCount int64
)

func monitor(ctx *cli.Context) error {
	r, err := startRunner(ctx)
	if err != nil {
		return err
	}
	defer stopRunner(r)

	if err := termui.Init(); err != nil {
		return err
	}
	defer termui.Close()

	tuiSetupComponents(r)
	tuiSetupHandlers()
	termui.Render(sparkHolder, meterList)
	termui.Loop()
	return nil
}

func tuiSetupComponents(r *runner.Runner) {
	peerSpark = termui.Sparkline{}
	peerSpark.Title = "peers added"
	peerSpark.Data = []int{0}
	peerSpark.Height = tuiSmallHeight
	peerSpark.LineColor = termui.ColorBlue

	storeSpark = termui.Sparkline{}
	storeSpark.Title = "values stored"
	storeSpark.Data = []int{0}
	storeSpark.Height = tuiSmallHeight
	storeSpark.LineColor = termui.ColorGreen

	searchSpark = termui.Sparkline{}
	searchSpark.Title = "searches done"
	searchSpark.Data = []int{0}
	searchSpark.Height = tuiSmallHeight
	searchSpark.LineColor = termui.ColorYellow

	sparkHolder = termui.NewSparklines(peerSpark, storeSpark, searchSpark)
	sparkHolder.BorderLabel = fmt.Sprintf("dht %s", r.Id().String()[:12])
	sparkHolder.Height = tuiSmallHeight*3 + 5
	sparkHolder.Width = tuiLargeWidth

	meterList = termui.NewList()
	meterList.BorderLabel = "meters"
	meterList.Y = sparkHolder.Height
	meterList.Width = tuiLargeWidth
	meterList.Height = 16
}

func tuiSetupHandlers() {
	termui.Handle("/sys/kbd/q", func(termui.Event) {
		termui.StopLoop()
	})
	termui.Handle("/sys/kbd/C-c", func(termui.Event) {
		termui.StopLoop()
	})
	termui.Handle("/timer/1s", func(termui.Event) {
		tuiRefresh()
		termui.Render(sparkHolder, meterList)
	})
}

// tuiRefresh samples the shared metrics registry: sparklines get the
// per-second delta of their meter, the list gets every registered count.
func tuiRefresh() {
	var items []string
	metrics.Each(func(name string, metric interface{}) {
		m, ok := metric.(gometrics.Meter)
		if !ok {
			return
		}
		count := m.Count()
		items = append(items, fmt.Sprintf("%-28s %10d  (%6.2f/s)", name, count, m.Rate1()))
		switch name {
		case "dht/table/added":
			sparkHolder.Lines[0].Data = addDataWithLimit(sparkHolder.Lines[0].Data, int(count-lastPeerCount), tuiDataLimit)
			lastPeerCount = count
		case "dht/storage/stored":
			sparkHolder.Lines[1].Data = addDataWithLimit(sparkHolder.Lines[1].Data, int(count-lastStoreCount), tuiDataLimit)
			lastStoreCount = count
		case "dht/search/done":
			sparkHolder.Lines[2].Data = addDataWithLimit(sparkHolder.Lines[2].Data, int(count-lastSearchCount), tuiDataLimit)
			lastSearchCount = count
		}
	})
	sort.Strings(items)
	meterList.Items = items
}

func addDataWithLimit(sl []int, dataPoint int, maxLen int) []int {
	if len(sl) > maxLen {
		return append(sl[1:], dataPoint)
	}
	return append(sl, dataPoint)
}
