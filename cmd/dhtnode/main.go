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

// dhtnode is the command-line client for the coredht node: it runs a DHT
// peer and exposes put/get/listen, an interactive JS console, and a live
// metrics monitor.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/urfave/cli.v1"

	"github.com/coredht/node/common"
	"github.com/coredht/node/internal/debug"
	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
)

// Version is the application revision identifier. It can be set with the
// linker as in: go build -ldflags "-X main.Version="`git describe --tags`
var Version = "source"

var (
	portFlag = cli.IntFlag{
		Name:  "port",
		Usage: "UDP port to bind (0 picks a free port)",
		Value: 4222,
	}
	datadirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory for persisted state, stored values and the bootstrap file",
	}
	bootstrapFlag = cli.StringSliceFlag{
		Name:  "bootstrap",
		Usage: "Bootstrap node as host:port (may be given multiple times)",
	}
	natFlag = cli.StringFlag{
		Name:  "nat",
		Usage: "NAT traversal mechanism (any|none|upnp|pmp|extip:<IP>)",
		Value: "any",
	}
	proxyFlag = cli.StringFlag{
		Name:  "proxy",
		Usage: "Run as a client of this HTTP proxy server instead of joining the overlay directly",
	}
	mlogFlag = cli.StringFlag{
		Name:  "mlog",
		Usage: "Structured machine log format (plain|kv|json), empty disables",
	}
	mlogDirFlag = cli.StringFlag{
		Name:  "mlog-dir",
		Usage: "Directory for structured machine log files",
	}
	mlogComponentsFlag = cli.StringFlag{
		Name:  "mlog-components",
		Usage: "Comma-separated mlog components to activate, a leading ! excludes instead",
		Value: "dht,securedht",
	}
)

func makeCLIApp() (app *cli.App) {
	app = cli.NewApp()
	app.Name = filepath.Base(os.Args[0])
	app.Version = Version
	app.Usage = "the coredht command line interface"
	app.Action = runNode
	app.HideVersion = true

	app.Commands = []cli.Command{
		runCommand,
		putCommand,
		getCommand,
		listenCommand,
		pingCommand,
		consoleCommand,
		monitorCommand,
		{
			Action: version,
			Name:   "version",
			Usage:  "Print version numbers",
		},
	}

	app.Flags = []cli.Flag{
		portFlag,
		datadirFlag,
		bootstrapFlag,
		natFlag,
		proxyFlag,
		mlogFlag,
		mlogDirFlag,
		mlogComponentsFlag,
	}
	app.Flags = append(app.Flags, debug.Flags...)

	app.Before = func(ctx *cli.Context) error {
		if err := debug.Setup(ctx); err != nil {
			return err
		}
		return setupMLog(ctx)
	}
	return app
}

func setupMLog(ctx *cli.Context) error {
	format := ctx.GlobalString(mlogFlag.Name)
	if format == "" {
		return nil
	}
	if err := logger.SetMLogFormatFromString(format); err != nil {
		return err
	}
	if dir := ctx.GlobalString(mlogDirFlag.Name); dir != "" {
		logger.SetMLogDir(dir)
	}
	if err := logger.MLogRegisterComponentsFromContext(ctx.GlobalString(mlogComponentsFlag.Name)); err != nil {
		return err
	}
	logger.SetMlogEnabled(true)
	return nil
}

func version(ctx *cli.Context) error {
	fmt.Println(ctx.App.Name, Version)
	fmt.Println(common.GetClientSessionIdentity().String())
	return nil
}

func main() {
	app := makeCLIApp()
	if err := app.Run(os.Args); err != nil {
		glog.Errorln(err)
		logger.Flush()
		os.Exit(1)
	}
	logger.Flush()
}
