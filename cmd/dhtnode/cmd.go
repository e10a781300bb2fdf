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
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mitchellh/go-wordwrap"
	"gopkg.in/urfave/cli.v1"

	"github.com/coredht/node/dht"
	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
	"github.com/coredht/node/p2p/discover"
	"github.com/coredht/node/runner"
)

var (
	okStyle   = color.New(color.FgGreen)
	errStyle  = color.New(color.FgRed, color.Bold)
	keyStyle  = color.New(color.FgCyan)
	infoStyle = color.New(color.Faint)
)

// opTimeout bounds the one-shot subcommands (put/get/ping); interactive
// listen runs until interrupted.
const opTimeout = 15 * time.Second

var runCommand = cli.Command{
	Action: runNode,
	Name:   "run",
	Usage:  "Run a DHT node until interrupted",
	Flags:  []cli.Flag{},
}

var putCommand = cli.Command{
	Action:    putValue,
	Name:      "put",
	Usage:     "Store a value at a key",
	ArgsUsage: "<key> <data>",
}

var getCommand = cli.Command{
	Action:    getValues,
	Name:      "get",
	Usage:     "Fetch the values stored at a key",
	ArgsUsage: "<key>",
}

var listenCommand = cli.Command{
	Action:    listenKey,
	Name:      "listen",
	Usage:     "Print values as they appear at a key, until interrupted",
	ArgsUsage: "<key>",
}

var pingCommand = cli.Command{
	Action:    pingNode,
	Name:      "ping",
	Usage:     "Ping a remote DHT node",
	ArgsUsage: "<host:port>",
}

// makeConfig translates global flags into a runner.Config.
func makeConfig(ctx *cli.Context) (*runner.Config, error) {
	cfg := &runner.Config{
		DataDir:     ctx.GlobalString(datadirFlag.Name),
		NAT:         ctx.GlobalString(natFlag.Name),
		ProxyServer: ctx.GlobalString(proxyFlag.Name),
	}
	for _, s := range ctx.GlobalStringSlice(bootstrapFlag.Name) {
		n, err := parseNodeAddr(s)
		if err != nil {
			return nil, fmt.Errorf("bad --bootstrap entry %q: %v", s, err)
		}
		cfg.BootstrapNodes = append(cfg.BootstrapNodes, n)
	}
	return cfg, nil
}

func parseNodeAddr(s string) (*discover.Node, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("cannot resolve %q", host)
	}
	return discover.NewNode(discover.IdHash{}, ips[0], uint16(port)), nil
}

// startRunner builds and starts a node from the global flags. Bind and
// crypto init failures propagate up and exit the process with code 1.
func startRunner(ctx *cli.Context) (*runner.Runner, error) {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return nil, err
	}
	r := runner.New(cfg)
	if err := r.Run(ctx.GlobalInt(portFlag.Name)); err != nil {
		return nil, err
	}
	glog.V(glog.Level(logger.Info)).Infof("dhtnode: id %s, udp4 port %d, udp6 port %d",
		r.Id(), r.GetBoundPort("udp4"), r.GetBoundPort("udp6"))
	return r, nil
}

func stopRunner(r *runner.Runner) {
	done := make(chan struct{})
	r.Shutdown(func() { close(done) })
	<-done
}

// resolveKey accepts either a 40-char hex id or an arbitrary string to
// hash into the key space.
func resolveKey(s string) discover.IdHash {
	if id, err := discover.HexId(s); err == nil {
		return id
	}
	return discover.HashId([]byte(s))
}

func printValue(v *dht.Value) {
	keyStyle.Printf("value %d", v.Id)
	if v.UserType != "" {
		infoStyle.Printf(" (%s)", v.UserType)
	}
	fmt.Println()
	fmt.Println(wordwrap.WrapString(string(v.Data), 76))
}

func runNode(ctx *cli.Context) error {
	r, err := startRunner(ctx)
	if err != nil {
		return err
	}
	defer stopRunner(r)
	waitForInterrupt()
	return nil
}

func putValue(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) != 2 {
		return fmt.Errorf("usage: put <key> <data>")
	}
	r, err := startRunner(ctx)
	if err != nil {
		return err
	}
	defer stopRunner(r)

	key := resolveKey(args[0])
	done := make(chan bool, 1)
	err = r.Put(key, &dht.Value{Data: []byte(args[1])}, false, func(ok bool) { done <- ok })
	if err != nil {
		return err
	}
	select {
	case ok := <-done:
		if !ok {
			errStyle.Println("put failed")
			return fmt.Errorf("put failed")
		}
		okStyle.Printf("stored at %s\n", key)
	case <-time.After(opTimeout):
		errStyle.Println("put timed out")
		return fmt.Errorf("put timed out")
	}
	return nil
}

func getValues(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: get <key>")
	}
	r, err := startRunner(ctx)
	if err != nil {
		return err
	}
	defer stopRunner(r)

	key := resolveKey(args[0])
	done := make(chan bool, 1)
	count := 0
	err = r.Get(key, nil, func(v *dht.Value) {
		count++
		printValue(v)
	}, func(ok bool) { done <- ok })
	if err != nil {
		return err
	}
	select {
	case <-done:
		infoStyle.Printf("%d value(s) at %s\n", count, key)
	case <-time.After(opTimeout):
		errStyle.Println("get timed out")
		return fmt.Errorf("get timed out")
	}
	return nil
}

func listenKey(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: listen <key>")
	}
	r, err := startRunner(ctx)
	if err != nil {
		return err
	}
	defer stopRunner(r)

	key := resolveKey(args[0])
	tok, err := r.Listen(key, func(v *dht.Value, expired bool) {
		if expired {
			infoStyle.Printf("expired: value %d\n", v.Id)
			return
		}
		printValue(v)
	})
	if err != nil {
		return err
	}
	infoStyle.Printf("listening on %s\n", key)
	waitForInterrupt()
	return r.CancelListen(key, tok)
}

func pingNode(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: ping <host:port>")
	}
	n, err := parseNodeAddr(args[0])
	if err != nil {
		return err
	}
	r, err := startRunner(ctx)
	if err != nil {
		return err
	}
	defer stopRunner(r)

	done := make(chan bool, 1)
	if err := r.Ping(&net.UDPAddr{IP: n.IP, Port: int(n.Port)}, func(ok bool) { done <- ok }); err != nil {
		return err
	}
	select {
	case ok := <-done:
		if ok {
			okStyle.Printf("%s answered\n", args[0])
			return nil
		}
		errStyle.Printf("%s did not answer\n", args[0])
		return fmt.Errorf("no answer")
	case <-time.After(opTimeout):
		return fmt.Errorf("ping timed out")
	}
}

func waitForInterrupt() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	signal.Stop(sig)
}
