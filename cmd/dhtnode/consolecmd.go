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
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/robertkrimen/otto"
	"gopkg.in/urfave/cli.v1"

	"github.com/coredht/node/dht"
	"github.com/coredht/node/runner"
)

var consoleCommand = cli.Command{
	Action: console,
	Name:   "console",
	Usage:  "Start an interactive JavaScript console bound to a running node",
	Description: `
The console exposes the node's put/get/listen surface to a JavaScript
interpreter:

    id()                  the local node id
    put(key, data)        store data at key, returns true on success
    get(key)              returns an array of value strings
    listen(key)           print values as they arrive, returns a token
    cancelListen(key, t)  stop a listen started here
`,
}

// console wires a runner into an otto interpreter behind a liner prompt,
// the same shape as the teacher's JS console, minus the web3 surface.
func console(ctx *cli.Context) error {
	r, err := startRunner(ctx)
	if err != nil {
		return err
	}
	defer stopRunner(r)

	vm := otto.New()
	bindConsole(vm, r)

	state := liner.NewLiner()
	defer state.Close()
	state.SetCtrlCAborts(true)
	state.SetCompleter(func(line string) []string {
		var out []string
		for _, w := range []string{"id()", "put(", "get(", "listen(", "cancelListen("} {
			if strings.HasPrefix(w, strings.ToLower(line)) {
				out = append(out, w)
			}
		}
		return out
	})

	fmt.Println("coredht console; quit with exit or ctrl-d")
	for {
		input, err := state.Prompt("> ")
		if err != nil {
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		state.AppendHistory(input)
		result, err := vm.Run(input)
		if err != nil {
			errStyle.Println(err)
			continue
		}
		if result.IsDefined() {
			fmt.Println(result.String())
		}
	}
}

func bindConsole(vm *otto.Otto, r *runner.Runner) {
	vm.Set("id", func(call otto.FunctionCall) otto.Value {
		v, _ := otto.ToValue(r.Id().String())
		return v
	})

	vm.Set("put", func(call otto.FunctionCall) otto.Value {
		key, _ := call.Argument(0).ToString()
		data, _ := call.Argument(1).ToString()
		done := make(chan bool, 1)
		err := r.Put(resolveKey(key), &dht.Value{Data: []byte(data)}, false, func(ok bool) { done <- ok })
		if err != nil {
			return otto.FalseValue()
		}
		select {
		case ok := <-done:
			v, _ := otto.ToValue(ok)
			return v
		case <-time.After(opTimeout):
			return otto.FalseValue()
		}
	})

	vm.Set("get", func(call otto.FunctionCall) otto.Value {
		key, _ := call.Argument(0).ToString()
		done := make(chan struct{})
		var results []string
		err := r.Get(resolveKey(key), nil, func(v *dht.Value) {
			results = append(results, string(v.Data))
		}, func(bool) { close(done) })
		if err != nil {
			return otto.UndefinedValue()
		}
		select {
		case <-done:
		case <-time.After(opTimeout):
		}
		v, _ := vm.ToValue(results)
		return v
	})

	vm.Set("listen", func(call otto.FunctionCall) otto.Value {
		key, _ := call.Argument(0).ToString()
		tok, err := r.Listen(resolveKey(key), func(v *dht.Value, expired bool) {
			if expired {
				infoStyle.Printf("\nexpired: value %d\n", v.Id)
				return
			}
			fmt.Printf("\n%s: %s\n", key, string(v.Data))
		})
		if err != nil {
			return otto.UndefinedValue()
		}
		v, _ := otto.ToValue(tok)
		return v
	})

	vm.Set("cancelListen", func(call otto.FunctionCall) otto.Value {
		key, _ := call.Argument(0).ToString()
		tok, _ := call.Argument(1).ToInteger()
		r.CancelListen(resolveKey(key), uint64(tok))
		return otto.UndefinedValue()
	})
}
