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

// Package runner implements spec.md §4.K: the single-threaded cooperative
// event loop that owns the DHT core, services timers and socket I/O, and
// exposes a thread-safe enqueue surface to the rest of the program.
package runner

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/dht"
	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
	"github.com/coredht/node/p2p/discover"
	"github.com/coredht/node/securedht"
)

var (
	ErrShuttingDown   = errors.New("runner: already shutting down")
	ErrNotRunning     = errors.New("runner: not running")
	ErrAlreadyRunning = errors.New("runner: already running")
)

// core is the tagged-variant dispatch point spec.md §9 describes for
// {raw, secure, proxy}: every operation the Runner exposes goes through
// this interface, so the same event loop drives a local SecureDht or
// substitutes a ProxyClient transparently.
type core interface {
	Id() discover.IdHash
	Get(key discover.IdHash, filter func(*dht.Value) bool, onValue func(*dht.Value), onDone func(bool), now time.Time)
	Put(key discover.IdHash, v *dht.Value, permanent bool, onDone func(bool), now time.Time)
	PutEncrypted(key, recipient discover.IdHash, v *dht.Value, permanent bool, onDone func(bool), now time.Time)
	Listen(key discover.IdHash, onValue func(v *dht.Value, expired bool), now time.Time) uint64
	CancelListen(key discover.IdHash, token uint64)
	CancelPut(key discover.IdHash, valueID uint64)
	Ping(addr *net.UDPAddr, now time.Time, onDone func(bool))
	Periodic(now time.Time) time.Time
}

// Runner is the single owner of the I/O thread. Every exported method
// here is safe to call from any goroutine: it enqueues a closure and
// returns immediately, exactly as spec.md §4.K and §5 require. The
// closure itself, and every completion callback it schedules, only ever
// runs on the loop goroutine started by Run.
type Runner struct {
	cfg *Config

	mu      sync.Mutex
	queue   []func(now time.Time)
	wake    chan struct{}
	running bool
	stopped chan struct{}

	core    core
	net     *dht.Network
	storage *dht.Storage
	table   *discover.RoutingTable
	id      *crypto.Identity

	natStop   chan struct{}
	watchStop func()
}

// New constructs a Runner from cfg. The core (Dht/SecureDht or a proxy
// client) is not built until Run is called, since binding sockets can
// fail and spec.md §7 treats that as a configuration error that must
// fail fast rather than at construction time.
func New(cfg *Config) *Runner {
	return &Runner{
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Run binds UDP sockets for IPv4 and IPv6 when available, constructs the
// Dht/SecureDht core (or, when cfg.ProxyServer is set, a ProxyClient),
// loads persisted state, and starts the I/O loop on a new goroutine.
// Run itself is synchronous and returns once the loop has started, so a
// bind failure is reported to the caller instead of surfacing later.
func (r *Runner) Run(port int) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.mu.Unlock()

	id := r.cfg.Identity
	if id == nil {
		id = r.loadIdentity()
	}
	if id == nil {
		var err error
		id, err = crypto.GenerateIdentity()
		if err != nil {
			return err
		}
	}
	r.id = id
	self := id.Id()

	if r.cfg.ProxyServer != "" {
		r.core = newProxyClient(r.cfg.ProxyServer, id, r.wakeLoop)
	} else {
		var table *discover.RoutingTable
		if r.cfg.DataDir != "" {
			var err error
			table, err = discover.NewPersistentRoutingTable(self, r.cfg.DataDir+"/nodes")
			if err != nil {
				return err
			}
		} else {
			table = discover.NewRoutingTable(self)
		}
		netw, err := dht.ListenUDP(self, port)
		if err != nil {
			table.Close()
			return err
		}
		storagePath := ""
		if r.cfg.DataDir != "" {
			storagePath = r.cfg.DataDir + "/storage.db"
		}
		storage, err := dht.NewStorage(storagePath)
		if err != nil {
			netw.Close()
			table.Close()
			return err
		}
		raw := dht.NewDht(self, table, netw, storage)
		secure, err := securedht.NewSecureDht(raw, id, 0)
		if err != nil {
			netw.Close()
			storage.Close()
			table.Close()
			return err
		}
		r.net = netw
		r.storage = storage
		r.table = table
		r.core = secure

		if err := r.loadPersisted(table); err != nil {
			glog.V(glog.Level(logger.Warn)).Infof("runner: could not load persisted state: %v", err)
		}
		r.bootstrap(table, netw)
		r.startNAT(port)
	}

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	go r.loop()
	return nil
}

// bootstrap pings every configured bootstrap node so it enters the
// routing table; replies insert the remote the same way any other reply
// does (table.Insert happens inside Ping's onDone plumbing in dht.go).
func (r *Runner) bootstrap(table *discover.RoutingTable, netw *dht.Network) {
	nodes := r.cfg.BootstrapNodes
	if fromFile, err := r.cfg.loadBootstrapFile(); err == nil {
		nodes = append(nodes, fromFile...)
	} else {
		glog.V(glog.Level(logger.Warn)).Infof("runner: bootstrap file unreadable: %v", err)
	}
	nodes = append(nodes, table.SeedNodes(10, 24*time.Hour)...)
	r.pingAll(nodes, time.Now())

	stop, err := r.cfg.watchBootstrapFile(func(fresh []*discover.Node) {
		r.enqueue(func(now time.Time) { r.pingAll(fresh, now) })
	})
	if err != nil {
		glog.V(glog.Level(logger.Debug)).Infof("runner: bootstrap file watch unavailable: %v", err)
		return
	}
	r.watchStop = stop
}

func (r *Runner) pingAll(nodes []*discover.Node, now time.Time) {
	for _, n := range nodes {
		addr := &net.UDPAddr{IP: n.IP, Port: int(n.Port)}
		r.core.Ping(addr, now, func(ok bool) {
			if !ok {
				glog.V(glog.Level(logger.Debug)).Infof("runner: bootstrap ping to %v failed", addr)
			}
		})
	}
}

// IsRunning reports whether the loop goroutine is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// GetBoundPort returns the actual bound UDP port for family "udp4" or
// "udp6", spec.md §6's getBoundPort. It returns 0 in proxy mode, where
// there is no local socket.
func (r *Runner) GetBoundPort(family string) int {
	r.mu.Lock()
	netw := r.net
	r.mu.Unlock()
	if netw == nil {
		return 0
	}
	return netw.BoundPort(family)
}

// Id returns the local node's DHT identifier.
func (r *Runner) Id() discover.IdHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == nil {
		return discover.IdHash{}
	}
	return r.id.Id()
}

// enqueue is the thread-safe surface every public operation funnels
// through: push a closure, wake the loop, return immediately.
func (r *Runner) enqueue(f func(now time.Time)) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.queue = append(r.queue, f)
	r.mu.Unlock()
	r.wakeLoop()
	return nil
}

// wakeLoop nudges the I/O loop without blocking; a wake already pending
// is enough.
func (r *Runner) wakeLoop() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Get is the thread-safe, non-blocking equivalent of spec.md §4.I's get:
// filter/onValue/onDone all run on the I/O thread.
func (r *Runner) Get(key discover.IdHash, filter func(*dht.Value) bool, onValue func(*dht.Value), onDone func(bool)) error {
	return r.enqueue(func(now time.Time) { r.core.Get(key, filter, onValue, onDone, now) })
}

// Put is the signed put of spec.md §4.J, dispatched onto the I/O thread.
func (r *Runner) Put(key discover.IdHash, v *dht.Value, permanent bool, onDone func(bool)) error {
	return r.enqueue(func(now time.Time) { r.core.Put(key, v, permanent, onDone, now) })
}

// PutEncrypted is the encrypted put of spec.md §4.J.
func (r *Runner) PutEncrypted(key, recipient discover.IdHash, v *dht.Value, permanent bool, onDone func(bool)) error {
	return r.enqueue(func(now time.Time) { r.core.PutEncrypted(key, recipient, v, permanent, onDone, now) })
}

// Listen registers a push listener; the returned channel yields the
// assigned token once the enqueued closure has run, since the token
// itself can only be minted on the I/O thread.
func (r *Runner) Listen(key discover.IdHash, onValue func(v *dht.Value, expired bool)) (uint64, error) {
	tokCh := make(chan uint64, 1)
	err := r.enqueue(func(now time.Time) { tokCh <- r.core.Listen(key, onValue, now) })
	if err != nil {
		return 0, err
	}
	return <-tokCh, nil
}

// CancelListen cancels a prior Listen by its token.
func (r *Runner) CancelListen(key discover.IdHash, token uint64) error {
	return r.enqueue(func(now time.Time) { r.core.CancelListen(key, token) })
}

// CancelPut cancels a permanent put by (key, value_id), per spec.md §5:
// effective only until the announce round begins.
func (r *Runner) CancelPut(key discover.IdHash, valueID uint64) error {
	return r.enqueue(func(now time.Time) { r.core.CancelPut(key, valueID) })
}

// Ping is the thread-safe equivalent of spec.md §4.I's ping.
func (r *Runner) Ping(addr *net.UDPAddr, onDone func(bool)) error {
	return r.enqueue(func(now time.Time) { r.core.Ping(addr, now, onDone) })
}

// loop is the single I/O thread: it alternates between waiting for a
// wake-up (new enqueued work, or the next scheduled deadline), draining
// the command queue, and calling periodic, exactly as spec.md §5
// describes.
func (r *Runner) loop() {
	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
		select {
		case <-r.wake:
		case <-timer.C:
		}

		r.mu.Lock()
		q := r.queue
		r.queue = nil
		stopping := !r.running
		r.mu.Unlock()

		now := time.Now()
		for _, f := range q {
			f(now)
		}
		if stopping {
			r.core.Periodic(now)
			close(r.stopped)
			return
		}
		next = r.core.Periodic(now)
	}
}

// Shutdown is spec.md §4.K's idempotent shutdown: it sets the stopping
// flag, wakes the loop so it drains whatever remains in the queue, runs
// one final Periodic, and invokes onDone from the I/O thread before the
// loop goroutine exits. Calling Shutdown more than once, or on a Runner
// that is not running, is safe: that call's onDone runs at once on the
// caller's goroutine.
func (r *Runner) Shutdown(onDone func()) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		if onDone != nil {
			onDone()
		}
		return
	}
	r.running = false
	r.queue = append(r.queue, func(time.Time) {
		r.savePersisted()
		if r.watchStop != nil {
			r.watchStop()
		}
		if r.natStop != nil {
			close(r.natStop)
		}
		if r.net != nil {
			r.net.Close()
		}
		if r.storage != nil {
			r.storage.Close()
		}
		if r.table != nil {
			r.table.Close()
		}
		if onDone != nil {
			onDone()
		}
	})
	r.mu.Unlock()
	r.wakeLoop()
	<-r.stopped
}
