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

package dht

import (
	"crypto/rand"
	"errors"
	"net"
	"time"

	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
	"github.com/coredht/node/p2p/discover"
)

// Errors surfaced to callers, matching the taxonomy in spec.md §7.
var (
	ErrSearchFailed  = errors.New("dht: search failed, no nodes reachable")
	ErrValueRejected = errors.New("dht: value rejected by filter or policy")
	ErrLocalOverflow = errors.New("dht: local storage limit reached")
	ErrNoSuchListen  = errors.New("dht: unknown listen token")
)

// Dht is the raw, unsecured Kademlia DHT of spec.md §4.I: it composes the
// routing table, the UDP transport, local storage and the iterative
// search state machine. Everything here runs on the single I/O thread
// the Runner owns; Dht itself holds no lock.
type Dht struct {
	self    discover.IdHash
	table   *discover.RoutingTable
	net     *Network
	storage *Storage
	tokens  *tokenManager

	searches map[searchID]*searchState
	nextID   searchID

	listenSearches map[uint64]*searchState // our own outstanding listens, keyed by the token handed to the caller
	nextListenTok  uint64

	remoteListeners map[discover.IdHash][]*remoteListener // who is listening on key, for push notification on new values

	lastBucketRefresh  time.Time
	lastStorageJanitor time.Time
	lastAnnounce       time.Time
}

type searchID uint64

// remoteListener is one outstanding listen registration a peer holds
// against one of our keys; new values stored under that key are pushed
// to it by reusing the listen request's transaction id.
type remoteListener struct {
	addr   *net.UDPAddr
	id     discover.IdHash
	txn    txnID
	expiry time.Time
}

const (
	bucketRefreshTick  = discover.BucketRefreshInterval
	storageJanitorTick = 30 * time.Second
	announceTick       = 5 * time.Minute
	listenLeaseTime    = 10 * time.Minute
)

// NewDht wires a routing table, a bound transport and a storage instance
// into a Dht. The caller owns the lifetime of net and storage (Runner
// closes them on shutdown).
func NewDht(self discover.IdHash, table *discover.RoutingTable, net *Network, storage *Storage) *Dht {
	d := &Dht{
		self:            self,
		table:           table,
		net:             net,
		storage:         storage,
		tokens:          newTokenManager(),
		searches:        make(map[searchID]*searchState),
		listenSearches:  make(map[uint64]*searchState),
		remoteListeners: make(map[discover.IdHash][]*remoteListener),
	}
	net.OnQuery = d.handleQuery
	storage.OnInsert = d.pushInsert
	storage.OnEvict = d.pushExpire
	table.OnAdd = func(n *discover.Node) {
		metricNodesAdded.Mark(1)
		mlogPeerAdd.AssignDetails(n.ID.String(), n.IP.String(), table.Len()).Send(mlogDht)
	}
	table.OnDrop = func(string) { metricNodesDropped.Mark(1) }
	return d
}

// Ping sends a ping request to addr and reports whether it was answered.
func (d *Dht) Ping(addr *net.UDPAddr, now time.Time, onDone func(ok bool)) {
	n := discover.NewNode(discover.IdHash{}, addr.IP, uint16(addr.Port))
	d.net.Request(n, QPing, &args{}, now, func(m *message) {
		d.table.Insert(discover.NewNode(m.Sender, addr.IP, uint16(addr.Port)), now)
		onDone(m.Type != typeError)
	}, func() { onDone(false) })
}

// Get performs an iterative lookup for key, delivering every passing,
// deduplicated value through onValue, then onDone(true) on convergence
// or onDone(false) if no node was reachable at all.
func (d *Dht) Get(key discover.IdHash, filter func(*Value) bool, onValue func(*Value), onDone func(bool), now time.Time) {
	s := newSearch(d, key, opGet, now)
	s.filter = filter
	s.onValue = onValue
	s.onDone = onDone
	d.track(s)
	for _, v := range d.storage.Get(key, now) {
		s.deliver(v)
	}
	s.step(now)
}

// Put stores v locally (auto-assigning Id if zero) and announces it to
// the K nodes closest to key, each via a put RPC gated on a write-token
// collected during the lookup. permanent entries are refreshed and
// re-announced by Periodic until CancelPut is called.
func (d *Dht) Put(key discover.IdHash, v *Value, permanent bool, onDone func(bool), now time.Time) {
	if v.Id == 0 {
		var b [8]byte
		rand.Read(b[:])
		v.Id = uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
			uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
	}
	if v.CreationTime.IsZero() {
		v.CreationTime = now
	}
	if !d.storage.Insert(key, v, DefaultValueTTL, permanent, true, now) {
		onDone(false)
		return
	}
	s := newSearch(d, key, opPut, now)
	s.putVal = v
	s.permanent = permanent
	s.onDone = onDone
	d.track(s)
	s.step(now)
}

// Listen subscribes to key: onValue fires "new" for every value observed
// there (locally or pushed by a remote listen registration) and
// "expired" once it is gone, never the reverse for the same value_id.
// The returned token cancels the subscription via CancelListen.
func (d *Dht) Listen(key discover.IdHash, onValue func(v *Value, expired bool), now time.Time) uint64 {
	d.nextListenTok++
	tok := d.nextListenTok

	s := newSearch(d, key, opListen, now)
	s.listenToken = tok
	s.onValue = func(v *Value) { onValue(v, false) }
	s.onExpire = func(v *Value) { onValue(v, true) }
	s.onDone = func(bool) {} // convergence just means "registered", nothing to report upward
	d.track(s)
	d.listenSearches[tok] = s
	for _, v := range d.storage.Get(key, now) {
		s.deliver(v)
	}
	s.step(now)
	return tok
}

// CancelListen tears down a subscription created by Listen. In-flight
// probes finish but their results are suppressed.
func (d *Dht) CancelListen(key discover.IdHash, token uint64) {
	s, ok := d.listenSearches[token]
	if !ok {
		return
	}
	delete(d.listenSearches, token)
	s.cancel()
	d.untrack(s)
}

// CancelPut stops refreshing and re-announcing a permanent put. It is
// only effective before the announce RPC round completes; the in-flight
// round is allowed to finish.
func (d *Dht) CancelPut(key discover.IdHash, valueID uint64) {
	d.storage.CancelPermanent(key, valueID)
}

// Periodic is the sole advancement function (spec.md §4.I): it drains
// received packets, resolves request timeouts, runs the storage janitor,
// refreshes stale buckets, re-announces permanent entries, and retires
// converged or stalled searches. It returns the earliest time the caller
// should invoke Periodic again.
func (d *Dht) Periodic(now time.Time) time.Time {
	d.net.Drain(now)
	d.net.CheckTimeouts(now)

	if now.Sub(d.lastStorageJanitor) >= storageJanitorTick {
		d.lastStorageJanitor = now
		d.storage.Expire(now)
		d.tokens.expire(now)
	}

	if now.Sub(d.lastBucketRefresh) >= bucketRefreshTick/4 {
		d.lastBucketRefresh = now
		d.table.PruneHistory()
		for _, target := range d.table.Refresh(now) {
			s := newSearch(d, target, opFindNode, now)
			s.onDone = func(bool) {}
			d.track(s)
			s.step(now)
		}
	}

	if now.Sub(d.lastAnnounce) >= announceTick {
		d.lastAnnounce = now
		for key, values := range d.storage.PermanentEntries() {
			for _, v := range values {
				s := newSearch(d, key, opAnnounce, now)
				s.putVal = v
				s.permanent = true
				s.onDone = func(bool) {}
				d.track(s)
				s.step(now)
			}
		}
	}

	d.expireRemoteListeners(now)
	d.refreshListeners(now)
	d.reapSearches(now)

	return d.nextDeadline(now)
}

// InjectPacket feeds a raw datagram into the receive path as if it had
// arrived from addr, for deterministic replay drivers that substitute
// the socket/clock pair.
func (d *Dht) InjectPacket(now time.Time, from *net.UDPAddr, data []byte) {
	d.net.handlePacket(inPacket{from: from, data: data}, now)
}

// GetScheduledTime returns the earliest deadline Periodic would act on,
// without advancing any state.
func (d *Dht) GetScheduledTime(now time.Time) time.Time {
	return d.nextDeadline(now)
}

func (d *Dht) track(s *searchState) {
	d.nextID++
	d.searches[d.nextID] = s
}

func (d *Dht) untrack(s *searchState) {
	for id, cur := range d.searches {
		if cur == s {
			delete(d.searches, id)
			return
		}
	}
}

func (d *Dht) reapSearches(now time.Time) {
	for id, s := range d.searches {
		if s.expired(now) {
			s.finish(false, now)
		}
		if s.state == lcDone {
			delete(d.searches, id)
		}
	}
}

func (d *Dht) refreshListeners(now time.Time) {
	for _, s := range d.listenSearches {
		if s.state == lcListening && now.Sub(s.lastRefresh) >= SearchRefreshInterval {
			s.refreshListen(now)
		}
	}
}

func (d *Dht) nextDeadline(now time.Time) time.Time {
	next := now.Add(storageJanitorTick)
	if dl, ok := d.net.NextDeadline(); ok && dl.Before(next) {
		next = dl
	}
	return next
}

// ---- incoming query handling ----

func (d *Dht) handleQuery(m *message, from *net.UDPAddr, now time.Time) {
	sender := discover.NewNode(m.Sender, from.IP, uint16(from.Port))
	d.table.Insert(sender, now)

	switch m.Q {
	case QPing:
		d.net.Reply(m.Txn, from, &returns{})
	case QFindNode, QRefresh:
		d.replyNodes(m, from, nil, nil)
	case QGet:
		target := m.A.Target
		values := d.storage.Get(target, now)
		tok := d.tokens.issue(m.Sender, now)
		d.replyNodes(m, from, values, tok)
	case QListen:
		d.handleListen(m, from, now)
	case QPut, QAnnounce:
		d.handlePut(m, from, now)
	default:
		glog.V(glog.Level(logger.Debug)).Infof("dht: unknown query %q from %v", m.Q, from)
		d.net.ReplyError(m.Txn, from, 400, "unknown query")
	}
}

func (d *Dht) replyNodes(m *message, from *net.UDPAddr, values []*Value, token []byte) {
	target := m.Sender
	if m.A != nil {
		target = m.A.Target
	}
	closest := d.table.FindClosest(target, searchK)
	d.net.Reply(m.Txn, from, &returns{
		Nodes:  packNodesV4(closest),
		Nodes6: packNodesV6(closest),
		Values: values,
		Token:  token,
	})
}

func (d *Dht) handleListen(m *message, from *net.UDPAddr, now time.Time) {
	target := m.A.Target
	d.addRemoteListener(target, &remoteListener{addr: from, id: m.Sender, txn: m.Txn, expiry: now.Add(listenLeaseTime)})
	values := d.storage.Get(target, now)
	d.replyNodes(m, from, values, d.tokens.issue(m.Sender, now))
}

func (d *Dht) handlePut(m *message, from *net.UDPAddr, now time.Time) {
	if !d.tokens.valid(m.Sender, m.A.Token, now) {
		metricTokensRejected.Mark(1)
		mlogTokenReject.AssignDetails(m.Sender.String(), from.String()).Send(mlogDht)
		d.net.ReplyError(m.Txn, from, 203, "bad token")
		return
	}
	v := m.A.Value
	if v == nil {
		d.net.ReplyError(m.Txn, from, 400, "missing value")
		return
	}
	if !d.storage.Insert(m.A.Target, v, DefaultValueTTL, false, false, now) {
		d.net.ReplyError(m.Txn, from, 201, "storage full")
		return
	}
	d.net.Reply(m.Txn, from, &returns{})
}

func (d *Dht) addRemoteListener(key discover.IdHash, rl *remoteListener) {
	list := d.remoteListeners[key]
	for i, e := range list {
		if e.id == rl.id {
			list[i] = rl
			return
		}
	}
	d.remoteListeners[key] = append(list, rl)
}

func (d *Dht) expireRemoteListeners(now time.Time) {
	for key, list := range d.remoteListeners {
		out := list[:0]
		for _, rl := range list {
			if rl.expiry.After(now) {
				out = append(out, rl)
			}
		}
		if len(out) == 0 {
			delete(d.remoteListeners, key)
		} else {
			d.remoteListeners[key] = out
		}
	}
}

// pushInsert notifies every remote listener on key that a new value is
// available, by sending an unsolicited reply under the listen request's
// original transaction id.
func (d *Dht) pushInsert(key discover.IdHash, v *Value, permanent bool) {
	mlogValueStore.AssignDetails(key.String(), v.Id, valueBytes(v), permanent).Send(mlogDht)
	for _, rl := range d.remoteListeners[key] {
		d.net.Reply(rl.txn, rl.addr, &returns{Values: []*Value{v}})
	}
	for _, s := range d.listenSearches {
		if s.target == key {
			s.deliver(v)
		}
	}
}

// pushExpire notifies local listeners (not remote ones: spec.md §5's
// monotonic listen guarantee is about our own callback stream) that a
// value under key has expired.
func (d *Dht) pushExpire(key discover.IdHash, v *Value) {
	for _, s := range d.listenSearches {
		if s.target == key {
			s.notifyExpire(v)
		}
	}
}
