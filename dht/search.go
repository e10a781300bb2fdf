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
	"sort"
	"time"

	"github.com/coredht/node/p2p/discover"
)

// opKind is the kind of iterative search, spec.md §3's Search.Op.
type opKind int

const (
	opFindNode opKind = iota
	opGet
	opPut
	opListen
	opAnnounce
)

func (k opKind) String() string {
	switch k {
	case opFindNode:
		return "find_node"
	case opGet:
		return "get"
	case opPut:
		return "put"
	case opListen:
		return "listen"
	case opAnnounce:
		return "announce"
	default:
		return "?"
	}
}

// searchState is spec.md §4.H's state machine. New → Probing → Converged
// → (Announcing for put/announce) → Done, with Listening a side-state
// that loops Converged back to Probing on its refresh timer. A
// searchState holds references, never ownership, to Node records: if the
// routing table drops one mid-search the next probe simply times out.
type searchState struct {
	target discover.IdHash
	kind   opKind
	dht    *Dht

	candidates []*discover.Node          // shortlist, kept sorted by distance to target, capped at K
	queried    map[discover.IdHash]bool  // nodes a probe has already been sent to
	visited    map[discover.IdHash]bool  // nodes that have replied
	tokens     map[discover.IdHash][]byte // write-token collected per visited node, for put/announce
	inFlight   int

	state searchLifecycle

	filter  func(*Value) bool // get/listen: drop values the caller doesn't want
	putVal  *Value            // put/announce payload
	permanent bool

	seen map[seenKey]bool // (owner, value_id) dedup for get/listen delivery

	onValue  func(*Value)
	onExpire func(*Value) // listen only: fired when a previously-delivered value is gone
	onDone   func(ok bool)

	listenToken  uint64
	lastRefresh  time.Time
	softDeadline time.Time

	delivered int // values successfully delivered, for stats/tests
}

type seenKey struct {
	owner   [32]byte
	valueID uint64
}

type searchLifecycle int

const (
	lcNew searchLifecycle = iota
	lcProbing
	lcConverged
	lcAnnouncing
	lcListening
	lcDone
)

// SearchRefreshInterval is spec.md §5's per-listen refresh interval.
const SearchRefreshInterval = 10 * time.Minute

// SoftSearchCap is spec.md §5's per-search soft cap.
const SoftSearchCap = 60 * time.Second

const searchAlpha = 3 // α, spec.md glossary
const searchK = 8     // K, spec.md glossary

func newSearch(dht *Dht, target discover.IdHash, kind opKind, now time.Time) *searchState {
	s := &searchState{
		target:       target,
		kind:         kind,
		dht:          dht,
		queried:      make(map[discover.IdHash]bool),
		visited:      make(map[discover.IdHash]bool),
		tokens:       make(map[discover.IdHash][]byte),
		seen:         make(map[seenKey]bool),
		state:        lcNew,
		softDeadline: now.Add(SoftSearchCap),
	}
	s.seedFromTable()
	return s
}

func (s *searchState) seedFromTable() {
	s.merge(s.dht.table.FindClosest(s.target, searchK))
}

// merge folds newly-learned nodes into the shortlist, keeping it sorted
// by distance to target and capped at K entries. It reports whether any
// node strictly closer than the current K-th closest was added, which is
// the convergence signal of spec.md §4.H rule 4.
func (s *searchState) merge(nodes []*discover.Node) bool {
	improved := false
	byID := make(map[discover.IdHash]*discover.Node, len(s.candidates))
	for _, c := range s.candidates {
		byID[c.ID] = c
	}
	prevWorst := s.kthDistance()
	for _, n := range nodes {
		if n.ID == s.dht.table.Self() {
			continue
		}
		if _, ok := byID[n.ID]; ok {
			continue
		}
		byID[n.ID] = n
		s.candidates = append(s.candidates, n)
	}
	s.sortCandidates()
	if len(s.candidates) > searchK {
		s.candidates = s.candidates[:searchK]
	}
	if newWorst := s.kthDistance(); newWorst != nil && (prevWorst == nil || newWorst.Less(*prevWorst)) {
		improved = true
	}
	return improved
}

func (s *searchState) sortCandidates() {
	target := s.target
	sort.SliceStable(s.candidates, func(i, j int) bool {
		di := discover.Dist(target, s.candidates[i].ID)
		dj := discover.Dist(target, s.candidates[j].ID)
		if di == dj {
			return false
		}
		if di.Less(dj) || dj.Less(di) {
			return di.Less(dj)
		}
		return false
	})
}

func (s *searchState) kthDistance() *discover.Distance {
	if len(s.candidates) == 0 {
		return nil
	}
	k := len(s.candidates) - 1
	if k >= searchK {
		k = searchK - 1
	}
	d := discover.Dist(s.target, s.candidates[k].ID)
	return &d
}

// step sends probes for every unqueried candidate up to the α in-flight
// cap, advancing New → Probing.
func (s *searchState) step(now time.Time) {
	if s.state == lcDone {
		return
	}
	if s.state == lcNew {
		s.state = lcProbing
	}
	for s.inFlight < searchAlpha {
		next := s.nextUnqueried()
		if next == nil {
			break
		}
		s.probe(next, now)
	}
	if s.inFlight == 0 && s.state == lcProbing {
		s.converge(now)
	}
}

func (s *searchState) nextUnqueried() *discover.Node {
	for _, c := range s.candidates {
		if !s.queried[c.ID] {
			return c
		}
	}
	return nil
}

// probe sends the round's query to n. A plain find_node is only used for
// bucket-refresh searches; get/put/announce use QGet to harvest a
// write-token from every node they visit, the way a put/announce round
// needs one later. Listen uses QListen, which also returns a token and
// keeps the request open so the remote can push new values under the
// same transaction id.
func (s *searchState) probe(n *discover.Node, now time.Time) {
	s.queried[n.ID] = true
	s.inFlight++
	a := &args{Target: s.target}
	kind := QFindNode
	switch s.kind {
	case opGet, opPut, opAnnounce:
		kind = QGet
	case opListen:
		kind = QListen
	}
	onReply := func(m *message) {
		s.inFlight--
		s.handleReply(n, m, now)
	}
	onTimeout := func() {
		s.inFlight--
		s.afterProbe(now)
	}
	var err error
	if kind == QListen {
		_, err = s.dht.net.RequestKeepOpen(n, kind, a, now, onReply, onTimeout)
	} else {
		_, err = s.dht.net.Request(n, kind, a, now, onReply, onTimeout)
	}
	if err != nil {
		// send failure resolves the probe immediately; the search moves on
		// to the next candidate
		s.inFlight--
	}
}

func (s *searchState) handleReply(n *discover.Node, m *message, now time.Time) {
	s.visited[n.ID] = true
	s.dht.table.Insert(n, now)
	var nodes []*discover.Node
	if m.R != nil {
		nodes = append(nodes, unpackNodesV4(m.R.Nodes)...)
		nodes = append(nodes, unpackNodesV6(m.R.Nodes6)...)
		for _, fresh := range nodes {
			s.dht.table.Insert(fresh, now)
		}
		if len(m.R.Token) > 0 {
			s.tokens[n.ID] = m.R.Token
		}
		if s.kind == opGet || s.kind == opListen {
			for _, v := range m.R.Values {
				s.deliver(v)
			}
		}
	}
	s.merge(nodes)
	s.afterProbe(now)
}

func (s *searchState) afterProbe(now time.Time) {
	if s.inFlight > 0 {
		return
	}
	if s.nextUnqueried() != nil {
		s.step(now)
		return
	}
	s.converge(now)
}

// converge is reached when a full round returns no strictly closer node
// (spec.md §4.H rule 4): deliver values for get/listen, or fire the
// announce round for put/announce.
func (s *searchState) converge(now time.Time) {
	if s.state == lcDone {
		return
	}
	s.state = lcConverged
	switch s.kind {
	case opGet:
		s.finish(len(s.visited) > 0, now)
	case opListen:
		s.lastRefresh = now
		s.state = lcListening
		s.finishListening()
	case opPut, opAnnounce:
		s.announce(now)
	case opFindNode:
		s.finish(true, now)
	}
}

func valueSeenKey(v *Value) seenKey {
	var key seenKey
	if len(v.Owner) >= len(key.owner) {
		copy(key.owner[:], v.Owner[len(v.Owner)-len(key.owner):])
	}
	key.valueID = v.Id
	return key
}

func (s *searchState) deliver(v *Value) {
	if s.state == lcDone {
		return
	}
	if s.filter != nil && !s.filter(v) {
		return
	}
	key := valueSeenKey(v)
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.delivered++
	if s.onValue != nil {
		s.onValue(v)
	}
}

func (s *searchState) announce(now time.Time) {
	closest := s.candidates
	if len(closest) > searchK {
		closest = closest[:searchK]
	}
	pending := 0
	for _, n := range closest {
		tok, ok := s.tokens[n.ID]
		if !ok {
			continue
		}
		pending++
		a := &args{Target: s.target, Value: s.putVal, Token: tok}
		kind := QPut
		if s.kind == opAnnounce {
			kind = QAnnounce
		}
		s.dht.net.Request(n, kind, a, now, func(m *message) {
			pending--
			if pending <= 0 {
				s.finish(true, now)
			}
		}, func() {
			pending--
			if pending <= 0 {
				s.finish(pending == 0 && len(closest) > 0, now)
			}
		})
	}
	if pending == 0 {
		s.finish(false, now)
	}
}

// finishListening keeps the search alive past convergence for a
// listener, refreshing every SearchRefreshInterval (spec.md §3's sleeping
// pool) instead of moving to Done.
func (s *searchState) finishListening() {
	if s.onDone != nil {
		s.onDone(true)
	}
}

// refreshListen reprobes, looping Listening back to Probing, the side
// state spec.md §4.H describes.
func (s *searchState) refreshListen(now time.Time) {
	if s.state != lcListening {
		return
	}
	s.queried = make(map[discover.IdHash]bool)
	s.seedFromTable()
	s.softDeadline = now.Add(SoftSearchCap)
	s.state = lcProbing
	s.step(now)
}

func (s *searchState) finish(ok bool, now time.Time) {
	if s.state == lcDone {
		return
	}
	s.state = lcDone
	metricSearchesDone.Mark(1)
	if !ok {
		metricSearchesFailed.Mark(1)
	}
	mlogSearchDone.AssignDetails(s.target.String(), s.kind.String(), len(s.visited), ok).Send(mlogDht)
	if s.onDone != nil {
		s.onDone(ok)
	}
}

// cancel transitions the search to Done immediately, invoking the
// completion callback with ok=false. Partial results already delivered
// through onValue are retained by the caller.
func (s *searchState) cancel() {
	if s.state == lcDone {
		return
	}
	s.state = lcDone
	if s.onDone != nil {
		s.onDone(false)
	}
}

func (s *searchState) expired(now time.Time) bool {
	return s.state != lcListening && s.state != lcDone && now.After(s.softDeadline)
}

// notifyExpire reports v as gone, but only if it was previously reported
// as new: the listen callback stream is monotonic per value id, never
// expired-before-new.
func (s *searchState) notifyExpire(v *Value) {
	if s.onExpire == nil {
		return
	}
	if !s.seen[valueSeenKey(v)] {
		return
	}
	s.onExpire(v)
}
