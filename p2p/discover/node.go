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

package discover

import (
	"fmt"
	"net"
	"time"
)

const (
	// NodeGoodTime is how long since the last reply a node is still
	// considered reachable.
	NodeGoodTime = 120 * time.Minute
	// NodeExpireTime is how long since the last reply, with pending
	// requests outstanding, before a node becomes expirable.
	NodeExpireTime = 10 * time.Minute
	// MaxResponseTime is the per-request timeout.
	MaxResponseTime = 1 * time.Second
	// maxConsecutiveTimeouts marks a node expired outright.
	maxConsecutiveTimeouts = 3
)

// Node is a remote peer record: its id, last known address, and liveness
// bookkeeping. Node values are owned by the routing table and referenced
// (never owned) by in-flight searches.
type Node struct {
	ID   IdHash
	IP   net.IP
	Port uint16

	lastSeen   time.Time // last time we heard anything at all from this node
	lastReply  time.Time // last time a request to this node got a valid reply
	pending    int       // outstanding unanswered requests
	timeouts   int       // consecutive timeouts since the last reply
	expired    bool
	addedAt    time.Time
}

// NewNode constructs a Node with its liveness fields unset.
func NewNode(id IdHash, ip net.IP, port uint16) *Node {
	return &Node{ID: id, IP: ip, Port: port}
}

func (n *Node) addr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.Port)}
}

func (n *Node) String() string {
	return fmt.Sprintf("%s@%s", n.ID.String()[:8], n.addr())
}

// Good reports whether a reply has been received within NodeGoodTime.
func (n *Node) Good(now time.Time) bool {
	return !n.expired && !n.lastReply.IsZero() && now.Sub(n.lastReply) < NodeGoodTime
}

// Expirable reports whether the node has gone unanswered for
// NodeExpireTime while it still has requests pending.
func (n *Node) Expirable(now time.Time) bool {
	if n.expired {
		return true
	}
	if n.pending == 0 {
		return false
	}
	return now.Sub(n.lastReply) >= NodeExpireTime
}

// Requested records that a request was just sent to this node.
func (n *Node) Requested(now time.Time) {
	n.lastSeen = now
	n.pending++
}

// Received records a valid reply from this node, resetting timeout
// bookkeeping.
func (n *Node) Received(now time.Time) {
	n.lastSeen = now
	n.lastReply = now
	n.timeouts = 0
	if n.pending > 0 {
		n.pending--
	}
}

// TimedOut records that an outstanding request to this node was never
// answered. After maxConsecutiveTimeouts in a row the node is marked
// expired.
func (n *Node) TimedOut() {
	if n.pending > 0 {
		n.pending--
	}
	n.timeouts++
	if n.timeouts >= maxConsecutiveTimeouts {
		n.expired = true
	}
}

// SetExpired forces the node into the expired state, e.g. on a protocol
// error from this peer.
func (n *Node) SetExpired() {
	n.expired = true
}

// Reset clears the expired flag, used when a node we'd given up on
// answers again.
func (n *Node) Reset() {
	n.expired = false
	n.timeouts = 0
}

// Export is a stable, loggable/serializable projection of a Node, used by
// the persisted state file and diagnostics.
type Export struct {
	ID        IdHash
	IP        net.IP
	Port      uint16
	LastReply time.Time
}

func (n *Node) Export() Export {
	return Export{ID: n.ID, IP: n.IP, Port: n.Port, LastReply: n.lastReply}
}

// NodeFromExport reconstructs a Node from its exported projection,
// restoring the last-reply timestamp so liveness ordering survives a
// restart.
func NodeFromExport(e Export) *Node {
	n := NewNode(e.ID, e.IP, e.Port)
	n.lastReply = e.LastReply
	n.lastSeen = e.LastReply
	return n
}
