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

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
	"github.com/coredht/node/p2p/discover"
)

// dscpEF marks DHT maintenance traffic for expedited forwarding; routers
// that ignore it see an ordinary datagram.
const dscpEF = 0xb8

const maxPacketSize = 4096

var errNoUsableSocket = errors.New("dht: no usable socket for this address family")

// inPacket is one received, not-yet-decoded datagram, handed from the
// background read goroutine to the I/O thread via a channel. Network
// itself never touches the socket from any goroutine but the one that
// owns it; the single-threaded core only ever drains this channel from
// Network.Drain, called out of Dht.periodic, matching spec.md §5.
type inPacket struct {
	from *net.UDPAddr
	data []byte
}

// pendingRequest is one outbound request awaiting a reply or a timeout.
// keepOpen is set for listen registrations: the remote may push further
// unsolicited replies reusing the same transaction id as new values
// arrive, so the entry survives past the first reply until it times out
// or is explicitly cancelled.
type pendingRequest struct {
	txn       txnID
	node      *discover.Node
	deadline  time.Time
	keepOpen  bool
	onReply   func(*message)
	onTimeout func()
}

// Network owns the UDP sockets (one per address family, when available)
// and the outbound-request bookkeeping described in spec.md §4.F. It has
// no internal lock: like RoutingTable and Storage it is only ever driven
// from the single I/O thread.
type Network struct {
	self discover.IdHash

	conn4 *net.UDPConn
	conn6 *net.UDPConn

	in chan inPacket

	pending map[txnID]*pendingRequest

	// OnQuery is invoked for every decoded request packet; the Dht wires
	// itself in here to answer ping/find_node/get/put/listen/announce.
	// now is the logical clock of the Drain call that surfaced the packet,
	// so handlers never consult the wall clock themselves.
	OnQuery func(m *message, from *net.UDPAddr, now time.Time)
}

// ListenUDP binds a Network to port on both available address families.
// A family with no usable interface is left nil rather than failing the
// whole bind, mirroring dual-stack behavior in spec.md §6.
func ListenUDP(self discover.IdHash, port int) (*Network, error) {
	n := &Network{
		self:    self,
		in:      make(chan inPacket, 256),
		pending: make(map[txnID]*pendingRequest),
	}
	if c4, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port}); err == nil {
		if err := ipv4.NewConn(c4).SetTOS(dscpEF); err != nil {
			glog.V(glog.Level(logger.Debug)).Infof("dht: udp4 TOS not set: %v", err)
		}
		n.conn4 = c4
		go n.readLoop(c4)
	} else {
		glog.V(glog.Level(logger.Warn)).Infof("dht: udp4 bind failed: %v", err)
	}
	if c6, err := net.ListenUDP("udp6", &net.UDPAddr{Port: port}); err == nil {
		if err := ipv6.NewConn(c6).SetTrafficClass(dscpEF); err != nil {
			glog.V(glog.Level(logger.Debug)).Infof("dht: udp6 traffic class not set: %v", err)
		}
		n.conn6 = c6
		go n.readLoop(c6)
	} else {
		glog.V(glog.Level(logger.Debug)).Infof("dht: udp6 bind failed: %v", err)
	}
	if n.conn4 == nil && n.conn6 == nil {
		return nil, errNoUsableSocket
	}
	return n, nil
}

// BoundPort returns the actual bound port for family "udp4" or "udp6", or
// 0 if that family was not bound. This is spec.md §6's getBoundPort.
func (n *Network) BoundPort(family string) int {
	var c *net.UDPConn
	switch family {
	case "udp4":
		c = n.conn4
	case "udp6":
		c = n.conn6
	}
	if c == nil {
		return 0
	}
	return c.LocalAddr().(*net.UDPAddr).Port
}

func (n *Network) readLoop(conn *net.UDPConn) {
	buf := make([]byte, maxPacketSize)
	for {
		nr, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		cp := make([]byte, nr)
		copy(cp, buf[:nr])
		select {
		case n.in <- inPacket{from: from, data: cp}:
		default:
			metricPacketsDropped.Mark(1) // inbound queue full, drop rather than block
		}
	}
}

// Close shuts down both sockets; the read goroutines exit on their next
// failed read.
func (n *Network) Close() {
	if n.conn4 != nil {
		n.conn4.Close()
	}
	if n.conn6 != nil {
		n.conn6.Close()
	}
}

// Drain processes every packet currently buffered from the read
// goroutines, without blocking. It is called once per Dht.periodic tick.
func (n *Network) Drain(now time.Time) {
	for {
		select {
		case p := <-n.in:
			n.handlePacket(p, now)
		default:
			return
		}
	}
}

func (n *Network) handlePacket(p inPacket, now time.Time) {
	m, err := decodeMessage(p.data)
	if err != nil {
		metricPacketsDropped.Mark(1)
		glog.V(glog.Level(logger.Debug)).Infof("dht: malformed packet from %v: %v", p.from, err)
		return
	}
	switch m.Type {
	case typeQuery:
		if n.OnQuery != nil {
			n.OnQuery(m, p.from, now)
		}
	case typeReply, typeError:
		if pr, ok := n.pending[m.Txn]; ok {
			if !pr.keepOpen {
				delete(n.pending, m.Txn)
			} else {
				pr.deadline = now.Add(discover.MaxResponseTime)
			}
			if pr.node != nil {
				pr.node.Received(now)
			}
			pr.onReply(m)
		}
	}
}

// Cancel removes a pending request, e.g. a listen registration the
// caller no longer wants pushes for.
func (n *Network) Cancel(txn txnID) {
	delete(n.pending, txn)
}

// CheckTimeouts resolves every pending request whose deadline has
// passed, marking the destination node's timeout counter and invoking
// its onTimeout callback. Called once per Dht.periodic tick.
func (n *Network) CheckTimeouts(now time.Time) {
	for txn, pr := range n.pending {
		if now.Before(pr.deadline) {
			continue
		}
		delete(n.pending, txn)
		if pr.node != nil {
			pr.node.TimedOut()
		}
		metricRequestTimeouts.Mark(1)
		if pr.onTimeout != nil {
			pr.onTimeout()
		}
	}
}

// NextDeadline returns the earliest pending-request deadline, or zero if
// there are none; Dht.periodic folds this into its overall wake-up time.
func (n *Network) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, pr := range n.pending {
		if !found || pr.deadline.Before(earliest) {
			earliest, found = pr.deadline, true
		}
	}
	return earliest, found
}

// Request sends a query to node and registers a pending entry with a
// deadline of now + MaxResponseTime, exactly as spec.md §4.F describes.
// It returns the transaction id so the caller can Cancel a keepOpen
// (listen) registration later.
func (n *Network) Request(node *discover.Node, kind string, a *args, now time.Time, onReply func(*message), onTimeout func()) (txnID, error) {
	return n.request(node, kind, a, now, false, onReply, onTimeout)
}

// RequestKeepOpen is like Request but leaves the pending entry in place
// after the first reply, so the remote can push further unsolicited
// replies under the same transaction id (spec.md §4.H's Listening state).
func (n *Network) RequestKeepOpen(node *discover.Node, kind string, a *args, now time.Time, onReply func(*message), onTimeout func()) (txnID, error) {
	return n.request(node, kind, a, now, true, onReply, onTimeout)
}

func (n *Network) request(node *discover.Node, kind string, a *args, now time.Time, keepOpen bool, onReply func(*message), onTimeout func()) (txnID, error) {
	conn, addr := n.connFor(node)
	if conn == nil {
		return txnID{}, errNoUsableSocket
	}
	txn := newTxnID()
	m := &message{Txn: txn, Type: typeQuery, Sender: n.self, Q: kind, A: a}
	if _, err := conn.WriteToUDP(m.encode(), addr); err != nil {
		return txnID{}, err
	}
	node.Requested(now)
	n.pending[txn] = &pendingRequest{
		txn:       txn,
		node:      node,
		deadline:  now.Add(discover.MaxResponseTime),
		keepOpen:  keepOpen,
		onReply:   onReply,
		onTimeout: onTimeout,
	}
	return txn, nil
}

// Reply sends a reply back to from, echoing the request's transaction
// id. Errors are sent with ReplyError.
func (n *Network) Reply(txn txnID, from *net.UDPAddr, r *returns) error {
	conn := n.connForAddr(from)
	if conn == nil {
		return errNoUsableSocket
	}
	m := &message{Txn: txn, Type: typeReply, Sender: n.self, R: r}
	_, err := conn.WriteToUDP(m.encode(), from)
	return err
}

func (n *Network) ReplyError(txn txnID, from *net.UDPAddr, code int, msg string) error {
	conn := n.connForAddr(from)
	if conn == nil {
		return errNoUsableSocket
	}
	m := &message{Txn: txn, Type: typeError, Sender: n.self, ECode: code, EMsg: msg}
	_, err := conn.WriteToUDP(m.encode(), from)
	return err
}

func (n *Network) connFor(node *discover.Node) (*net.UDPConn, *net.UDPAddr) {
	if node.IP.To4() != nil {
		return n.conn4, &net.UDPAddr{IP: node.IP, Port: int(node.Port)}
	}
	return n.conn6, &net.UDPAddr{IP: node.IP, Port: int(node.Port)}
}

func (n *Network) connForAddr(addr *net.UDPAddr) *net.UDPConn {
	if addr.IP.To4() != nil {
		return n.conn4
	}
	return n.conn6
}

func newTxnID() txnID {
	var t txnID
	rand.Read(t[:])
	return t
}
