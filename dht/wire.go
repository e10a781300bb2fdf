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

package dht

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/coredht/node/p2p/discover"
)

// Wire messages are compact bencode-like dictionaries, the way spec.md §6
// describes them. There is no third-party bencode implementation anywhere
// in the retrieval pack (the BitTorrent-flavored examples roll their own
// too), so this package rolls a narrow encoder/decoder the same way the
// teacher rolls its own wire codec for RLP elsewhere in the corpus: no
// reflection, a fixed small alphabet of shapes (byte strings, integers,
// lists, dictionaries with lexically sorted keys), just enough to carry
// the fields in spec.md §6.

// Request/reply kinds.
const (
	QPing      = "ping"
	QFindNode  = "find_node"
	QGet       = "get"
	QPut       = "put"
	QListen    = "listen"
	QAnnounce  = "announce"
	QRefresh   = "refresh"
)

// msgType is the top-level 'y' discriminator.
type msgType byte

const (
	typeQuery msgType = 'q'
	typeReply msgType = 'r'
	typeError msgType = 'e'
)

// txnID is the 4-byte transaction id correlating a reply to its request.
type txnID [4]byte

func (t txnID) String() string { return fmt.Sprintf("%x", t[:]) }

var (
	errBadPacket   = errors.New("dht: malformed packet")
	errBadTxn      = errors.New("dht: malformed transaction id")
	errUnknownKind = errors.New("dht: unknown query kind")
)

// args carries the query ('a') dictionary fields. Not every field is set
// for every query kind; see spec.md §6's per-kind argument table.
type args struct {
	Target discover.IdHash
	Want   []uint32
	Value  *Value
	Token  []byte
}

// returns carries the reply ('r') dictionary fields.
type returns struct {
	Nodes  []byte // concatenated 26-byte (id,ipv4,port) groups
	Nodes6 []byte // concatenated 38-byte (id,ipv6,port) groups
	Values []*Value
	Token  []byte
	Next   *time.Time
}

// message is the decoded shape of one packet.
type message struct {
	Txn    txnID
	Type   msgType
	Sender discover.IdHash
	Q      string // query kind, set when Type == typeQuery
	A      *args
	R      *returns
	ECode  int
	EMsg   string
}

// ---- encoding ----

func (m *message) encode() []byte {
	d := bdict{}
	d.put("t", bstr(m.Txn[:]))
	d.put("id", bstr(m.Sender[:]))
	d.put("y", bstr([]byte{byte(m.Type)}))
	switch m.Type {
	case typeQuery:
		d.put("q", bstr([]byte(m.Q)))
		d.put("a", encodeArgs(m.A))
	case typeReply:
		d.put("r", encodeReturns(m.R))
	case typeError:
		d.put("e", blist{bint(int64(m.ECode)), bstr([]byte(m.EMsg))})
	}
	var buf bytes.Buffer
	d.encode(&buf)
	return buf.Bytes()
}

func encodeArgs(a *args) bdict {
	d := bdict{}
	if a == nil {
		return d
	}
	d.put("target", bstr(a.Target[:]))
	if len(a.Want) > 0 {
		l := make(blist, len(a.Want))
		for i, w := range a.Want {
			l[i] = bint(int64(w))
		}
		d.put("want", l)
	}
	if a.Value != nil {
		d.put("value", encodeValue(a.Value))
	}
	if len(a.Token) > 0 {
		d.put("token", bstr(a.Token))
	}
	return d
}

func encodeReturns(r *returns) bdict {
	d := bdict{}
	if r == nil {
		return d
	}
	if len(r.Nodes) > 0 {
		d.put("nodes", bstr(r.Nodes))
	}
	if len(r.Nodes6) > 0 {
		d.put("nodes6", bstr(r.Nodes6))
	}
	if len(r.Values) > 0 {
		l := make(blist, len(r.Values))
		for i, v := range r.Values {
			l[i] = encodeValue(v)
		}
		d.put("values", l)
	}
	if len(r.Token) > 0 {
		d.put("token", bstr(r.Token))
	}
	if r.Next != nil {
		d.put("next", bint(r.Next.Unix()))
	}
	return d
}

func encodeValue(v *Value) bdict {
	d := bdict{}
	d.put("id", bint(int64(v.Id)))
	d.put("type", bint(int64(v.Type)))
	d.put("data", bstr(v.Data))
	d.put("utype", bstr([]byte(v.UserType)))
	if len(v.Owner) > 0 {
		d.put("owner", bstr(v.Owner))
	}
	if !v.Recipient.IsZero() {
		d.put("recipient", bstr(v.Recipient[:]))
	}
	if len(v.Signature) > 0 {
		d.put("sig", bstr(v.Signature))
	}
	d.put("ctime", bint(v.CreationTime.UnixNano()))
	return d
}

// ---- decoding ----

func decodeMessage(raw []byte) (*message, error) {
	val, rest, err := bdecode(raw)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errBadPacket
	}
	top, ok := val.(decodedDict)
	if !ok {
		return nil, errBadPacket
	}
	m := &message{}
	t, ok := top.str("t")
	if !ok || len(t) != 4 {
		return nil, errBadTxn
	}
	copy(m.Txn[:], t)
	if id, ok := top.str("id"); ok && len(id) == len(m.Sender) {
		copy(m.Sender[:], id)
	}
	y, ok := top.str("y")
	if !ok || len(y) != 1 {
		return nil, errBadPacket
	}
	m.Type = msgType(y[0])
	switch m.Type {
	case typeQuery:
		q, ok := top.str("q")
		if !ok {
			return nil, errUnknownKind
		}
		m.Q = string(q)
		ad, ok := top.dict("a")
		if !ok {
			return nil, errBadPacket
		}
		a, err := decodeArgs(ad)
		if err != nil {
			return nil, err
		}
		m.A = a
	case typeReply:
		rd, ok := top.dict("r")
		if !ok {
			return nil, errBadPacket
		}
		r, err := decodeReturns(rd)
		if err != nil {
			return nil, err
		}
		m.R = r
	case typeError:
		el, ok := top.list("e")
		if !ok || len(el) != 2 {
			return nil, errBadPacket
		}
		code, ok := el[0].(int64)
		if !ok {
			return nil, errBadPacket
		}
		msg, ok := el[1].([]byte)
		if !ok {
			return nil, errBadPacket
		}
		m.ECode = int(code)
		m.EMsg = string(msg)
	default:
		return nil, errBadPacket
	}
	return m, nil
}

func decodeArgs(d decodedDict) (*args, error) {
	a := &args{}
	t, ok := d.str("target")
	if !ok || len(t) != len(a.Target) {
		return nil, errBadPacket
	}
	copy(a.Target[:], t)
	if wl, ok := d.list("want"); ok {
		for _, w := range wl {
			n, ok := w.(int64)
			if !ok {
				return nil, errBadPacket
			}
			a.Want = append(a.Want, uint32(n))
		}
	}
	if vd, ok := d.dict("value"); ok {
		v, err := decodeValue(vd)
		if err != nil {
			return nil, err
		}
		a.Value = v
	}
	if tok, ok := d.str("token"); ok {
		a.Token = tok
	}
	return a, nil
}

func decodeReturns(d decodedDict) (*returns, error) {
	r := &returns{}
	if n, ok := d.str("nodes"); ok {
		r.Nodes = n
	}
	if n, ok := d.str("nodes6"); ok {
		r.Nodes6 = n
	}
	if vl, ok := d.list("values"); ok {
		for _, e := range vl {
			vd, ok := e.(decodedDict)
			if !ok {
				return nil, errBadPacket
			}
			v, err := decodeValue(vd)
			if err != nil {
				return nil, err
			}
			r.Values = append(r.Values, v)
		}
	}
	if tok, ok := d.str("token"); ok {
		r.Token = tok
	}
	if n, ok := d.int("next"); ok {
		tt := time.Unix(n, 0)
		r.Next = &tt
	}
	return r, nil
}

func decodeValue(d decodedDict) (*Value, error) {
	v := &Value{}
	id, ok := d.int("id")
	if !ok {
		return nil, errBadPacket
	}
	v.Id = uint64(id)
	typ, _ := d.int("type")
	v.Type = uint32(typ)
	v.Data, _ = d.str("data")
	if ut, ok := d.str("utype"); ok {
		v.UserType = string(ut)
	}
	if owner, ok := d.str("owner"); ok {
		v.Owner = append([]byte(nil), owner...)
	}
	if rec, ok := d.str("recipient"); ok && len(rec) == len(v.Recipient) {
		copy(v.Recipient[:], rec)
	}
	if sig, ok := d.str("sig"); ok {
		v.Signature = sig
	}
	if ct, ok := d.int("ctime"); ok {
		v.CreationTime = time.Unix(0, ct)
	}
	return v, nil
}

// ---- address packing (spec.md §6: 26-byte ipv4 groups, 38-byte ipv6) ----

func packNodesV4(nodes []*discover.Node) []byte {
	out := make([]byte, 0, len(nodes)*26)
	for _, n := range nodes {
		ip4 := n.IP.To4()
		if ip4 == nil {
			continue
		}
		out = append(out, n.ID[:]...)
		out = append(out, ip4...)
		out = append(out, byte(n.Port>>8), byte(n.Port))
	}
	return out
}

func packNodesV6(nodes []*discover.Node) []byte {
	out := make([]byte, 0, len(nodes)*38)
	for _, n := range nodes {
		ip6 := n.IP.To16()
		if ip6 == nil || n.IP.To4() != nil {
			continue
		}
		out = append(out, n.ID[:]...)
		out = append(out, ip6...)
		out = append(out, byte(n.Port>>8), byte(n.Port))
	}
	return out
}

func unpackNodesV4(b []byte) []*discover.Node {
	const sz = 20 + 4 + 2
	var out []*discover.Node
	for i := 0; i+sz <= len(b); i += sz {
		var id discover.IdHash
		copy(id[:], b[i:i+20])
		ip := net.IP(append([]byte(nil), b[i+20:i+24]...))
		port := uint16(b[i+24])<<8 | uint16(b[i+25])
		out = append(out, discover.NewNode(id, ip, port))
	}
	return out
}

func unpackNodesV6(b []byte) []*discover.Node {
	const sz = 20 + 16 + 2
	var out []*discover.Node
	for i := 0; i+sz <= len(b); i += sz {
		var id discover.IdHash
		copy(id[:], b[i:i+20])
		ip := net.IP(append([]byte(nil), b[i+20:i+36]...))
		port := uint16(b[i+36])<<8 | uint16(b[i+37])
		out = append(out, discover.NewNode(id, ip, port))
	}
	return out
}

// ---- minimal bencode-like primitives ----

type bval interface{ encode(buf *bytes.Buffer) }

type bstr []byte

func (s bstr) encode(buf *bytes.Buffer) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.Write(s)
}

type bint int64

func (n bint) encode(buf *bytes.Buffer) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(int64(n), 10))
	buf.WriteByte('e')
}

type blist []bval

func (l blist) encode(buf *bytes.Buffer) {
	buf.WriteByte('l')
	for _, v := range l {
		v.encode(buf)
	}
	buf.WriteByte('e')
}

type bdict map[string]bval

func (d bdict) put(k string, v bval) { d[k] = v }

func (d bdict) encode(buf *bytes.Buffer) {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('d')
	for _, k := range keys {
		bstr(k).encode(buf)
		d[k].encode(buf)
	}
	buf.WriteByte('e')
}

// decodedDict is the generic decode-side representation of a dictionary:
// values are []byte, int64, []interface{} or another decodedDict.
type decodedDict map[string]interface{}

func (d decodedDict) str(k string) ([]byte, bool) {
	v, ok := d[k].([]byte)
	return v, ok
}

func (d decodedDict) int(k string) (int64, bool) {
	v, ok := d[k].(int64)
	return v, ok
}

func (d decodedDict) list(k string) ([]interface{}, bool) {
	v, ok := d[k].([]interface{})
	return v, ok
}

func (d decodedDict) dict(k string) (decodedDict, bool) {
	v, ok := d[k].(decodedDict)
	return v, ok
}

// bdecode parses one bencoded value off the front of b, returning it and
// the unconsumed remainder.
func bdecode(b []byte) (interface{}, []byte, error) {
	if len(b) == 0 {
		return nil, nil, errBadPacket
	}
	switch {
	case b[0] == 'i':
		end := bytes.IndexByte(b, 'e')
		if end < 0 {
			return nil, nil, errBadPacket
		}
		n, err := strconv.ParseInt(string(b[1:end]), 10, 64)
		if err != nil {
			return nil, nil, errBadPacket
		}
		return n, b[end+1:], nil
	case b[0] == 'l':
		rest := b[1:]
		var out []interface{}
		for len(rest) > 0 && rest[0] != 'e' {
			var v interface{}
			var err error
			v, rest, err = bdecode(rest)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, v)
		}
		if len(rest) == 0 {
			return nil, nil, errBadPacket
		}
		return out, rest[1:], nil
	case b[0] == 'd':
		rest := b[1:]
		out := decodedDict{}
		for len(rest) > 0 && rest[0] != 'e' {
			var key interface{}
			var err error
			key, rest, err = bdecode(rest)
			if err != nil {
				return nil, nil, err
			}
			kb, ok := key.([]byte)
			if !ok {
				return nil, nil, errBadPacket
			}
			var v interface{}
			v, rest, err = bdecode(rest)
			if err != nil {
				return nil, nil, err
			}
			out[string(kb)] = v
		}
		if len(rest) == 0 {
			return nil, nil, errBadPacket
		}
		return out, rest[1:], nil
	case b[0] >= '0' && b[0] <= '9':
		colon := bytes.IndexByte(b, ':')
		if colon < 0 {
			return nil, nil, errBadPacket
		}
		n, err := strconv.Atoi(string(b[:colon]))
		if err != nil || n < 0 || colon+1+n > len(b) {
			return nil, nil, errBadPacket
		}
		return append([]byte(nil), b[colon+1:colon+1+n]...), b[colon+1+n:], nil
	default:
		return nil, nil, errBadPacket
	}
}
