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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredht/node/p2p/discover"
)

func TestMessageEncodeDecodeQuery(t *testing.T) {
	sender := discover.HashId([]byte("sender"))
	target := discover.HashId([]byte("target"))

	in := &message{
		Txn:    txnID{1, 2, 3, 4},
		Type:   typeQuery,
		Sender: sender,
		Q:      QPut,
		A: &args{
			Target: target,
			Value: &Value{
				Id:           42,
				Type:         7,
				Data:         []byte("payload"),
				UserType:     "chat",
				CreationTime: time.Unix(0, 1234567890),
			},
			Token: []byte{9, 8, 7, 6, 5, 4, 3, 2},
		},
	}

	out, err := decodeMessage(in.encode())
	require.NoError(t, err)
	assert.Equal(t, in.Txn, out.Txn)
	assert.Equal(t, typeQuery, out.Type)
	assert.Equal(t, sender, out.Sender)
	assert.Equal(t, QPut, out.Q)
	require.NotNil(t, out.A)
	assert.Equal(t, target, out.A.Target)
	assert.Equal(t, in.A.Token, out.A.Token)
	require.NotNil(t, out.A.Value)
	assert.Equal(t, uint64(42), out.A.Value.Id)
	assert.Equal(t, []byte("payload"), out.A.Value.Data)
	assert.Equal(t, "chat", out.A.Value.UserType)
	assert.Equal(t, in.A.Value.CreationTime.UnixNano(), out.A.Value.CreationTime.UnixNano())
}

func TestMessageEncodeDecodeReply(t *testing.T) {
	sender := discover.HashId([]byte("replier"))
	nodes := []*discover.Node{
		discover.NewNode(discover.HashId([]byte("n1")), net.IPv4(10, 0, 0, 1).To4(), 4001),
		discover.NewNode(discover.HashId([]byte("n2")), net.IPv4(10, 0, 0, 2).To4(), 4002),
	}

	in := &message{
		Txn:    txnID{0xde, 0xad, 0xbe, 0xef},
		Type:   typeReply,
		Sender: sender,
		R: &returns{
			Nodes: packNodesV4(nodes),
			Token: []byte("tokentok"),
			Values: []*Value{
				{Id: 1, Type: 2, Data: []byte("v"), CreationTime: time.Unix(5, 0)},
			},
		},
	}

	out, err := decodeMessage(in.encode())
	require.NoError(t, err)
	require.NotNil(t, out.R)
	assert.Equal(t, in.R.Token, out.R.Token)
	require.Len(t, out.R.Values, 1)
	assert.Equal(t, []byte("v"), out.R.Values[0].Data)

	unpacked := unpackNodesV4(out.R.Nodes)
	require.Len(t, unpacked, 2)
	for i, n := range unpacked {
		assert.Equal(t, nodes[i].ID, n.ID)
		assert.True(t, nodes[i].IP.Equal(n.IP))
		assert.Equal(t, nodes[i].Port, n.Port)
	}
}

func TestMessageEncodeDecodeError(t *testing.T) {
	in := &message{
		Txn:    txnID{1, 1, 1, 1},
		Type:   typeError,
		Sender: discover.HashId([]byte("e")),
		ECode:  203,
		EMsg:   "bad token",
	}
	out, err := decodeMessage(in.encode())
	require.NoError(t, err)
	assert.Equal(t, typeError, out.Type)
	assert.Equal(t, 203, out.ECode)
	assert.Equal(t, "bad token", out.EMsg)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{
		nil,
		[]byte("not bencode"),
		[]byte("i42e"),          // not a dict
		[]byte("d1:t2:xxe"),     // short txn
		[]byte("d1:t4:abcde"),   // missing y
	} {
		_, err := decodeMessage(raw)
		assert.Error(t, err, "raw %q must not decode", raw)
	}
}

func TestPackNodesSkipsWrongFamily(t *testing.T) {
	v6 := discover.NewNode(discover.HashId([]byte("six")), net.ParseIP("2001:db8::1"), 4006)
	v4 := discover.NewNode(discover.HashId([]byte("four")), net.IPv4(10, 0, 0, 4).To4(), 4004)

	packed4 := packNodesV4([]*discover.Node{v6, v4})
	assert.Len(t, unpackNodesV4(packed4), 1, "v6 nodes must not appear in the v4 blob")

	packed6 := packNodesV6([]*discover.Node{v6, v4})
	got := unpackNodesV6(packed6)
	require.Len(t, got, 1)
	assert.True(t, got[0].IP.Equal(v6.IP))
}
