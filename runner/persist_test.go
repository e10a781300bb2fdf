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

package runner

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/dht"
	"github.com/coredht/node/p2p/discover"
)

func TestIdentityCodecRoundTrip(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	got := decodeIdentity(encodeIdentity(id))
	require.NotNil(t, got)
	assert.Equal(t, id.SignPriv, got.SignPriv)
	assert.Equal(t, id.SignPub, got.SignPub)
	assert.Equal(t, id.EncPriv, got.EncPriv)
	assert.Equal(t, id.EncPub, got.EncPub)
	assert.Equal(t, id.Id(), got.Id())

	assert.Nil(t, decodeIdentity([]byte("short")), "truncated identity must not decode")
}

func TestNodeSectionRoundTrip(t *testing.T) {
	in := []discover.Export{
		{ID: discover.HashId([]byte("a")), IP: net.IPv4(10, 0, 0, 1), Port: 4001, LastReply: time.Unix(100, 0)},
		{ID: discover.HashId([]byte("b")), IP: net.ParseIP("2001:db8::7"), Port: 4002, LastReply: time.Unix(200, 0)},
	}
	out := decodeNodes(encodeNodes(in))
	require.Len(t, out, 2)
	for i := range in {
		assert.Equal(t, in[i].ID, out[i].ID)
		assert.True(t, in[i].IP.Equal(out[i].IP))
		assert.Equal(t, in[i].Port, out[i].Port)
		assert.True(t, in[i].LastReply.Equal(out[i].LastReply))
	}
}

func TestValueSectionRoundTrip(t *testing.T) {
	in := []dht.StoredValue{
		{Key: discover.HashId([]byte("k1")), Value: &dht.Value{Id: 1, Type: 2, UserType: "chat", Data: []byte("hello")}},
		{Key: discover.HashId([]byte("k2")), Value: &dht.Value{Id: 9, Data: nil}},
	}
	out := decodeValues(encodeValues(in))
	require.Len(t, out, 2)
	assert.Equal(t, in[0].Key, out[0].Key)
	assert.Equal(t, uint64(1), out[0].Value.Id)
	assert.Equal(t, uint32(2), out[0].Value.Type)
	assert.Equal(t, "chat", out[0].Value.UserType)
	assert.Equal(t, []byte("hello"), out[0].Value.Data)
	assert.Equal(t, uint64(9), out[1].Value.Id)
}

func TestForEachSectionSkipsUnknownTags(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(stateMagic[:])
	writeU16(&buf, stateVersion)
	writeSection(&buf, 0x7f, []byte("from the future"))
	writeSection(&buf, sectNodes, encodeNodes(nil))

	var seen []byte
	forEachSection(buf.Bytes(), func(tag byte, payload []byte) {
		seen = append(seen, tag)
	})
	assert.Equal(t, []byte{0x7f, sectNodes}, seen)

	// truncated trailing section is ignored, earlier ones still seen
	trunc := buf.Bytes()
	trunc = append(trunc, sectValues, 0, 0, 0, 99)
	seen = nil
	forEachSection(trunc, func(tag byte, payload []byte) { seen = append(seen, tag) })
	assert.Equal(t, []byte{0x7f, sectNodes}, seen)
}

func TestSaveLoadPersistedState(t *testing.T) {
	fs := afero.NewMemMapFs()
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	table := discover.NewRoutingTable(id.Id())
	now := time.Now()
	peer := discover.NewNode(discover.HashId([]byte("peer")), net.IPv4(127, 0, 0, 1), 4100)
	require.True(t, table.Insert(peer, now))

	storage, err := dht.NewStorage("")
	require.NoError(t, err)
	defer storage.Close()
	key := discover.HashId([]byte("persist me"))
	require.True(t, storage.Insert(key, &dht.Value{Id: 3, Data: []byte("x"), CreationTime: now}, dht.DefaultValueTTL, false, true, now))

	saver := &Runner{
		cfg:     &Config{DataDir: "/data", Fs: fs},
		id:      id,
		table:   table,
		storage: storage,
	}
	saver.savePersisted()

	loader := &Runner{cfg: &Config{DataDir: "/data", Fs: fs}}
	gotID := loader.loadIdentity()
	require.NotNil(t, gotID)
	assert.Equal(t, id.Id(), gotID.Id())

	freshStorage, err := dht.NewStorage("")
	require.NoError(t, err)
	defer freshStorage.Close()
	freshTable := discover.NewRoutingTable(id.Id())
	loader.storage = freshStorage
	require.NoError(t, loader.loadPersisted(freshTable))

	require.Equal(t, 1, freshTable.Len())
	restored := freshTable.FindClosest(peer.ID, 1)
	require.Len(t, restored, 1)
	assert.Equal(t, peer.ID, restored[0].ID)

	vals := freshStorage.Get(key, now)
	require.Len(t, vals, 1)
	assert.Equal(t, []byte("x"), vals[0].Data)
}

func TestLoadPersistedMissingFileIsNotAnError(t *testing.T) {
	r := &Runner{cfg: &Config{DataDir: "/nowhere", Fs: afero.NewMemMapFs()}}
	assert.Nil(t, r.loadIdentity())
	assert.NoError(t, r.loadPersisted(discover.NewRoutingTable(discover.HashId([]byte("self")))))
}
