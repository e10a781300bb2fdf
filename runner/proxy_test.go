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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/dht"
	"github.com/coredht/node/p2p/discover"
)

func testProxyClient(t *testing.T, handler http.Handler) *proxyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	return newProxyClient(srv.URL, id, nil)
}

// pump drives the proxy's Periodic until done reports true or the
// deadline passes, standing in for the Runner's I/O loop.
func pump(t *testing.T, p *proxyClient, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.Periodic(time.Now())
		if done() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("proxy operation did not complete in time")
}

func TestProxyValueJSONRoundTrip(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	v := &dht.Value{
		Id:           77,
		Type:         3,
		Data:         []byte("wire me"),
		UserType:     "msg",
		Recipient:    discover.HashId([]byte("rcpt")),
		CreationTime: time.Unix(0, 987654321),
	}
	v.Sign(id)

	data, err := marshalProxyValue(v)
	require.NoError(t, err)
	out, err := unmarshalProxyValue(data)
	require.NoError(t, err)

	assert.Equal(t, v.Id, out.Id)
	assert.Equal(t, v.Type, out.Type)
	assert.Equal(t, v.Data, out.Data)
	assert.Equal(t, v.UserType, out.UserType)
	assert.Equal(t, v.Recipient, out.Recipient)
	assert.Equal(t, []byte(v.Owner), []byte(out.Owner))
	assert.Equal(t, v.Signature, out.Signature)
	assert.NoError(t, out.VerifySignature(), "the signature must survive the trip")
}

func TestProxyPutSignsAndPosts(t *testing.T) {
	var received *dht.Value
	bodyCh := make(chan []byte, 1)
	p := testProxyClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			bodyCh <- body
		}
		w.WriteHeader(http.StatusOK)
	}))

	key := discover.HashId([]byte("proxy put"))
	var done, ok bool
	p.Put(key, &dht.Value{Data: []byte("via proxy")}, false, func(b bool) { done, ok = true, b }, time.Now())
	pump(t, p, func() bool { return done })
	require.True(t, ok)

	select {
	case body := <-bodyCh:
		var err error
		received, err = unmarshalProxyValue(body)
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server never saw the put")
	}
	assert.Equal(t, []byte("via proxy"), received.Data)
	assert.NoError(t, received.VerifySignature(), "proxy puts are signed before leaving the client")
}

func TestProxyGetVerifiesBeforeDelivery(t *testing.T) {
	signer, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	good := &dht.Value{Id: 1, Data: []byte("good"), CreationTime: time.Unix(1, 0)}
	good.Sign(signer)
	tampered := good.Clone()
	tampered.Id = 2
	tampered.Data = []byte("evil")

	goodLine, err := marshalProxyValue(good)
	require.NoError(t, err)
	badLine, err := marshalProxyValue(tampered)
	require.NoError(t, err)

	p := testProxyClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(goodLine)
		w.Write([]byte("\n"))
		w.Write(badLine)
		w.Write([]byte("\n"))
	}))

	var got []*dht.Value
	var done bool
	p.Get(discover.HashId([]byte("k")), nil, func(v *dht.Value) { got = append(got, v) }, func(bool) { done = true }, time.Now())
	pump(t, p, func() bool { return done })

	require.Len(t, got, 1, "the tampered value must not be delivered")
	assert.Equal(t, []byte("good"), got[0].Data)
}

func TestProxyListenDeliversAndCancels(t *testing.T) {
	signer, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	v := &dht.Value{Id: 5, Data: []byte("pushed"), CreationTime: time.Unix(1, 0)}
	v.Sign(signer)
	line, err := marshalProxyValue(v)
	require.NoError(t, err)

	p := testProxyClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(line)
		w.Write([]byte("\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))

	var got []*dht.Value
	tok := p.Listen(discover.HashId([]byte("k")), func(v *dht.Value, expired bool) {
		if !expired {
			got = append(got, v)
		}
	}, time.Now())

	pump(t, p, func() bool { return len(got) == 1 })
	assert.Equal(t, []byte("pushed"), got[0].Data)

	p.CancelListen(discover.HashId([]byte("k")), tok)
	p.mu.Lock()
	assert.Empty(t, p.listens)
	p.mu.Unlock()
}
