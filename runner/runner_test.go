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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredht/node/dht"
	"github.com/coredht/node/p2p/discover"
)

// startTestRunner binds to an ephemeral port with no persistence and no
// NAT traversal.
func startTestRunner(t *testing.T) *Runner {
	t.Helper()
	r := New(&Config{})
	require.NoError(t, r.Run(0))
	t.Cleanup(func() { r.Shutdown(nil) })
	return r
}

func TestRunAndShutdown(t *testing.T) {
	r := startTestRunner(t)

	assert.True(t, r.IsRunning())
	assert.NotZero(t, r.GetBoundPort("udp4")+r.GetBoundPort("udp6"), "at least one family must bind")
	assert.False(t, r.Id().IsZero())

	assert.Equal(t, ErrAlreadyRunning, r.Run(0))

	done := make(chan struct{})
	r.Shutdown(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete within 2s")
	}
	assert.False(t, r.IsRunning())

	// idempotent: a second shutdown still invokes its callback
	again := make(chan struct{})
	r.Shutdown(func() { close(again) })
	select {
	case <-again:
	case <-time.After(time.Second):
		t.Fatal("second shutdown callback never fired")
	}

	assert.Equal(t, ErrNotRunning, r.Ping(nil, func(bool) {}))
}

// TestLocalPutThenGet drives a put and a get through the enqueue surface
// of a single isolated node: the announce round finds no peers, but the
// value lands in local storage and the get must deliver it.
func TestLocalPutThenGet(t *testing.T) {
	r := startTestRunner(t)
	key := discover.HashId([]byte("local key"))

	putDone := make(chan bool, 1)
	require.NoError(t, r.Put(key, &dht.Value{Data: []byte("hello")}, false, func(ok bool) { putDone <- ok }))
	select {
	case <-putDone:
	case <-time.After(5 * time.Second):
		t.Fatal("put callback never fired")
	}

	values := make(chan *dht.Value, 4)
	getDone := make(chan bool, 1)
	require.NoError(t, r.Get(key, nil, func(v *dht.Value) { values <- v }, func(ok bool) { getDone <- ok }))
	select {
	case <-getDone:
	case <-time.After(5 * time.Second):
		t.Fatal("get callback never fired")
	}
	select {
	case v := <-values:
		assert.Equal(t, []byte("hello"), v.Data)
		assert.True(t, len(v.Owner) > 0, "values through the secure layer are signed")
	default:
		t.Fatal("get delivered no values")
	}
}

// TestListenSeesNewValues checks the local push path: a listener
// registered before a put observes the value as new.
func TestListenSeesNewValues(t *testing.T) {
	r := startTestRunner(t)
	key := discover.HashId([]byte("listen key"))

	type event struct {
		v       *dht.Value
		expired bool
	}
	events := make(chan event, 4)
	tok, err := r.Listen(key, func(v *dht.Value, expired bool) { events <- event{v, expired} })
	require.NoError(t, err)

	require.NoError(t, r.Put(key, &dht.Value{Data: []byte("pushed")}, false, func(bool) {}))

	select {
	case e := <-events:
		assert.False(t, e.expired, "a value must be reported new before expired")
		assert.Equal(t, []byte("pushed"), e.v.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("listener never saw the value")
	}

	require.NoError(t, r.CancelListen(key, tok))
}

func TestCallbacksRunAfterEnqueue(t *testing.T) {
	r := startTestRunner(t)

	// enqueue ordering: two operations on the same key complete in order
	key := discover.HashId([]byte("order"))
	order := make(chan int, 2)
	require.NoError(t, r.Put(key, &dht.Value{Id: 1, Data: []byte("a")}, false, func(bool) { order <- 1 }))
	require.NoError(t, r.Put(key, &dht.Value{Id: 2, Data: []byte("b")}, false, func(bool) { order <- 2 }))

	first := <-order
	second := <-order
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
