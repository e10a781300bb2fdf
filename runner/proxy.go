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
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/dht"
	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
	"github.com/coredht/node/p2p/discover"
	"github.com/coredht/node/securedht"
)

// proxyClient is the {proxy} arm of the core dispatch: the same put/get/
// listen surface, translated into HTTP calls against a proxy server that
// fronts the DHT for constrained peers. All HTTP runs on background
// goroutines; completion callbacks are handed back to the I/O thread
// through the ready queue, drained by Periodic, so the caller-visible
// threading model is identical to the local core.
type proxyClient struct {
	base   string
	id     *crypto.Identity
	client *http.Client
	wake   func()

	mu      sync.Mutex
	ready   []func(now time.Time)
	listens map[uint64]context.CancelFunc
	nextTok uint64
}

const proxyPollInterval = time.Second

func newProxyClient(server string, id *crypto.Identity, wake func()) *proxyClient {
	return &proxyClient{
		base:    strings.TrimRight(server, "/"),
		id:      id,
		client:  &http.Client{},
		wake:    wake,
		listens: make(map[uint64]context.CancelFunc),
	}
}

func (p *proxyClient) Id() discover.IdHash { return p.id.Id() }

// complete queues fn for the I/O thread and wakes the loop.
func (p *proxyClient) complete(fn func(now time.Time)) {
	p.mu.Lock()
	p.ready = append(p.ready, fn)
	p.mu.Unlock()
	if p.wake != nil {
		p.wake()
	}
}

// Periodic drains completed proxy operations onto the I/O thread. The
// proxy has no sockets or timers of its own, so the next deadline is
// just a steady poll tick.
func (p *proxyClient) Periodic(now time.Time) time.Time {
	p.mu.Lock()
	ready := p.ready
	p.ready = nil
	p.mu.Unlock()
	for _, fn := range ready {
		fn(now)
	}
	return now.Add(proxyPollInterval)
}

func (p *proxyClient) keyURL(key discover.IdHash) string {
	return p.base + "/" + key.String()
}

// admit applies the secure layer's delivery rules client-side: the proxy
// server relays ciphertext and signatures opaquely, so verification and
// decryption still happen here, never on the server.
func (p *proxyClient) admit(v *dht.Value) (bool, *dht.Value) {
	if len(v.Owner) == 0 {
		return false, nil
	}
	if err := v.VerifySignature(); err != nil {
		return false, nil
	}
	if !v.IsEncrypted() {
		return true, v
	}
	if v.Recipient != p.id.Id() {
		return false, nil
	}
	plain, err := securedht.OpenFor(p.id, v.Data)
	if err != nil {
		return false, nil
	}
	clone := v.Clone()
	clone.Data = plain
	return true, clone
}

// Get fetches the values stored under key in one request; the proxy
// server has already run the iterative lookup.
func (p *proxyClient) Get(key discover.IdHash, filter func(*dht.Value) bool, onValue func(*dht.Value), onDone func(bool), now time.Time) {
	go func() {
		resp, err := p.client.Get(p.keyURL(key))
		if err != nil {
			p.complete(func(time.Time) { onDone(false) })
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			p.complete(func(time.Time) { onDone(false) })
			return
		}
		var values []*dht.Value
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			v, err := unmarshalProxyValue(line)
			if err != nil {
				continue
			}
			values = append(values, v)
		}
		p.complete(func(time.Time) {
			for _, v := range values {
				ok, plain := p.admit(v)
				if !ok {
					continue
				}
				if filter != nil && !filter(plain) {
					continue
				}
				onValue(plain)
			}
			onDone(true)
		})
	}()
}

// Put signs v and submits it to the proxy, which runs the announce round
// on our behalf. Permanent puts are re-submitted by the server for as
// long as the registration is refreshed; the client marks them so.
func (p *proxyClient) Put(key discover.IdHash, v *dht.Value, permanent bool, onDone func(bool), now time.Time) {
	if p.id == nil || p.id.SignPriv == nil {
		onDone(false)
		return
	}
	if v.CreationTime.IsZero() {
		v.CreationTime = now
	}
	v.Sign(p.id)
	body, err := marshalProxyValue(v)
	if err != nil {
		onDone(false)
		return
	}
	url := p.keyURL(key)
	if permanent {
		url += "?permanent=true"
	}
	go func() {
		resp, err := p.client.Post(url, "application/json", bytes.NewReader(body))
		ok := err == nil && resp.StatusCode == http.StatusOK
		if resp != nil {
			resp.Body.Close()
		}
		p.complete(func(time.Time) { onDone(ok) })
	}()
}

// PutEncrypted resolves the recipient's public key through the proxy,
// seals the payload, then proceeds as a normal signed put.
func (p *proxyClient) PutEncrypted(key, recipient discover.IdHash, v *dht.Value, permanent bool, onDone func(bool), now time.Time) {
	p.Get(securedht.PublicKeyLookupKey(recipient), nil, func(pk *dht.Value) {
		rec, err := securedht.ParsePublicKeyRecord(pk.Data)
		if err != nil {
			return
		}
		sealed, err := securedht.SealFor(p.id, rec, v.Data)
		if err != nil {
			return
		}
		v.Data = sealed
		v.Recipient = recipient
	}, func(ok bool) {
		if !ok || v.Recipient != recipient {
			onDone(false)
			return
		}
		p.Put(key, v, permanent, onDone, now)
	}, now)
}

// Listen opens a streaming long-poll against the proxy. Each pushed line
// is one value; the connection is re-established until the token is
// cancelled, at once after the server closes the stream and after a
// one-second pause when the request fails. The proxy protocol has no expiry pushes, so listen
// callbacks from this client only ever report new values.
func (p *proxyClient) Listen(key discover.IdHash, onValue func(v *dht.Value, expired bool), now time.Time) uint64 {
	p.mu.Lock()
	p.nextTok++
	tok := p.nextTok
	ctx, cancel := context.WithCancel(context.Background())
	p.listens[tok] = cancel
	p.mu.Unlock()

	go func() {
		for ctx.Err() == nil {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.keyURL(key)+"?listen=true", nil)
			if err != nil {
				return
			}
			resp, err := p.client.Do(req)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(proxyPollInterval):
				}
				continue
			}
			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 64*1024), 1<<20)
			for sc.Scan() {
				line := bytes.TrimSpace(sc.Bytes())
				if len(line) == 0 {
					continue
				}
				v, err := unmarshalProxyValue(line)
				if err != nil {
					continue
				}
				p.complete(func(time.Time) {
					if ctx.Err() != nil {
						return
					}
					ok, plain := p.admit(v)
					if ok {
						onValue(plain, false)
					}
				})
			}
			resp.Body.Close()
		}
	}()
	return tok
}

func (p *proxyClient) CancelListen(key discover.IdHash, token uint64) {
	p.mu.Lock()
	cancel, ok := p.listens[token]
	if ok {
		delete(p.listens, token)
	}
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelPut asks the proxy to stop refreshing a permanent registration.
func (p *proxyClient) CancelPut(key discover.IdHash, valueID uint64) {
	url := fmt.Sprintf("%s/%d", p.keyURL(key), valueID)
	go func() {
		req, err := http.NewRequest(http.MethodDelete, url, nil)
		if err != nil {
			return
		}
		resp, err := p.client.Do(req)
		if err != nil {
			glog.V(glog.Level(logger.Debug)).Infof("runner: proxy cancel put: %v", err)
			return
		}
		resp.Body.Close()
	}()
}

// Ping in proxy mode reports whether the proxy server itself answers;
// the addr argument is ignored since this client has no UDP path to it.
func (p *proxyClient) Ping(addr *net.UDPAddr, now time.Time, onDone func(bool)) {
	go func() {
		resp, err := p.client.Head(p.base + "/")
		ok := err == nil && resp.StatusCode < http.StatusInternalServerError
		if resp != nil {
			resp.Body.Close()
		}
		p.complete(func(time.Time) { onDone(ok) })
	}()
}

// ---- value JSON codec ----

// The proxy exchanges values as single-line JSON objects. Like the
// bootstrap file, the marshalers are written directly against
// jwriter/jlexer rather than generated.

func marshalProxyValue(v *dht.Value) ([]byte, error) {
	w := jwriter.Writer{}
	w.RawByte('{')
	w.RawString(`"id":`)
	w.Uint64(v.Id)
	w.RawString(`,"type":`)
	w.Uint32(v.Type)
	w.RawString(`,"data":`)
	w.String(base64.StdEncoding.EncodeToString(v.Data))
	if v.UserType != "" {
		w.RawString(`,"user_type":`)
		w.String(v.UserType)
	}
	if len(v.Owner) > 0 {
		w.RawString(`,"owner":`)
		w.String(base64.StdEncoding.EncodeToString(v.Owner))
	}
	if !v.Recipient.IsZero() {
		w.RawString(`,"recipient":`)
		w.String(v.Recipient.String())
	}
	if len(v.Signature) > 0 {
		w.RawString(`,"signature":`)
		w.String(base64.StdEncoding.EncodeToString(v.Signature))
	}
	w.RawString(`,"creation_time":`)
	w.Int64(v.CreationTime.UnixNano())
	w.RawByte('}')
	if w.Error != nil {
		return nil, w.Error
	}
	return w.BuildBytes()
}

func unmarshalProxyValue(data []byte) (*dht.Value, error) {
	v := &dht.Value{}
	l := jlexer.Lexer{Data: data}
	l.Delim('{')
	for !l.IsDelim('}') {
		key := l.UnsafeFieldName(false)
		l.WantColon()
		switch key {
		case "id":
			v.Id = l.Uint64()
		case "type":
			v.Type = l.Uint32()
		case "data":
			b, err := base64.StdEncoding.DecodeString(l.String())
			if err == nil {
				v.Data = b
			}
		case "user_type":
			v.UserType = l.String()
		case "owner":
			b, err := base64.StdEncoding.DecodeString(l.String())
			if err == nil {
				v.Owner = b
			}
		case "recipient":
			if id, err := discover.HexId(l.String()); err == nil {
				v.Recipient = id
			}
		case "signature":
			b, err := base64.StdEncoding.DecodeString(l.String())
			if err == nil {
				v.Signature = b
			}
		case "creation_time":
			v.CreationTime = time.Unix(0, l.Int64())
		default:
			l.SkipRecursive()
		}
		l.WantComma()
	}
	l.Delim('}')
	if err := l.Error(); err != nil {
		return nil, err
	}
	return v, nil
}
