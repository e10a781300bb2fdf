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
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/coredht/node/crypto"
	"github.com/coredht/node/dht"
	"github.com/coredht/node/logger"
	"github.com/coredht/node/logger/glog"
	"github.com/coredht/node/p2p/discover"
)

// The persisted-state file: magic, version, then a sequence of tagged,
// length-prefixed sections. A loader that doesn't know a tag skips it,
// which is what makes version-skewed loads safe.
var stateMagic = [4]byte{'C', 'D', 'H', 'T'}

const stateVersion uint16 = 1

const (
	sectIdentity byte = 1
	sectNodes    byte = 2
	sectValues   byte = 3
)

var errBadStateFile = errors.New("runner: persisted state file is corrupt")

func (c *Config) statePath() string {
	return strings.TrimRight(c.DataDir, "/") + "/state.dat"
}

// loadIdentity recovers the node's keypairs from the persisted state
// file, so a restarted node keeps its DHT id. Returns nil (not an error)
// when there is nothing usable on disk.
func (r *Runner) loadIdentity() *crypto.Identity {
	if r.cfg.DataDir == "" {
		return nil
	}
	data, err := afero.ReadFile(r.cfg.fs(), r.cfg.statePath())
	if err != nil {
		return nil
	}
	var id *crypto.Identity
	forEachSection(data, func(tag byte, payload []byte) {
		if tag == sectIdentity {
			id = decodeIdentity(payload)
		}
	})
	return id
}

// loadPersisted restores routing-table nodes and stored values from the
// state file. The identity section is handled separately (loadIdentity
// runs before the core exists); this pass only re-seeds the table and
// storage. Loaded values carry a zero creation time, so any entry the
// bolt store already holds wins the same-id comparison in Insert.
func (r *Runner) loadPersisted(table *discover.RoutingTable) error {
	if r.cfg.DataDir == "" {
		return nil
	}
	data, err := afero.ReadFile(r.cfg.fs(), r.cfg.statePath())
	if err != nil {
		return nil
	}
	if len(data) < 6 || !bytes.Equal(data[:4], stateMagic[:]) {
		return errBadStateFile
	}
	now := time.Now()
	nodes, values := 0, 0
	forEachSection(data, func(tag byte, payload []byte) {
		switch tag {
		case sectNodes:
			for _, e := range decodeNodes(payload) {
				if table.Insert(discover.NodeFromExport(e), now) {
					nodes++
				}
			}
		case sectValues:
			for _, sv := range decodeValues(payload) {
				if r.storage != nil && r.storage.Insert(sv.Key, sv.Value, dht.DefaultValueTTL, false, true, now) {
					values++
				}
			}
		}
	})
	glog.V(glog.Level(logger.Info)).Infof("runner: restored %d nodes, %d values from %s", nodes, values, r.cfg.statePath())
	return nil
}

// savePersisted writes the state file on clean shutdown. Failures are
// logged, never fatal: losing soft state costs a slower bootstrap, not
// correctness.
func (r *Runner) savePersisted() {
	if r.cfg.DataDir == "" {
		return
	}
	var buf bytes.Buffer
	buf.Write(stateMagic[:])
	writeU16(&buf, stateVersion)

	if r.id != nil && r.id.SignPriv != nil {
		writeSection(&buf, sectIdentity, encodeIdentity(r.id))
	}
	if r.table != nil {
		var exports []discover.Export
		for _, n := range r.table.FindClosest(r.table.Self(), r.table.Len()) {
			exports = append(exports, n.Export())
		}
		writeSection(&buf, sectNodes, encodeNodes(exports))
	}
	if r.storage != nil {
		writeSection(&buf, sectValues, encodeValues(r.storage.Export()))
	}

	fs := r.cfg.fs()
	if err := fs.MkdirAll(r.cfg.DataDir, 0700); err != nil {
		glog.V(glog.Level(logger.Warn)).Infof("runner: could not create %s: %v", r.cfg.DataDir, err)
		return
	}
	if err := afero.WriteFile(fs, r.cfg.statePath(), buf.Bytes(), 0600); err != nil {
		glog.V(glog.Level(logger.Warn)).Infof("runner: could not persist state: %v", err)
	}
}

// ---- section framing ----

func writeSection(buf *bytes.Buffer, tag byte, payload []byte) {
	buf.WriteByte(tag)
	writeU32(buf, uint32(len(payload)))
	buf.Write(payload)
}

// forEachSection walks the tagged sections after the 6-byte header,
// stopping silently at the first truncated one.
func forEachSection(data []byte, fn func(tag byte, payload []byte)) {
	if len(data) < 6 || !bytes.Equal(data[:4], stateMagic[:]) {
		return
	}
	rest := data[6:]
	for len(rest) >= 5 {
		tag := rest[0]
		n := binary.BigEndian.Uint32(rest[1:5])
		rest = rest[5:]
		if uint32(len(rest)) < n {
			return
		}
		fn(tag, rest[:n])
		rest = rest[n:]
	}
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// ---- identity section ----

func encodeIdentity(id *crypto.Identity) []byte {
	out := make([]byte, 0, ed25519.PrivateKeySize+64)
	out = append(out, id.SignPriv...)
	out = append(out, id.EncPriv[:]...)
	out = append(out, id.EncPub[:]...)
	return out
}

func decodeIdentity(b []byte) *crypto.Identity {
	if len(b) != ed25519.PrivateKeySize+64 {
		return nil
	}
	priv := append(ed25519.PrivateKey(nil), b[:ed25519.PrivateKeySize]...)
	id := &crypto.Identity{
		SignPriv: priv,
		SignPub:  priv.Public().(ed25519.PublicKey),
		EncPriv:  new([32]byte),
		EncPub:   new([32]byte),
	}
	copy(id.EncPriv[:], b[ed25519.PrivateKeySize:ed25519.PrivateKeySize+32])
	copy(id.EncPub[:], b[ed25519.PrivateKeySize+32:])
	return id
}

// ---- node section ----

func encodeNodes(nodes []discover.Export) []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(nodes)))
	for _, e := range nodes {
		buf.Write(e.ID[:])
		ip := e.IP.To16()
		buf.WriteByte(byte(len(ip)))
		buf.Write(ip)
		writeU16(&buf, e.Port)
		writeU64(&buf, uint64(e.LastReply.Unix()))
	}
	return buf.Bytes()
}

func decodeNodes(b []byte) []discover.Export {
	if len(b) < 4 {
		return nil
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	var out []discover.Export
	for i := uint32(0); i < count; i++ {
		var e discover.Export
		if len(b) < len(e.ID)+1 {
			return out
		}
		copy(e.ID[:], b[:len(e.ID)])
		b = b[len(e.ID):]
		iplen := int(b[0])
		b = b[1:]
		if len(b) < iplen+10 {
			return out
		}
		e.IP = net.IP(append([]byte(nil), b[:iplen]...))
		b = b[iplen:]
		e.Port = binary.BigEndian.Uint16(b[:2])
		e.LastReply = time.Unix(int64(binary.BigEndian.Uint64(b[2:10])), 0)
		b = b[10:]
		out = append(out, e)
	}
	return out
}

// ---- value section ----

func encodeValues(values []dht.StoredValue) []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(values)))
	for _, sv := range values {
		buf.Write(sv.Key[:])
		writeU64(&buf, sv.Value.Id)
		writeU32(&buf, sv.Value.Type)
		writeU16(&buf, uint16(len(sv.Value.UserType)))
		buf.WriteString(sv.Value.UserType)
		writeU32(&buf, uint32(len(sv.Value.Data)))
		buf.Write(sv.Value.Data)
	}
	return buf.Bytes()
}

func decodeValues(b []byte) []dht.StoredValue {
	if len(b) < 4 {
		return nil
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	var out []dht.StoredValue
	for i := uint32(0); i < count; i++ {
		var sv dht.StoredValue
		if len(b) < len(sv.Key)+14 {
			return out
		}
		copy(sv.Key[:], b[:len(sv.Key)])
		b = b[len(sv.Key):]
		v := &dht.Value{}
		v.Id = binary.BigEndian.Uint64(b[:8])
		v.Type = binary.BigEndian.Uint32(b[8:12])
		utLen := int(binary.BigEndian.Uint16(b[12:14]))
		b = b[14:]
		if len(b) < utLen+4 {
			return out
		}
		v.UserType = string(b[:utLen])
		b = b[utLen:]
		dataLen := int(binary.BigEndian.Uint32(b[:4]))
		b = b[4:]
		if len(b) < dataLen {
			return out
		}
		v.Data = append([]byte(nil), b[:dataLen]...)
		b = b[dataLen:]
		sv.Value = v
		out = append(out, sv)
	}
	return out
}
