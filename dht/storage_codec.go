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
	"encoding/json"
	"errors"
	"time"

	"github.com/golang/snappy"

	"github.com/coredht/node/p2p/discover"
)

var errBadStorageKey = errors.New("dht: malformed storage key")

// compressThreshold is the Data size above which an entry is snappy-
// compressed before being written to the store: small values aren't
// worth the framing overhead, large ones (the case this matters for) are.
const compressThreshold = 256

// entryJSON is the on-disk shape of an entry: a flat, stable encoding
// independent of the in-memory Value/entry field layout.
type entryJSON struct {
	Id           uint64
	Type         uint32
	Data         []byte
	Compressed   bool
	UserType     string
	Owner        []byte
	Recipient    discover.IdHash
	Signature    []byte
	CreationTime time.Time
	Expiry       time.Time
	Permanent    bool
	Local        bool
}

func marshalEntry(e *entry) ([]byte, error) {
	data := e.Value.Data
	compressed := false
	if len(data) > compressThreshold {
		data = snappy.Encode(nil, e.Value.Data)
		compressed = true
	}
	j := entryJSON{
		Id:           e.Value.Id,
		Type:         e.Value.Type,
		Data:         data,
		Compressed:   compressed,
		UserType:     e.Value.UserType,
		Owner:        []byte(e.Value.Owner),
		Recipient:    e.Value.Recipient,
		Signature:    e.Value.Signature,
		CreationTime: e.Value.CreationTime,
		Expiry:       e.Expiry,
		Permanent:    e.Permanent,
		Local:        e.Local,
	}
	return json.Marshal(&j)
}

func unmarshalEntry(blob []byte) (*entry, error) {
	var j entryJSON
	if err := json.Unmarshal(blob, &j); err != nil {
		return nil, err
	}
	data := j.Data
	if j.Compressed {
		decoded, err := snappy.Decode(nil, j.Data)
		if err != nil {
			return nil, err
		}
		data = decoded
	}
	v := &Value{
		Id:           j.Id,
		Type:         j.Type,
		Data:         data,
		UserType:     j.UserType,
		Owner:        j.Owner,
		Recipient:    j.Recipient,
		Signature:    j.Signature,
		CreationTime: j.CreationTime,
	}
	return &entry{Value: v, Expiry: j.Expiry, Permanent: j.Permanent, Local: j.Local}, nil
}
