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

// This file 'mlog' is home to the 'dht' package implementation of mlog. All
// available mlog lines are established here as variables and documented,
// mirroring p2p/mlog.go's registration pattern.

package dht

import "github.com/coredht/node/logger"

var mlogDht = logger.MLogRegisterAvailable("dht", mLogLinesDht)

var mLogLinesDht = []*logger.MLogT{
	mlogPeerAdd,
	mlogValueStore,
	mlogSearchDone,
	mlogTokenReject,
}

var mlogPeerAdd = &logger.MLogT{
	Description: "Called once when a node is added to the routing table.",
	Receiver:    "PEER",
	Verb:        "ADD",
	Subject:     "TABLE",
	Details: []logger.MLogDetailT{
		{Owner: "PEER", Key: "ID", Value: "STRING"},
		{Owner: "PEER", Key: "ADDR", Value: "STRING"},
		{Owner: "TABLE", Key: "SIZE", Value: "INT"},
	},
}

var mlogValueStore = &logger.MLogT{
	Description: "Called once when a value is accepted into local storage.",
	Receiver:    "VALUE",
	Verb:        "STORE",
	Subject:     "KEY",
	Details: []logger.MLogDetailT{
		{Owner: "KEY", Key: "HASH", Value: "STRING"},
		{Owner: "VALUE", Key: "ID", Value: "INT"},
		{Owner: "VALUE", Key: "BYTES", Value: "INT"},
		{Owner: "VALUE", Key: "PERMANENT", Value: "BOOL"},
	},
}

var mlogSearchDone = &logger.MLogT{
	Description: "Called once when an iterative search converges or fails.",
	Receiver:    "SEARCH",
	Verb:        "DONE",
	Subject:     "TARGET",
	Details: []logger.MLogDetailT{
		{Owner: "TARGET", Key: "HASH", Value: "STRING"},
		{Owner: "SEARCH", Key: "KIND", Value: "STRING"},
		{Owner: "SEARCH", Key: "VISITED", Value: "INT"},
		{Owner: "SEARCH", Key: "OK", Value: "BOOL"},
	},
}

var mlogTokenReject = &logger.MLogT{
	Description: "Called once when a put/announce is rejected for a bad or expired token.",
	Receiver:    "TOKEN",
	Verb:        "REJECT",
	Subject:     "FROM",
	Details: []logger.MLogDetailT{
		{Owner: "FROM", Key: "ID", Value: "STRING"},
		{Owner: "FROM", Key: "ADDR", Value: "STRING"},
	},
}
