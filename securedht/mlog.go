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

// This file 'mlog' is home to the 'securedht' package implementation of
// mlog, mirroring dht/mlog.go's registration pattern.

package securedht

import "github.com/coredht/node/logger"

var mlogSecuredht = logger.MLogRegisterAvailable("securedht", mLogLinesSecuredht)

var mLogLinesSecuredht = []*logger.MLogT{
	mlogValueRejected,
	mlogIdentityResolved,
}

var mlogValueRejected = &logger.MLogT{
	Description: "Called once when an incoming value fails signature verification or decryption.",
	Receiver:    "VALUE",
	Verb:        "REJECT",
	Subject:     "REASON",
	Details: []logger.MLogDetailT{
		{Owner: "REASON", Key: "KIND", Value: "STRING"},
	},
}

var mlogIdentityResolved = &logger.MLogT{
	Description: "Called once when a remote owner's public key is resolved, from cache or the DHT.",
	Receiver:    "IDENTITY",
	Verb:        "RESOLVE",
	Subject:     "OWNER",
	Details: []logger.MLogDetailT{
		{Owner: "OWNER", Key: "ID", Value: "STRING"},
		{Owner: "IDENTITY", Key: "CACHED", Value: "BOOL"},
	},
}
