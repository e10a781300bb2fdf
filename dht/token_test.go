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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/coredht/node/p2p/discover"
)

func TestTokenIssueAndValidate(t *testing.T) {
	tm := newTokenManager()
	now := time.Unix(1000, 0)
	sender := discover.HashId([]byte("sender"))
	other := discover.HashId([]byte("other"))

	tok := tm.issue(sender, now)
	assert.Len(t, tok, tokenSize)
	assert.True(t, tm.valid(sender, tok, now))
	assert.False(t, tm.valid(other, tok, now), "a token is bound to the id it was issued to")
	assert.False(t, tm.valid(sender, []byte("wrongtok"), now))

	// re-issuing within the lifetime returns the same grant
	assert.Equal(t, tok, tm.issue(sender, now.Add(time.Minute)))

	// expired at exactly the lifetime boundary
	assert.False(t, tm.valid(sender, tok, now.Add(TokenLifetime)))

	fresh := tm.issue(sender, now.Add(TokenLifetime))
	assert.NotEqual(t, tok, fresh)

	tm.expire(now.Add(2 * TokenLifetime))
	assert.Empty(t, tm.byNode)
}
