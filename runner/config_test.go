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

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapFileRoundTrip(t *testing.T) {
	in := &bootstrapFile{Nodes: []string{"127.0.0.1:4000", "127.0.0.1:4001"}}
	data, err := marshalBootstrapFile(in)
	require.NoError(t, err)

	out, err := unmarshalBootstrapFile(data)
	require.NoError(t, err)
	assert.Equal(t, in.Nodes, out.Nodes)
}

func TestUnmarshalBootstrapFileIgnoresUnknownKeys(t *testing.T) {
	out, err := unmarshalBootstrapFile([]byte(`{"comment":"hi","nodes":["127.0.0.1:4000"],"extra":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:4000"}, out.Nodes)
}

func TestParseBootstrapAddr(t *testing.T) {
	n, err := parseBootstrapAddr("127.0.0.1:4000")
	require.NoError(t, err)
	assert.Equal(t, uint16(4000), n.Port)
	assert.True(t, n.IP.Equal([]byte{127, 0, 0, 1}))

	_, err = parseBootstrapAddr("no-port-here")
	assert.Error(t, err)
	_, err = parseBootstrapAddr("127.0.0.1:notaport")
	assert.Error(t, err)
}

func TestLoadBootstrapFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := &Config{DataDir: "/data", Fs: fs}

	// missing file: not an error, no nodes
	nodes, err := cfg.loadBootstrapFile()
	require.NoError(t, err)
	assert.Empty(t, nodes)

	data, err := marshalBootstrapFile(&bootstrapFile{Nodes: []string{"127.0.0.1:4000", "bad entry", "127.0.0.1:4001"}})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, cfg.bootstrapFilePath(), data, 0600))

	// bad entries are skipped, good ones parsed
	nodes, err = cfg.loadBootstrapFile()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, uint16(4000), nodes[0].Port)
	assert.Equal(t, uint16(4001), nodes[1].Port)

	// no datadir disables the file entirely
	noDir := &Config{Fs: fs}
	nodes, err = noDir.loadBootstrapFile()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
