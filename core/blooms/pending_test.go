// Copyright 2024 The go-ethereum Authors
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

package blooms

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingAppendIterateClear(t *testing.T) {
	p, err := OpenPending(filepath.Join(t.TempDir(), "pending.bdb"))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Append(7, bloomFromUint64(1)))
	require.NoError(t, p.Append(3, bloomFromUint64(2)))
	require.NoError(t, p.Append(7, bloomFromUint64(3)))
	require.NoError(t, p.Flush())

	// Test case 1: iteration keeps append order
	var indexes []uint64
	it := p.Iterator()
	for it.Next() {
		indexes = append(indexes, it.Index())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint64{7, 3, 7}, indexes)

	// Test case 2: folding keeps the last write per position
	folded, err := p.Fold()
	require.NoError(t, err)
	assert.Equal(t, map[uint64]types.Bloom{7: bloomFromUint64(3), 3: bloomFromUint64(2)}, folded)

	// Test case 3: clearing empties the log
	require.NoError(t, p.Clear())
	size, err := p.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.False(t, p.Iterator().Next())

	// Test case 4: appending after a clear starts from offset zero
	require.NoError(t, p.Append(1, bloomFromUint64(9)))
	require.NoError(t, p.Flush())
	size, err = p.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(pendingEntrySize), size)
}

func TestPendingHash(t *testing.T) {
	p, err := OpenPending(filepath.Join(t.TempDir(), "pending.bdb"))
	require.NoError(t, err)
	defer p.Close()

	empty, err := p.Hash()
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(nil), empty)

	var stream []byte
	for i := uint64(0); i < 3; i++ {
		bloom := bloomFromUint64(i * 11)
		require.NoError(t, p.Append(i, bloom))

		var idx [8]byte
		binary.LittleEndian.PutUint64(idx[:], i)
		stream = append(stream, idx[:]...)
		stream = append(stream, bloom[:]...)
	}
	require.NoError(t, p.Flush())

	hash, err := p.Hash()
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(stream), hash, "hash should cover the raw entry stream")
}

func TestPendingReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.bdb")
	p, err := OpenPending(path)
	require.NoError(t, err)
	require.NoError(t, p.Append(42, bloomFromUint64(42)))
	require.NoError(t, p.Close())

	p, err = OpenPending(path)
	require.NoError(t, err)
	defer p.Close()

	folded, err := p.Fold()
	require.NoError(t, err)
	assert.Equal(t, map[uint64]types.Bloom{42: bloomFromUint64(42)}, folded)
}
