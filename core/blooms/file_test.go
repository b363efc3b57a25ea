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
	"io"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bloomFromUint64 builds a bloom whose last eight bytes hold v big endian.
func bloomFromUint64(v uint64) types.Bloom {
	var b types.Bloom
	binary.BigEndian.PutUint64(b[types.BloomByteLength-8:], v)
	return b
}

func openTestFile(t *testing.T) *File {
	t.Helper()
	f, err := OpenFile(filepath.Join(t.TempDir(), "test.bdb"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFileAccrueAndReplace(t *testing.T) {
	f := openTestFile(t)

	require.NoError(t, f.AccrueBloom(0, bloomFromUint64(0x01)))
	require.NoError(t, f.AccrueBloom(0, bloomFromUint64(0x10)))
	got, err := f.ReadBloom(0)
	require.NoError(t, err)
	assert.Equal(t, bloomFromUint64(0x11), got, "accrue should OR into the record")

	require.NoError(t, f.ReplaceBloom(0, bloomFromUint64(0x02)))
	got, err = f.ReadBloom(0)
	require.NoError(t, err)
	assert.Equal(t, bloomFromUint64(0x02), got, "replace should overwrite the record")
}

func TestFileGrowsWithZeroFill(t *testing.T) {
	f := openTestFile(t)

	require.NoError(t, f.ReplaceBloom(5, bloomFromUint64(0xff)))
	n, err := f.Len()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n)

	for i := uint64(0); i < 5; i++ {
		got, err := f.ReadBloom(i)
		require.NoError(t, err)
		assert.Equal(t, types.Bloom{}, got, "gap record %d should be zero", i)
	}
	_, err = f.ReadBloom(6)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFileIterator(t *testing.T) {
	f := openTestFile(t)
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, f.ReplaceBloom(i, bloomFromUint64(i+1)))
	}
	require.NoError(t, f.Flush())

	// Test case 1: iterate everything from a given position
	it := f.IteratorFrom(1)
	var got []types.Bloom
	for it.Next() {
		got = append(got, it.Bloom())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []types.Bloom{bloomFromUint64(2), bloomFromUint64(3), bloomFromUint64(4)}, got)

	// Test case 2: iterators are restartable and independent
	it1, it2 := f.IteratorFrom(0), f.IteratorFrom(0)
	require.True(t, it1.Next())
	require.True(t, it1.Next())
	require.True(t, it2.Next())
	assert.Equal(t, bloomFromUint64(2), it1.Bloom())
	assert.Equal(t, bloomFromUint64(1), it2.Bloom())

	// Test case 3: advancing skips records
	it = f.IteratorFrom(0)
	require.NoError(t, it.Advance(3))
	require.True(t, it.Next())
	assert.Equal(t, bloomFromUint64(4), it.Bloom())
	assert.False(t, it.Next())

	// Test case 4: advancing past the end terminates quietly
	it = f.IteratorFrom(0)
	require.NoError(t, it.Advance(100))
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}
