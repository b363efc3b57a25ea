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

package journaldb

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

func newRefCountedDB(t *testing.T) *RefCountedDB {
	t.Helper()
	jdb, err := NewRefCountedDB(memorydb.New())
	require.NoError(t, err)
	return jdb
}

func TestRefCountedLongHistory(t *testing.T) {
	// history is 3
	jdb := newRefCountedDB(t)
	h := jdb.Insert([]byte("foo"))
	commit(t, jdb, 0, "0", nil)
	assert.True(t, jdb.Contains(h))
	jdb.Remove(h)
	commit(t, jdb, 1, "1", nil)
	assert.True(t, jdb.Contains(h))
	commit(t, jdb, 2, "2", nil)
	assert.True(t, jdb.Contains(h))
	commit(t, jdb, 3, "3", era(0, "0"))
	assert.True(t, jdb.Contains(h))
	commit(t, jdb, 4, "4", era(1, "1"))
	assert.False(t, jdb.Contains(h))
}

func TestRefCountedComplex(t *testing.T) {
	// history is 1
	jdb := newRefCountedDB(t)

	foo := jdb.Insert([]byte("foo"))
	bar := jdb.Insert([]byte("bar"))
	commit(t, jdb, 0, "0", nil)
	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))

	jdb.Remove(foo)
	jdb.Remove(bar)
	baz := jdb.Insert([]byte("baz"))
	commit(t, jdb, 1, "1", era(0, "0"))
	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))
	assert.True(t, jdb.Contains(baz))

	foo = jdb.Insert([]byte("foo"))
	jdb.Remove(baz)
	commit(t, jdb, 2, "2", era(1, "1"))
	assert.True(t, jdb.Contains(foo))
	assert.False(t, jdb.Contains(bar))
	assert.True(t, jdb.Contains(baz))

	jdb.Remove(foo)
	commit(t, jdb, 3, "3", era(2, "2"))
	assert.True(t, jdb.Contains(foo))
	assert.False(t, jdb.Contains(bar))
	assert.False(t, jdb.Contains(baz))

	commit(t, jdb, 4, "4", era(3, "3"))
	assert.False(t, jdb.Contains(foo))
	assert.False(t, jdb.Contains(bar))
	assert.False(t, jdb.Contains(baz))
}

func TestRefCountedFork(t *testing.T) {
	// history is 1
	jdb := newRefCountedDB(t)

	foo := jdb.Insert([]byte("foo"))
	bar := jdb.Insert([]byte("bar"))
	commit(t, jdb, 0, "0", nil)
	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))

	jdb.Remove(foo)
	baz := jdb.Insert([]byte("baz"))
	commit(t, jdb, 1, "1a", era(0, "0"))

	jdb.Remove(bar)
	commit(t, jdb, 1, "1b", era(0, "0"))

	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))
	assert.True(t, jdb.Contains(baz))

	commit(t, jdb, 2, "2b", era(1, "1b"))
	assert.True(t, jdb.Contains(foo))
	assert.False(t, jdb.Contains(baz))
	assert.False(t, jdb.Contains(bar))

	keys, err := jdb.Keys()
	require.NoError(t, err)
	assert.Equal(t, map[common.Hash]int32{foo: 1}, keys)
}

func TestRefCountedInject(t *testing.T) {
	jdb := newRefCountedDB(t)
	key := jdb.Insert([]byte("dog"))
	_, err := InjectBatch(jdb)
	require.NoError(t, err)

	value, err := jdb.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []byte("dog"), value)

	jdb.Remove(key)
	_, err = InjectBatch(jdb)
	require.NoError(t, err)
	_, err = jdb.Get(key)
	assert.ErrorIs(t, err, hashdb.ErrNotFound)
}

func TestOverlayDBCounts(t *testing.T) {
	backing := memorydb.New()
	db := NewOverlayDB(backing)

	key := db.Insert([]byte("dog"))
	db.Insert([]byte("dog"))
	assert.Equal(t, int32(2), db.CommitRefs(key))

	batch := backing.NewBatch()
	_, err := db.CommitToBatch(batch)
	require.NoError(t, err)
	require.NoError(t, batch.Write())
	assert.Zero(t, db.CommitRefs(key))

	keys, err := db.Keys()
	require.NoError(t, err)
	assert.Equal(t, int32(2), keys[key])

	// Test case 1: one removal keeps the node alive.
	db.Remove(key)
	assert.True(t, db.Contains(key))
	batch = backing.NewBatch()
	_, err = db.CommitToBatch(batch)
	require.NoError(t, err)
	require.NoError(t, batch.Write())
	assert.True(t, db.Contains(key))

	// Test case 2: a pending removal hides the last reference.
	db.Remove(key)
	assert.False(t, db.Contains(key))
	db.Revert()
	assert.True(t, db.Contains(key))

	// Test case 3: the last removal deletes the node.
	db.Remove(key)
	batch = backing.NewBatch()
	_, err = db.CommitToBatch(batch)
	require.NoError(t, err)
	require.NoError(t, batch.Write())
	has, err := backing.Has(key[:])
	require.NoError(t, err)
	assert.False(t, has)

	// Test case 4: counts cannot drop below zero.
	db.Remove(key)
	_, err = db.CommitToBatch(backing.NewBatch())
	assert.ErrorIs(t, err, ErrNegativelyReferenced)
}
