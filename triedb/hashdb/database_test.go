// Copyright 2018 The go-ethereum Authors
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

package hashdb

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertGetRemove(t *testing.T) {
	db := NewMemoryDB()
	value := []byte("hello world")

	key := db.Insert(value)
	assert.Equal(t, crypto.Keccak256Hash(value), key)
	assert.True(t, db.Contains(key))

	got, err := db.Get(key)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	// A second insert needs a second removal.
	db.Insert(value)
	db.Remove(key)
	assert.True(t, db.Contains(key))
	db.Remove(key)
	assert.False(t, db.Contains(key))

	_, err = db.Get(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOwedRemoval(t *testing.T) {
	db := NewMemoryDB()
	value := []byte("owed")
	key := crypto.Keccak256Hash(value)

	// Test case 1: removing an absent key leaves a negative count behind
	db.Remove(key)
	_, refs, ok := db.Raw(key)
	require.True(t, ok)
	assert.Equal(t, int32(-1), refs)

	// Test case 2: the next insert only settles the debt
	db.Insert(value)
	assert.False(t, db.Contains(key))
	stored, refs, _ := db.Raw(key)
	assert.Equal(t, int32(0), refs)
	assert.Equal(t, value, stored)

	// Test case 3: a further insert makes it live
	db.Insert(value)
	assert.True(t, db.Contains(key))
}

func TestNullNode(t *testing.T) {
	db := NewMemoryDB()

	key := db.Insert([]byte{0x80})
	assert.Equal(t, types.EmptyRootHash, key)
	assert.Zero(t, db.Len(), "null node should never be stored")
	assert.True(t, db.Contains(types.EmptyRootHash))

	got, err := db.Get(types.EmptyRootHash)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80}, got)

	db.Remove(types.EmptyRootHash)
	assert.True(t, db.Contains(types.EmptyRootHash))
	assert.Zero(t, db.Len())
}

func TestRemoveAndPurge(t *testing.T) {
	db := NewMemoryDB()
	value := []byte("purge me")

	key := db.Insert(value)
	db.Insert(value)

	// Test case 1: more than one reference only decrements
	_, purged := db.RemoveAndPurge(key)
	assert.False(t, purged)
	assert.True(t, db.Contains(key))

	// Test case 2: the last reference drops the entry
	got, purged := db.RemoveAndPurge(key)
	assert.True(t, purged)
	assert.Equal(t, value, got)
	_, _, ok := db.Raw(key)
	assert.False(t, ok)

	// Test case 3: an absent key records an owed removal
	_, purged = db.RemoveAndPurge(key)
	assert.False(t, purged)
	_, refs, ok := db.Raw(key)
	require.True(t, ok)
	assert.Equal(t, int32(-1), refs)
}

func TestConsolidate(t *testing.T) {
	main, other := NewMemoryDB(), NewMemoryDB()
	var (
		removeKey = other.Insert([]byte("doggo"))
		insertKey = other.Insert([]byte("arf"))
		negative  = other.Insert([]byte("negative"))
	)
	main.Remove(removeKey)
	main.Insert([]byte("arf"))

	other.Remove(negative)
	other.Remove(negative)
	main.Insert([]byte("negative"))

	main.Consolidate(other)
	assert.Zero(t, other.Len(), "source should be drained")

	value, refs, ok := main.Raw(removeKey)
	require.True(t, ok)
	assert.Equal(t, []byte("doggo"), value)
	assert.Equal(t, int32(0), refs)

	value, refs, ok = main.Raw(insertKey)
	require.True(t, ok)
	assert.Equal(t, []byte("arf"), value)
	assert.Equal(t, int32(2), refs)

	value, refs, ok = main.Raw(negative)
	require.True(t, ok)
	assert.Equal(t, []byte("negative"), value)
	assert.Equal(t, int32(0), refs)
}

func TestPurgeAndKeys(t *testing.T) {
	db := NewMemoryDB()
	live := db.Insert([]byte("live"))
	dead := db.Insert([]byte("dead"))
	owed := crypto.Keccak256Hash([]byte("owed"))
	db.Remove(dead)
	db.Remove(owed)

	assert.Equal(t, map[common.Hash]int32{live: 1, owed: -1}, db.Keys())
	db.Purge()
	assert.Equal(t, 2, db.Len())

	db.Clear()
	assert.Zero(t, db.Len())
	assert.Zero(t, db.MemUsed())
}

// TestRefcountProperty checks that after any interleaving of inserts and
// removals of one value, the key is live exactly when inserts outnumber
// removals.
func TestRefcountProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("liveness follows the reference balance", prop.ForAll(
		func(ops []bool) bool {
			var (
				db      = NewMemoryDB()
				value   = []byte("value")
				key     = crypto.Keccak256Hash(value)
				balance int
			)
			for _, insert := range ops {
				if insert {
					db.Insert(value)
					balance++
				} else {
					db.Remove(key)
					balance--
				}
			}
			_, refs, _ := db.Raw(key)
			return db.Contains(key) == (balance > 0) && int(refs) == balance
		},
		gen.SliceOf(gen.Bool()),
	))
	properties.TestingRun(t)
}

func TestOverlay(t *testing.T) {
	base := NewMemoryDB()
	stored := base.Insert([]byte("stored"))

	overlay := NewOverlay(base)
	added := overlay.Insert([]byte("added"))

	// Reads fall through to the base, writes stay in the overlay
	got, err := overlay.Get(stored)
	require.NoError(t, err)
	assert.Equal(t, []byte("stored"), got)
	assert.True(t, overlay.Contains(added))
	assert.False(t, base.Contains(added))

	overlay.Remove(stored)
	assert.Equal(t, 2, overlay.Len())

	base.Consolidate(overlay.MemoryDB)
	assert.False(t, base.Contains(stored))
	assert.True(t, base.Contains(added))
}
