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
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// era is shorthand for the canonical end of a commit.
func era(number uint64, id string) *Era {
	return &Era{Number: number, Hash: crypto.Keccak256Hash([]byte(id))}
}

// commit journals the pending changes of jdb under (now, keccak(id)).
func commit(t *testing.T, jdb JournalDB, now uint64, id string, end *Era) {
	t.Helper()
	_, err := CommitBatch(jdb, now, crypto.Keccak256Hash([]byte(id)), end)
	require.NoError(t, err)
}

func TestAlgorithmNames(t *testing.T) {
	for _, algo := range AllAlgorithms() {
		parsed, err := ParseAlgorithm(algo.String())
		require.NoError(t, err)
		assert.Equal(t, algo, parsed)
	}
	assert.Equal(t, "fast", OverlayRecent.String())
	assert.Equal(t, "overlayrecent", OverlayRecent.InternalName())
	assert.Equal(t, "earlymerge", EarlyMerge.InternalName())

	_, err := ParseAlgorithm("full")
	assert.Error(t, err)
}

func TestAlgorithmStability(t *testing.T) {
	assert.True(t, Archive.IsStable())
	assert.True(t, OverlayRecent.IsStable())
	assert.False(t, EarlyMerge.IsStable())
	assert.False(t, RefCounted.IsStable())
}

func TestAlgorithmText(t *testing.T) {
	var algo Algorithm
	require.NoError(t, algo.UnmarshalText([]byte("BASIC")))
	assert.Equal(t, RefCounted, algo)

	text, err := Archive.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "archive", string(text))

	assert.Error(t, algo.UnmarshalText([]byte("pruned")))
}

func TestNewUnsupported(t *testing.T) {
	_, err := New(memorydb.New(), EarlyMerge, nil)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	for _, algo := range []Algorithm{Archive, OverlayRecent, RefCounted} {
		jdb, err := New(memorydb.New(), algo, nil)
		require.NoError(t, err)
		assert.Equal(t, algo, jdb.Algorithm())
		assert.True(t, jdb.IsEmpty())
	}
}

// TestLatestEra checks every algorithm persists the most recent era.
func TestLatestEra(t *testing.T) {
	for _, algo := range []Algorithm{Archive, OverlayRecent, RefCounted} {
		backing := memorydb.New()
		jdb, err := New(backing, algo, nil)
		require.NoError(t, err)

		_, ok := jdb.LatestEra()
		assert.False(t, ok, algo.String())

		h := jdb.Insert([]byte("foo"))
		commit(t, jdb, 0, "0", nil)
		latest, _ := jdb.LatestEra()
		assert.Equal(t, uint64(0), latest, algo.String())

		jdb.Remove(h)
		commit(t, jdb, 1, "1", nil)
		commit(t, jdb, 2, "2", nil)
		commit(t, jdb, 3, "3", era(0, "0"))
		commit(t, jdb, 4, "4", era(1, "1"))
		latest, _ = jdb.LatestEra()
		assert.Equal(t, uint64(4), latest, algo.String())
		assert.False(t, jdb.IsEmpty(), algo.String())

		// Test case 1: a reopened database keeps the marker.
		reopened, err := New(backing, algo, nil)
		require.NoError(t, err)
		latest, ok = reopened.LatestEra()
		assert.True(t, ok, algo.String())
		assert.Equal(t, uint64(4), latest, algo.String())
	}
}

// TestConsolidate merges an external overlay before journalling.
func TestConsolidate(t *testing.T) {
	for _, algo := range []Algorithm{Archive, OverlayRecent, RefCounted} {
		jdb, err := New(memorydb.New(), algo, nil)
		require.NoError(t, err)

		other := hashdb.NewMemoryDB()
		key := other.Insert([]byte("dog"))
		jdb.Consolidate(other)
		assert.True(t, jdb.Contains(key), algo.String())

		commit(t, jdb, 0, "0", nil)
		commit(t, jdb, 1, "1", era(0, "0"))

		value, err := jdb.Get(key)
		require.NoError(t, err, algo.String())
		assert.Equal(t, []byte("dog"), value)

		keys, err := jdb.Keys()
		require.NoError(t, err)
		assert.Contains(t, keys, key)
		assert.NotContains(t, keys, common.Hash{})
	}
}
