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
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

func newRecentDB(t *testing.T, backing ethdb.KeyValueStore) *OverlayRecentDB {
	t.Helper()
	if backing == nil {
		backing = memorydb.New()
	}
	jdb, err := NewOverlayRecentDB(backing, nil)
	require.NoError(t, err)
	return jdb
}

type flatEntry struct {
	ID         common.Hash
	Insertions []common.Hash
	Deletions  []common.Hash
}

func flattenJournal(journal map[uint64][]journalEntry) map[uint64][]flatEntry {
	res := make(map[uint64][]flatEntry, len(journal))
	for era, entries := range journal {
		for _, e := range entries {
			flat := flatEntry{ID: e.id}
			if len(e.insertions) > 0 {
				flat.Insertions = e.insertions
			}
			if len(e.deletions) > 0 {
				flat.Deletions = e.deletions
			}
			res[era] = append(res[era], flat)
		}
	}
	return res
}

func flattenOverlay(db *hashdb.MemoryDB) map[common.Hash]string {
	res := make(map[common.Hash]string)
	for key, refs := range db.Keys() {
		value, _, _ := db.Raw(key)
		res[key] = fmt.Sprintf("%x/%d", value, refs)
	}
	return res
}

// checkReconstruct asserts the in-memory history equals the one rebuilt from
// the persisted journal.
func checkReconstruct(t *testing.T, jdb *OverlayRecentDB) {
	t.Helper()
	rebuilt, err := readOverlay(jdb.backing)
	require.NoError(t, err)

	jdb.lock.RLock()
	defer jdb.lock.RUnlock()

	have := jdb.overlay
	assert.Equal(t, flattenOverlay(have.backingOverlay), flattenOverlay(rebuilt.backingOverlay))
	assert.Equal(t, len(have.pendingOverlay), len(rebuilt.pendingOverlay))
	assert.Equal(t, flattenJournal(have.journal), flattenJournal(rebuilt.journal))
	assert.Equal(t, have.latestEra, rebuilt.latestEra)
	assert.Equal(t, have.cumulativeSize, rebuilt.cumulativeSize)
}

func TestRecentInsertSameInFork(t *testing.T) {
	// history is 1
	jdb := newRecentDB(t, nil)
	x := jdb.Insert([]byte("X"))
	commit(t, jdb, 1, "1", nil)
	checkReconstruct(t, jdb)
	commit(t, jdb, 2, "2", nil)
	checkReconstruct(t, jdb)
	commit(t, jdb, 3, "1002a", era(1, "1"))
	checkReconstruct(t, jdb)
	commit(t, jdb, 4, "1003a", era(2, "2"))
	checkReconstruct(t, jdb)

	jdb.Remove(x)
	commit(t, jdb, 3, "1002b", era(1, "1"))
	checkReconstruct(t, jdb)
	x = jdb.Insert([]byte("X"))
	commit(t, jdb, 4, "1003b", era(2, "2"))
	checkReconstruct(t, jdb)

	commit(t, jdb, 5, "1004a", era(3, "1002a"))
	checkReconstruct(t, jdb)
	commit(t, jdb, 6, "1005a", era(4, "1003a"))
	checkReconstruct(t, jdb)

	assert.True(t, jdb.Contains(x))
}

func TestRecentLongHistory(t *testing.T) {
	// history is 3
	jdb := newRecentDB(t, nil)
	h := jdb.Insert([]byte("foo"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(h))
	jdb.Remove(h)
	commit(t, jdb, 1, "1", nil)
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(h))
	commit(t, jdb, 2, "2", nil)
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(h))
	commit(t, jdb, 3, "3", era(0, "0"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(h))
	commit(t, jdb, 4, "4", era(1, "1"))
	checkReconstruct(t, jdb)
	assert.False(t, jdb.Contains(h))
}

func TestRecentComplex(t *testing.T) {
	// history is 1
	jdb := newRecentDB(t, nil)

	foo := jdb.Insert([]byte("foo"))
	bar := jdb.Insert([]byte("bar"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))

	jdb.Remove(foo)
	jdb.Remove(bar)
	baz := jdb.Insert([]byte("baz"))
	commit(t, jdb, 1, "1", era(0, "0"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))
	assert.True(t, jdb.Contains(baz))

	foo = jdb.Insert([]byte("foo"))
	jdb.Remove(baz)
	commit(t, jdb, 2, "2", era(1, "1"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
	assert.False(t, jdb.Contains(bar))
	assert.True(t, jdb.Contains(baz))

	jdb.Remove(foo)
	commit(t, jdb, 3, "3", era(2, "2"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
	assert.False(t, jdb.Contains(bar))
	assert.False(t, jdb.Contains(baz))

	commit(t, jdb, 4, "4", era(3, "3"))
	checkReconstruct(t, jdb)
	assert.False(t, jdb.Contains(foo))
	assert.False(t, jdb.Contains(bar))
	assert.False(t, jdb.Contains(baz))
}

func TestRecentFork(t *testing.T) {
	// history is 1
	jdb := newRecentDB(t, nil)

	foo := jdb.Insert([]byte("foo"))
	bar := jdb.Insert([]byte("bar"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))

	jdb.Remove(foo)
	baz := jdb.Insert([]byte("baz"))
	commit(t, jdb, 1, "1a", era(0, "0"))
	checkReconstruct(t, jdb)

	jdb.Remove(bar)
	commit(t, jdb, 1, "1b", era(0, "0"))
	checkReconstruct(t, jdb)

	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))
	assert.True(t, jdb.Contains(baz))

	commit(t, jdb, 2, "2b", era(1, "1b"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
	assert.False(t, jdb.Contains(baz))
	assert.False(t, jdb.Contains(bar))
}

func TestRecentOverwrite(t *testing.T) {
	// history is 1
	jdb := newRecentDB(t, nil)

	foo := jdb.Insert([]byte("foo"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))

	jdb.Remove(foo)
	commit(t, jdb, 1, "1", era(0, "0"))
	checkReconstruct(t, jdb)
	jdb.Insert([]byte("foo"))
	assert.True(t, jdb.Contains(foo))
	commit(t, jdb, 2, "2", era(1, "1"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
	commit(t, jdb, 3, "2", era(0, "2"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
}

func TestRecentForkSameKey(t *testing.T) {
	for _, canon := range []string{"1a", "1b"} {
		jdb := newRecentDB(t, nil)
		commit(t, jdb, 0, "0", nil)
		checkReconstruct(t, jdb)

		foo := jdb.Insert([]byte("foo"))
		commit(t, jdb, 1, "1a", era(0, "0"))
		checkReconstruct(t, jdb)

		jdb.Insert([]byte("foo"))
		commit(t, jdb, 1, "1b", era(0, "0"))
		checkReconstruct(t, jdb)

		jdb.Insert([]byte("foo"))
		commit(t, jdb, 1, "1c", era(0, "0"))
		checkReconstruct(t, jdb)
		assert.True(t, jdb.Contains(foo))

		commit(t, jdb, 2, "2"+canon[1:], era(1, canon))
		checkReconstruct(t, jdb)
		assert.True(t, jdb.Contains(foo), canon)
	}
}

func TestRecentForkInsDelIns(t *testing.T) {
	jdb := newRecentDB(t, nil)
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)

	foo := jdb.Insert([]byte("foo"))
	commit(t, jdb, 1, "1", nil)
	checkReconstruct(t, jdb)

	jdb.Remove(foo)
	commit(t, jdb, 2, "2a", era(0, "0"))
	checkReconstruct(t, jdb)

	jdb.Remove(foo)
	commit(t, jdb, 2, "2b", era(0, "0"))
	checkReconstruct(t, jdb)

	jdb.Insert([]byte("foo"))
	commit(t, jdb, 3, "3a", era(1, "1"))
	checkReconstruct(t, jdb)

	jdb.Insert([]byte("foo"))
	commit(t, jdb, 3, "3b", era(1, "1"))
	checkReconstruct(t, jdb)

	commit(t, jdb, 4, "4a", era(2, "2a"))
	checkReconstruct(t, jdb)

	commit(t, jdb, 5, "5a", era(3, "3a"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
}

func TestRecentReopen(t *testing.T) {
	backing := memorydb.New()
	bar := common.HexToHash("0x0b1d3a4f")

	jdb := newRecentDB(t, backing)
	// history is 1
	foo := jdb.Insert([]byte("foo"))
	jdb.Emplace(bar, []byte("bar"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)

	jdb = newRecentDB(t, backing)
	jdb.Remove(foo)
	commit(t, jdb, 1, "1", era(0, "0"))
	checkReconstruct(t, jdb)

	jdb = newRecentDB(t, backing)
	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))
	commit(t, jdb, 2, "2", era(1, "1"))
	checkReconstruct(t, jdb)
	assert.False(t, jdb.Contains(foo))
}

func TestRecentInsertDeleteInsertDeleteInsertExpunge(t *testing.T) {
	jdb := newRecentDB(t, nil)

	// history is 4
	foo := jdb.Insert([]byte("foo"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)
	jdb.Remove(foo)
	commit(t, jdb, 1, "1", nil)
	checkReconstruct(t, jdb)
	jdb.Insert([]byte("foo"))
	commit(t, jdb, 2, "2", nil)
	checkReconstruct(t, jdb)
	jdb.Remove(foo)
	commit(t, jdb, 3, "3", nil)
	checkReconstruct(t, jdb)
	jdb.Insert([]byte("foo"))
	commit(t, jdb, 4, "4", era(0, "0"))
	checkReconstruct(t, jdb)

	// expunge foo
	commit(t, jdb, 5, "5", era(1, "1"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
}

func TestRecentForkedInsertDeleteExpunge(t *testing.T) {
	jdb := newRecentDB(t, nil)

	// history is 4
	foo := jdb.Insert([]byte("foo"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)
	for _, step := range []struct {
		era    uint64
		id     string
		insert bool
	}{
		{1, "1a", false}, {1, "1b", false},
		{2, "2a", true}, {2, "2b", true},
		{3, "3a", false}, {3, "3b", false},
	} {
		if step.insert {
			jdb.Insert([]byte("foo"))
		} else {
			jdb.Remove(foo)
		}
		commit(t, jdb, step.era, step.id, nil)
		checkReconstruct(t, jdb)
	}
	jdb.Insert([]byte("foo"))
	commit(t, jdb, 4, "4a", era(0, "0"))
	checkReconstruct(t, jdb)
	jdb.Insert([]byte("foo"))
	commit(t, jdb, 4, "4b", era(0, "0"))
	checkReconstruct(t, jdb)

	// expunge foo
	commit(t, jdb, 5, "5", era(1, "1a"))
	checkReconstruct(t, jdb)
}

func TestRecentBrokenAssert(t *testing.T) {
	jdb := newRecentDB(t, nil)

	foo := jdb.Insert([]byte("foo"))
	commit(t, jdb, 1, "1", era(0, "0"))
	checkReconstruct(t, jdb)

	// foo is ancient history.
	jdb.Remove(foo)
	commit(t, jdb, 2, "2", era(1, "1"))
	checkReconstruct(t, jdb)

	jdb.Insert([]byte("foo"))
	commit(t, jdb, 3, "3", era(2, "2"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))

	jdb.Remove(foo)
	commit(t, jdb, 4, "4", era(3, "3"))
	checkReconstruct(t, jdb)

	commit(t, jdb, 5, "5", era(4, "4"))
	checkReconstruct(t, jdb)
	assert.False(t, jdb.Contains(foo))
}

func TestRecentReinsertAncient(t *testing.T) {
	jdb := newRecentDB(t, nil)

	// history is 4
	foo := jdb.Insert([]byte("foo"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)
	commit(t, jdb, 1, "1", nil)
	checkReconstruct(t, jdb)
	commit(t, jdb, 2, "2", nil)
	checkReconstruct(t, jdb)
	commit(t, jdb, 3, "3", nil)
	checkReconstruct(t, jdb)
	commit(t, jdb, 4, "4", era(0, "0"))
	checkReconstruct(t, jdb)

	// foo is ancient history.
	jdb.Insert([]byte("foo"))
	bar := jdb.Insert([]byte("bar"))
	commit(t, jdb, 5, "5", era(1, "1"))
	checkReconstruct(t, jdb)

	jdb.Remove(foo)
	jdb.Remove(bar)
	commit(t, jdb, 6, "6", era(2, "2"))
	checkReconstruct(t, jdb)

	jdb.Insert([]byte("foo"))
	jdb.Insert([]byte("bar"))
	commit(t, jdb, 7, "7", era(3, "3"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))
}

func TestRecentReopenRemoveThree(t *testing.T) {
	backing := memorydb.New()
	foo := crypto.Keccak256Hash([]byte("foo"))

	jdb := newRecentDB(t, backing)
	// history is 1
	jdb.Insert([]byte("foo"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)
	commit(t, jdb, 1, "1", nil)
	checkReconstruct(t, jdb)

	// foo is ancient history.
	jdb.Remove(foo)
	commit(t, jdb, 2, "2", era(0, "0"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))

	jdb.Insert([]byte("foo"))
	commit(t, jdb, 3, "3", era(1, "1"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))

	jdb = newRecentDB(t, backing)
	jdb.Remove(foo)
	commit(t, jdb, 4, "4", era(2, "2"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))

	jdb = newRecentDB(t, backing)
	commit(t, jdb, 5, "5", era(3, "3"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))

	jdb = newRecentDB(t, backing)
	commit(t, jdb, 6, "6", era(4, "4"))
	checkReconstruct(t, jdb)
	assert.False(t, jdb.Contains(foo))
}

func TestRecentReopenFork(t *testing.T) {
	backing := memorydb.New()

	jdb := newRecentDB(t, backing)
	// history is 1
	foo := jdb.Insert([]byte("foo"))
	bar := jdb.Insert([]byte("bar"))
	commit(t, jdb, 0, "0", nil)
	checkReconstruct(t, jdb)
	jdb.Remove(foo)
	baz := jdb.Insert([]byte("baz"))
	commit(t, jdb, 1, "1a", era(0, "0"))
	checkReconstruct(t, jdb)
	jdb.Remove(bar)
	commit(t, jdb, 1, "1b", era(0, "0"))
	checkReconstruct(t, jdb)

	jdb = newRecentDB(t, backing)
	commit(t, jdb, 2, "2b", era(1, "1b"))
	checkReconstruct(t, jdb)
	assert.True(t, jdb.Contains(foo))
	assert.False(t, jdb.Contains(baz))
	assert.False(t, jdb.Contains(bar))
}

func TestRecentInsertOlderEra(t *testing.T) {
	jdb := newRecentDB(t, nil)
	foo := jdb.Insert([]byte("foo"))
	commit(t, jdb, 0, "0a", nil)
	checkReconstruct(t, jdb)

	bar := jdb.Insert([]byte("bar"))
	commit(t, jdb, 1, "1", era(0, "0a"))
	checkReconstruct(t, jdb)

	jdb.Remove(bar)
	commit(t, jdb, 0, "0b", nil)
	checkReconstruct(t, jdb)
	commit(t, jdb, 2, "2", era(1, "1"))

	assert.True(t, jdb.Contains(foo))
	assert.True(t, jdb.Contains(bar))
}

func TestRecentInject(t *testing.T) {
	jdb := newRecentDB(t, nil)
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

	// Test case 1: removing an unknown key cannot be injected.
	jdb.Remove(key)
	_, err = InjectBatch(jdb)
	assert.ErrorIs(t, err, ErrNegativelyReferenced)

	// Test case 2: neither can a double removal.
	jdb.Insert([]byte("cat"))
	_, err = InjectBatch(jdb)
	require.NoError(t, err)
	jdb.Remove(crypto.Keccak256Hash([]byte("cat")))
	jdb.Remove(crypto.Keccak256Hash([]byte("cat")))
	_, err = InjectBatch(jdb)
	assert.ErrorIs(t, err, ErrInvalidInjectState)
}

func TestRecentEarliestEra(t *testing.T) {
	backing := memorydb.New()

	// empty DB
	jdb := newRecentDB(t, backing)
	_, ok := jdb.EarliestEra()
	assert.False(t, ok)

	write := func(fn func(batch ethdb.Batch) (int, error)) {
		batch := backing.NewBatch()
		_, err := fn(batch)
		require.NoError(t, err)
		require.NoError(t, batch.Write())
	}
	earliest := func() uint64 {
		era, ok := jdb.EarliestEra()
		require.True(t, ok)
		return era
	}

	// single journalled era.
	jdb.Insert([]byte("hello!"))
	write(func(batch ethdb.Batch) (int, error) {
		return jdb.JournalUnder(batch, 0, crypto.Keccak256Hash([]byte("0")))
	})
	assert.Equal(t, uint64(0), earliest())

	// second journalled era.
	write(func(batch ethdb.Batch) (int, error) {
		return jdb.JournalUnder(batch, 1, crypto.Keccak256Hash([]byte("1")))
	})
	assert.Equal(t, uint64(0), earliest())

	// single journalled era.
	write(func(batch ethdb.Batch) (int, error) {
		return jdb.MarkCanonical(batch, 0, crypto.Keccak256Hash([]byte("0")))
	})
	assert.Equal(t, uint64(1), earliest())

	// no journalled eras.
	write(func(batch ethdb.Batch) (int, error) {
		return jdb.MarkCanonical(batch, 1, crypto.Keccak256Hash([]byte("1")))
	})
	assert.Equal(t, uint64(1), earliest())

	// reconstructed: no journal entries.
	jdb = newRecentDB(t, backing)
	_, ok = jdb.EarliestEra()
	assert.False(t, ok)
}

func TestRecentCleanCache(t *testing.T) {
	backing := memorydb.New()
	jdb, err := NewOverlayRecentDB(backing, &Config{CleanCacheSize: 1024 * 1024})
	require.NoError(t, err)

	foo := jdb.Insert([]byte("foo"))
	commit(t, jdb, 0, "0", nil)
	commit(t, jdb, 1, "1", era(0, "0"))

	// Warm the cache from disk.
	value, err := jdb.Get(foo)
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), value)

	jdb.Remove(foo)
	commit(t, jdb, 2, "2", era(1, "1"))
	commit(t, jdb, 3, "3", era(2, "2"))
	assert.False(t, jdb.Contains(foo))

	has, err := backing.Has(foo[:])
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRecentSizes(t *testing.T) {
	jdb := newRecentDB(t, nil)
	assert.Zero(t, jdb.JournalSize())

	jdb.Insert([]byte("foo"))
	jdb.Insert([]byte("quux"))
	assert.NotZero(t, jdb.MemUsed())

	commit(t, jdb, 0, "0", nil)
	assert.Equal(t, 7, jdb.JournalSize())

	commit(t, jdb, 1, "1", era(0, "0"))
	assert.Zero(t, jdb.JournalSize())
}
