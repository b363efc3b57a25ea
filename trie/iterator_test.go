// Copyright 2014 The go-ethereum Authors
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

package trie

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

var iteratorVals = []struct{ k, v string }{
	{"do", "verb"},
	{"ether", "wookiedoo"},
	{"horse", "stallion"},
	{"shaman", "horse"},
	{"doge", "coin"},
	{"dog", "puppy"},
	{"somethingveryoddindeedthis is", "myothernodedata"},
}

func TestIterator(t *testing.T) {
	db := hashdb.NewMemoryDB()
	trie := NewEmpty(db)
	all := make(map[string]string)
	for _, val := range iteratorVals {
		insertString(t, trie, val.k, val.v)
		all[val.k] = val.v
	}
	root := trie.Commit()

	// Iterate the committed trie and a fresh view on the database.
	reopened, err := New(root, db)
	require.NoError(t, err)
	for _, tr := range []*Trie{trie, reopened} {
		found := make(map[string]string)
		var order []string
		it := NewIterator(tr.NodeIterator(nil))
		for it.Next() {
			found[string(it.Key)] = string(it.Value)
			order = append(order, string(it.Key))
		}
		require.NoError(t, it.Err)
		assert.Equal(t, all, found)
		assert.True(t, sort.StringsAreSorted(order), "iteration out of order: %q", order)
	}
}

func TestIteratorEmpty(t *testing.T) {
	it := NewIterator(NewEmpty(hashdb.NewMemoryDB()).NodeIterator(nil))
	assert.False(t, it.Next())
	assert.NoError(t, it.Err)
}

func TestIteratorSeek(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	trie := NewEmpty(hashdb.NewMemoryDB())
	keys := make([][]byte, 200)
	for i := range keys {
		keys[i] = make([]byte, 32)
		rng.Read(keys[i])
		_, err := trie.Insert(keys[i], []byte{byte(i) + 1})
		require.NoError(t, err)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	trie.Commit()

	for _, start := range []int{0, 1, 57, 199} {
		it := NewIterator(trie.NodeIterator(keys[start]))
		var got [][]byte
		for it.Next() {
			got = append(got, bytes.Clone(it.Key))
		}
		require.NoError(t, it.Err)
		assert.Equal(t, keys[start:], got, "start %d", start)
	}
	// Seeking between two keys starts at the next one.
	mid := bytes.Clone(keys[10])
	mid = append(mid, 0)
	it := NewIterator(trie.NodeIterator(mid))
	require.True(t, it.Next())
	assert.Equal(t, keys[11], it.Key)

	// Seeking past the last key yields nothing.
	it = NewIterator(trie.NodeIterator(bytes.Repeat([]byte{0xff}, 33)))
	assert.False(t, it.Next())
}

func TestIteratorNodeHashes(t *testing.T) {
	db := hashdb.NewMemoryDB()
	trie := NewEmpty(db)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		key := make([]byte, 32)
		rng.Read(key)
		insertRandom(t, trie, rng, key)
	}
	root := trie.Commit()

	it := trie.NodeIterator(nil)
	require.True(t, it.Next(true))
	assert.Equal(t, root, it.Hash())
	assert.Empty(t, it.Path())
	for it.Next(true) {
		if h := it.Hash(); h != (common.Hash{}) {
			assert.True(t, db.Contains(h), "node %x at %x not stored", h, it.Path())
		}
	}
	require.NoError(t, it.Error())
}
