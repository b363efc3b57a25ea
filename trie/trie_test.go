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
	"encoding/binary"
	"math/rand"
	"sort"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

func TestEmptyTrie(t *testing.T) {
	trie := NewEmpty(hashdb.NewMemoryDB())
	assert.Equal(t, types.EmptyRootHash, trie.Hash())
	assert.Equal(t, types.EmptyRootHash, trie.Commit())
	assert.True(t, trie.IsEmpty())
}

func TestNull(t *testing.T) {
	trie := NewEmpty(hashdb.NewMemoryDB())
	key := make([]byte, 32)
	value := []byte("test")
	_, err := trie.Insert(key, value)
	require.NoError(t, err)

	got, err := trie.Get(key)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestMissingRoot(t *testing.T) {
	root := common.HexToHash("0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33")
	_, err := New(root, hashdb.NewMemoryDB())
	assert.ErrorIs(t, err, ErrInvalidRoot)
}

func TestInsert(t *testing.T) {
	trie := NewEmpty(hashdb.NewMemoryDB())

	insertString(t, trie, "doe", "reindeer")
	insertString(t, trie, "dog", "puppy")
	insertString(t, trie, "dogglesworth", "cat")

	exp := common.HexToHash("8aad789dff2f538bca5d8ea56e8abe10f4c7ba3a5dea95fea4cd6e7c3a1168d3")
	assert.Equal(t, exp, trie.Hash())

	trie = NewEmpty(hashdb.NewMemoryDB())
	insertString(t, trie, "A", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	exp = common.HexToHash("d23786fb4a010da3ce639d66d5e904a11dbc02746d1ce25029e53290cabf28ab")
	assert.Equal(t, exp, trie.Commit())
}

func TestInsertReturnsPrevious(t *testing.T) {
	trie := NewEmpty(hashdb.NewMemoryDB())

	old, err := trie.Insert([]byte("dog"), []byte("puppy"))
	require.NoError(t, err)
	assert.Nil(t, old)

	old, err = trie.Insert([]byte("dog"), []byte("hound"))
	require.NoError(t, err)
	assert.Equal(t, []byte("puppy"), old)

	old, err = trie.Remove([]byte("dog"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hound"), old)

	old, err = trie.Remove([]byte("dog"))
	require.NoError(t, err)
	assert.Nil(t, old)

	// Test case 1: an empty value removes the key.
	insertString(t, trie, "cat", "kitten")
	old, err = trie.Insert([]byte("cat"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("kitten"), old)
	assert.True(t, trie.IsEmpty())
}

func TestGet(t *testing.T) {
	db := hashdb.NewMemoryDB()
	trie := NewEmpty(db)
	insertString(t, trie, "doe", "reindeer")
	insertString(t, trie, "dog", "puppy")
	insertString(t, trie, "dogglesworth", "cat")

	for i := 0; i < 2; i++ {
		res, err := trie.Get([]byte("dog"))
		require.NoError(t, err)
		assert.Equal(t, []byte("puppy"), res)

		unknown, err := trie.Get([]byte("unknown"))
		require.NoError(t, err)
		assert.Nil(t, unknown)

		if i == 1 {
			return
		}
		root := trie.Commit()
		var err2 error
		trie, err2 = New(root, db)
		require.NoError(t, err2)
	}
}

func TestDelete(t *testing.T) {
	trie := NewEmpty(hashdb.NewMemoryDB())
	vals := []struct{ k, v string }{
		{"do", "verb"},
		{"ether", "wookiedoo"},
		{"horse", "stallion"},
		{"shaman", "horse"},
		{"doge", "coin"},
		{"ether", ""},
		{"dog", "puppy"},
		{"shaman", ""},
	}
	for _, val := range vals {
		insertString(t, trie, val.k, val.v)
	}
	exp := common.HexToHash("5991bb8c6514148a29db676a14ac506cd2cd5775ace63c30a4fe457715e9ac84")
	assert.Equal(t, exp, trie.Hash())
}

func TestMissingNode(t *testing.T) {
	db := hashdb.NewMemoryDB()
	trie := NewEmpty(db)
	insertString(t, trie, "120000", "qwerqwerqwerqwerqwerqwerqwerqwer")
	insertString(t, trie, "123456", "asdfasdfasdfasdfasdfasdfasdfasdf")
	root := trie.Commit()

	// Drop everything below the root extension.
	for key, refs := range db.Keys() {
		if key == root {
			continue
		}
		for i := int32(0); i < refs; i++ {
			db.Remove(key)
		}
	}
	trie, err := New(root, db)
	require.NoError(t, err)

	_, err = trie.Get([]byte("120000"))
	var missing *MissingNodeError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []byte{3, 1, 3, 2, 3}, missing.Path)
	assert.ErrorIs(t, err, hashdb.ErrNotFound)

	_, err = trie.Insert([]byte("120099"), []byte("zxcv"))
	assert.ErrorAs(t, err, &missing)
}

// TestStackTrieCompatibility checks the roots against go-ethereum's stack
// trie, which builds the same tries from sorted insertions.
func TestStackTrieCompatibility(t *testing.T) {
	for _, count := range []int{1, 2, 3, 16, 17, 100, 1000} {
		rng := rand.New(rand.NewSource(int64(count)))
		keys := make([][]byte, count)
		vals := make(map[string][]byte)
		keyLen := 4 + 28*(count%2)
		for i := range keys {
			keys[i] = make([]byte, keyLen)
			rng.Read(keys[i])
			val := make([]byte, 1+rng.Intn(64))
			rng.Read(val)
			vals[string(keys[i])] = val
		}
		sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

		trie := NewEmpty(hashdb.NewMemoryDB())
		st := gethtrie.NewStackTrie(nil)
		var prev []byte
		for _, key := range keys {
			if bytes.Equal(key, prev) {
				continue
			}
			prev = key
			_, err := trie.Insert(key, vals[string(key)])
			require.NoError(t, err)
			require.NoError(t, st.Update(key, vals[string(key)]))
		}
		assert.Equal(t, st.Hash(), trie.Hash(), "count %d", count)
		assert.Equal(t, st.Hash(), trie.Commit(), "count %d", count)
	}
}

func TestCommitTracksReferences(t *testing.T) {
	db := hashdb.NewMemoryDB()
	trie := NewEmpty(db)
	rng := rand.New(rand.NewSource(1))

	keys := make([][]byte, 0, 200)
	for i := 0; i < 200; i++ {
		key := make([]byte, 32)
		rng.Read(key)
		keys = append(keys, key)
		insertRandom(t, trie, rng, key)
	}
	root := trie.Commit()
	checkReferences(t, db, root)

	// Test case 1: modifications of a committed trie.
	trie, err := New(root, db)
	require.NoError(t, err)
	for _, key := range keys[:80] {
		_, err := trie.Remove(key)
		require.NoError(t, err)
	}
	for _, key := range keys[80:120] {
		insertRandom(t, trie, rng, key)
	}
	for i := 0; i < 30; i++ {
		key := make([]byte, 32)
		rng.Read(key)
		insertRandom(t, trie, rng, key)
	}
	root = trie.Commit()
	checkReferences(t, db, root)

	// Test case 2: removing everything leaves nothing behind.
	trie, err = New(root, db)
	require.NoError(t, err)
	it := NewIterator(trie.NodeIterator(nil))
	var remaining [][]byte
	for it.Next() {
		remaining = append(remaining, common.CopyBytes(it.Key))
	}
	require.NoError(t, it.Err)
	for _, key := range remaining {
		_, err := trie.Remove(key)
		require.NoError(t, err)
	}
	assert.Equal(t, types.EmptyRootHash, trie.Commit())
	db.Purge()
	assert.Zero(t, db.Len(), spew.Sdump(db.Keys()))
}

func TestCommitSmallRoot(t *testing.T) {
	db := hashdb.NewMemoryDB()
	trie := NewEmpty(db)
	insertString(t, trie, "a", "b")
	root := trie.Commit()

	// The root is stored under its hash even though it is tiny.
	assert.True(t, db.Contains(root))

	trie, err := New(root, db)
	require.NoError(t, err)
	insertString(t, trie, "a", "c")
	next := trie.Commit()
	assert.NotEqual(t, root, next)
	assert.False(t, db.Contains(root))
	assert.True(t, db.Contains(next))
}

func TestCommitRevertedChange(t *testing.T) {
	db := hashdb.NewMemoryDB()
	trie := NewEmpty(db)
	for i := 0; i < 50; i++ {
		insertString(t, trie, string(crypto.Keccak256([]byte{byte(i)})), "value")
	}
	root := trie.Commit()

	trie, err := New(root, db)
	require.NoError(t, err)
	insertString(t, trie, "fresh", "value")
	_, err = trie.Remove([]byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, root, trie.Commit())
	checkReferences(t, db, root)
}

func insertString(t *testing.T, trie *Trie, k, v string) {
	t.Helper()
	_, err := trie.Insert([]byte(k), []byte(v))
	require.NoError(t, err)
}

func insertRandom(t *testing.T, trie *Trie, rng *rand.Rand, key []byte) {
	t.Helper()
	value := make([]byte, 8+rng.Intn(40))
	binary.BigEndian.PutUint64(value, rng.Uint64())
	_, err := trie.Insert(key, value)
	require.NoError(t, err)
}

// checkReferences asserts that db holds exactly one reference for every node
// reachable from root and nothing else.
func checkReferences(t *testing.T, db *hashdb.MemoryDB, root common.Hash) {
	t.Helper()
	trie, err := New(root, db)
	require.NoError(t, err)

	reachable := make(map[common.Hash]int32)
	it := trie.NodeIterator(nil)
	for it.Next(true) {
		if hash := it.Hash(); hash != (common.Hash{}) {
			reachable[hash]++
		}
	}
	require.NoError(t, it.Error())

	db.Purge()
	assert.Equal(t, reachable, db.Keys())
}
