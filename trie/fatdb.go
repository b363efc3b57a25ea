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

package trie

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// FatDB is a secure trie which also keeps the preimage of every key in the
// node database, stored as keccak(key) -> key. Iterating a FatDB yields the
// original keys.
//
// The preimage is only stored when an insertion creates a new slot and only
// removed when a removal frees a slot, so every live slot holds exactly one
// preimage reference.
//
// FatDB 是同时在节点数据库中保存键原像（keccak(key) -> key）的安全 trie，遍历时返回原始键。
// 仅在插入新建槽位时保存原像，仅在删除释放槽位时移除原像。
type FatDB struct {
	trie *Trie
	db   hashdb.HashDB
}

// NewFatDB opens the fat trie with the given root on db.
func NewFatDB(root common.Hash, db hashdb.HashDB) (*FatDB, error) {
	trie, err := New(root, db)
	if err != nil {
		return nil, err
	}
	return &FatDB{trie: trie, db: db}, nil
}

// Get returns the value stored under key.
func (f *FatDB) Get(key []byte) ([]byte, error) {
	return f.trie.Get(crypto.Keccak256(key))
}

// Contains reports whether key holds a value.
func (f *FatDB) Contains(key []byte) (bool, error) {
	return f.trie.Contains(crypto.Keccak256(key))
}

// Insert associates key with value and returns the previous value. An empty
// value removes the key.
func (f *FatDB) Insert(key, value []byte) ([]byte, error) {
	if len(value) == 0 {
		return f.Remove(key)
	}
	hash := crypto.Keccak256Hash(key)
	old, err := f.trie.Insert(hash[:], value)
	if err != nil {
		return nil, err
	}
	if old == nil {
		f.db.Emplace(hash, key)
	}
	return old, nil
}

// Remove removes key and returns its value, dropping the preimage when a
// value was actually removed.
func (f *FatDB) Remove(key []byte) ([]byte, error) {
	hash := crypto.Keccak256Hash(key)
	old, err := f.trie.Remove(hash[:])
	if err != nil {
		return nil, err
	}
	if old != nil {
		f.db.Remove(hash)
	}
	return old, nil
}

// Hash returns the root hash of the trie.
func (f *FatDB) Hash() common.Hash { return f.trie.Hash() }

// Commit writes the trie to its database, see Trie.Commit. Preimages are
// written as they are inserted.
func (f *FatDB) Commit() common.Hash { return f.trie.Commit() }

// IsEmpty reports whether the trie holds no values.
func (f *FatDB) IsEmpty() bool { return f.trie.IsEmpty() }

// Preimage returns the original key of a hashed key.
func (f *FatDB) Preimage(hash common.Hash) ([]byte, error) {
	key, err := f.db.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("missing preimage %x: %w", hash, err)
	}
	return key, nil
}

// NewIterator returns an iterator over the original keys of the trie, in the
// order of their hashes, starting at the given hashed key.
func (f *FatDB) NewIterator(start []byte) *FatIterator {
	return &FatIterator{it: NewIterator(f.trie.NodeIterator(start)), db: f}
}

// FatIterator iterates the entries of a FatDB with their original keys.
type FatIterator struct {
	it *Iterator
	db *FatDB

	Hash  common.Hash // Hashed key of the current entry
	Key   []byte      // Original key of the current entry
	Value []byte      // Value of the current entry
	Err   error
}

// Next moves the iterator to the next entry.
func (it *FatIterator) Next() bool {
	if it.Err != nil || !it.it.Next() {
		if it.Err == nil {
			it.Err = it.it.Err
		}
		it.Hash, it.Key, it.Value = common.Hash{}, nil, nil
		return false
	}
	it.Hash = common.BytesToHash(it.it.Key)
	key, err := it.db.Preimage(it.Hash)
	if err != nil {
		it.Err = err
		it.Hash, it.Key, it.Value = common.Hash{}, nil, nil
		return false
	}
	it.Key, it.Value = key, it.it.Value
	return true
}
