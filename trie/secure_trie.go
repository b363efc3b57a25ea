// Copyright 2015 The go-ethereum Authors
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
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// SecureTrie wraps a trie with key hashing. In a secure trie, all access
// operations hash the key using keccak256. This prevents calling code from
// creating long chains of nodes that increase the access time.
//
// SecureTrie is not safe for concurrent use.
type SecureTrie struct {
	trie *Trie
}

// NewSecure opens the secure trie with the given root on db.
func NewSecure(root common.Hash, db hashdb.HashDB) (*SecureTrie, error) {
	trie, err := New(root, db)
	if err != nil {
		return nil, err
	}
	return &SecureTrie{trie: trie}, nil
}

// Get returns the value for key stored in the trie.
func (t *SecureTrie) Get(key []byte) ([]byte, error) {
	return t.trie.Get(crypto.Keccak256(key))
}

// Contains reports whether the trie holds a value for key.
func (t *SecureTrie) Contains(key []byte) (bool, error) {
	return t.trie.Contains(crypto.Keccak256(key))
}

// Insert associates key with value and returns the previous value.
func (t *SecureTrie) Insert(key, value []byte) ([]byte, error) {
	return t.trie.Insert(crypto.Keccak256(key), value)
}

// Remove removes key from the trie and returns its value.
func (t *SecureTrie) Remove(key []byte) ([]byte, error) {
	return t.trie.Remove(crypto.Keccak256(key))
}

// Hash returns the root hash of the trie.
func (t *SecureTrie) Hash() common.Hash { return t.trie.Hash() }

// Commit writes the trie to its database, see Trie.Commit.
func (t *SecureTrie) Commit() common.Hash { return t.trie.Commit() }

// IsEmpty reports whether the trie holds no values.
func (t *SecureTrie) IsEmpty() bool { return t.trie.IsEmpty() }

// NodeIterator returns an iterator over the nodes of the trie. Keys seen by
// the iterator are hashed keys.
func (t *SecureTrie) NodeIterator(start []byte) NodeIterator {
	return t.trie.NodeIterator(start)
}
