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

// Package trie implements Merkle Patricia Tries over a reference counted
// HashDB.
//
// A trie keeps the nodes it touched in memory. Commit writes the new nodes to
// the database and drops one reference of every stored node that was replaced
// since the previous commit, so the counts in the database follow the live
// tries.
//
// trie 在内存中保留被访问的节点。Commit 将新节点写入数据库，并对自上次提交以来被替换的
// 每个已存储节点减少一次引用，使数据库中的引用计数与存活的 trie 保持一致。
package trie

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// Trie is a Merkle Patricia Trie. Use New to create a trie that sits on top
// of a database.
//
// Trie is not safe for concurrent use.
type Trie struct {
	root node
	db   hashdb.HashDB

	// deathRow holds the stored nodes replaced since the last commit.
	deathRow map[common.Hash]struct{}

	// Keep track of the number leaves which have been inserted since the last
	// hashing operation.
	unhashed int
}

// New creates the trie instance with provided trie root and database. An
// empty root (zero or the empty trie hash) gives an empty trie; any other
// root must be present in db.
// New 使用给定根和数据库创建 trie；空根得到空 trie，其他根必须存在于数据库中。
func New(root common.Hash, db hashdb.HashDB) (*Trie, error) {
	t := NewEmpty(db)
	if root != (common.Hash{}) && root != types.EmptyRootHash {
		if !db.Contains(root) {
			return nil, fmt.Errorf("%w: %x", ErrInvalidRoot, root)
		}
		t.root = hashNode(root.Bytes())
	}
	return t, nil
}

// NewEmpty is a shortcut to create empty tree. It's mostly used in tests.
func NewEmpty(db hashdb.HashDB) *Trie {
	return &Trie{db: db, deathRow: make(map[common.Hash]struct{})}
}

// Database returns the node database the trie reads from and commits to.
func (t *Trie) Database() hashdb.HashDB { return t.db }

// IsEmpty reports whether the trie holds no values.
func (t *Trie) IsEmpty() bool { return t.root == nil }

// Get returns the value for key stored in the trie, or nil if the key is
// absent.
func (t *Trie) Get(key []byte) ([]byte, error) {
	value, newroot, didResolve, err := t.get(t.root, keybytesToHex(key), 0)
	if err == nil && didResolve {
		t.root = newroot
	}
	return value, err
}

// Contains reports whether the trie holds a value for key.
func (t *Trie) Contains(key []byte) (bool, error) {
	value, err := t.Get(key)
	return value != nil, err
}

func (t *Trie) get(origNode node, key []byte, pos int) (value []byte, newnode node, didResolve bool, err error) {
	switch n := (origNode).(type) {
	case nil:
		return nil, nil, false, nil
	case valueNode:
		return n, n, false, nil
	case *shortNode:
		if !bytes.HasPrefix(key[pos:], n.Key) {
			// key not found in trie
			return nil, n, false, nil
		}
		value, newnode, didResolve, err = t.get(n.Val, key, pos+len(n.Key))
		if err == nil && didResolve {
			n = n.copy()
			n.Val = newnode
		}
		return value, n, didResolve, err
	case *fullNode:
		value, newnode, didResolve, err = t.get(n.Children[key[pos]], key, pos+1)
		if err == nil && didResolve {
			n = n.copy()
			n.Children[key[pos]] = newnode
		}
		return value, n, didResolve, err
	case hashNode:
		child, err := t.resolveHash(n, key[:pos])
		if err != nil {
			return nil, n, true, err
		}
		value, newnode, _, err := t.get(child, key, pos)
		return value, newnode, true, err
	default:
		panic(fmt.Sprintf("%T: invalid node: %v", origNode, origNode))
	}
}

// Insert associates key with value in the trie and returns the previous
// value, nil if there was none. An empty value removes the key.
//
// Insert 将 key 与 value 关联并返回旧值（不存在时为 nil）；空值表示删除该键。
func (t *Trie) Insert(key, value []byte) ([]byte, error) {
	if len(value) == 0 {
		return t.Remove(key)
	}
	old, err := t.Get(key)
	if err != nil {
		return nil, err
	}
	t.unhashed++
	_, n, err := t.insert(t.root, nil, keybytesToHex(key), valueNode(common.CopyBytes(value)))
	if err != nil {
		return nil, err
	}
	t.root = n
	return old, nil
}

func (t *Trie) insert(n node, prefix, key []byte, value node) (bool, node, error) {
	if len(key) == 0 {
		if v, ok := n.(valueNode); ok {
			return !bytes.Equal(v, value.(valueNode)), value, nil
		}
		return true, value, nil
	}
	switch n := n.(type) {
	case *shortNode:
		matchlen := prefixLen(key, n.Key)
		// If the whole key matches, keep this short node as is
		// and only update the value.
		if matchlen == len(n.Key) {
			dirty, nn, err := t.insert(n.Val, append(prefix, key[:matchlen]...), key[matchlen:], value)
			if !dirty || err != nil {
				return false, n, err
			}
			t.replaced(n.flags)
			return true, &shortNode{n.Key, nn, t.newFlag()}, nil
		}
		// Otherwise branch out at the index where they differ.
		branch := &fullNode{flags: t.newFlag()}
		var err error
		_, branch.Children[n.Key[matchlen]], err = t.insert(nil, append(prefix, n.Key[:matchlen+1]...), n.Key[matchlen+1:], n.Val)
		if err != nil {
			return false, nil, err
		}
		_, branch.Children[key[matchlen]], err = t.insert(nil, append(prefix, key[:matchlen+1]...), key[matchlen+1:], value)
		if err != nil {
			return false, nil, err
		}
		t.replaced(n.flags)
		// Replace this shortNode with the branch if it occurs at index 0.
		if matchlen == 0 {
			return true, branch, nil
		}
		// Otherwise, replace it with a short node leading up to the branch.
		return true, &shortNode{key[:matchlen], branch, t.newFlag()}, nil

	case *fullNode:
		dirty, nn, err := t.insert(n.Children[key[0]], append(prefix, key[0]), key[1:], value)
		if !dirty || err != nil {
			return false, n, err
		}
		t.replaced(n.flags)
		n = n.copy()
		n.flags = t.newFlag()
		n.Children[key[0]] = nn
		return true, n, nil

	case nil:
		return true, &shortNode{key, value, t.newFlag()}, nil

	case hashNode:
		// We've hit a part of the trie that isn't loaded yet. Load
		// the node and insert into it. This leaves all child nodes on
		// the path to the value in the trie.
		rn, err := t.resolveHash(n, prefix)
		if err != nil {
			return false, nil, err
		}
		dirty, nn, err := t.insert(rn, prefix, key, value)
		if !dirty || err != nil {
			return false, rn, err
		}
		return true, nn, nil

	default:
		panic(fmt.Sprintf("%T: invalid node: %v", n, n))
	}
}

// Remove removes any existing value for key from the trie and returns it, nil
// if the key was absent.
func (t *Trie) Remove(key []byte) ([]byte, error) {
	old, err := t.Get(key)
	if err != nil || old == nil {
		return nil, err
	}
	t.unhashed++
	_, n, err := t.delete(t.root, nil, keybytesToHex(key))
	if err != nil {
		return nil, err
	}
	t.root = n
	return old, nil
}

// delete returns the new root of the trie with key deleted.
// It reduces the trie to minimal form by simplifying
// nodes on the way up after deleting recursively.
func (t *Trie) delete(n node, prefix, key []byte) (bool, node, error) {
	switch n := n.(type) {
	case *shortNode:
		matchlen := prefixLen(key, n.Key)
		if matchlen < len(n.Key) {
			return false, n, nil // don't replace n on mismatch
		}
		if matchlen == len(key) {
			t.replaced(n.flags)
			return true, nil, nil // remove n entirely for whole matches
		}
		// The key is longer than n.Key. Remove the remaining suffix
		// from the subtrie. Child can never be nil here since the
		// subtrie must contain at least two other values with keys
		// longer than n.Key.
		dirty, child, err := t.delete(n.Val, append(prefix, key[:len(n.Key)]...), key[len(n.Key):])
		if !dirty || err != nil {
			return false, n, err
		}
		t.replaced(n.flags)
		switch child := child.(type) {
		case *shortNode:
			// The child shortNode is merged into its parent.
			t.replaced(child.flags)
			return true, &shortNode{concat(n.Key, child.Key...), child.Val, t.newFlag()}, nil
		default:
			return true, &shortNode{n.Key, child, t.newFlag()}, nil
		}

	case *fullNode:
		dirty, nn, err := t.delete(n.Children[key[0]], append(prefix, key[0]), key[1:])
		if !dirty || err != nil {
			return false, n, err
		}
		t.replaced(n.flags)
		n = n.copy()
		n.flags = t.newFlag()
		n.Children[key[0]] = nn

		// Because n is a full node, it must've contained at least two children
		// before the delete operation. If the new child value is non-nil, n still
		// has at least two children after the deletion, and cannot be reduced to
		// a short node.
		if nn != nil {
			return true, n, nil
		}
		// Reduction:
		// Check how many non-nil entries are left after deleting and
		// reduce the full node to a short node if only one entry is
		// left. Since n must've contained at least two children
		// before deletion (otherwise it would not be a full node) n
		// can never be reduced to nil.
		//
		// When the loop is done, pos contains the index of the single
		// value that is left in n or -2 if n contains at least two
		// values.
		pos := -1
		for i, cld := range &n.Children {
			if cld != nil {
				if pos == -1 {
					pos = i
				} else {
					pos = -2
					break
				}
			}
		}
		if pos >= 0 {
			if pos != 16 {
				// If the remaining entry is a short node, it replaces
				// n and its key gets the missing nibble tacked to the
				// front.
				cnode, err := t.resolve(n.Children[pos], append(prefix, byte(pos)))
				if err != nil {
					return false, nil, err
				}
				if cnode, ok := cnode.(*shortNode); ok {
					t.replaced(cnode.flags)
					k := append([]byte{byte(pos)}, cnode.Key...)
					return true, &shortNode{k, cnode.Val, t.newFlag()}, nil
				}
			}
			// Otherwise, n is replaced by a one-nibble short node
			// containing the child.
			return true, &shortNode{[]byte{byte(pos)}, n.Children[pos], t.newFlag()}, nil
		}
		// n still contains at least two values and cannot be reduced.
		return true, n, nil

	case valueNode:
		return true, nil, nil

	case nil:
		return false, nil, nil

	case hashNode:
		// We've hit a part of the trie that isn't loaded yet. Load
		// the node and delete from it. This leaves all child nodes on
		// the path to the value in the trie.
		rn, err := t.resolveHash(n, prefix)
		if err != nil {
			return false, nil, err
		}
		dirty, nn, err := t.delete(rn, prefix, key)
		if !dirty || err != nil {
			return false, rn, err
		}
		return true, nn, nil

	default:
		panic(fmt.Sprintf("%T: invalid node: %v (%v)", n, n, key))
	}
}

func concat(s1 []byte, s2 ...byte) []byte {
	r := make([]byte, len(s1)+len(s2))
	copy(r, s1)
	copy(r[len(s1):], s2)
	return r
}

func (t *Trie) newFlag() nodeFlag {
	return nodeFlag{dirty: true}
}

// replaced queues a stored node for dereferencing on the next commit.
func (t *Trie) replaced(f nodeFlag) {
	if f.stored() {
		t.deathRow[common.BytesToHash(f.hash)] = struct{}{}
	}
}

// resolve loads node from the underlying database if it's a hashNode.
func (t *Trie) resolve(n node, prefix []byte) (node, error) {
	if n, ok := n.(hashNode); ok {
		return t.resolveHash(n, prefix)
	}
	return n, nil
}

// resolveHash loads node from the underlying database with the provided
// node hash and path prefix.
func (t *Trie) resolveHash(n hashNode, prefix []byte) (node, error) {
	hash := common.BytesToHash(n)
	blob, err := t.db.Get(hash)
	if err != nil {
		return nil, &MissingNodeError{NodeHash: hash, Path: common.CopyBytes(prefix), err: err}
	}
	return decodeNode(n, blob)
}

// Hash returns the root hash of the trie. It does not write to the
// database and can be used even if the trie doesn't have one.
func (t *Trie) Hash() common.Hash {
	if t.root == nil {
		return types.EmptyRootHash
	}
	h := newHasher()
	defer returnHasherToPool(h)

	hashed, cached := h.hash(t.root, true)
	t.root = cached
	t.unhashed = 0
	return common.BytesToHash(hashed.(hashNode))
}

// Commit writes every new node into the database and dereferences the stored
// nodes replaced since the previous commit. The trie stays usable and is
// reloaded from the database on demand.
//
// Commit 将所有新节点写入数据库，并对自上次提交以来被替换的已存储节点解除引用。
func (t *Trie) Commit() common.Hash {
	removed := len(t.deathRow)
	for hash := range t.deathRow {
		t.db.Remove(hash)
	}
	clear(t.deathRow)

	if t.root == nil {
		log.Trace("Committed empty trie", "removed", removed)
		return types.EmptyRootHash
	}
	c := &committer{db: t.db}
	root := common.BytesToHash(c.commit(t.root, true).(hashNode))
	t.root = hashNode(root.Bytes())
	t.unhashed = 0

	log.Trace("Committed trie", "root", root, "inserted", c.nodes, "removed", removed)
	return root
}

// NodeIterator returns an iterator that returns nodes of the trie. Iteration
// starts at the key after the given start key.
func (t *Trie) NodeIterator(start []byte) NodeIterator {
	return newNodeIterator(t, start)
}
