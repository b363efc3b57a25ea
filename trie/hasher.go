// Copyright 2016 The go-ethereum Authors
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
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// hasher is a type used for the trie Hash operation. A hasher has some
// internal preallocated temp space.
// hasher 用于 trie 的哈希计算，内部预分配了临时空间。
type hasher struct {
	sha    crypto.KeccakState
	tmp    []byte
	encbuf rlp.EncoderBuffer
}

// hasherPool holds pure hashers
var hasherPool = sync.Pool{
	New: func() interface{} {
		return &hasher{
			tmp:    make([]byte, 0, 550), // cap is as large as a full fullNode.
			sha:    crypto.NewKeccakState(),
			encbuf: rlp.NewEncoderBuffer(nil),
		}
	},
}

func newHasher() *hasher {
	return hasherPool.Get().(*hasher)
}

func returnHasherToPool(h *hasher) {
	hasherPool.Put(h)
}

// hash collapses a node down into a hash node, also returning a copy of the
// original node initialized with the computed hash to replace the original one.
func (h *hasher) hash(n node, force bool) (hashed node, cached node) {
	// Return the cached hash if it's available
	if hash, _ := n.cache(); hash != nil {
		return hash, n
	}
	switch n := n.(type) {
	case *shortNode:
		collapsed, cached := h.hashShortNodeChildren(n)
		hashed := h.store(collapsed, force)
		// Nodes too small to be hashed keep no hash
		if hn, ok := hashed.(hashNode); ok {
			cached.flags.hash = hn
		} else {
			cached.flags.hash = nil
		}
		return hashed, cached
	case *fullNode:
		collapsed, cached := h.hashFullNodeChildren(n)
		hashed = h.store(collapsed, force)
		if hn, ok := hashed.(hashNode); ok {
			cached.flags.hash = hn
		} else {
			cached.flags.hash = nil
		}
		return hashed, cached
	default:
		// Value and hash nodes don't have children, so they're left as were
		return n, n
	}
}

// hashShortNodeChildren collapses the short node. The returned collapsed node
// holds a live reference to the Key, and must not be modified.
func (h *hasher) hashShortNodeChildren(n *shortNode) (collapsed, cached *shortNode) {
	collapsed, cached = n.copy(), n.copy()
	collapsed.Key = hexToCompact(n.Key)
	switch n.Val.(type) {
	case *fullNode, *shortNode:
		collapsed.Val, cached.Val = h.hash(n.Val, false)
	}
	return collapsed, cached
}

func (h *hasher) hashFullNodeChildren(n *fullNode) (collapsed *fullNode, cached *fullNode) {
	collapsed, cached = n.copy(), n.copy()
	for i := 0; i < 16; i++ {
		if child := n.Children[i]; child != nil {
			collapsed.Children[i], cached.Children[i] = h.hash(child, false)
		}
	}
	return collapsed, cached
}

// store encodes a collapsed node and hashes it if the encoding is at least
// 32 bytes long or the node is the root.
func (h *hasher) store(n node, force bool) node {
	n.encode(h.encbuf)
	enc := h.encodedBytes()
	if len(enc) < 32 && !force {
		return n // Nodes smaller than 32 bytes are stored inside their parent
	}
	return h.hashData(enc)
}

// encodedBytes returns the result of the last encoding operation on h.encbuf.
// This also resets the encoder buffer.
func (h *hasher) encodedBytes() []byte {
	h.tmp = h.encbuf.AppendToBytes(h.tmp[:0])
	h.encbuf.Reset(nil)
	return h.tmp
}

// hashData hashes the provided data
func (h *hasher) hashData(data []byte) hashNode {
	n := make(hashNode, 32)
	h.sha.Reset()
	h.sha.Write(data)
	h.sha.Read(n)
	return n
}

// committer writes the dirty nodes of a trie into a HashDB. Every node whose
// encoding reaches 32 bytes, and the root regardless of size, gains one
// reference in the database.
// committer 将 trie 中的脏节点写入 HashDB：编码不小于 32 字节的节点以及根节点各增加一次引用。
type committer struct {
	db    hashdb.HashDB
	nodes int
}

func (c *committer) commit(n node, force bool) node {
	if hash, dirty := n.cache(); hash != nil && !dirty {
		return hash
	}
	switch cn := n.(type) {
	case *shortNode:
		collapsed := cn.copy()
		collapsed.Key = hexToCompact(cn.Key)
		if _, ok := cn.Val.(valueNode); !ok {
			collapsed.Val = c.commit(cn.Val, false)
		}
		return c.store(collapsed, force)
	case *fullNode:
		collapsed := cn.copy()
		for i := 0; i < 16; i++ {
			if child := cn.Children[i]; child != nil {
				collapsed.Children[i] = c.commit(child, false)
			}
		}
		return c.store(collapsed, force)
	case hashNode:
		return cn
	default:
		panic(fmt.Sprintf("invalid node type: %T", n))
	}
}

func (c *committer) store(n node, force bool) node {
	enc := nodeToBytes(n)
	if len(enc) < 32 && !force {
		return n
	}
	c.nodes++
	return hashNode(c.db.Insert(enc).Bytes())
}
