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

package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/sunyihoo/ethimport/core/verification"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// Executor runs the transactions of a verified block on top of the state of
// its parent. Every trie node the execution writes or replaces goes through
// db, so a failed block can be discarded together with its overlay.
//
// Executor 在父区块状态之上执行已验证区块的交易。执行写入或替换的每个 trie 节点都经过 db。
type Executor interface {
	// Execute processes the block and returns the values its header must
	// commit to.
	Execute(block *verification.PreverifiedBlock, parent *types.Header, db hashdb.HashDB) (*ExecutionResult, error)
}

// ExecutionResult contains the values computed by Execute.
// ExecutionResult 包含 Execute 计算出的值。
type ExecutionResult struct {
	Root     common.Hash // Post-state root
	Receipts types.Receipts
	GasUsed  uint64
}

// Header returns a copy of header with the execution commitments replaced by
// the computed ones, ready to be compared against the original.
func (r *ExecutionResult) Header(header *types.Header) *types.Header {
	got := types.CopyHeader(header)
	got.Root = r.Root
	got.GasUsed = r.GasUsed
	got.Bloom = types.CreateBloom(r.Receipts)
	got.ReceiptHash = types.DeriveSha(r.Receipts, trie.NewStackTrie(nil))
	return got
}
