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
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/consensus/ethash"
	"github.com/sunyihoo/ethimport/core/state"
	"github.com/sunyihoo/ethimport/core/verification"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// BlockGen creates blocks for testing.
// See GenerateChain for a detailed explanation.
// BlockGen 用于创建测试用的区块。
type BlockGen struct {
	i       int
	parent  *types.Block
	header  *types.Header
	statedb *state.StateDB
	config  *params.ChainConfig
	signer  types.Signer

	txs     []*types.Transaction
	senders []common.Address
	nonces  map[common.Address]uint64
	uncles  []*types.Header
}

// SetCoinbase sets the coinbase of the generated block.
func (b *BlockGen) SetCoinbase(addr common.Address) {
	b.header.Coinbase = addr
}

// SetExtra sets the extra data field of the generated block.
// SetExtra 设置生成区块的额外数据字段。
func (b *BlockGen) SetExtra(data []byte) {
	b.header.Extra = data
}

// SetNonce sets the nonce field of the generated block.
func (b *BlockGen) SetNonce(nonce types.BlockNonce) {
	b.header.Nonce = nonce
}

// SetDifficulty sets the difficulty field of the generated block. For the
// ethash tests, please use OffsetTime, which implicitly recalculates the diff.
func (b *BlockGen) SetDifficulty(diff *big.Int) {
	b.header.Difficulty = diff
}

// Difficulty returns the currently calculated difficulty of the block.
func (b *BlockGen) Difficulty() *big.Int {
	return new(big.Int).Set(b.header.Difficulty)
}

// AddTx adds a signed transaction to the generated block. The transaction is
// executed together with the rest of the block once the generator returns.
// AddTx 将已签名的交易添加到生成区块，交易在生成函数返回后与区块其余部分一起执行。
func (b *BlockGen) AddTx(tx *types.Transaction) {
	sender, err := types.Sender(b.signer, tx)
	if err != nil {
		panic(err)
	}
	b.txs = append(b.txs, tx)
	b.senders = append(b.senders, sender)
	b.nonces[sender] = b.TxNonce(sender) + 1
}

// TxNonce returns the next valid transaction nonce for the account.
func (b *BlockGen) TxNonce(addr common.Address) uint64 {
	if nonce, ok := b.nonces[addr]; ok {
		return nonce
	}
	return b.statedb.GetNonce(addr)
}

// GetBalance returns the balance of the account at the parent state.
func (b *BlockGen) GetBalance(addr common.Address) *big.Int {
	return b.statedb.GetBalance(addr).ToBig()
}

// Number returns the block number of the block being generated.
func (b *BlockGen) Number() *big.Int {
	return new(big.Int).Set(b.header.Number)
}

// Timestamp returns the timestamp of the block being generated.
func (b *BlockGen) Timestamp() uint64 {
	return b.header.Time
}

// BaseFee returns the EIP-1559 base fee of the block being generated.
func (b *BlockGen) BaseFee() *big.Int {
	if b.header.BaseFee == nil {
		return nil
	}
	return new(big.Int).Set(b.header.BaseFee)
}

// Signer returns a valid signer instance for the current block.
func (b *BlockGen) Signer() types.Signer {
	return b.signer
}

// AddUncle adds an uncle header to the generated block.
func (b *BlockGen) AddUncle(h *types.Header) {
	b.uncles = append(b.uncles, h)
}

// OffsetTime modifies the time instance of a block, implicitly changing its
// associated difficulty. It's useful to test scenarios where forking is not
// tied to chain length directly.
// OffsetTime 修改区块的时间，隐式改变其难度，用于测试分叉不直接依赖链长度的场景。
func (b *BlockGen) OffsetTime(seconds int64) {
	b.header.Time += uint64(seconds)
	if b.header.Time <= b.parent.Header().Time {
		panic("block time out of range")
	}
	b.header.Difficulty = ethash.CalcDifficulty(b.config, b.header.Time, b.parent.Header())
}

// GenerateChain creates a chain of n blocks. The first block's
// parent will be the provided parent. db is used to store
// intermediate states and should contain the parent's state trie.
//
// The generator function is called with a new block generator for
// every block. Any transactions and uncles added to the generator
// become part of the block. The block is executed by executor, which
// fills in the state root, the receipts and the gas used.
//
// Blocks created by GenerateChain do not contain valid proof of work
// values. Importing them requires a faking ethash engine or an engine
// that does not check seals.
//
// GenerateChain 创建一个包含 n 个区块的链。第一个区块的父区块为给定的 parent，db 存放中间状态并应包含父区块的状态树。
func GenerateChain(config *params.ChainConfig, parent *types.Block, executor Executor, db hashdb.HashDB, n int, gen func(int, *BlockGen)) ([]*types.Block, []types.Receipts) {
	var (
		blocks   = make([]*types.Block, 0, n)
		receipts = make([]types.Receipts, 0, n)
	)
	for i := 0; i < n; i++ {
		statedb, err := state.New(parent.Root(), db)
		if err != nil {
			panic(err)
		}
		b := &BlockGen{
			i:       i,
			parent:  parent,
			header:  makeHeader(config, parent),
			statedb: statedb,
			config:  config,
			nonces:  make(map[common.Address]uint64),
		}
		b.signer = types.MakeSigner(config, b.header.Number, b.header.Time)
		if gen != nil {
			gen(i, b)
		}
		pb := &verification.PreverifiedBlock{
			Header:       b.header,
			Transactions: b.txs,
			Senders:      b.senders,
			Uncles:       b.uncles,
		}
		result, err := executor.Execute(pb, parent.Header(), db)
		if err != nil {
			panic(fmt.Sprintf("block %d execution error: %v", b.header.Number, err))
		}
		header := result.Header(b.header)
		block := types.NewBlock(header, &types.Body{Transactions: b.txs, Uncles: b.uncles}, result.Receipts, trie.NewStackTrie(nil))

		blocks = append(blocks, block)
		receipts = append(receipts, result.Receipts)
		parent = block
	}
	return blocks, receipts
}

// GenerateChainWithGenesis is a wrapper of GenerateChain which builds the
// genesis state in a fresh memory database first and generates the chain on
// top. The returned database holds the state of every generated block.
// GenerateChainWithGenesis 先在新的内存数据库中构建创世状态，再在其上生成链。
func GenerateChainWithGenesis(genesis *Genesis, engine consensus.Engine, n int, gen func(int, *BlockGen)) (*hashdb.MemoryDB, []*types.Block, []types.Receipts) {
	db := hashdb.NewMemoryDB()
	root, err := genesis.flush(db)
	if err != nil {
		panic(err)
	}
	executor := NewTransferExecutor(engine, nil)
	blocks, receipts := GenerateChain(genesis.Config, genesis.toBlock(root), executor, db, n, gen)
	return db, blocks, receipts
}

func makeHeader(config *params.ChainConfig, parent *types.Block) *types.Header {
	time := parent.Time() + 10 // block time is fixed at 10 seconds
	header := &types.Header{
		ParentHash: parent.Hash(),
		Coinbase:   parent.Coinbase(),
		Difficulty: ethash.CalcDifficulty(config, time, parent.Header()),
		GasLimit:   parent.GasLimit(),
		Number:     new(big.Int).Add(parent.Number(), common.Big1),
		Time:       time,
	}
	if config.IsLondon(header.Number) {
		header.BaseFee = eip1559.CalcBaseFee(config, parent.Header())
		if !config.IsLondon(parent.Number()) {
			header.GasLimit = parent.GasLimit() * config.ElasticityMultiplier()
		}
	}
	return header
}

// makeBlockChain creates a deterministic chain of blocks rooted at parent.
// Seed separates the coinbases, and thus the hashes, of competing chains.
func makeBlockChain(config *params.ChainConfig, parent *types.Block, n int, engine consensus.Engine, db hashdb.HashDB, seed int) []*types.Block {
	blocks, _ := GenerateChain(config, parent, NewTransferExecutor(engine, nil), db, n, func(i int, b *BlockGen) {
		b.SetCoinbase(common.Address{0: byte(seed), 19: byte(i)})
	})
	return blocks
}

// makeBlockChainWithGenesis creates a deterministic chain of blocks from genesis.
func makeBlockChainWithGenesis(genesis *Genesis, n int, engine consensus.Engine, seed int) (*hashdb.MemoryDB, []*types.Block) {
	db, blocks, _ := GenerateChainWithGenesis(genesis, engine, n, func(i int, b *BlockGen) {
		b.SetCoinbase(common.Address{0: byte(seed), 19: byte(i)})
	})
	return db, blocks
}
