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

package snapshot

import (
	"errors"
	"fmt"
	"math/big"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/sunyihoo/ethimport/trie"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// Code states of a fat account.
const (
	codeEmpty  = 0 // no code
	codeInline = 1 // code carried inline
	codeHash   = 2 // hash of code carried by an earlier account
)

// storageEntry is one slot of an account: the hashed slot key and the raw
// trie value.
type storageEntry struct {
	Key   common.Hash
	Value []byte
}

// fatAccount is an account with its code and storage inlined. Accounts with
// large storage are split into several fat accounts under the same hash,
// each carrying a part of the storage.
// fatAccount 是内联了代码和存储的账户。存储较大的账户会被拆分为同一哈希下的多个 fatAccount，每个携带部分存储。
type fatAccount struct {
	Nonce     uint64
	Balance   *uint256.Int
	CodeState uint8
	Code      []byte
	Storage   []storageEntry
}

// accountEntry is one element of a state chunk.
type accountEntry struct {
	Hash    common.Hash
	Account fatAccount
}

// blockPair is a block with the storage form of its receipts.
type blockPair struct {
	Block    *types.Block
	Receipts []*types.ReceiptForStorage
}

// blockChunk is a run of consecutive blocks following the given parent,
// oldest first.
type blockChunk struct {
	ParentNumber uint64
	ParentHash   common.Hash
	ParentTd     *big.Int
	Blocks       []blockPair `rlp:"tail"`
}

// encodedBlockChunk is blockChunk with pre-encoded pairs.
type encodedBlockChunk struct {
	ParentNumber uint64
	ParentHash   common.Hash
	ParentTd     *big.Int
	Blocks       []rlp.RawValue `rlp:"tail"`
}

// storageEntryOverhead approximates the encoding overhead of a slot.
const storageEntryOverhead = common.HashLength + 4

// stateChunker accumulates account entries and cuts them into chunks.
type stateChunker struct {
	entries   []accountEntry
	size      int
	preferred int
	sink      func([]byte) error
}

func (c *stateChunker) push(entry accountEntry, size int) error {
	c.entries = append(c.entries, entry)
	c.size += size
	if c.size >= c.preferred {
		return c.flush()
	}
	return nil
}

func (c *stateChunker) flush() error {
	if len(c.entries) == 0 {
		return nil
	}
	raw, err := rlp.EncodeToBytes(c.entries)
	if err != nil {
		return err
	}
	c.entries, c.size = nil, 0
	return c.sink(raw)
}

// ChunkState walks the state trie under root and hands raw state chunks of
// about preferred bytes to sink. Code is inlined the first time it is seen
// and referenced by hash afterwards.
// ChunkState 遍历 root 下的状态树，把约 preferred 字节的原始状态块交给 sink。代码第一次出现时内联，之后按哈希引用。
func ChunkState(db hashdb.HashDB, root common.Hash, preferred int, progress *Progress, sink func([]byte) error) error {
	accounts, err := trie.New(root, db)
	if err != nil {
		return err
	}
	var (
		chunker = &stateChunker{preferred: preferred, sink: sink}
		seen    = mapset.NewThreadUnsafeSet[common.Hash]()
		it      = trie.NewIterator(accounts.NodeIterator(nil))
	)
	for it.Next() {
		var acc types.StateAccount
		if err := rlp.DecodeBytes(it.Value, &acc); err != nil {
			return fmt.Errorf("invalid account %x: %w", it.Key, err)
		}
		hash := common.BytesToHash(it.Key)
		fat := fatAccount{Nonce: acc.Nonce, Balance: acc.Balance}
		base := 2*common.HashLength + 16

		if code := common.BytesToHash(acc.CodeHash); code != types.EmptyCodeHash {
			if seen.Add(code) {
				blob, err := db.Get(code)
				if err != nil {
					return fmt.Errorf("missing code %x of account %x: %w", code, hash, err)
				}
				fat.CodeState, fat.Code = codeInline, blob
				base += len(blob)
			} else {
				fat.CodeState, fat.Code = codeHash, code.Bytes()
			}
		}
		if err := chunkStorage(db, hash, &acc, fat, base, chunker); err != nil {
			return err
		}
		if progress != nil {
			progress.accounts.Add(1)
		}
	}
	if it.Err != nil {
		return it.Err
	}
	return chunker.flush()
}

// chunkStorage pushes the fat account of hash, splitting it whenever its
// storage would overflow the current chunk.
func chunkStorage(db hashdb.HashDB, hash common.Hash, acc *types.StateAccount, fat fatAccount, size int, chunker *stateChunker) error {
	if acc.Root == types.EmptyRootHash || acc.Root == (common.Hash{}) {
		return chunker.push(accountEntry{Hash: hash, Account: fat}, size)
	}
	storage, err := trie.New(acc.Root, db)
	if err != nil {
		return fmt.Errorf("invalid storage of account %x: %w", hash, err)
	}
	it := trie.NewIterator(storage.NodeIterator(nil))
	for it.Next() {
		fat.Storage = append(fat.Storage, storageEntry{Key: common.BytesToHash(it.Key), Value: common.CopyBytes(it.Value)})
		size += storageEntryOverhead + len(it.Value)

		if chunker.size+size >= chunker.preferred {
			if err := chunker.push(accountEntry{Hash: hash, Account: fat}, size); err != nil {
				return err
			}
			// Later parts reference the code emitted by the first one.
			next := fatAccount{Nonce: fat.Nonce, Balance: fat.Balance}
			if fat.CodeState != codeEmpty {
				next.CodeState, next.Code = codeHash, common.CopyBytes(acc.CodeHash)
			}
			fat, size = next, 2*common.HashLength+16
		}
	}
	if it.Err != nil {
		return it.Err
	}
	if len(fat.Storage) > 0 {
		return chunker.push(accountEntry{Hash: hash, Account: fat}, size)
	}
	return nil
}

// BlockSource is the chain block chunks are read from.
type BlockSource interface {
	GenesisHash() common.Hash
	GetBlockByHash(hash common.Hash) *types.Block
	GetReceipts(hash common.Hash) types.Receipts
	GetTdByHash(hash common.Hash) *big.Int
}

// errMissingBlock is returned when the chain lacks a block the snapshot
// needs.
var errMissingBlock = errors.New("missing block")

// ChunkBlocks walks back from start over at most count blocks, stopping
// above the genesis block, and hands raw block chunks of about preferred
// bytes to sink. Every chunk names the parent of its oldest block.
// ChunkBlocks 从 start 向前回溯最多 count 个区块（不含创世区块），把约 preferred 字节的原始区块块交给 sink。
func ChunkBlocks(chain BlockSource, start common.Hash, count uint64, preferred int, progress *Progress, sink func([]byte) error) error {
	var (
		genesis = chain.GenesisHash()
		pairs   []rlp.RawValue
		oldest  *types.Block
		size    int
	)
	emit := func() error {
		if len(pairs) == 0 {
			return nil
		}
		td := chain.GetTdByHash(oldest.ParentHash())
		if td == nil {
			return fmt.Errorf("%w: total difficulty of %x", errMissingBlock, oldest.ParentHash())
		}
		slices.Reverse(pairs)
		raw, err := rlp.EncodeToBytes(&encodedBlockChunk{
			ParentNumber: oldest.NumberU64() - 1,
			ParentHash:   oldest.ParentHash(),
			ParentTd:     td,
			Blocks:       pairs,
		})
		if err != nil {
			return err
		}
		log.Trace("Chunked blocks", "first", oldest.NumberU64(), "count", len(pairs), "size", len(raw))
		pairs, size = nil, 0
		return sink(raw)
	}
	hash := start
	for n := uint64(0); n < count && hash != genesis; n++ {
		block := chain.GetBlockByHash(hash)
		if block == nil {
			return fmt.Errorf("%w: %x", errMissingBlock, hash)
		}
		receipts := chain.GetReceipts(hash)
		stored := make([]*types.ReceiptForStorage, len(receipts))
		for i, receipt := range receipts {
			stored[i] = (*types.ReceiptForStorage)(receipt)
		}
		enc, err := rlp.EncodeToBytes(&blockPair{Block: block, Receipts: stored})
		if err != nil {
			return err
		}
		if size+len(enc) > preferred && len(pairs) > 0 {
			if err := emit(); err != nil {
				return err
			}
		}
		pairs, oldest = append(pairs, enc), block
		size += len(enc)

		if progress != nil {
			progress.blocks.Add(1)
		}
		hash = block.ParentHash()
	}
	return emit()
}
