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
	"encoding/binary"
	"fmt"
	"math/big"
	"math/rand"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	bloomfilter "github.com/holiman/bloomfilter/v2"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/core"
	"github.com/sunyihoo/ethimport/core/rawdb"
	"github.com/sunyihoo/ethimport/core/verification"
	"github.com/sunyihoo/ethimport/kvdb"
	"github.com/sunyihoo/ethimport/trie"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
	"github.com/sunyihoo/ethimport/triedb/journaldb"
)

// knownCodeBloomBits sizes the known code prefilter, about 1M codes at a
// false positive rate below 1%.
const knownCodeBloomBits = 16 * 1024 * 1024 * 8

// codeBloomHash converts a code hash into a 64 bit mini hash.
func codeBloomHash(hash common.Hash) uint64 {
	return binary.BigEndian.Uint64(hash[:8])
}

// StateRebuilder rebuilds the state trie of a snapshot from its state chunks.
// Chunks may be fed in any order. Every chunk is built in a memory overlay
// whose new nodes are injected into the journal and written through the
// write buffer of the backing store.
//
// StateRebuilder 根据快照的状态块重建状态树。数据块可以任意顺序输入；每个数据块在内存覆盖层中构建，
// 新节点被注入日志数据库并经由后端存储的写缓冲写入。
type StateRebuilder struct {
	db          journaldb.JournalDB
	stateRoot   common.Hash
	knownCode   *bloomfilter.Filter
	missingCode map[common.Hash][]common.Hash // code hash -> accounts waiting for it
	accounts    uint64
}

// NewStateRebuilder creates a rebuilder writing into db.
func NewStateRebuilder(db journaldb.JournalDB) (*StateRebuilder, error) {
	bloom, err := bloomfilter.New(knownCodeBloomBits, 4)
	if err != nil {
		return nil, err
	}
	return &StateRebuilder{
		db:          db,
		stateRoot:   types.EmptyRootHash,
		knownCode:   bloom,
		missingCode: make(map[common.Hash][]common.Hash),
	}, nil
}

// StateRoot returns the root of the state rebuilt so far.
func (r *StateRebuilder) StateRoot() common.Hash { return r.stateRoot }

// Feed rebuilds the accounts of a decompressed state chunk.
func (r *StateRebuilder) Feed(chunk []byte, abort *atomic.Bool) error {
	var entries []accountEntry
	if err := rlp.DecodeBytes(chunk, &entries); err != nil {
		return fmt.Errorf("invalid state chunk: %w", err)
	}
	overlay := hashdb.NewOverlay(r.db)
	accounts, err := trie.New(r.stateRoot, overlay)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if abort != nil && abort.Load() {
			return ErrRestorationAborted
		}
		if err := r.rebuildAccount(accounts, overlay, entry); err != nil {
			return err
		}
	}
	root := accounts.Commit()

	// Only nodes missing from the journal are kept. Replaced intermediate
	// nodes of earlier chunks stay on disk.
	fresh := hashdb.NewMemoryDB()
	for key, e := range overlay.Drain() {
		if e.Refs > 0 && !r.db.Contains(key) {
			fresh.Emplace(key, e.Value)
		}
	}
	r.db.Consolidate(fresh)

	backing := r.db.Backing()
	batch := backing.NewBatch()
	if _, err := r.db.Inject(batch); err != nil {
		return err
	}
	if err := kvdb.WriteBuffered(backing, batch); err != nil {
		return err
	}
	r.stateRoot = root
	r.accounts += uint64(len(entries))
	return nil
}

// rebuildAccount inserts one fat account into the account trie, continuing
// the storage of a split account from the part already inserted.
func (r *StateRebuilder) rebuildAccount(accounts *trie.Trie, overlay *hashdb.Overlay, entry accountEntry) error {
	fat := entry.Account
	if fat.Balance == nil {
		return fmt.Errorf("account %x without balance", entry.Hash)
	}
	code := types.EmptyCodeHash
	switch fat.CodeState {
	case codeEmpty:
	case codeInline:
		code = crypto.Keccak256Hash(fat.Code)
		overlay.Emplace(code, fat.Code)
		r.knownCode.AddHash(codeBloomHash(code))
		delete(r.missingCode, code)
	case codeHash:
		if len(fat.Code) != common.HashLength {
			return fmt.Errorf("%w: code hash of %d bytes", ErrInvalidCodeState, len(fat.Code))
		}
		code = common.BytesToHash(fat.Code)
		if !r.knownCode.ContainsHash(codeBloomHash(code)) || !overlay.Contains(code) {
			r.missingCode[code] = append(r.missingCode[code], entry.Hash)
		}
	default:
		return fmt.Errorf("%w: %d", ErrInvalidCodeState, fat.CodeState)
	}
	storageRoot := types.EmptyRootHash
	prev, err := accounts.Get(entry.Hash[:])
	if err != nil {
		return err
	}
	if prev != nil {
		var acc types.StateAccount
		if err := rlp.DecodeBytes(prev, &acc); err != nil {
			return fmt.Errorf("invalid account %x: %w", entry.Hash, err)
		}
		storageRoot = acc.Root
	}
	if len(fat.Storage) > 0 {
		storage, err := trie.New(storageRoot, overlay)
		if err != nil {
			return err
		}
		for _, slot := range fat.Storage {
			if _, err := storage.Insert(slot.Key[:], slot.Value); err != nil {
				return err
			}
		}
		storageRoot = storage.Commit()
	}
	enc, err := rlp.EncodeToBytes(&types.StateAccount{
		Nonce:    fat.Nonce,
		Balance:  fat.Balance,
		Root:     storageRoot,
		CodeHash: code.Bytes(),
	})
	if err != nil {
		return err
	}
	_, err = accounts.Insert(entry.Hash[:], enc)
	return err
}

// Finalize checks that all referenced code arrived and journals the rebuilt
// state under (era, id).
func (r *StateRebuilder) Finalize(era uint64, id common.Hash) error {
	for code, accounts := range r.missingCode {
		if !r.db.Contains(code) {
			return fmt.Errorf("%w: %x referenced by %d accounts", ErrMissingCode, code, len(accounts))
		}
	}
	backing := r.db.Backing()
	batch := backing.NewBatch()
	if _, err := r.db.JournalUnder(batch, era, id); err != nil {
		return err
	}
	if err := kvdb.WriteBuffered(backing, batch); err != nil {
		return err
	}
	log.Info("Rebuilt snapshot state", "root", r.stateRoot, "accounts", r.accounts)
	return nil
}

// sealCheckRate is the inverse rate at which restored block seals are
// checked.
const sealCheckRate = 50

// disconnectedBlock is the first block of a chunk whose parent was not yet
// restored.
type disconnectedBlock struct {
	number uint64
	parent common.Hash
}

// PowRebuilder restores the recent blocks of a snapshot from its block
// chunks. Blocks pass the basic and unordered verification phases and are
// inserted unordered. Chunks whose parents were not restored yet are glued
// on Finalize.
// PowRebuilder 根据区块块恢复快照的最近区块。区块通过基本和无序验证阶段后无序插入；父区块尚未恢复的数据块在 Finalize 时拼接。
type PowRebuilder struct {
	chain          core.RestorationTargetChain
	engine         consensus.Engine
	manifest       *Manifest
	snapshotBlocks uint64
	fedBlocks      uint64
	disconnected   []disconnectedBlock
}

// NewPowRebuilder creates a block rebuilder writing into chain.
func NewPowRebuilder(chain core.RestorationTargetChain, engine consensus.Engine, manifest *Manifest, snapshotBlocks uint64) *PowRebuilder {
	return &PowRebuilder{
		chain:          chain,
		engine:         engine,
		manifest:       manifest,
		snapshotBlocks: snapshotBlocks,
	}
}

// Feed restores the blocks of a decompressed block chunk.
func (r *PowRebuilder) Feed(chunk []byte, abort *atomic.Bool) error {
	var bc blockChunk
	if err := rlp.DecodeBytes(chunk, &bc); err != nil {
		return fmt.Errorf("invalid block chunk: %w", err)
	}
	if r.fedBlocks+uint64(len(bc.Blocks)) > r.snapshotBlocks {
		return fmt.Errorf("%w: %d > %d", ErrTooManyBlocks, r.fedBlocks+uint64(len(bc.Blocks)), r.snapshotBlocks)
	}
	for i, pair := range bc.Blocks {
		if abort != nil && abort.Load() {
			return ErrRestorationAborted
		}
		block := pair.Block
		receipts := restoreReceipts(block, pair.Receipts)
		if root := types.DeriveSha(receipts, gethtrie.NewStackTrie(nil)); root != block.ReceiptHash() {
			return fmt.Errorf("%w: block #%d have %x want %x", ErrReceiptsRootMismatch, block.NumberU64(), root, block.ReceiptHash())
		}
		isBest := block.NumberU64() == r.manifest.BlockNumber
		if isBest {
			if block.Hash() != r.manifest.BlockHash {
				return fmt.Errorf("%w: have %x want %x", ErrWrongBlockHash, block.Hash(), r.manifest.BlockHash)
			}
			if block.Root() != r.manifest.StateRoot {
				return fmt.Errorf("%w: block #%d has %x want %x", ErrWrongStateRoot, block.NumberU64(), block.Root(), r.manifest.StateRoot)
			}
		}
		if err := r.verify(block, isBest || rand.Intn(sealCheckRate) == 0); err != nil {
			return err
		}
		var parentTd *big.Int
		if i == 0 {
			if block.ParentHash() != bc.ParentHash || block.NumberU64() != bc.ParentNumber+1 {
				return fmt.Errorf("%w: block #%d does not follow chunk parent #%d", ErrChainMismatch, block.NumberU64(), bc.ParentNumber)
			}
			parentTd = bc.ParentTd
		}
		disconnected, err := r.chain.InsertUnorderedBlock(block, receipts, parentTd, isBest, false)
		if err != nil {
			return err
		}
		if disconnected {
			r.disconnected = append(r.disconnected, disconnectedBlock{number: block.NumberU64(), parent: block.ParentHash()})
		}
	}
	if err := r.chain.Commit(); err != nil {
		return err
	}
	r.fedBlocks += uint64(len(bc.Blocks))
	return nil
}

func (r *PowRebuilder) verify(block *types.Block, checkSeal bool) error {
	vb, err := verification.FromBlock(block)
	if err != nil {
		return err
	}
	unverified, err := verification.VerifyBlockBasic(vb, r.engine, checkSeal)
	if err != nil {
		return err
	}
	_, err = verification.VerifyBlockUnordered(unverified, r.engine, checkSeal)
	return err
}

// restoreReceipts converts stored receipts back and restores the fields the
// storage form drops but the consensus encoding needs.
func restoreReceipts(block *types.Block, stored []*types.ReceiptForStorage) types.Receipts {
	txs := block.Transactions()
	receipts := make(types.Receipts, len(stored))
	for i, receipt := range stored {
		receipts[i] = (*types.Receipt)(receipt)
		if i < len(txs) {
			receipts[i].Type = txs[i].Type()
		}
	}
	return receipts
}

// Finalize glues the disconnected chunks onto the blocks restored below them
// and records the genesis epoch transition.
func (r *PowRebuilder) Finalize() error {
	for _, d := range r.disconnected {
		if d.number == 0 {
			continue
		}
		if hash, ok := r.chain.BlockHash(d.number - 1); ok && hash != d.parent {
			return fmt.Errorf("%w: block #%d has parent %x, chain has %x", ErrChainMismatch, d.number, d.parent, hash)
		}
	}
	genesis := r.chain.GenesisHeader()
	proof, err := r.engine.GenesisEpochData(genesis)
	if err != nil {
		return err
	}
	r.chain.InsertEpochTransition(0, rawdb.EpochTransition{
		BlockHash:   genesis.Hash(),
		BlockNumber: 0,
		Proof:       proof,
	})
	if err := r.chain.Commit(); err != nil {
		return err
	}
	log.Info("Restored snapshot blocks", "blocks", r.fedBlocks, "disconnected", len(r.disconnected))
	return nil
}
