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
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/btree"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/core/rawdb"
	"github.com/sunyihoo/ethimport/core/verification"
	"github.com/sunyihoo/ethimport/kvdb"
	"golang.org/x/exp/slices"
)

const (
	headerCacheLimit = 512  // 头部缓存限制
	tdCacheLimit     = 1024 // 总难度缓存限制
	numberCacheLimit = 2048 // 区块号缓存限制
	eraCacheLimit    = 1024 // Number of candidate eras kept in memory 内存中保留的候选纪元数
)

// BestBlock is the head of the chain together with its total difficulty.
// BestBlock 是链头及其总难度。
type BestBlock struct {
	Header *types.Header
	Td     *big.Int
}

// era lists the known blocks of one height in the order they were first seen.
type era struct {
	number uint64
	hashes []common.Hash
}

func eraLess(a, b *era) bool { return a.number < b.number }

// PendingChanges holds the effects of writes staged into a batch. They become
// visible to the readers of the chain only once applied, after the batch has
// been written.
// PendingChanges 保存已暂存到批次中的写入效果。只有在批次写入后被应用，链的读者才能看到它们。
type PendingChanges struct {
	Best      *BestBlock    // New head of the chain, nil if the head did not move
	Enacted   []common.Hash // Blocks which became canonical, oldest first
	Retracted []common.Hash // Blocks which left the canonical chain

	headers     map[common.Hash]*types.Header
	tds         map[common.Hash]*big.Int
	canonical   map[uint64]common.Hash
	eras        map[uint64][]common.Hash
	transitions map[uint64][]rawdb.EpochTransition

	bestAncient *rawdb.BlockRef
	ancient     bool // Whether bestAncient was changed
}

func newPendingChanges() *PendingChanges {
	return &PendingChanges{
		headers:     make(map[common.Hash]*types.Header),
		tds:         make(map[common.Hash]*big.Int),
		canonical:   make(map[uint64]common.Hash),
		eras:        make(map[uint64][]common.Hash),
		transitions: make(map[uint64][]rawdb.EpochTransition),
	}
}

// RestorationTargetChain is the chain a snapshot restoration writes into.
// Inserted blocks and transitions are staged and stay invisible to readers
// until Commit, so an interrupted restoration leaves the chain untouched.
// RestorationTargetChain 是快照恢复写入的链。插入的区块和转换被暂存，直到 Commit 之前对读者不可见。
type RestorationTargetChain interface {
	// GenesisHash returns the hash of the genesis block.
	GenesisHash() common.Hash

	// GenesisHeader returns the genesis header.
	GenesisHeader() *types.Header

	// BlockHash returns the canonical hash of the given height.
	BlockHash(number uint64) (common.Hash, bool)

	// BlockHeader retrieves a committed header by hash.
	BlockHeader(hash common.Hash) *types.Header

	// InsertEpochTransition stages an epoch transition signalled at number.
	InsertEpochTransition(number uint64, transition rawdb.EpochTransition)

	// InsertUnorderedBlock stages a canonical block whose parent may be
	// unknown, in which case parentTd must be given. It reports whether the
	// block is disconnected from the chain.
	InsertUnorderedBlock(block *types.Block, receipts types.Receipts, parentTd *big.Int, isBest, isAncient bool) (bool, error)

	// Commit writes the staged changes and reveals them to readers.
	Commit() error
}

// HeaderChain implements the chain of imported blocks: storage of headers,
// bodies, receipts and total difficulties, the canonical index and the fork
// choice. The heaviest chain by total difficulty is canonical and among
// chains of equal difficulty the one seen first stays canonical.
// HeaderChain 实现已导入区块的链：存储头部、区块体、收据和总难度，维护规范索引并进行分叉选择。
// 总难度最大的链为规范链，总难度相同时先看到的链保持规范。
//
// Writes are two phased. InsertBlock stages into a caller supplied batch and
// returns the PendingChanges, which ApplyPending reveals after the batch is
// written. Restorations stage into an internal batch revealed by Commit.
type HeaderChain struct {
	db      ethdb.KeyValueStore // 链数据库
	engine  consensus.Engine    // 共识引擎
	genesis *types.Header       // 创世区块头部

	lock        sync.RWMutex
	best        *BestBlock            // Current head of the chain 当前链头
	bestAncient *rawdb.BlockRef       // Highest block of the restored range below the head
	eras        *btree.BTreeG[*era]   // Recently changed candidate eras 最近变更的候选纪元
	epochs      *btree.BTreeG[uint64] // Heights with stored epoch transitions

	headerCache *lru.Cache[common.Hash, *types.Header] // 头部缓存
	tdCache     *lru.Cache[common.Hash, *big.Int]      // most recent total difficulties 最近的总难度缓存
	numberCache *lru.Cache[common.Hash, uint64]        // most recent block numbers 最近的区块号缓存

	stageLock  sync.Mutex
	stage      *PendingChanges // Restoration changes awaiting Commit
	stageBatch ethdb.Batch
}

// NewHeaderChain opens the chain stored in db. The genesis block must have
// been written before.
// NewHeaderChain 打开存储在 db 中的链。创世区块必须已经写入。
func NewHeaderChain(db ethdb.KeyValueStore, engine consensus.Engine) (*HeaderChain, error) {
	hc := &HeaderChain{
		db:          db,
		engine:      engine,
		eras:        btree.NewG[*era](32, eraLess),
		epochs:      btree.NewOrderedG[uint64](32),
		headerCache: lru.NewCache[common.Hash, *types.Header](headerCacheLimit),
		tdCache:     lru.NewCache[common.Hash, *big.Int](tdCacheLimit),
		numberCache: lru.NewCache[common.Hash, uint64](numberCacheLimit),
	}
	hash := rawdb.ReadCanonicalHash(db, 0)
	if hash == (common.Hash{}) {
		return nil, ErrNoGenesis
	}
	hc.genesis = rawdb.ReadHeader(db, hash, 0)
	if hc.genesis == nil {
		return nil, ErrNoGenesis
	}
	head := hc.genesis
	if hash := rawdb.ReadHeadBlockHash(db); hash != (common.Hash{}) {
		if header := hc.GetHeaderByHash(hash); header != nil {
			head = header
		} else {
			log.Warn("Head block missing, resetting chain", "hash", hash)
		}
	}
	td := hc.GetTd(head.Hash(), head.Number.Uint64())
	if td == nil {
		return nil, fmt.Errorf("missing total difficulty of head block #%d [%x]", head.Number, head.Hash())
	}
	hc.best = &BestBlock{Header: head, Td: td}
	hc.bestAncient = rawdb.ReadBestAncient(db)
	for _, number := range rawdb.ReadEpochTransitionNumbers(db) {
		hc.epochs.ReplaceOrInsert(number)
	}
	headHeaderGauge.Update(head.Number.Int64())

	log.Info("Loaded most recent local block", "number", head.Number, "hash", head.Hash(), "td", td, "age", common.PrettyAge(time.Unix(int64(head.Time), 0)))
	return hc, nil
}

// Engine retrieves the consensus engine of the chain.
func (hc *HeaderChain) Engine() consensus.Engine { return hc.engine }

// GenesisHash implements RestorationTargetChain.
func (hc *HeaderChain) GenesisHash() common.Hash { return hc.genesis.Hash() }

// GenesisHeader implements RestorationTargetChain.
func (hc *HeaderChain) GenesisHeader() *types.Header { return types.CopyHeader(hc.genesis) }

// CurrentHeader retrieves the current head header of the canonical chain.
// CurrentHeader 检索规范链的当前头部。
func (hc *HeaderChain) CurrentHeader() *types.Header {
	hc.lock.RLock()
	defer hc.lock.RUnlock()
	return hc.best.Header
}

// BestBlock retrieves the current head with its total difficulty.
func (hc *HeaderChain) BestBlock() BestBlock {
	hc.lock.RLock()
	defer hc.lock.RUnlock()
	return BestBlock{Header: hc.best.Header, Td: new(big.Int).Set(hc.best.Td)}
}

// BestAncient retrieves the highest restored block which is not yet linked to
// the head, if any.
func (hc *HeaderChain) BestAncient() *rawdb.BlockRef {
	hc.lock.RLock()
	defer hc.lock.RUnlock()
	return hc.bestAncient
}

// GetBlockNumber retrieves the block number belonging to the given hash
// from the cache or database
// GetBlockNumber 从缓存或数据库中检索给定哈希对应的区块号。
func (hc *HeaderChain) GetBlockNumber(hash common.Hash) *uint64 {
	if cached, ok := hc.numberCache.Get(hash); ok {
		return &cached
	}
	number := rawdb.ReadHeaderNumber(hc.db, hash)
	if number != nil {
		hc.numberCache.Add(hash, *number)
	}
	return number
}

// GetHeader retrieves a block header from the database by hash and number,
// caching it if found.
// GetHeader 通过哈希和编号从数据库中检索区块头部，如果找到则缓存。
func (hc *HeaderChain) GetHeader(hash common.Hash, number uint64) *types.Header {
	if header, ok := hc.headerCache.Get(hash); ok {
		return header
	}
	header := rawdb.ReadHeader(hc.db, hash, number)
	if header == nil {
		return nil
	}
	hc.headerCache.Add(hash, header)
	return header
}

// GetHeaderByHash retrieves a block header from the database by hash, caching it if
// found.
// GetHeaderByHash 通过哈希从数据库中检索区块头部，如果找到则缓存。
func (hc *HeaderChain) GetHeaderByHash(hash common.Hash) *types.Header {
	number := hc.GetBlockNumber(hash)
	if number == nil {
		return nil
	}
	return hc.GetHeader(hash, *number)
}

// GetHeaderByNumber retrieves a block header from the database by number,
// caching it (associated with its hash) if found.
// GetHeaderByNumber 通过编号从数据库中检索区块头部，如果找到则缓存（与其哈希关联）。
func (hc *HeaderChain) GetHeaderByNumber(number uint64) *types.Header {
	hash := rawdb.ReadCanonicalHash(hc.db, number)
	if hash == (common.Hash{}) {
		return nil
	}
	return hc.GetHeader(hash, number)
}

// GetTd retrieves a block's total difficulty in the canonical chain from the
// database by hash and number, caching it if found.
// GetTd 通过哈希和编号从数据库中检索规范链中区块的总难度，如果找到则缓存。
func (hc *HeaderChain) GetTd(hash common.Hash, number uint64) *big.Int {
	if cached, ok := hc.tdCache.Get(hash); ok {
		return cached
	}
	td := rawdb.ReadTd(hc.db, hash, number)
	if td == nil {
		return nil
	}
	hc.tdCache.Add(hash, td)
	return td
}

// GetTdByHash retrieves a block's total difficulty by hash.
func (hc *HeaderChain) GetTdByHash(hash common.Hash) *big.Int {
	number := hc.GetBlockNumber(hash)
	if number == nil {
		return nil
	}
	return hc.GetTd(hash, *number)
}

// HasHeader checks if a block header is present in the database or not.
// HasHeader 检查数据库中是否存在区块头部。
func (hc *HeaderChain) HasHeader(hash common.Hash, number uint64) bool {
	if hc.numberCache.Contains(hash) || hc.headerCache.Contains(hash) {
		return true
	}
	return rawdb.HasHeader(hc.db, hash, number)
}

// IsKnown reports whether the block was imported.
func (hc *HeaderChain) IsKnown(hash common.Hash) bool {
	return hc.GetBlockNumber(hash) != nil
}

// BlockHash implements RestorationTargetChain, retrieving the canonical hash
// of a height.
// BlockHash 检索给定高度的规范哈希。
func (hc *HeaderChain) BlockHash(number uint64) (common.Hash, bool) {
	hash := rawdb.ReadCanonicalHash(hc.db, number)
	return hash, hash != (common.Hash{})
}

// BlockHeader implements RestorationTargetChain and verification.BlockProvider.
func (hc *HeaderChain) BlockHeader(hash common.Hash) *types.Header {
	return hc.GetHeaderByHash(hash)
}

// BlockUncles implements verification.BlockProvider.
func (hc *HeaderChain) BlockUncles(hash common.Hash) []*types.Header {
	number := hc.GetBlockNumber(hash)
	if number == nil {
		return nil
	}
	body := rawdb.ReadBody(hc.db, hash, *number)
	if body == nil {
		return nil
	}
	return body.Uncles
}

// GetBlock retrieves a block from the database by hash and number.
func (hc *HeaderChain) GetBlock(hash common.Hash, number uint64) *types.Block {
	return rawdb.ReadBlock(hc.db, hash, number)
}

// GetBlockByHash retrieves a block from the database by hash.
func (hc *HeaderChain) GetBlockByHash(hash common.Hash) *types.Block {
	number := hc.GetBlockNumber(hash)
	if number == nil {
		return nil
	}
	return hc.GetBlock(hash, *number)
}

// GetReceipts retrieves the receipts of a block.
func (hc *HeaderChain) GetReceipts(hash common.Hash) types.Receipts {
	number := hc.GetBlockNumber(hash)
	if number == nil {
		return nil
	}
	return rawdb.ReadReceipts(hc.db, hash, *number)
}

// Candidates returns every known block of a height in the order they were
// first seen.
// Candidates 返回某一高度的所有已知区块，按首次看到的顺序排列。
func (hc *HeaderChain) Candidates(number uint64) []common.Hash {
	return slices.Clone(hc.candidates(number, nil))
}

func (hc *HeaderChain) candidates(number uint64, pending *PendingChanges) []common.Hash {
	if pending != nil {
		if hashes, ok := pending.eras[number]; ok {
			return hashes
		}
	}
	hc.lock.RLock()
	cached, ok := hc.eras.Get(&era{number: number})
	hc.lock.RUnlock()
	if ok {
		return cached.hashes
	}
	return rawdb.ReadCandidates(hc.db, number)
}

// GetAncestor retrieves the Nth ancestor of a given block. The returned header
// is nil if the ancestry is unknown.
// GetAncestor 检索给定区块的第 N 个祖先。
func (hc *HeaderChain) GetAncestor(hash common.Hash, number, ancestor uint64) *types.Header {
	if ancestor > number {
		return nil
	}
	header := hc.GetHeader(hash, number)
	for ; header != nil && ancestor > 0; ancestor-- {
		// Jump onto the canonical index once the ancestry joined it
		if canonical, _ := hc.BlockHash(header.Number.Uint64()); canonical == header.Hash() {
			return hc.GetHeaderByNumber(header.Number.Uint64() - ancestor)
		}
		header = hc.GetHeader(header.ParentHash, header.Number.Uint64()-1)
	}
	return header
}

func (hc *HeaderChain) td(hash common.Hash, pending *PendingChanges) *big.Int {
	if pending != nil {
		if td, ok := pending.tds[hash]; ok {
			return td
		}
	}
	return hc.GetTdByHash(hash)
}

func (hc *HeaderChain) blockHash(number uint64, pending *PendingChanges) (common.Hash, bool) {
	if pending != nil {
		if hash, ok := pending.canonical[number]; ok {
			return hash, hash != (common.Hash{})
		}
	}
	return hc.BlockHash(number)
}

// writeBlock stages the block data, its total difficulty and its place among
// the candidates of its era.
func (hc *HeaderChain) writeBlock(batch ethdb.KeyValueWriter, pending *PendingChanges, block *types.Block, receipts types.Receipts, td *big.Int) {
	hash, number := block.Hash(), block.NumberU64()

	rawdb.WriteBlock(batch, block)
	rawdb.WriteTd(batch, hash, number, td)
	rawdb.WriteReceipts(batch, hash, number, receipts)

	if hashes := hc.candidates(number, pending); !slices.Contains(hashes, hash) {
		hashes = append(slices.Clone(hashes), hash)
		rawdb.WriteCandidates(batch, number, hashes)
		pending.eras[number] = hashes
	}
	pending.headers[hash] = block.Header()
	pending.tds[hash] = td
}

// InsertBlock stages a verified block whose parent is known. The block
// becomes the head if its total difficulty exceeds the one of the current
// head, in which case the canonical index is rewritten along its ancestry.
// InsertBlock 暂存一个父区块已知的已验证区块。若其总难度超过当前链头，则成为新链头并沿其祖先重写规范索引。
func (hc *HeaderChain) InsertBlock(batch ethdb.KeyValueWriter, block *types.Block, receipts types.Receipts) (*PendingChanges, error) {
	hash := block.Hash()
	if hc.IsKnown(hash) {
		return nil, ErrKnownBlock
	}
	ptd := hc.GetTdByHash(block.ParentHash())
	if ptd == nil {
		return nil, fmt.Errorf("%w: %x", consensus.ErrUnknownAncestor, block.ParentHash())
	}
	var (
		td      = new(big.Int).Add(ptd, block.Difficulty())
		pending = newPendingChanges()
	)
	hc.writeBlock(batch, pending, block, receipts, td)

	// Total difficulty first, the first block seen wins a tie
	best := hc.BestBlock()
	if td.Cmp(best.Td) <= 0 {
		log.Debug("Inserted side block", "number", block.Number(), "hash", hash, "td", td, "besttd", best.Td)
		return pending, nil
	}
	hc.setCanonical(batch, pending, block.Header(), best.Header)
	rawdb.WriteHeadBlockHash(batch, hash)
	pending.Best = &BestBlock{Header: block.Header(), Td: td}
	return pending, nil
}

// setCanonical rewrites the canonical index so that it leads to head, dropping
// the entries of the previous head above it.
func (hc *HeaderChain) setCanonical(batch ethdb.KeyValueWriter, pending *PendingChanges, head, prev *types.Header) {
	for n := prev.Number.Uint64(); n > head.Number.Uint64(); n-- {
		if hash, ok := hc.BlockHash(n); ok {
			pending.Retracted = append(pending.Retracted, hash)
		}
		rawdb.DeleteCanonicalHash(batch, n)
		pending.canonical[n] = common.Hash{}
	}
	for header := head; header != nil; {
		hash, number := header.Hash(), header.Number.Uint64()
		canonical, ok := hc.BlockHash(number)
		if canonical == hash {
			break
		}
		if ok {
			pending.Retracted = append(pending.Retracted, canonical)
		}
		pending.Enacted = append(pending.Enacted, hash)
		rawdb.WriteCanonicalHash(batch, hash, number)
		pending.canonical[number] = hash

		if number == 0 {
			break
		}
		header = hc.GetHeader(header.ParentHash, number-1)
	}
	slices.Reverse(pending.Enacted)

	if len(pending.Retracted) > 0 {
		logFn := log.Info
		msg := "Chain reorg detected"
		if len(pending.Retracted) > 63 {
			msg = "Large chain reorg detected"
			logFn = log.Warn
		}
		logFn(msg, "number", head.Number, "hash", head.Hash(), "drop", len(pending.Retracted), "add", len(pending.Enacted))
	}
}

// WriteEpochTransition stages an epoch transition into batch.
func (hc *HeaderChain) WriteEpochTransition(batch ethdb.KeyValueWriter, pending *PendingChanges, number uint64, transition rawdb.EpochTransition) {
	existing, ok := pending.transitions[number]
	if !ok {
		existing = rawdb.ReadEpochTransitions(hc.db, number)
	}
	transitions := rawdb.AppendEpochTransition(existing, transition)
	rawdb.WriteEpochTransitions(batch, number, transitions)
	pending.transitions[number] = transitions
}

// ApplyPending reveals staged changes to the readers of the chain. The batch
// they were staged in must have been written.
// ApplyPending 向链的读者公开暂存的变更。暂存它们的批次必须已经写入。
func (hc *HeaderChain) ApplyPending(pending *PendingChanges) {
	hc.lock.Lock()
	defer hc.lock.Unlock()

	for hash, header := range pending.headers {
		hc.headerCache.Add(hash, header)
		hc.numberCache.Add(hash, header.Number.Uint64())
	}
	for hash, td := range pending.tds {
		hc.tdCache.Add(hash, td)
	}
	for number, hashes := range pending.eras {
		hc.eras.ReplaceOrInsert(&era{number: number, hashes: hashes})
	}
	for hc.eras.Len() > eraCacheLimit {
		hc.eras.DeleteMin()
	}
	for number := range pending.transitions {
		hc.epochs.ReplaceOrInsert(number)
	}
	if pending.ancient {
		hc.bestAncient = pending.bestAncient
	}
	if pending.Best != nil {
		hc.best = pending.Best
		headHeaderGauge.Update(pending.Best.Header.Number.Int64())
	}
}

// staging returns the restoration stage, opening it if needed. The stage
// lock must be held.
func (hc *HeaderChain) staging() (*PendingChanges, ethdb.Batch) {
	if hc.stage == nil {
		hc.stage, hc.stageBatch = newPendingChanges(), hc.db.NewBatch()
	}
	return hc.stage, hc.stageBatch
}

// InsertEpochTransition implements RestorationTargetChain.
func (hc *HeaderChain) InsertEpochTransition(number uint64, transition rawdb.EpochTransition) {
	hc.stageLock.Lock()
	defer hc.stageLock.Unlock()

	pending, batch := hc.staging()
	hc.WriteEpochTransition(batch, pending, number, transition)
}

// InsertUnorderedBlock implements RestorationTargetChain. The block is made
// canonical at its height regardless of the fork choice.
// InsertUnorderedBlock 将区块设为其高度上的规范区块，不经过分叉选择。
func (hc *HeaderChain) InsertUnorderedBlock(block *types.Block, receipts types.Receipts, parentTd *big.Int, isBest, isAncient bool) (bool, error) {
	hc.stageLock.Lock()
	defer hc.stageLock.Unlock()

	pending, batch := hc.staging()

	hash, number := block.Hash(), block.NumberU64()
	if _, staged := pending.headers[hash]; staged || hc.IsKnown(hash) {
		return false, nil
	}
	var (
		td           *big.Int
		disconnected bool
	)
	if ptd := hc.td(block.ParentHash(), pending); ptd != nil {
		td = new(big.Int).Add(ptd, block.Difficulty())
	} else {
		if parentTd == nil {
			return false, fmt.Errorf("%w: %x", consensus.ErrUnknownAncestor, block.ParentHash())
		}
		td = new(big.Int).Add(parentTd, block.Difficulty())
		disconnected = true
	}
	hc.writeBlock(batch, pending, block, receipts, td)
	rawdb.WriteCanonicalHash(batch, hash, number)
	pending.canonical[number] = hash

	if isBest {
		rawdb.WriteHeadBlockHash(batch, hash)
		pending.Best = &BestBlock{Header: block.Header(), Td: td}
	}
	if isAncient && !disconnected {
		hc.setBestAncient(batch, pending, number, hash)
	}
	return disconnected, nil
}

// setBestAncient moves the best ancient block forward, or drops it once the
// restored range reaches the blocks above it.
func (hc *HeaderChain) setBestAncient(batch ethdb.KeyValueWriter, pending *PendingChanges, number uint64, hash common.Hash) {
	if _, ok := hc.blockHash(number+1, pending); ok {
		log.Trace("The two ends of the chain have met", "number", number)
		rawdb.WriteBestAncient(batch, nil)
		pending.bestAncient, pending.ancient = nil, true
		return
	}
	current := hc.BestAncient()
	if pending.ancient {
		current = pending.bestAncient
	}
	if current == nil || number > current.Number {
		log.Trace("Updating the best ancient block", "number", number)
		ref := &rawdb.BlockRef{Number: number, Hash: hash}
		rawdb.WriteBestAncient(batch, ref)
		pending.bestAncient, pending.ancient = ref, true
	}
}

// Commit implements RestorationTargetChain.
func (hc *HeaderChain) Commit() error {
	hc.stageLock.Lock()
	defer hc.stageLock.Unlock()

	if hc.stage == nil {
		return nil
	}
	pending, batch := hc.stage, hc.stageBatch
	hc.stage, hc.stageBatch = nil, nil

	// Restorations write through the write buffer of the store if it has one.
	if err := kvdb.WriteBuffered(hc.db, batch); err != nil {
		return err
	}
	hc.ApplyPending(pending)
	return nil
}

// Discard drops the staged restoration changes.
func (hc *HeaderChain) Discard() {
	hc.stageLock.Lock()
	defer hc.stageLock.Unlock()

	hc.stage, hc.stageBatch = nil, nil
}

// HeaderByHash implements consensus.EngineClient.
func (hc *HeaderChain) HeaderByHash(hash common.Hash) *types.Header {
	return hc.GetHeaderByHash(hash)
}

// EpochTransition implements consensus.EngineClient, walking back from the
// given block until a transition of its branch is found. Once the ancestry
// joins the canonical chain the latest canonical transition is used.
// EpochTransition 从给定区块向回遍历，直到找到其分支上的转换。祖先进入规范链后直接使用最新的规范转换。
func (hc *HeaderChain) EpochTransition(hash common.Hash) (*consensus.EpochTransition, bool) {
	for header := hc.GetHeaderByHash(hash); header != nil; {
		hash, number := header.Hash(), header.Number.Uint64()
		for _, t := range rawdb.ReadEpochTransitions(hc.db, number) {
			if t.BlockHash == hash {
				return epochTransition(t), true
			}
		}
		if canonical, _ := hc.BlockHash(number); canonical == hash {
			return hc.canonicalTransition(number)
		}
		if number == 0 {
			break
		}
		header = hc.GetHeader(header.ParentHash, number-1)
	}
	return nil, false
}

// canonicalTransition returns the latest transition of the canonical chain at
// or below number.
func (hc *HeaderChain) canonicalTransition(number uint64) (*consensus.EpochTransition, bool) {
	hc.lock.RLock()
	var heights []uint64
	hc.epochs.DescendLessOrEqual(number, func(n uint64) bool {
		heights = append(heights, n)
		return true
	})
	hc.lock.RUnlock()

	for _, n := range heights {
		canonical, ok := hc.BlockHash(n)
		if !ok {
			continue
		}
		for _, t := range rawdb.ReadEpochTransitions(hc.db, n) {
			if t.BlockHash == canonical {
				return epochTransition(t), true
			}
		}
	}
	return nil, false
}

func epochTransition(t rawdb.EpochTransition) *consensus.EpochTransition {
	return &consensus.EpochTransition{BlockHash: t.BlockHash, BlockNumber: t.BlockNumber, Proof: t.Proof}
}

var (
	_ RestorationTargetChain     = (*HeaderChain)(nil)
	_ consensus.EngineClient     = (*HeaderChain)(nil)
	_ verification.BlockProvider = (*HeaderChain)(nil)
)
