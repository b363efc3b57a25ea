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

package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/sunyihoo/ethimport/consensus"
	"github.com/sunyihoo/ethimport/core/blooms"
	"github.com/sunyihoo/ethimport/core/rawdb"
	"github.com/sunyihoo/ethimport/core/state"
	"github.com/sunyihoo/ethimport/core/verification"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
	"github.com/sunyihoo/ethimport/triedb/journaldb"
)

var (
	headBlockGauge  = metrics.NewRegisteredGauge("chain/head/block", nil)
	headHeaderGauge = metrics.NewRegisteredGauge("chain/head/header", nil)
	orphanGauge     = metrics.NewRegisteredGauge("chain/orphans", nil)

	blockInsertTimer     = metrics.NewRegisteredTimer("chain/inserts", nil)
	blockValidationTimer = metrics.NewRegisteredTimer("chain/validation", nil)
	blockExecutionTimer  = metrics.NewRegisteredTimer("chain/execution", nil)
	blockWriteTimer      = metrics.NewRegisteredTimer("chain/write", nil)

	blockInvalidMeter   = metrics.NewRegisteredMeter("chain/invalid", nil)
	blockReorgAddMeter  = metrics.NewRegisteredMeter("chain/reorg/add", nil)
	blockReorgDropMeter = metrics.NewRegisteredMeter("chain/reorg/drop", nil)
)

// storageRetryDelay is the wait before an import round aborted by a storage
// failure is retried.
const storageRetryDelay = 5 * time.Second

// Config contains the settings of the block importer.
// Config 包含区块导入器的设置。
type Config struct {
	Queue        verification.Config // Limits of the verification queue
	Pruning      journaldb.Algorithm // State pruning strategy
	JournalCache int                 // Clean cache of the state journal in bytes
	History      uint64              // Number of recent eras whose state is kept unpruned
	CheckSeal    bool                // Whether seals are verified
	ImportBatch  int                 // Maximum number of blocks imported per round
	MaxOrphans   int                 // Maximum number of blocks held waiting for their parent
}

// DefaultConfig contains the default importer settings.
var DefaultConfig = &Config{
	Queue:       verification.DefaultConfig,
	Pruning:     journaldb.OverlayRecent,
	History:     64,
	CheckSeal:   true,
	ImportBatch: 128,
	MaxOrphans:  1024,
}

// Client drives the import of blocks: raw blocks enter the verification
// queue, and a single import goroutine takes the verified ones, checks them
// against their family and the external engine rules, executes them on top
// of the parent state, verifies the results and commits block and state.
//
// Blocks arriving before their parent are held until the parent is imported.
// Every import round is announced as a NewBlocks event.
//
// Client 驱动区块导入：原始区块进入验证队列，单个导入协程取出已验证区块，
// 进行家族与外部规则检查，在父状态上执行并校验结果，然后提交区块与状态。
type Client struct {
	config   *Config
	root     ethdb.KeyValueStore // Store holding both namespaces
	db       ethdb.KeyValueStore // Chain namespace
	chain    *HeaderChain
	engine   consensus.Engine
	handle   *consensus.ClientHandle
	queue    *verification.BlockQueue
	blooms   *blooms.Database // Optional bloom index of the canonical chain
	executor Executor

	stateLock sync.RWMutex // Guards replacing the journal, reads from the import goroutine need no lock
	state     journaldb.JournalDB

	importLock  sync.Mutex                                       // Serializes import rounds
	orphans     map[common.Hash][]*verification.PreverifiedBlock // Blocks waiting for their parent, by parent hash
	orphanCount int
	retry       []*verification.PreverifiedBlock // Blocks left over by a round aborted on a storage error
	unindexed   []common.Hash                    // Canonical blocks whose blooms failed to reach the index

	majorSyncing atomic.Bool

	newBlocksFeed event.Feed
	scope         event.SubscriptionScope

	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewClient opens the chain and the state stored in the namespaces of db and
// starts importing.
// The bloom database may be nil, a nil executor runs plain transfers.
func NewClient(config *Config, db ethdb.KeyValueStore, bloomdb *blooms.Database, engine consensus.Engine, executor Executor) (*Client, error) {
	if config == nil {
		config = DefaultConfig
	}
	if executor == nil {
		executor = NewTransferExecutor(engine, nil)
	}
	chaindb := ChainDatabase(db)
	chain, err := NewHeaderChain(chaindb, engine)
	if err != nil {
		return nil, err
	}
	jdb, err := openJournal(db, config)
	if err != nil {
		return nil, err
	}
	head := chain.CurrentHeader()
	if head.Root != types.EmptyRootHash && !jdb.Contains(head.Root) {
		return nil, fmt.Errorf("missing state %x of head block #%d", head.Root, head.Number)
	}
	c := &Client{
		config:   config,
		root:     db,
		db:       chaindb,
		chain:    chain,
		engine:   engine,
		handle:   consensus.NewClientHandle(chain),
		state:    jdb,
		blooms:   bloomdb,
		executor: executor,
		orphans:  make(map[common.Hash][]*verification.PreverifiedBlock),
		quit:     make(chan struct{}),
	}
	engine.RegisterClient(c.handle)
	c.queue = verification.NewBlockQueue(config.Queue, engine, config.CheckSeal)
	headBlockGauge.Update(head.Number.Int64())

	c.wg.Add(1)
	go c.importLoop()

	log.Info("Started block importer", "engine", engine.Name(), "pruning", config.Pruning, "history", config.History,
		"number", head.Number, "hash", head.Hash())
	return c, nil
}

// openJournal opens the state journal kept in the state namespace of db.
func openJournal(db ethdb.KeyValueStore, config *Config) (journaldb.JournalDB, error) {
	return journaldb.New(StateDatabase(db), config.Pruning, &journaldb.Config{CleanCacheSize: config.JournalCache})
}

// ChainDatabase returns the namespace of db holding the blocks and the chain
// metadata.
func ChainDatabase(db ethdb.KeyValueStore) ethdb.KeyValueStore {
	return rawdb.NewTable(db, rawdb.ChainNamespace)
}

// StateDatabase returns the namespace of db holding the trie nodes and the
// state journal.
func StateDatabase(db ethdb.KeyValueStore) ethdb.KeyValueStore {
	return rawdb.NewTable(db, rawdb.StateNamespace)
}

// Chain returns the header chain of the client.
func (c *Client) Chain() *HeaderChain { return c.chain }

// Engine returns the consensus engine of the client.
func (c *Client) Engine() consensus.Engine { return c.engine }

// Queue returns the verification queue feeding the client.
func (c *Client) Queue() *verification.BlockQueue { return c.queue }

// StateDB returns the journalled state database.
func (c *Client) StateDB() journaldb.JournalDB {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.state
}

// StateAt opens the state with the given root. Modifications of the returned
// state never reach the database.
func (c *Client) StateAt(root common.Hash) (*state.StateDB, error) {
	return state.New(root, hashdb.NewOverlay(c.StateDB()))
}

// SetMajorSyncing records whether the node is far behind the network.
func (c *Client) SetMajorSyncing(syncing bool) { c.majorSyncing.Store(syncing) }

// IsMajorSyncing reports whether the node is far behind the network.
func (c *Client) IsMajorSyncing() bool { return c.majorSyncing.Load() }

// BlockNumber returns the number of a known block.
func (c *Client) BlockNumber(hash common.Hash) (uint64, bool) {
	number := c.chain.GetBlockNumber(hash)
	if number == nil {
		return 0, false
	}
	return *number, true
}

// SubscribeNewBlocks registers a subscription of NewBlocks events.
func (c *Client) SubscribeNewBlocks(ch chan<- NewBlocks) event.Subscription {
	return c.scope.Track(c.newBlocksFeed.Subscribe(ch))
}

// ImportBlock queues a raw RLP encoded block for import.
// ImportBlock 将 RLP 编码的原始区块加入导入队列。
func (c *Client) ImportBlock(raw []byte) (common.Hash, error) {
	block, err := verification.NewBlock(raw)
	if err != nil {
		return common.Hash{}, err
	}
	return c.importBlock(block)
}

// InsertBlock queues a decoded block for import.
func (c *Client) InsertBlock(block *types.Block) (common.Hash, error) {
	input, err := verification.FromBlock(block)
	if err != nil {
		return common.Hash{}, err
	}
	return c.importBlock(input)
}

func (c *Client) importBlock(block *verification.Block) (common.Hash, error) {
	if c.closed.Load() {
		return common.Hash{}, ErrClientClosed
	}
	hash := block.Header.Hash()
	if c.chain.IsKnown(hash) {
		return hash, ErrKnownBlock
	}
	return c.queue.Import(block)
}

// Flush waits until every queued block is verified and imports them. A
// storage failure stops the flush, the blocks not imported stay queued.
func (c *Client) Flush() error {
	c.queue.Flush()
	for {
		n, err := c.importVerifiedBlocks()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// BlocksWithBloom returns the numbers of the canonical blocks in [from, to]
// whose log bloom contains bloom. Without a bloom database nothing matches.
func (c *Client) BlocksWithBloom(bloom types.Bloom, from, to uint64) ([]uint64, error) {
	if c.blooms == nil {
		return nil, nil
	}
	it, err := c.blooms.IterateMatching(from, to, []types.Bloom{bloom})
	if err != nil {
		return nil, err
	}
	return it.Collect()
}

// importLoop imports verified blocks whenever the queue signals them. After a
// storage failure the round is retried on a timer.
func (c *Client) importLoop() {
	defer c.wg.Done()

	var retry <-chan time.Time
	for {
		select {
		case <-c.queue.Ready():
		case <-retry:
		case <-c.quit:
			return
		}
		retry = nil
		if _, err := c.importVerifiedBlocks(); err != nil {
			log.Error("Block import round aborted", "err", err, "retry", storageRetryDelay)
			retry = time.After(storageRetryDelay)
		}
	}
}

// importVerifiedBlocks runs one import round over the blocks drained from the
// queue and the orphans they release. It returns the number of blocks taken up.
//
// A storage error aborts the round: the failing block and the rest of the
// round stay in processing and are retried first by the next round.
// importVerifiedBlocks 对从队列取出的区块及其释放的孤块执行一轮导入。存储错误会中止本轮，未导入的区块留待下一轮重试。
func (c *Client) importVerifiedBlocks() (int, error) {
	c.importLock.Lock()
	defer c.importLock.Unlock()

	if c.closed.Load() {
		return 0, nil
	}
	work := append(c.retry, c.queue.Drain(c.config.ImportBatch)...)
	c.retry = nil
	if len(work) == 0 && len(c.unindexed) == 0 {
		return 0, nil
	}
	var (
		taken     = len(work)
		start     = time.Now()
		bad       = mapset.NewThreadUnsafeSet[common.Hash]()
		processed []common.Hash
		notify    NewBlocks
		stats     = insertStats{startTime: mclock.Now()}
		setHead   bool
		failure   error
	)
	for i := 0; i < len(work); i++ {
		block := work[i]
		hash, parent := block.Header.Hash(), block.Header.ParentHash

		switch {
		case bad.Contains(parent):
			bad.Add(hash)
			notify.Invalid = append(notify.Invalid, hash)
			stats.invalid++
			continue

		case !c.chain.IsKnown(parent):
			c.holdOrphan(block)
			stats.queued++
			continue
		}
		pending, err := c.importVerifiedBlock(block)
		if err != nil {
			var storageErr *StorageError
			if errors.As(err, &storageErr) {
				c.retry = append(c.retry, work[i:]...)
				failure = err
				break
			}
			if errors.Is(err, ErrKnownBlock) || errors.Is(err, ErrAncientBlock) {
				log.Debug("Ignoring verified block", "number", block.Header.Number, "hash", hash, "err", err)
				processed = append(processed, hash)
				stats.ignored++
				continue
			}
			log.Warn("Stage 3 block verification failed", "number", block.Header.Number, "hash", hash, "err", err)
			blockInvalidMeter.Mark(1)
			bad.Add(hash)
			notify.Invalid = append(notify.Invalid, hash)
			stats.invalid++
			continue
		}
		processed = append(processed, hash)
		notify.Imported = append(notify.Imported, hash)
		notify.Enacted = append(notify.Enacted, pending.Enacted...)
		notify.Retracted = append(notify.Retracted, pending.Retracted...)
		if pending.Best != nil {
			setHead = true
		}
		stats.processed++
		stats.usedGas += block.Header.GasUsed
		stats.report(work, i, common.StorageSize(c.state.JournalSize()), c.state.MemUsed(), setHead)

		work = append(work, c.releaseOrphans(hash)...)
	}
	// Descendants of invalid blocks waiting as orphans are invalid too.
	for _, hash := range notify.Invalid {
		notify.Invalid = append(notify.Invalid, c.dropOrphans(hash)...)
	}
	orphanGauge.Update(int64(c.orphanCount))

	c.queue.MarkAsGood(processed...)
	c.queue.MarkAsBad(notify.Invalid...)

	notify.Enacted, notify.Retracted = c.netRoute(notify.Enacted, notify.Retracted)
	if err := c.indexBlooms(notify.Enacted); err != nil && failure == nil {
		failure = err
	}
	notify.HasMoreToImport = len(c.retry) > 0 || !c.queue.QueueInfo().IsEmpty()
	notify.Duration = time.Since(start)

	if len(notify.Imported) > 0 || len(notify.Invalid) > 0 {
		c.newBlocksFeed.Send(notify)
	}
	return taken, failure
}

// importVerifiedBlock checks a block against its family, executes it and
// commits it together with its state. The parent must be known.
func (c *Client) importVerifiedBlock(block *verification.PreverifiedBlock) (*PendingChanges, error) {
	var (
		start  = time.Now()
		header = block.Header
		hash   = header.Hash()
		number = header.Number.Uint64()
	)
	if c.chain.IsKnown(hash) {
		return nil, ErrKnownBlock
	}
	if best := c.chain.CurrentHeader().Number.Uint64(); c.state.IsPruned() && number+c.config.History <= best {
		return nil, fmt.Errorf("%w: number %d, best %d", ErrAncientBlock, number, best)
	}
	parent := c.chain.GetHeaderByHash(header.ParentHash)
	if parent == nil {
		return nil, fmt.Errorf("%w: %x", consensus.ErrUnknownAncestor, header.ParentHash)
	}
	if err := verification.VerifyBlockFamily(header, parent, block.Uncles, c.chain, c.engine); err != nil {
		return nil, &verification.Error{Phase: verification.PhaseFamily, Hash: hash, Err: err}
	}
	if err := verification.VerifyBlockExternal(header, c.engine); err != nil {
		return nil, &verification.Error{Phase: verification.PhaseExternal, Hash: hash, Err: err}
	}
	blockValidationTimer.UpdateSince(start)

	// Execute on an overlay, so a rejected block leaves the journal untouched.
	executed := time.Now()
	overlay := hashdb.NewOverlay(c.state)
	result, err := c.executor.Execute(block, parent, overlay)
	if err != nil {
		return nil, fmt.Errorf("execute block: %w", err)
	}
	if err := verification.VerifyBlockFinal(header, result.Header(header)); err != nil {
		return nil, &verification.Error{Phase: verification.PhaseFinal, Hash: hash, Err: err}
	}
	blockExecutionTimer.UpdateSince(executed)

	written := time.Now()
	pending, err := c.commitBlock(block, result, overlay)
	if err != nil {
		return nil, err
	}
	blockWriteTimer.UpdateSince(written)
	blockInsertTimer.UpdateSince(start)
	return pending, nil
}

// commitBlock writes the block into the chain and journals its state in the
// same batch, marking the era falling out of the history canonical. Failures
// are storage errors; the in-memory journal is reloaded from disk after them.
// commitBlock 在同一批次中写入区块并记录其状态，同时将移出历史窗口的纪元标记为规范。
func (c *Client) commitBlock(block *verification.PreverifiedBlock, result *ExecutionResult, overlay *hashdb.Overlay) (*PendingChanges, error) {
	var (
		header = block.Header
		hash   = header.Hash()
		number = header.Number.Uint64()
	)
	var end *journaldb.Era
	if number >= c.config.History {
		era := number - c.config.History
		if canon, ok := c.chain.BlockHash(era); ok {
			end = &journaldb.Era{Number: era, Hash: canon}
		}
	}
	var (
		batch      = c.root.NewBatch()
		chainBatch = rawdb.NewTableBatch(batch, rawdb.ChainNamespace)
		stateBatch = rawdb.NewTableBatch(batch, rawdb.StateNamespace)
	)
	pending, err := c.chain.InsertBlock(chainBatch, block.Block(), result.Receipts)
	if err != nil {
		return nil, err
	}
	if proof, ok := c.engine.SignalsEpochEnd(header); ok {
		log.Info("Epoch transition signalled", "number", number, "hash", hash)
		c.chain.WriteEpochTransition(chainBatch, pending, number, rawdb.EpochTransition{BlockHash: hash, BlockNumber: number, Proof: proof})
	}
	c.state.Consolidate(overlay.MemoryDB)
	if _, err := journaldb.Commit(c.state, stateBatch, number, hash, end); err != nil {
		return nil, c.storageFailure("commit state", err)
	}
	if err := batch.Write(); err != nil {
		return nil, c.storageFailure("write block", err)
	}
	c.state.Flush()
	c.chain.ApplyPending(pending)

	if pending.Best != nil {
		headBlockGauge.Update(int64(number))
		blockReorgAddMeter.Mark(int64(len(pending.Enacted)))
		blockReorgDropMeter.Mark(int64(len(pending.Retracted)))
	}
	return pending, nil
}

// storageFailure reloads the state journal from disk, dropping whatever the
// failed commit left in memory, and wraps err as a storage error.
func (c *Client) storageFailure(op string, err error) error {
	failure := &StorageError{Op: op, Err: err}
	jdb, rerr := openJournal(c.root, c.config)
	if rerr != nil {
		log.Error("Failed to reload state journal", "err", rerr)
		return failure
	}
	c.stateLock.Lock()
	c.state = jdb
	c.stateLock.Unlock()
	return failure
}

// indexBlooms writes the log blooms of newly canonical blocks into the bloom
// database. Enacted blocks form consecutive runs, each run is inserted at
// once. Blocks whose insert failed are retried with the next round.
func (c *Client) indexBlooms(enacted []common.Hash) error {
	if c.blooms == nil {
		return nil
	}
	var (
		seen    = mapset.NewThreadUnsafeSet[common.Hash]()
		pending = append(c.unindexed, enacted...)
		failed  []common.Hash
		failure error

		from uint64
		run  []types.Bloom
		runs []common.Hash
	)
	c.unindexed = nil

	flush := func() {
		if len(run) == 0 {
			return
		}
		if err := c.blooms.InsertBlooms(from, run); err != nil {
			log.Error("Failed to index block blooms", "from", from, "count", len(run), "err", err)
			failed = append(failed, runs...)
			if failure == nil {
				failure = &StorageError{Op: "index blooms", Err: err}
			}
		}
		run, runs = nil, nil
	}
	for _, hash := range pending {
		if !seen.Add(hash) || !c.isCanonical(hash) {
			continue
		}
		header := c.chain.GetHeaderByHash(hash)
		if header == nil {
			continue
		}
		number := header.Number.Uint64()
		if len(run) > 0 && number != from+uint64(len(run)) {
			flush()
		}
		if len(run) == 0 {
			from = number
		}
		run = append(run, header.Bloom)
		runs = append(runs, hash)
	}
	flush()
	c.unindexed = failed
	return failure
}

// holdOrphan keeps a block whose parent is unknown until the parent arrives.
// Once the pool is full new orphans are dropped from the queue.
func (c *Client) holdOrphan(block *verification.PreverifiedBlock) {
	hash, parent := block.Header.Hash(), block.Header.ParentHash
	for _, held := range c.orphans[parent] {
		if held.Header.Hash() == hash {
			return
		}
	}
	if c.orphanCount >= c.config.MaxOrphans {
		log.Debug("Dropping orphan block", "number", block.Header.Number, "hash", hash, "orphans", c.orphanCount)
		c.queue.MarkAsGood(hash)
		return
	}
	log.Trace("Holding orphan block", "number", block.Header.Number, "hash", hash, "parent", parent)
	c.orphans[parent] = append(c.orphans[parent], block)
	c.orphanCount++
}

// releaseOrphans returns the blocks waiting for parent.
func (c *Client) releaseOrphans(parent common.Hash) []*verification.PreverifiedBlock {
	children := c.orphans[parent]
	if len(children) > 0 {
		delete(c.orphans, parent)
		c.orphanCount -= len(children)
	}
	return children
}

// dropOrphans removes every held descendant of hash and returns their hashes.
func (c *Client) dropOrphans(hash common.Hash) []common.Hash {
	var dropped []common.Hash
	for queue := []common.Hash{hash}; len(queue) > 0; queue = queue[1:] {
		for _, child := range c.releaseOrphans(queue[0]) {
			childHash := child.Header.Hash()
			dropped = append(dropped, childHash)
			queue = append(queue, childHash)
		}
	}
	return dropped
}

// netRoute reduces the enacted and retracted blocks of a round to the net
// change of the canonical chain.
func (c *Client) netRoute(enacted, retracted []common.Hash) ([]common.Hash, []common.Hash) {
	var (
		seen = mapset.NewThreadUnsafeSet[common.Hash]()
		e, r []common.Hash
	)
	for _, hash := range enacted {
		if seen.Add(hash) && c.isCanonical(hash) {
			e = append(e, hash)
		}
	}
	for _, hash := range retracted {
		if seen.Add(hash) && !c.isCanonical(hash) {
			r = append(r, hash)
		}
	}
	return e, r
}

// isCanonical reports whether hash is the canonical block at its number.
func (c *Client) isCanonical(hash common.Hash) bool {
	number := c.chain.GetBlockNumber(hash)
	if number == nil {
		return false
	}
	canon, ok := c.chain.BlockHash(*number)
	return ok && canon == hash
}

// Close stops the import loop and the verification queue and detaches the
// engine from the chain.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.quit)
	c.wg.Wait()

	c.importLock.Lock()
	c.queue.Close()
	c.handle.Invalidate()
	c.importLock.Unlock()

	c.scope.Close()
	log.Info("Block importer stopped")
}
