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

package verification

import (
	"errors"
	"math/big"
	"runtime"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/sunyihoo/ethimport/consensus"
)

const (
	minMemLimit   = 16384
	minQueueLimit = 512
)

// Config contains the limits of a verification queue.
type Config struct {
	MaxQueueSize int // Number of queued items after which the queue reports full 队列报告已满前的条目数量
	MaxMemUse    int // Memory held by queued items after which the queue reports full
	Verifiers    int // Number of verifier goroutines, 0 picks from the CPU count
}

// DefaultConfig contains the default queue limits.
var DefaultConfig = Config{
	MaxQueueSize: 30000,
	MaxMemUse:    50 * 1024 * 1024,
}

// Status is the standing of an item in the queue.
type Status int

const (
	StatusUnknown Status = iota // Never seen or already processed
	StatusQueued                // Waiting for import 等待导入
	StatusBad                   // Known to be invalid 已知无效
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusBad:
		return "bad"
	}
	return "unknown"
}

// QueueInfo is a snapshot of the queue sizes.
type QueueInfo struct {
	Unverified   int
	Verifying    int
	Verified     int
	MaxQueueSize int
	MaxMemUse    int
	MemUsed      int
}

// Total returns the number of items in the queue.
func (i QueueInfo) Total() int { return i.Unverified + i.Verifying + i.Verified }

// IsFull reports whether either limit is reached.
func (i QueueInfo) IsFull() bool {
	return i.Unverified+i.Verifying+i.Verified > i.MaxQueueSize || i.MemUsed > i.MaxMemUse
}

// IsEmpty reports whether nothing is queued.
func (i QueueInfo) IsEmpty() bool { return i.Total() == 0 }

// verifying is an item handed to a worker. Output is set once the worker
// finished successfully.
type verifying[V Item] struct {
	hash   common.Hash
	output V
	done   bool
}

// Queue verifies items on a pool of worker goroutines and hands them out in
// import order, minus the invalid ones and their descendants.
//
// Queue 在工作协程池上验证条目，并按导入顺序输出，剔除无效条目及其后代。
type Queue[I, U, V Item] struct {
	kind      Kind[I, U, V]
	engine    consensus.Engine
	checkSeal bool

	maxQueueSize int
	maxMemUse    int

	lock         sync.Mutex
	moreToVerify *sync.Cond // Signalled when unverified items arrive or on close
	empty        *sync.Cond // Signalled when nothing is left to verify

	unverified []U
	verifying  []*verifying[V]
	verified   []V
	bad        mapset.Set[common.Hash]
	processing map[common.Hash]*big.Int // Queued items with their difficulty

	unverifiedSize, verifyingSize, verifiedSize int

	ready     chan struct{}
	signalled atomic.Bool
	closed    atomic.Bool
	wg        sync.WaitGroup

	unverifiedGauge metrics.Gauge
	verifiedGauge   metrics.Gauge
	badMeter        metrics.Meter
}

// NewQueue starts a verification queue and its workers. The name prefixes the
// queue metrics.
func NewQueue[I, U, V Item](name string, config Config, kind Kind[I, U, V], engine consensus.Engine, checkSeal bool) *Queue[I, U, V] {
	q := &Queue[I, U, V]{
		kind:            kind,
		engine:          engine,
		checkSeal:       checkSeal,
		maxQueueSize:    max(config.MaxQueueSize, minQueueLimit),
		maxMemUse:       max(config.MaxMemUse, minMemLimit),
		bad:             mapset.NewThreadUnsafeSet[common.Hash](),
		processing:      make(map[common.Hash]*big.Int),
		ready:           make(chan struct{}, 1),
		unverifiedGauge: metrics.GetOrRegisterGauge("verification/"+name+"/unverified", nil),
		verifiedGauge:   metrics.GetOrRegisterGauge("verification/"+name+"/verified", nil),
		badMeter:        metrics.GetOrRegisterMeter("verification/"+name+"/bad", nil),
	}
	q.moreToVerify = sync.NewCond(&q.lock)
	q.empty = sync.NewCond(&q.lock)

	workers := config.Verifiers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 3) - 2
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.verifier()
	}
	log.Debug("Started verification queue", "name", name, "verifiers", workers, "maxsize", q.maxQueueSize, "maxmem", q.maxMemUse)
	return q
}

// verifier is the loop of one worker goroutine.
func (q *Queue[I, U, V]) verifier() {
	defer q.wg.Done()

	for {
		q.lock.Lock()
		if len(q.unverified) == 0 && len(q.verifying) == 0 {
			q.empty.Broadcast()
		}
		for len(q.unverified) == 0 && !q.closed.Load() {
			q.moreToVerify.Wait()
		}
		if q.closed.Load() {
			q.lock.Unlock()
			return
		}
		item := q.unverified[0]
		q.unverified = q.unverified[1:]
		info := item.Info()
		q.unverifiedSize -= info.Size

		slot := &verifying[V]{hash: info.Hash}
		q.verifying = append(q.verifying, slot)
		q.lock.Unlock()

		output, err := q.kind.Verify(item, q.engine, q.checkSeal)

		q.lock.Lock()
		if !q.tracked(slot) {
			// The queue was cleared while verifying
			q.lock.Unlock()
			continue
		}
		var ready bool
		if err != nil {
			log.Debug("Queued item failed verification", "number", info.Number, "hash", info.Hash, "err", err)
			q.bad.Add(info.Hash)
			q.badMeter.Mark(1)
			delete(q.processing, info.Hash)
			q.removeVerifying(slot)
			ready = len(q.verifying) > 0 && q.verifying[0].done
		} else {
			slot.output, slot.done = output, true
			q.verifyingSize += output.Info().Size
			ready = q.verifying[0] == slot
		}
		if ready {
			q.drainVerifying()
		}
		q.lock.Unlock()

		if ready {
			q.signal()
		}
	}
}

func (q *Queue[I, U, V]) tracked(slot *verifying[V]) bool {
	for _, s := range q.verifying {
		if s == slot {
			return true
		}
	}
	return false
}

func (q *Queue[I, U, V]) removeVerifying(slot *verifying[V]) {
	for i, s := range q.verifying {
		if s == slot {
			q.verifying = append(q.verifying[:i], q.verifying[i+1:]...)
			return
		}
	}
}

// drainVerifying moves the finished prefix of the verifying list into the
// verified list, dropping children of bad items. The lock must be held.
func (q *Queue[I, U, V]) drainVerifying() {
	var removed, inserted int
	for len(q.verifying) > 0 && q.verifying[0].done {
		output := q.verifying[0].output
		q.verifying = q.verifying[1:]

		info := output.Info()
		removed += info.Size
		if q.bad.Contains(info.ParentHash) {
			q.bad.Add(info.Hash)
			q.badMeter.Mark(1)
			delete(q.processing, info.Hash)
			continue
		}
		inserted += info.Size
		q.verified = append(q.verified, output)
	}
	q.verifyingSize -= removed
	q.verifiedSize += inserted
	q.verifiedGauge.Update(int64(len(q.verified)))
}

// signal delivers the ready notification once until the next drain.
func (q *Queue[I, U, V]) signal() {
	if q.closed.Load() {
		return
	}
	if q.signalled.CompareAndSwap(false, true) {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
}

// Ready returns the channel receiving a notification whenever verified items
// are waiting to be drained.
func (q *Queue[I, U, V]) Ready() <-chan struct{} { return q.ready }

// Import runs the creation phase on input and queues it for verification.
// Failing items are remembered as bad, except those failing because they are
// from the future.
// Import 对输入执行创建阶段并将其排入验证队列。失败的条目被记为无效，来自未来的区块除外。
func (q *Queue[I, U, V]) Import(input I) (common.Hash, error) {
	if q.closed.Load() {
		return common.Hash{}, ErrQueueClosed
	}
	info := input.Info()

	q.lock.Lock()
	if _, ok := q.processing[info.Hash]; ok {
		q.lock.Unlock()
		return info.Hash, ErrAlreadyQueued
	}
	if q.bad.Contains(info.Hash) {
		q.lock.Unlock()
		return info.Hash, ErrKnownBad
	}
	if q.bad.Contains(info.ParentHash) {
		q.bad.Add(info.Hash)
		q.lock.Unlock()
		return info.Hash, ErrKnownBad
	}
	q.lock.Unlock()

	item, err := q.kind.Create(input, q.engine, q.checkSeal)
	if err != nil {
		if !isTransient(err) {
			q.lock.Lock()
			q.bad.Add(info.Hash)
			q.lock.Unlock()
			q.badMeter.Mark(1)
		}
		return info.Hash, err
	}
	q.lock.Lock()
	defer q.lock.Unlock()

	// Another import of the same item may have won while the lock was released.
	if _, ok := q.processing[info.Hash]; ok {
		return info.Hash, ErrAlreadyQueued
	}
	if q.bad.Contains(info.Hash) {
		return info.Hash, ErrKnownBad
	}
	difficulty := info.Difficulty
	if difficulty == nil {
		difficulty = new(big.Int)
	}
	q.processing[info.Hash] = difficulty
	q.unverified = append(q.unverified, item)
	q.unverifiedSize += item.Info().Size
	q.unverifiedGauge.Update(int64(len(q.unverified)))
	q.moreToVerify.Signal()
	return info.Hash, nil
}

// isTransient reports whether a creation failure may go away on its own.
func isTransient(err error) bool {
	return errors.Is(err, consensus.ErrFutureBlock)
}

// Drain removes up to max verified items from the queue in import order.
func (q *Queue[I, U, V]) Drain(max int) []V {
	q.lock.Lock()
	count := min(max, len(q.verified))
	result := make([]V, count)
	copy(result, q.verified[:count])
	q.verified = q.verified[count:]
	for _, v := range result {
		q.verifiedSize -= v.Info().Size
	}
	more := len(q.verified) > 0
	q.verifiedGauge.Update(int64(len(q.verified)))
	q.signalled.Store(false)
	q.lock.Unlock()

	if more {
		q.signal()
	}
	return result
}

// MarkAsBad marks the given items and all their queued descendants as bad.
// MarkAsBad 将给定条目及其所有排队中的后代标记为无效。
func (q *Queue[I, U, V]) MarkAsBad(hashes ...common.Hash) {
	if len(hashes) == 0 {
		return
	}
	q.lock.Lock()
	defer q.lock.Unlock()

	for _, hash := range hashes {
		q.bad.Add(hash)
		delete(q.processing, hash)
	}
	var (
		kept    = q.verified[:0]
		removed int
	)
	for _, output := range q.verified {
		info := output.Info()
		if q.bad.Contains(info.ParentHash) {
			removed += info.Size
			q.bad.Add(info.Hash)
			delete(q.processing, info.Hash)
			continue
		}
		kept = append(kept, output)
	}
	q.verified = kept
	q.verifiedSize -= removed
	q.verifiedGauge.Update(int64(len(q.verified)))
}

// MarkAsGood marks the given items as processed. It reports whether nothing
// remains in processing.
func (q *Queue[I, U, V]) MarkAsGood(hashes ...common.Hash) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	for _, hash := range hashes {
		delete(q.processing, hash)
	}
	return len(q.processing) == 0
}

// Status returns the standing of the item with the given hash.
func (q *Queue[I, U, V]) Status(hash common.Hash) Status {
	q.lock.Lock()
	defer q.lock.Unlock()

	if _, ok := q.processing[hash]; ok {
		return StatusQueued
	}
	if q.bad.Contains(hash) {
		return StatusBad
	}
	return StatusUnknown
}

// TotalDifficulty returns the sum of the difficulties of the queued items.
func (q *Queue[I, U, V]) TotalDifficulty() *big.Int {
	q.lock.Lock()
	defer q.lock.Unlock()

	total := new(big.Int)
	for _, d := range q.processing {
		total.Add(total, d)
	}
	return total
}

// Flush blocks until nothing is left to verify.
func (q *Queue[I, U, V]) Flush() {
	q.lock.Lock()
	defer q.lock.Unlock()

	for (len(q.unverified) > 0 || len(q.verifying) > 0) && !q.closed.Load() {
		q.empty.Wait()
	}
}

// Clear drops every queued item. Items being verified are discarded once
// their worker finishes.
func (q *Queue[I, U, V]) Clear() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.unverified, q.verifying, q.verified = nil, nil, nil
	q.unverifiedSize, q.verifyingSize, q.verifiedSize = 0, 0, 0
	q.processing = make(map[common.Hash]*big.Int)
	q.unverifiedGauge.Update(0)
	q.verifiedGauge.Update(0)
	q.empty.Broadcast()
}

// QueueInfo returns the current queue sizes.
func (q *Queue[I, U, V]) QueueInfo() QueueInfo {
	q.lock.Lock()
	defer q.lock.Unlock()

	return QueueInfo{
		Unverified:   len(q.unverified),
		Verifying:    len(q.verifying),
		Verified:     len(q.verified),
		MaxQueueSize: q.maxQueueSize,
		MaxMemUse:    q.maxMemUse,
		MemUsed:      q.unverifiedSize + q.verifyingSize + q.verifiedSize,
	}
}

// Close clears the queue and stops the workers.
func (q *Queue[I, U, V]) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.Clear()

	q.lock.Lock()
	q.moreToVerify.Broadcast()
	q.empty.Broadcast()
	q.lock.Unlock()

	q.wg.Wait()
	log.Debug("Closed verification queue")
}

// BlockQueue verifies full blocks.
type BlockQueue = Queue[*Block, *Unverified, *PreverifiedBlock]

// HeaderQueue verifies headers on their own.
type HeaderQueue = Queue[Header, Header, Header]

// NewBlockQueue starts a queue of full blocks.
func NewBlockQueue(config Config, engine consensus.Engine, checkSeal bool) *BlockQueue {
	return NewQueue[*Block, *Unverified, *PreverifiedBlock]("blocks", config, Blocks{}, engine, checkSeal)
}

// NewHeaderQueue starts a queue of headers.
func NewHeaderQueue(config Config, engine consensus.Engine, checkSeal bool) *HeaderQueue {
	return NewQueue[Header, Header, Header]("headers", config, Headers{}, engine, checkSeal)
}
