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

package kvdb

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

// pebbleDB is a pebble backed key-value store. Compaction and write stall
// events are tracked through the pebble event listener.
// pebbleDB 是基于 pebble 的键值存储，通过事件监听器跟踪压缩和写入暂停。
type pebbleDB struct {
	fn string
	db *pebble.DB

	compTimeMeter    *metrics.Meter
	compWriteMeter   *metrics.Meter
	writeDelayMeter  *metrics.Meter
	writeDelayNMeter *metrics.Meter
	diskSizeGauge    *metrics.Gauge
	diskWriteMeter   *metrics.Meter
	level0CompGauge  *metrics.Gauge

	quitLock sync.RWMutex
	quitChan chan chan error
	closed   bool

	log log.Logger

	activeComp    int
	compStartTime time.Time
	compTime      atomic.Int64
	level0Comp    atomic.Uint32

	writeStalled        atomic.Bool
	writeDelayStartTime time.Time
	writeDelayCount     atomic.Int64
	writeDelayTime      atomic.Int64

	writeOptions *pebble.WriteOptions
}

func (d *pebbleDB) onCompactionBegin(info pebble.CompactionInfo) {
	if d.activeComp == 0 {
		d.compStartTime = time.Now()
	}
	if len(info.Input) > 0 && info.Input[0].Level == 0 {
		d.level0Comp.Add(1)
	}
	d.activeComp++
}

func (d *pebbleDB) onCompactionEnd(info pebble.CompactionInfo) {
	if d.activeComp == 1 {
		d.compTime.Add(int64(time.Since(d.compStartTime)))
	} else if d.activeComp == 0 {
		panic("should not happen")
	}
	d.activeComp--
}

func (d *pebbleDB) onWriteStallBegin(b pebble.WriteStallBeginInfo) {
	d.writeDelayStartTime = time.Now()
	d.writeDelayCount.Add(1)
	d.writeStalled.Store(true)
}

func (d *pebbleDB) onWriteStallEnd() {
	d.writeDelayTime.Add(int64(time.Since(d.writeDelayStartTime)))
	d.writeStalled.Store(false)
}

// panicLogger silences pebble's internal logger, failing hard on fatal.
type panicLogger struct{}

func (l panicLogger) Infof(format string, args ...interface{})  {}
func (l panicLogger) Errorf(format string, args ...interface{}) {}
func (l panicLogger) Fatalf(format string, args ...interface{}) {
	panic(fmt.Errorf("fatal: "+format, args...))
}

// newPebbleDB opens a pebble store at file. Pebble has a single cache area
// which the memtables are taken from as well.
func newPebbleDB(file string, cache int, handles int, namespace string, readonly bool) (*pebbleDB, error) {
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	logger := log.New("database", file)
	logger.Info("Allocated cache and file handles", "backend", BackendPebble, "cache", common.StorageSize(cache*1024*1024), "handles", handles, "readonly", readonly)

	// Two memtables, a frozen one and a live one, like leveldb. The size is
	// capped below pebble's uint32 arena offsets.
	maxMemTableSize := (1<<31)<<(^uint(0)>>63) - 1
	memTableLimit := 2
	memTableSize := cache * 1024 * 1024 / 2 / memTableLimit
	if memTableSize >= maxMemTableSize {
		memTableSize = maxMemTableSize - 1
	}
	db := &pebbleDB{
		fn:           file,
		log:          logger,
		quitChan:     make(chan chan error),
		writeOptions: &pebble.WriteOptions{Sync: false},
	}
	levels := make([]pebble.LevelOptions, 7)
	for i := range levels {
		levels[i] = pebble.LevelOptions{TargetFileSize: int64(2<<i) * 1024 * 1024, FilterPolicy: bloom.FilterPolicy(10)}
	}
	opt := &pebble.Options{
		Cache:                       pebble.NewCache(int64(cache * 1024 * 1024)),
		MaxOpenFiles:                handles,
		MemTableSize:                uint64(memTableSize),
		MemTableStopWritesThreshold: memTableLimit,
		MaxConcurrentCompactions:    runtime.NumCPU,
		Levels:                      levels,
		ReadOnly:                    readonly,
		EventListener: &pebble.EventListener{
			CompactionBegin: db.onCompactionBegin,
			CompactionEnd:   db.onCompactionEnd,
			WriteStallBegin: db.onWriteStallBegin,
			WriteStallEnd:   db.onWriteStallEnd,
		},
		Logger: panicLogger{},
	}
	// Disable seek compaction
	opt.Experimental.ReadSamplingMultiplier = -1

	inner, err := pebble.Open(file, opt)
	if err != nil {
		return nil, err
	}
	db.db = inner

	db.compTimeMeter = metrics.GetOrRegisterMeter(namespace+"compact/time", nil)
	db.compWriteMeter = metrics.GetOrRegisterMeter(namespace+"compact/output", nil)
	db.writeDelayMeter = metrics.GetOrRegisterMeter(namespace+"compact/writedelay/duration", nil)
	db.writeDelayNMeter = metrics.GetOrRegisterMeter(namespace+"compact/writedelay/counter", nil)
	db.diskSizeGauge = metrics.GetOrRegisterGauge(namespace+"disk/size", nil)
	db.diskWriteMeter = metrics.GetOrRegisterMeter(namespace+"disk/write", nil)
	db.level0CompGauge = metrics.GetOrRegisterGauge(namespace+"compact/level0", nil)

	go db.meter(metricsGatheringInterval)
	return db, nil
}

// Close stops the metrics collection and closes the store. Closing twice is
// allowed.
func (d *pebbleDB) Close() error {
	d.quitLock.Lock()
	defer d.quitLock.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.quitChan != nil {
		errc := make(chan error)
		d.quitChan <- errc
		if err := <-errc; err != nil {
			d.log.Error("Metrics collection failed", "err", err)
		}
		d.quitChan = nil
	}
	return d.db.Close()
}

func (d *pebbleDB) Has(key []byte) (bool, error) {
	d.quitLock.RLock()
	defer d.quitLock.RUnlock()
	if d.closed {
		return false, pebble.ErrClosed
	}
	_, closer, err := d.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (d *pebbleDB) Get(key []byte) ([]byte, error) {
	d.quitLock.RLock()
	defer d.quitLock.RUnlock()
	if d.closed {
		return nil, pebble.ErrClosed
	}
	dat, closer, err := d.db.Get(key)
	if err != nil {
		return nil, err
	}
	ret := common.CopyBytes(dat)
	if err = closer.Close(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (d *pebbleDB) Put(key []byte, value []byte) error {
	d.quitLock.RLock()
	defer d.quitLock.RUnlock()
	if d.closed {
		return pebble.ErrClosed
	}
	return d.db.Set(key, value, d.writeOptions)
}

func (d *pebbleDB) Delete(key []byte) error {
	d.quitLock.RLock()
	defer d.quitLock.RUnlock()
	if d.closed {
		return pebble.ErrClosed
	}
	return d.db.Delete(key, d.writeOptions)
}

func (d *pebbleDB) DeleteRange(start, end []byte) error {
	d.quitLock.RLock()
	defer d.quitLock.RUnlock()
	if d.closed {
		return pebble.ErrClosed
	}
	return d.db.DeleteRange(start, end, d.writeOptions)
}

func (d *pebbleDB) NewBatch() ethdb.Batch {
	return &pebbleBatch{b: d.db.NewBatch(), db: d}
}

func (d *pebbleDB) NewBatchWithSize(size int) ethdb.Batch {
	return &pebbleBatch{b: d.db.NewBatchWithSize(size), db: d}
}

// upperBound returns the smallest key greater than every key with the given
// prefix, or nil if there is none.
func upperBound(prefix []byte) (limit []byte) {
	for i := len(prefix) - 1; i >= 0; i-- {
		c := prefix[i]
		if c == 0xff {
			continue
		}
		limit = make([]byte, i+1)
		copy(limit, prefix)
		limit[i] = c + 1
		break
	}
	return limit
}

func (d *pebbleDB) Stat() (string, error) {
	return d.db.Metrics().String(), nil
}

// Compact flattens the given range. Pebble has no marker for the end of the
// key space, so a nil limit becomes 32 0xff bytes.
func (d *pebbleDB) Compact(start []byte, limit []byte) error {
	if limit == nil {
		limit = bytes.Repeat([]byte{0xff}, 32)
	}
	return d.db.Compact(start, limit, true)
}

func (d *pebbleDB) meter(refresh time.Duration) {
	var (
		errc  chan error
		timer = time.NewTimer(refresh)

		compTimes, compWrites, nWrites    [2]int64
		writeDelayTimes, writeDelayCounts [2]int64
		lastWriteStallReport              time.Time
	)
	defer timer.Stop()

	for i := 1; errc == nil; i++ {
		var (
			compWrite, nWrite int64
			stats             = d.db.Metrics()
		)
		writeDelayTimes[i%2] = d.writeDelayTime.Load()
		writeDelayCounts[i%2] = d.writeDelayCount.Load()
		compTimes[i%2] = d.compTime.Load()
		for _, level := range stats.Levels {
			nWrite += int64(level.BytesCompacted) + int64(level.BytesFlushed)
			compWrite += int64(level.BytesCompacted)
		}
		nWrite += int64(stats.WAL.BytesWritten)
		compWrites[i%2], nWrites[i%2] = compWrite, nWrite

		d.writeDelayNMeter.Mark(writeDelayCounts[i%2] - writeDelayCounts[(i-1)%2])
		d.writeDelayMeter.Mark(writeDelayTimes[i%2] - writeDelayTimes[(i-1)%2])
		if d.writeStalled.Load() && writeDelayCounts[i%2] == writeDelayCounts[(i-1)%2] &&
			time.Now().After(lastWriteStallReport.Add(degradationWarnInterval)) {
			d.log.Warn("Database compacting, degraded performance")
			lastWriteStallReport = time.Now()
		}
		d.compTimeMeter.Mark(compTimes[i%2] - compTimes[(i-1)%2])
		d.compWriteMeter.Mark(compWrites[i%2] - compWrites[(i-1)%2])
		d.diskSizeGauge.Update(int64(stats.DiskSpaceUsage()))
		d.diskWriteMeter.Mark(nWrites[i%2] - nWrites[(i-1)%2])
		d.level0CompGauge.Update(int64(d.level0Comp.Load()))

		select {
		case errc = <-d.quitChan:
		case <-timer.C:
			timer.Reset(refresh)
		}
	}
	errc <- nil
}

// pebbleBatch is a write-only pebble batch. It cannot be used concurrently.
type pebbleBatch struct {
	b    *pebble.Batch
	db   *pebbleDB
	size int
}

func (b *pebbleBatch) Put(key, value []byte) error {
	if err := b.b.Set(key, value, nil); err != nil {
		return err
	}
	b.size += len(key) + len(value)
	return nil
}

func (b *pebbleBatch) Delete(key []byte) error {
	if err := b.b.Delete(key, nil); err != nil {
		return err
	}
	b.size += len(key)
	return nil
}

func (b *pebbleBatch) ValueSize() int { return b.size }

func (b *pebbleBatch) Write() error {
	b.db.quitLock.RLock()
	defer b.db.quitLock.RUnlock()
	if b.db.closed {
		return pebble.ErrClosed
	}
	return b.b.Commit(b.db.writeOptions)
}

func (b *pebbleBatch) Reset() {
	b.b.Reset()
	b.size = 0
}

// Replay feeds the batch operations into w. The slices handed out are only
// valid until the batch is reset.
func (b *pebbleBatch) Replay(w ethdb.KeyValueWriter) error {
	reader := b.b.Reader()
	for {
		kind, k, v, ok, err := reader.Next()
		if !ok || err != nil {
			return err
		}
		switch kind {
		case pebble.InternalKeyKindSet:
			err = w.Put(k, v)
		case pebble.InternalKeyKindDelete:
			err = w.Delete(k)
		default:
			err = fmt.Errorf("unhandled operation, keytype: %v", kind)
		}
		if err != nil {
			return err
		}
	}
}

// pebbleIterator adds the ethdb iteration contract on top of a pebble
// iterator, which starts positioned instead of before the first entry.
type pebbleIterator struct {
	iter     *pebble.Iterator
	moved    bool
	released bool
}

func (d *pebbleDB) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	iter, _ := d.db.NewIter(&pebble.IterOptions{
		LowerBound: append(common.CopyBytes(prefix), start...),
		UpperBound: upperBound(prefix),
	})
	iter.First()
	return &pebbleIterator{iter: iter, moved: true}
}

func (iter *pebbleIterator) Next() bool {
	if iter.moved {
		iter.moved = false
		return iter.iter.Valid()
	}
	return iter.iter.Next()
}

func (iter *pebbleIterator) Error() error  { return iter.iter.Error() }
func (iter *pebbleIterator) Key() []byte   { return iter.iter.Key() }
func (iter *pebbleIterator) Value() []byte { return iter.iter.Value() }

func (iter *pebbleIterator) Release() {
	if !iter.released {
		iter.iter.Close()
		iter.released = true
	}
}
