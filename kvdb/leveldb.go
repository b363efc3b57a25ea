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
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// errTooManyKeys is returned when a range deletion stopped half way. The caller
// may repeat the call until it succeeds.
var errTooManyKeys = errors.New("too many keys in deleted range")

// levelDB is a leveldb backed key-value store reporting its compaction and
// io statistics to the metrics registry.
// levelDB 是基于 leveldb 的键值存储，并将压缩与 IO 统计上报到指标注册表。
type levelDB struct {
	fn string
	db *leveldb.DB

	compTimeMeter    *metrics.Meter
	compReadMeter    *metrics.Meter
	compWriteMeter   *metrics.Meter
	writeDelayMeter  *metrics.Meter
	writeDelayNMeter *metrics.Meter
	diskSizeGauge    *metrics.Gauge
	diskReadMeter    *metrics.Meter
	diskWriteMeter   *metrics.Meter

	quitLock sync.Mutex
	quitChan chan chan error

	log log.Logger
}

// newLevelDB opens (or recovers) a leveldb store at file. Cache is in
// megabytes, split between the block cache and the two write buffers.
func newLevelDB(file string, cache int, handles int, namespace string, readonly bool) (*levelDB, error) {
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	options := &opt.Options{
		Filter:                 filter.NewBloomFilter(10),
		DisableSeeksCompaction: true,
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2 * opt.MiB,
		WriteBuffer:            cache / 4 * opt.MiB, // Two of these are used internally
		ReadOnly:               readonly,
	}
	logger := log.New("database", file)
	usedCache := options.GetBlockCacheCapacity() + options.GetWriteBuffer()*2
	logger.Info("Allocated cache and file handles", "backend", BackendLevelDB, "cache", common.StorageSize(usedCache), "handles", handles, "readonly", readonly)

	db, err := leveldb.OpenFile(file, options)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(file, nil)
	}
	if err != nil {
		return nil, err
	}
	ldb := &levelDB{
		fn:       file,
		db:       db,
		log:      logger,
		quitChan: make(chan chan error),
	}
	ldb.compTimeMeter = metrics.GetOrRegisterMeter(namespace+"compact/time", nil)
	ldb.compReadMeter = metrics.GetOrRegisterMeter(namespace+"compact/input", nil)
	ldb.compWriteMeter = metrics.GetOrRegisterMeter(namespace+"compact/output", nil)
	ldb.writeDelayMeter = metrics.GetOrRegisterMeter(namespace+"compact/writedelay/duration", nil)
	ldb.writeDelayNMeter = metrics.GetOrRegisterMeter(namespace+"compact/writedelay/counter", nil)
	ldb.diskSizeGauge = metrics.GetOrRegisterGauge(namespace+"disk/size", nil)
	ldb.diskReadMeter = metrics.GetOrRegisterMeter(namespace+"disk/read", nil)
	ldb.diskWriteMeter = metrics.GetOrRegisterMeter(namespace+"disk/write", nil)

	go ldb.meter(metricsGatheringInterval)
	return ldb, nil
}

// Close stops the metrics collection and closes the store.
func (db *levelDB) Close() error {
	db.quitLock.Lock()
	defer db.quitLock.Unlock()

	if db.quitChan != nil {
		errc := make(chan error)
		db.quitChan <- errc
		if err := <-errc; err != nil {
			db.log.Error("Metrics collection failed", "err", err)
		}
		db.quitChan = nil
	}
	return db.db.Close()
}

func (db *levelDB) Has(key []byte) (bool, error) { return db.db.Has(key, nil) }

func (db *levelDB) Get(key []byte) ([]byte, error) {
	dat, err := db.db.Get(key, nil)
	if err != nil {
		return nil, err
	}
	return dat, nil
}

func (db *levelDB) Put(key []byte, value []byte) error { return db.db.Put(key, value, nil) }

func (db *levelDB) Delete(key []byte) error { return db.db.Delete(key, nil) }

// DeleteRange deletes all keys in [start, end). leveldb has no native range
// deletion, so at most 10000 keys are removed per call and errTooManyKeys
// reports a partial deletion.
func (db *levelDB) DeleteRange(start, end []byte) error {
	batch := db.NewBatch()
	it := db.NewIterator(nil, start)
	defer it.Release()

	var count int
	for it.Next() && bytes.Compare(end, it.Key()) > 0 {
		count++
		if count > 10000 { // should not block for more than a second
			if err := batch.Write(); err != nil {
				return err
			}
			return errTooManyKeys
		}
		if err := batch.Delete(it.Key()); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (db *levelDB) NewBatch() ethdb.Batch {
	return &levelBatch{db: db.db, b: new(leveldb.Batch)}
}

func (db *levelDB) NewBatchWithSize(size int) ethdb.Batch {
	return &levelBatch{db: db.db, b: leveldb.MakeBatch(size)}
}

func (db *levelDB) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return db.db.NewIterator(r, nil)
}

// Stat renders the per level compaction table.
func (db *levelDB) Stat() (string, error) {
	var stats leveldb.DBStats
	if err := db.db.Stats(&stats); err != nil {
		return "", err
	}
	message := " Level |   Tables   |    Size(MB)   |    Time(sec)  |    Read(MB)   |   Write(MB)\n" +
		"-------+------------+---------------+---------------+---------------+---------------\n"
	for level, size := range stats.LevelSizes {
		tables, duration := stats.LevelTablesCounts[level], stats.LevelDurations[level]
		if tables == 0 && duration == 0 {
			continue
		}
		message += fmt.Sprintf(" %3d   | %10d | %13.5f | %13.5f | %13.5f | %13.5f\n",
			level, tables, float64(size)/1048576.0, duration.Seconds(),
			float64(stats.LevelRead[level])/1048576.0, float64(stats.LevelWrite[level])/1048576.0)
	}
	message += fmt.Sprintf("Read(MB):%.5f Write(MB):%.5f\n", float64(stats.IORead)/1048576.0, float64(stats.IOWrite)/1048576.0)
	message += fmt.Sprintf("WriteDelayCount:%d WriteDelayDuration:%s Paused:%t\n", stats.WriteDelayCount, common.PrettyDuration(stats.WriteDelayDuration), stats.WritePaused)
	return message, nil
}

func (db *levelDB) Compact(start []byte, limit []byte) error {
	return db.db.CompactRange(util.Range{Start: start, Limit: limit})
}

// meter periodically retrieves the internal leveldb counters and reports the
// deltas to the metrics subsystem.
func (db *levelDB) meter(refresh time.Duration) {
	var (
		errc chan error
		merr error

		stats           leveldb.DBStats
		compactions     [2][3]int64
		iostats         [2]int64
		delaystats      [2]int64
		lastWritePaused time.Time
	)
	timer := time.NewTimer(refresh)
	defer timer.Stop()

	for i := 1; errc == nil && merr == nil; i++ {
		if err := db.db.Stats(&stats); err != nil {
			db.log.Error("Failed to read database stats", "err", err)
			merr = err
			continue
		}
		cur, prev := &compactions[i%2], &compactions[(i-1)%2]
		cur[0], cur[1], cur[2] = 0, stats.LevelRead.Sum(), stats.LevelWrite.Sum()
		for _, t := range stats.LevelDurations {
			cur[0] += t.Nanoseconds()
		}
		db.diskSizeGauge.Update(stats.LevelSizes.Sum())
		db.compTimeMeter.Mark(cur[0] - prev[0])
		db.compReadMeter.Mark(cur[1] - prev[1])
		db.compWriteMeter.Mark(cur[2] - prev[2])

		delayN, duration := int64(stats.WriteDelayCount), stats.WriteDelayDuration.Nanoseconds()
		db.writeDelayNMeter.Mark(delayN - delaystats[0])
		db.writeDelayMeter.Mark(duration - delaystats[1])
		if stats.WritePaused && delayN == delaystats[0] && duration == delaystats[1] &&
			time.Now().After(lastWritePaused.Add(degradationWarnInterval)) {
			db.log.Warn("Database compacting, degraded performance")
			lastWritePaused = time.Now()
		}
		delaystats[0], delaystats[1] = delayN, duration

		nRead, nWrite := int64(stats.IORead), int64(stats.IOWrite)
		db.diskReadMeter.Mark(nRead - iostats[0])
		db.diskWriteMeter.Mark(nWrite - iostats[1])
		iostats[0], iostats[1] = nRead, nWrite

		select {
		case errc = <-db.quitChan:
		case <-timer.C:
			timer.Reset(refresh)
		}
	}
	if errc == nil {
		errc = <-db.quitChan
	}
	errc <- merr
}

// levelBatch is a write-only leveldb batch. It cannot be used concurrently.
type levelBatch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *levelBatch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *levelBatch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

func (b *levelBatch) ValueSize() int { return b.size }

func (b *levelBatch) Write() error { return b.db.Write(b.b, nil) }

func (b *levelBatch) Reset() {
	b.b.Reset()
	b.size = 0
}

func (b *levelBatch) Replay(w ethdb.KeyValueWriter) error {
	r := &levelReplayer{writer: w}
	if err := b.b.Replay(r); err != nil {
		return err
	}
	return r.failure
}

// levelReplayer adapts an ethdb writer to the leveldb replay callbacks,
// stopping at the first failure.
type levelReplayer struct {
	writer  ethdb.KeyValueWriter
	failure error
}

func (r *levelReplayer) Put(key, value []byte) {
	if r.failure != nil {
		return
	}
	r.failure = r.writer.Put(key, value)
}

func (r *levelReplayer) Delete(key []byte) {
	if r.failure != nil {
		return
	}
	r.failure = r.writer.Delete(key)
}
