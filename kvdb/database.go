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
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	// ErrNotFound is returned for keys deleted in the write buffer.
	ErrNotFound = errors.New("not found")

	// ErrUnknownBackend is returned when opening an unsupported backend.
	ErrUnknownBackend = errors.New("unknown database backend")

	// ErrManagerClosed is returned by a manager that was closed.
	ErrManagerClosed = errors.New("database manager closed")
)

var (
	bufferedGauge = metrics.NewRegisteredGauge("kvdb/buffered", nil)
	flushMeter    = metrics.NewRegisteredMeter("kvdb/flushed", nil)
)

// bufferedEntry is a pending write: a value or a deletion.
type bufferedEntry struct {
	value   []byte
	deleted bool
}

// Database wraps a key-value store with a write buffer. Buffered writes are
// visible to reads right away and reach the store on Flush, atomically. A
// direct write supersedes any buffered entry of the same key.
//
// Database 为键值存储包装一个写缓冲。缓冲写入立即对读取可见，并在 Flush 时原子地写入存储。
// 直接写入会覆盖同一键的缓冲条目。
type Database struct {
	ethdb.KeyValueStore

	lock   sync.RWMutex
	buffer map[string]bufferedEntry
	size   int
}

// NewDatabase wraps store.
func NewDatabase(store ethdb.KeyValueStore) *Database {
	return &Database{
		KeyValueStore: store,
		buffer:        make(map[string]bufferedEntry),
	}
}

// Has checks the buffer before the store.
func (db *Database) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if e, ok := db.buffer[string(key)]; ok {
		return !e.deleted, nil
	}
	return db.KeyValueStore.Has(key)
}

// Get checks the buffer before the store.
func (db *Database) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if e, ok := db.buffer[string(key)]; ok {
		if e.deleted {
			return nil, ErrNotFound
		}
		return common.CopyBytes(e.value), nil
	}
	return db.KeyValueStore.Get(key)
}

// Put writes directly to the store, dropping a buffered entry of key.
func (db *Database) Put(key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.unbuffer(string(key))
	return db.KeyValueStore.Put(key, value)
}

// Delete removes key directly from the store, dropping a buffered entry.
func (db *Database) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.unbuffer(string(key))
	return db.KeyValueStore.Delete(key)
}

// DeleteRange removes [start, end) from the store and the buffer.
func (db *Database) DeleteRange(start, end []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	for key := range db.buffer {
		if key >= string(start) && (end == nil || key < string(end)) {
			db.unbuffer(key)
		}
	}
	return db.KeyValueStore.DeleteRange(start, end)
}

func (db *Database) unbuffer(key string) {
	if e, ok := db.buffer[key]; ok {
		db.size -= len(key) + len(e.value)
		delete(db.buffer, key)
		bufferedGauge.Dec(1)
	}
}

// NewBatch creates a direct batch: on Write its keys supersede the buffer.
func (db *Database) NewBatch() ethdb.Batch {
	return &directBatch{Batch: db.KeyValueStore.NewBatch(), db: db}
}

// NewBatchWithSize creates a direct batch with a pre-allocated buffer.
func (db *Database) NewBatchWithSize(size int) ethdb.Batch {
	return &directBatch{Batch: db.KeyValueStore.NewBatchWithSize(size), db: db}
}

// WriteBuffered moves the operations of batch into the write buffer. The
// batch itself is not written.
// WriteBuffered 将批次中的操作移入写缓冲，批次本身不会被写入。
func (db *Database) WriteBuffered(batch ethdb.Batch) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	return batch.Replay((*bufferWriter)(db))
}

// Buffered returns the number of buffered entries and their size in bytes.
func (db *Database) Buffered() (int, int) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return len(db.buffer), db.size
}

// Flush writes the buffer to the store in one batch. On failure the buffer
// is kept for the next attempt.
func (db *Database) Flush() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if len(db.buffer) == 0 {
		return nil
	}
	batch := db.KeyValueStore.NewBatchWithSize(db.size)
	for key, e := range db.buffer {
		var err error
		if e.deleted {
			err = batch.Delete([]byte(key))
		} else {
			err = batch.Put([]byte(key), e.value)
		}
		if err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		log.Warn("Failed to flush write buffer", "entries", len(db.buffer), "size", common.StorageSize(db.size), "err", err)
		return err
	}
	flushMeter.Mark(int64(db.size))
	bufferedGauge.Dec(int64(len(db.buffer)))
	log.Trace("Flushed write buffer", "entries", len(db.buffer), "size", common.StorageSize(db.size))

	db.buffer = make(map[string]bufferedEntry)
	db.size = 0
	return nil
}

// Close flushes the buffer and closes the store.
func (db *Database) Close() error {
	if err := db.Flush(); err != nil {
		return err
	}
	return db.KeyValueStore.Close()
}

// NewIterator iterates over the store merged with the buffer, buffered
// entries taking precedence.
func (db *Database) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()

	it := db.KeyValueStore.NewIterator(prefix, start)
	if len(db.buffer) == 0 {
		return it
	}
	var (
		low     = string(prefix) + string(start)
		entries []mergedEntry
	)
	for key, e := range db.buffer {
		if strings.HasPrefix(key, string(prefix)) && key >= low {
			entries = append(entries, mergedEntry{key: []byte(key), value: common.CopyBytes(e.value), deleted: e.deleted})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })
	return &mergedIterator{store: it, buffered: entries, storeNext: true}
}

// bufferWriter stores replayed operations in the buffer. The lock is held by
// WriteBuffered.
type bufferWriter Database

func (w *bufferWriter) Put(key, value []byte) error {
	db := (*Database)(w)
	db.unbuffer(string(key))
	bufferedGauge.Inc(1)
	db.buffer[string(key)] = bufferedEntry{value: common.CopyBytes(value)}
	db.size += len(key) + len(value)
	return nil
}

func (w *bufferWriter) Delete(key []byte) error {
	db := (*Database)(w)
	db.unbuffer(string(key))
	bufferedGauge.Inc(1)
	db.buffer[string(key)] = bufferedEntry{deleted: true}
	db.size += len(key)
	return nil
}

// directBatch is a store batch that drops the buffered entries of its keys
// when written.
type directBatch struct {
	ethdb.Batch
	db   *Database
	keys []string
}

func (b *directBatch) Put(key, value []byte) error {
	b.keys = append(b.keys, string(key))
	return b.Batch.Put(key, value)
}

func (b *directBatch) Delete(key []byte) error {
	b.keys = append(b.keys, string(key))
	return b.Batch.Delete(key)
}

func (b *directBatch) Write() error {
	b.db.lock.Lock()
	defer b.db.lock.Unlock()

	for _, key := range b.keys {
		b.db.unbuffer(key)
	}
	return b.Batch.Write()
}

func (b *directBatch) Reset() {
	b.keys = b.keys[:0]
	b.Batch.Reset()
}

type mergedEntry struct {
	key     []byte
	value   []byte
	deleted bool
}

// mergedIterator walks a store iterator and a sorted snapshot of the buffer
// side by side.
type mergedIterator struct {
	store     ethdb.Iterator
	storeNext bool // store iterator must be advanced before use
	storeDone bool
	buffered  []mergedEntry

	key, value []byte
}

func (it *mergedIterator) Next() bool {
	for {
		if it.storeNext && !it.storeDone {
			it.storeDone = !it.store.Next()
			it.storeNext = false
		}
		switch {
		case it.storeDone && len(it.buffered) == 0:
			it.key, it.value = nil, nil
			return false

		case len(it.buffered) > 0 && (it.storeDone || bytes.Compare(it.buffered[0].key, it.store.Key()) <= 0):
			e := it.buffered[0]
			it.buffered = it.buffered[1:]
			if !it.storeDone && bytes.Equal(e.key, it.store.Key()) {
				it.storeNext = true
			}
			if e.deleted {
				continue
			}
			it.key, it.value = e.key, e.value
			return true

		default:
			it.key, it.value = it.store.Key(), it.store.Value()
			it.storeNext = true
			return true
		}
	}
}

func (it *mergedIterator) Error() error  { return it.store.Error() }
func (it *mergedIterator) Key() []byte   { return it.key }
func (it *mergedIterator) Value() []byte { return it.value }
func (it *mergedIterator) Release()      { it.store.Release() }
