// Copyright 2018 The go-ethereum Authors
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

// Package hashdb provides content addressed, reference counted node storage.
package hashdb

import (
	"bytes"
	"errors"
	"reflect"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	memcacheHitMeter    = metrics.NewRegisteredMeter("hashdb/memcache/hit", nil)
	memcacheMissMeter   = metrics.NewRegisteredMeter("hashdb/memcache/miss", nil)
	memcacheWriteMeter  = metrics.NewRegisteredMeter("hashdb/memcache/write", nil)
	memcachePurgeMeter  = metrics.NewRegisteredMeter("hashdb/memcache/purge", nil)
	memcacheRemoveMeter = metrics.NewRegisteredMeter("hashdb/memcache/remove", nil)
)

// ErrNotFound is returned when a key has no live value.
// 当键没有有效值时返回。
var ErrNotFound = errors.New("hashdb: not found")

// emptyNode is the encoding of the empty trie, which every database implicitly
// holds under types.EmptyRootHash.
// emptyNode 是空 trie 的编码，每个数据库都隐式地在 types.EmptyRootHash 下持有它。
var emptyNode = []byte{0x80}

// Reader is the read half of a HashDB.
type Reader interface {
	// Get returns the value stored under key. Keys whose reference count is
	// not positive are absent.
	Get(key common.Hash) ([]byte, error)

	// Contains reports whether key has a live value.
	Contains(key common.Hash) bool
}

// HashDB is a content addressed store with reference counting. Removing a key
// that is absent is remembered as an owed removal: a later insertion of the
// same key cancels it instead of making the key live.
//
// HashDB 是带引用计数的内容寻址存储。删除一个不存在的键会被记为“欠账”，
// 之后对同一键的插入会先抵消欠账，而不会使该键变为可见。
type HashDB interface {
	Reader

	// Insert stores value under its Keccak-256 hash and returns the hash.
	Insert(value []byte) common.Hash

	// Emplace stores value under an explicit key, incrementing its count.
	Emplace(key common.Hash, value []byte)

	// Remove decrements the reference count of key.
	Remove(key common.Hash)
}

// IsNullNode reports whether key and value describe the empty trie node, which
// is never stored.
func IsNullNode(key common.Hash, value []byte) bool {
	return key == types.EmptyRootHash && bytes.Equal(value, emptyNode)
}

// Entry is a value together with its reference count. A negative count means
// removals are owed on a key that was never inserted.
// Entry 是值及其引用计数。负计数表示对从未插入过的键存在欠账删除。
type Entry struct {
	Value []byte
	Refs  int32
}

// entrySize is the approximate bookkeeping size of one entry, excluding the
// value itself.
var entrySize = int(reflect.TypeOf(Entry{}).Size()) + common.HashLength

// MemoryDB is an in-memory HashDB. It is the overlay every journal keeps its
// uncommitted nodes in and a standalone store for tests and temporary tries.
// MemoryDB 是内存中的 HashDB，既是各日志数据库中未提交节点的覆盖层，也可作为测试和临时 trie 的独立存储。
type MemoryDB struct {
	data map[common.Hash]*Entry
	size int // approximate memory used by keys, values and entries

	lock sync.RWMutex
}

// NewMemoryDB creates an empty in-memory database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{data: make(map[common.Hash]*Entry)}
}

// Get implements Reader.
func (db *MemoryDB) Get(key common.Hash) ([]byte, error) {
	if key == types.EmptyRootHash {
		return common.CopyBytes(emptyNode), nil
	}
	db.lock.RLock()
	defer db.lock.RUnlock()

	if e, ok := db.data[key]; ok && e.Refs > 0 {
		memcacheHitMeter.Mark(1)
		return common.CopyBytes(e.Value), nil
	}
	memcacheMissMeter.Mark(1)
	return nil, ErrNotFound
}

// Contains implements Reader.
func (db *MemoryDB) Contains(key common.Hash) bool {
	if key == types.EmptyRootHash {
		return true
	}
	db.lock.RLock()
	defer db.lock.RUnlock()

	e, ok := db.data[key]
	return ok && e.Refs > 0
}

// Insert implements HashDB.
func (db *MemoryDB) Insert(value []byte) common.Hash {
	if bytes.Equal(value, emptyNode) {
		return types.EmptyRootHash
	}
	key := crypto.Keccak256Hash(value)
	db.Emplace(key, value)
	return key
}

// Emplace implements HashDB. A key whose count is not positive takes the new
// value, settling owed removals first.
func (db *MemoryDB) Emplace(key common.Hash, value []byte) {
	if IsNullNode(key, value) {
		return
	}
	db.lock.Lock()
	defer db.lock.Unlock()

	db.emplace(key, common.CopyBytes(value), 1)
}

func (db *MemoryDB) emplace(key common.Hash, value []byte, refs int32) {
	memcacheWriteMeter.Mark(int64(len(value)))
	if e, ok := db.data[key]; ok {
		if e.Refs <= 0 {
			db.size += len(value) - len(e.Value)
			e.Value = value
		}
		e.Refs += refs
		return
	}
	db.data[key] = &Entry{Value: value, Refs: refs}
	db.size += entrySize + len(value)
}

// Remove implements HashDB. Removing an absent key records an owed removal.
func (db *MemoryDB) Remove(key common.Hash) {
	if key == types.EmptyRootHash {
		return
	}
	db.lock.Lock()
	defer db.lock.Unlock()

	memcacheRemoveMeter.Mark(1)
	if e, ok := db.data[key]; ok {
		e.Refs--
		return
	}
	db.data[key] = &Entry{Refs: -1}
	db.size += entrySize
}

// RemoveAndPurge decrements the count of key and drops the entry when it was
// the last reference. The value is returned if the entry was dropped.
// RemoveAndPurge 递减键的引用计数，若为最后一个引用则删除条目并返回其值。
func (db *MemoryDB) RemoveAndPurge(key common.Hash) ([]byte, bool) {
	if key == types.EmptyRootHash {
		return nil, false
	}
	db.lock.Lock()
	defer db.lock.Unlock()

	e, ok := db.data[key]
	if !ok {
		db.data[key] = &Entry{Refs: -1}
		db.size += entrySize
		return nil, false
	}
	if e.Refs == 1 {
		delete(db.data, key)
		db.size -= entrySize + len(e.Value)
		memcachePurgeMeter.Mark(1)
		return e.Value, true
	}
	e.Refs--
	return nil, false
}

// Raw returns the value and reference count of key regardless of whether the
// value is live.
func (db *MemoryDB) Raw(key common.Hash) ([]byte, int32, bool) {
	if key == types.EmptyRootHash {
		return common.CopyBytes(emptyNode), 1, true
	}
	db.lock.RLock()
	defer db.lock.RUnlock()

	e, ok := db.data[key]
	if !ok {
		return nil, 0, false
	}
	return e.Value, e.Refs, true
}

// Purge drops every entry whose reference count reached zero.
func (db *MemoryDB) Purge() {
	db.lock.Lock()
	defer db.lock.Unlock()

	for key, e := range db.data {
		if e.Refs == 0 {
			delete(db.data, key)
			db.size -= entrySize + len(e.Value)
			memcachePurgeMeter.Mark(1)
		}
	}
}

// Drain empties the database and returns its entries.
func (db *MemoryDB) Drain() map[common.Hash]Entry {
	db.lock.Lock()
	defer db.lock.Unlock()

	res := make(map[common.Hash]Entry, len(db.data))
	for key, e := range db.data {
		res[key] = *e
	}
	db.data = make(map[common.Hash]*Entry)
	db.size = 0
	return res
}

// Consolidate moves every entry of other into db, summing reference counts.
// A value replaces the existing one only if db owed removals on the key.
// Consolidate 将 other 的所有条目合并到 db 中，引用计数相加；仅当 db 中该键处于欠账状态时才替换值。
func (db *MemoryDB) Consolidate(other *MemoryDB) {
	drained := other.Drain()

	db.lock.Lock()
	defer db.lock.Unlock()

	for key, e := range drained {
		if cur, ok := db.data[key]; ok {
			if cur.Refs < 0 {
				db.size += len(e.Value) - len(cur.Value)
				cur.Value = e.Value
			}
			cur.Refs += e.Refs
			continue
		}
		db.data[key] = &Entry{Value: e.Value, Refs: e.Refs}
		db.size += entrySize + len(e.Value)
	}
}

// Keys returns every key with a non-zero reference count.
func (db *MemoryDB) Keys() map[common.Hash]int32 {
	db.lock.RLock()
	defer db.lock.RUnlock()

	res := make(map[common.Hash]int32, len(db.data))
	for key, e := range db.data {
		if e.Refs != 0 {
			res[key] = e.Refs
		}
	}
	return res
}

// Len returns the number of tracked entries, live or not.
func (db *MemoryDB) Len() int {
	db.lock.RLock()
	defer db.lock.RUnlock()

	return len(db.data)
}

// Clear drops every entry.
func (db *MemoryDB) Clear() {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.data = make(map[common.Hash]*Entry)
	db.size = 0
}

// MemUsed returns the approximate memory held by the database.
func (db *MemoryDB) MemUsed() common.StorageSize {
	db.lock.RLock()
	defer db.lock.RUnlock()

	return common.StorageSize(db.size)
}
