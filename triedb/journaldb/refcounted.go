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

package journaldb

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// refCountedRecord is the journal record of one block: the keys it inserted
// and the keys it removed.
type refCountedRecord struct {
	ID      common.Hash
	Inserts []common.Hash
	Deletes []common.Hash
}

// RefCountedDB counts references of every node on disk. Insertions count
// immediately while removals wait until their era is marked canonical: the
// removals of the canonical block are applied and the insertions of its
// discarded siblings are undone. Counts reach the disk whenever an era is
// marked canonical or an overlay is injected.
//
// RefCountedDB 在磁盘上为每个节点维护引用计数。插入立即计数，删除推迟到纪元被标记为规范时：
// 应用规范区块的删除，并撤销被丢弃兄弟区块的插入。
type RefCountedDB struct {
	forward *OverlayDB
	backing ethdb.KeyValueStore

	lock      sync.Mutex
	latestEra uint64
	hasLatest bool
	inserts   []common.Hash
	removes   []common.Hash
}

// NewRefCountedDB opens a reference counted journal on backing.
func NewRefCountedDB(backing ethdb.KeyValueStore) (*RefCountedDB, error) {
	latest, ok, err := readLatestEra(backing)
	if err != nil {
		return nil, err
	}
	return &RefCountedDB{
		forward:   NewOverlayDB(backing),
		backing:   backing,
		latestEra: latest,
		hasLatest: ok,
	}, nil
}

// Get implements hashdb.Reader.
func (db *RefCountedDB) Get(key common.Hash) ([]byte, error) { return db.forward.Get(key) }

// Contains implements hashdb.Reader.
func (db *RefCountedDB) Contains(key common.Hash) bool { return db.forward.Contains(key) }

// Insert implements hashdb.HashDB.
func (db *RefCountedDB) Insert(value []byte) common.Hash {
	key := db.forward.Insert(value)

	db.lock.Lock()
	db.inserts = append(db.inserts, key)
	db.lock.Unlock()
	return key
}

// Emplace implements hashdb.HashDB.
func (db *RefCountedDB) Emplace(key common.Hash, value []byte) {
	db.lock.Lock()
	db.inserts = append(db.inserts, key)
	db.lock.Unlock()

	db.forward.Emplace(key, value)
}

// Remove implements hashdb.HashDB. The removal only takes effect once the
// journalled era is marked canonical.
func (db *RefCountedDB) Remove(key common.Hash) {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.removes = append(db.removes, key)
}

// Algorithm implements JournalDB.
func (db *RefCountedDB) Algorithm() Algorithm { return RefCounted }

// JournalUnder implements JournalDB.
func (db *RefCountedDB) JournalUnder(batch ethdb.Batch, now uint64, id common.Hash) (int, error) {
	db.lock.Lock()
	defer db.lock.Unlock()

	index := uint64(0)
	for ; ; index++ {
		exists, err := db.backing.Has(journalKey{Era: now, Index: index}.encode())
		if err != nil {
			return 0, err
		}
		if !exists {
			break
		}
	}
	enc, err := rlp.EncodeToBytes(&refCountedRecord{ID: id, Inserts: db.inserts, Deletes: db.removes})
	if err != nil {
		return 0, err
	}
	if err := batch.Put(journalKey{Era: now, Index: index}.encode(), enc); err != nil {
		return 0, err
	}
	ops := len(db.inserts) + len(db.removes)
	log.Trace("Journalled reference counted block", "era", now, "index", index, "id", id, "inserts", len(db.inserts), "removes", len(db.removes))

	db.inserts, db.removes = nil, nil
	if !db.hasLatest || now > db.latestEra {
		if err := writeLatestEra(batch, now); err != nil {
			return 0, err
		}
		db.latestEra, db.hasLatest = now, true
	}
	return ops, nil
}

// MarkCanonical implements JournalDB.
func (db *RefCountedDB) MarkCanonical(batch ethdb.Batch, era uint64, id common.Hash) (int, error) {
	db.lock.Lock()
	defer db.lock.Unlock()

	for index := uint64(0); ; index++ {
		key := journalKey{Era: era, Index: index}.encode()
		enc, ok, err := readKey(db.backing, key)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		var record refCountedRecord
		if err := rlp.DecodeBytes(enc, &record); err != nil {
			return 0, fmt.Errorf("invalid journal record %d.%d: %w", era, index, err)
		}
		undo := record.Inserts
		if record.ID == id {
			undo = record.Deletes
		}
		for _, k := range undo {
			db.forward.Remove(k)
		}
		if err := batch.Delete(key); err != nil {
			return 0, err
		}
		log.Trace("Deleted reference counted journal", "era", era, "index", index, "id", record.ID, "canonical", id, "removing", len(undo))
	}
	return db.forward.CommitToBatch(batch)
}

// Inject implements JournalDB.
func (db *RefCountedDB) Inject(batch ethdb.Batch) (int, error) {
	db.lock.Lock()
	removes := db.removes
	db.inserts, db.removes = nil, nil
	db.lock.Unlock()

	for _, key := range removes {
		db.forward.Remove(key)
	}
	return db.forward.CommitToBatch(batch)
}

// Flush implements JournalDB.
func (db *RefCountedDB) Flush() {}

// Consolidate implements JournalDB, replaying the overlay's counts as
// individual insertions and removals.
func (db *RefCountedDB) Consolidate(with *hashdb.MemoryDB) {
	for key, e := range with.Drain() {
		for i := int32(0); i < e.Refs; i++ {
			db.Emplace(key, e.Value)
		}
		for i := e.Refs; i < 0; i++ {
			db.Remove(key)
		}
	}
}

// LatestEra implements JournalDB.
func (db *RefCountedDB) LatestEra() (uint64, bool) {
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.latestEra, db.hasLatest
}

// EarliestEra implements JournalDB. The journal lives on disk only.
func (db *RefCountedDB) EarliestEra() (uint64, bool) { return 0, false }

// IsEmpty implements JournalDB.
func (db *RefCountedDB) IsEmpty() bool {
	db.lock.Lock()
	defer db.lock.Unlock()
	return !db.hasLatest
}

// IsPruned implements JournalDB.
func (db *RefCountedDB) IsPruned() bool { return true }

// Backing implements JournalDB.
func (db *RefCountedDB) Backing() ethdb.KeyValueStore { return db.backing }

// MemUsed implements JournalDB.
func (db *RefCountedDB) MemUsed() common.StorageSize {
	db.lock.Lock()
	defer db.lock.Unlock()
	return common.StorageSize((len(db.inserts) + len(db.removes)) * common.HashLength)
}

// JournalSize implements JournalDB.
func (db *RefCountedDB) JournalSize() int { return 0 }

// Keys implements JournalDB.
func (db *RefCountedDB) Keys() (map[common.Hash]int32, error) { return db.forward.Keys() }
