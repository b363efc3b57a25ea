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
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

// ArchiveDB never prunes. Inserted nodes go straight to disk on journal and
// removals are ignored, so every historical state stays readable.
// ArchiveDB 从不裁剪：插入的节点在记录时直接写盘，删除被忽略，所有历史状态都保持可读。
type ArchiveDB struct {
	overlay *hashdb.MemoryDB
	backing ethdb.KeyValueStore

	lock      sync.RWMutex
	latestEra uint64
	hasLatest bool
}

// NewArchiveDB opens an archive journal on backing.
func NewArchiveDB(backing ethdb.KeyValueStore) (*ArchiveDB, error) {
	latest, ok, err := readLatestEra(backing)
	if err != nil {
		return nil, err
	}
	return &ArchiveDB{
		overlay:   hashdb.NewMemoryDB(),
		backing:   backing,
		latestEra: latest,
		hasLatest: ok,
	}, nil
}

// Get implements hashdb.Reader.
func (db *ArchiveDB) Get(key common.Hash) ([]byte, error) {
	if value, refs, ok := db.overlay.Raw(key); ok && refs > 0 {
		return common.CopyBytes(value), nil
	}
	value, ok, err := readKey(db.backing, key[:])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, hashdb.ErrNotFound
	}
	return value, nil
}

// Contains implements hashdb.Reader.
func (db *ArchiveDB) Contains(key common.Hash) bool {
	_, err := db.Get(key)
	return err == nil
}

// Insert implements hashdb.HashDB.
func (db *ArchiveDB) Insert(value []byte) common.Hash { return db.overlay.Insert(value) }

// Emplace implements hashdb.HashDB.
func (db *ArchiveDB) Emplace(key common.Hash, value []byte) { db.overlay.Emplace(key, value) }

// Remove implements hashdb.HashDB.
func (db *ArchiveDB) Remove(key common.Hash) { db.overlay.Remove(key) }

// Algorithm implements JournalDB.
func (db *ArchiveDB) Algorithm() Algorithm { return Archive }

// JournalUnder implements JournalDB.
func (db *ArchiveDB) JournalUnder(batch ethdb.Batch, now uint64, id common.Hash) (int, error) {
	db.lock.Lock()
	defer db.lock.Unlock()

	var inserts, deletes int
	for key, entry := range db.overlay.Drain() {
		switch {
		case entry.Refs > 0:
			if err := batch.Put(key[:], entry.Value); err != nil {
				return 0, err
			}
			inserts++
		case entry.Refs < 0:
			deletes++
		}
	}
	if !db.hasLatest || now > db.latestEra {
		if err := writeLatestEra(batch, now); err != nil {
			return 0, err
		}
		db.latestEra, db.hasLatest = now, true
	}
	log.Trace("Archived journal entry", "era", now, "id", id, "inserts", inserts, "ignored", deletes)
	return inserts + deletes, nil
}

// MarkCanonical implements JournalDB. Archives keep every fork.
func (db *ArchiveDB) MarkCanonical(batch ethdb.Batch, era uint64, id common.Hash) (int, error) {
	return 0, nil
}

// Inject implements JournalDB. Injected insertions must be new and removals
// must hit stored keys.
func (db *ArchiveDB) Inject(batch ethdb.Batch) (int, error) {
	var ops int
	for key, entry := range db.overlay.Drain() {
		switch {
		case entry.Refs > 0:
			exists, err := db.backing.Has(key[:])
			if err != nil {
				return 0, err
			}
			if exists {
				return 0, fmt.Errorf("%w: %x", ErrAlreadyExists, key)
			}
			if err := batch.Put(key[:], entry.Value); err != nil {
				return 0, err
			}
			ops++
		case entry.Refs < 0:
			exists, err := db.backing.Has(key[:])
			if err != nil {
				return 0, err
			}
			if !exists {
				return 0, fmt.Errorf("%w: %x", ErrNegativelyReferenced, key)
			}
			if err := batch.Delete(key[:]); err != nil {
				return 0, err
			}
			ops++
		}
	}
	return ops, nil
}

// Flush implements JournalDB.
func (db *ArchiveDB) Flush() {}

// Consolidate implements JournalDB.
func (db *ArchiveDB) Consolidate(with *hashdb.MemoryDB) { db.overlay.Consolidate(with) }

// LatestEra implements JournalDB.
func (db *ArchiveDB) LatestEra() (uint64, bool) {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return db.latestEra, db.hasLatest
}

// EarliestEra implements JournalDB. Archives hold no journal.
func (db *ArchiveDB) EarliestEra() (uint64, bool) { return 0, false }

// IsEmpty implements JournalDB.
func (db *ArchiveDB) IsEmpty() bool {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return !db.hasLatest
}

// IsPruned implements JournalDB.
func (db *ArchiveDB) IsPruned() bool { return false }

// Backing implements JournalDB.
func (db *ArchiveDB) Backing() ethdb.KeyValueStore { return db.backing }

// MemUsed implements JournalDB.
func (db *ArchiveDB) MemUsed() common.StorageSize { return db.overlay.MemUsed() }

// JournalSize implements JournalDB.
func (db *ArchiveDB) JournalSize() int { return 0 }

// Keys implements JournalDB.
func (db *ArchiveDB) Keys() (map[common.Hash]int32, error) {
	res, err := backingKeys(db.backing, func(common.Hash, []byte) (int32, error) { return 1, nil })
	if err != nil {
		return nil, err
	}
	return mergeKeys(res, db.overlay.Keys()), nil
}
