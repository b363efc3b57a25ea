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

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sunyihoo/ethimport/triedb/hashdb"
)

var (
	cleanHitMeter   = metrics.NewRegisteredMeter("journaldb/clean/hit", nil)
	cleanMissMeter  = metrics.NewRegisteredMeter("journaldb/clean/miss", nil)
	cleanWriteMeter = metrics.NewRegisteredMeter("journaldb/clean/write", nil)

	canonInsertMeter = metrics.NewRegisteredMeter("journaldb/canon/insert", nil)
	canonDeleteMeter = metrics.NewRegisteredMeter("journaldb/canon/delete", nil)
	journalSizeGauge = metrics.NewRegisteredGauge("journaldb/journal/size", nil)
)

// recentInsert is a node inserted by a journal record.
type recentInsert struct {
	Key   common.Hash
	Value []byte
}

// recentRecord is the on-disk journal record of one block.
type recentRecord struct {
	ID      common.Hash
	Inserts []recentInsert
	Deletes []common.Hash
}

// journalEntry is the in-memory view of a record; values live in the backing
// overlay.
type journalEntry struct {
	id         common.Hash
	insertions []common.Hash
	deletions  []common.Hash
}

// journalOverlay is the recent history held in memory.
type journalOverlay struct {
	backingOverlay *hashdb.MemoryDB         // Nodes added in the history period
	pendingOverlay map[common.Hash][]byte   // Canonical nodes written to the current batch
	pendingDeletes map[common.Hash]struct{} // Canonical deletions written to the current batch
	journal        map[uint64][]journalEntry
	latestEra      *uint64
	earliestEra    *uint64
	cumulativeSize int
}

// OverlayRecentDB keeps the nodes of the recent history in memory and only
// writes nodes to disk once their block becomes canonical. Nodes deleted by a
// canonical block are removed from disk unless a newer block reinserted them.
//
// OverlayRecentDB 将历史窗口内的节点保存在内存中，仅在区块成为规范后才写盘。
// 规范区块删除的节点会从磁盘移除，除非更新的区块重新插入了它们。
type OverlayRecentDB struct {
	transactionOverlay *hashdb.MemoryDB
	backing            ethdb.KeyValueStore
	cleans             *fastcache.Cache // Clean cache of backing reads, nil if disabled

	lock    sync.RWMutex
	overlay *journalOverlay
}

// NewOverlayRecentDB opens a recent-overlay journal on backing, rebuilding the
// in-memory history from the persisted journal.
func NewOverlayRecentDB(backing ethdb.KeyValueStore, config *Config) (*OverlayRecentDB, error) {
	if config == nil {
		config = Defaults
	}
	overlay, err := readOverlay(backing)
	if err != nil {
		return nil, err
	}
	var cleans *fastcache.Cache
	if config.CleanCacheSize > 0 {
		cleans = fastcache.New(config.CleanCacheSize)
	}
	return &OverlayRecentDB{
		transactionOverlay: hashdb.NewMemoryDB(),
		backing:            backing,
		cleans:             cleans,
		overlay:            overlay,
	}, nil
}

// readOverlay walks the journal back from the latest era for as long as eras
// have records.
// readOverlay 从最新纪元开始向前遍历日志，直到某个纪元没有记录为止。
func readOverlay(db ethdb.KeyValueReader) (*journalOverlay, error) {
	overlay := &journalOverlay{
		backingOverlay: hashdb.NewMemoryDB(),
		pendingOverlay: make(map[common.Hash][]byte),
		pendingDeletes: make(map[common.Hash]struct{}),
		journal:        make(map[uint64][]journalEntry),
	}
	latest, ok, err := readLatestEra(db)
	if err != nil || !ok {
		return overlay, err
	}
	overlay.latestEra = &latest

	var count int
	for era := latest; ; era-- {
		index := uint64(0)
		for ; ; index++ {
			enc, ok, err := readKey(db, journalKey{Era: era, Index: index}.encode())
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			var record recentRecord
			if err := rlp.DecodeBytes(enc, &record); err != nil {
				return nil, fmt.Errorf("invalid journal record %d.%d: %w", era, index, err)
			}
			entry := journalEntry{id: record.ID, deletions: record.Deletes}
			for _, ins := range record.Inserts {
				if !overlay.backingOverlay.Contains(ins.Key) {
					overlay.cumulativeSize += len(ins.Value)
				}
				overlay.backingOverlay.Emplace(ins.Key, ins.Value)
				entry.insertions = append(entry.insertions, ins.Key)
			}
			count += len(record.Inserts)
			overlay.journal[era] = append(overlay.journal[era], entry)
			e := era
			overlay.earliestEra = &e
		}
		if index == 0 || era == 0 {
			break
		}
	}
	log.Debug("Recovered journal overlay", "nodes", count, "eras", len(overlay.journal))
	return overlay, nil
}

// Get implements hashdb.Reader. Lookups go through the pending transaction,
// the recent history, the canonical nodes of the batch being written and
// finally the backing store.
func (db *OverlayRecentDB) Get(key common.Hash) ([]byte, error) {
	if value, refs, ok := db.transactionOverlay.Raw(key); ok && refs > 0 {
		return common.CopyBytes(value), nil
	}
	db.lock.RLock()
	if value, err := db.overlay.backingOverlay.Get(key); err == nil {
		db.lock.RUnlock()
		return value, nil
	}
	if value, ok := db.overlay.pendingOverlay[key]; ok {
		db.lock.RUnlock()
		return common.CopyBytes(value), nil
	}
	_, deleting := db.overlay.pendingDeletes[key]
	db.lock.RUnlock()

	return db.payload(key, !deleting)
}

// payload reads a node from the backing store through the clean cache.
func (db *OverlayRecentDB) payload(key common.Hash, cache bool) ([]byte, error) {
	if db.cleans != nil && cache {
		if value := db.cleans.Get(nil, key[:]); value != nil {
			cleanHitMeter.Mark(1)
			return value, nil
		}
		cleanMissMeter.Mark(1)
	}
	value, ok, err := readKey(db.backing, key[:])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, hashdb.ErrNotFound
	}
	if db.cleans != nil && cache {
		db.cleans.Set(key[:], value)
		cleanWriteMeter.Mark(int64(len(value)))
	}
	return value, nil
}

// Contains implements hashdb.Reader.
func (db *OverlayRecentDB) Contains(key common.Hash) bool {
	_, err := db.Get(key)
	return err == nil
}

// Insert implements hashdb.HashDB.
func (db *OverlayRecentDB) Insert(value []byte) common.Hash {
	return db.transactionOverlay.Insert(value)
}

// Emplace implements hashdb.HashDB.
func (db *OverlayRecentDB) Emplace(key common.Hash, value []byte) {
	db.transactionOverlay.Emplace(key, value)
}

// Remove implements hashdb.HashDB.
func (db *OverlayRecentDB) Remove(key common.Hash) {
	db.transactionOverlay.Remove(key)
}

// Algorithm implements JournalDB.
func (db *OverlayRecentDB) Algorithm() Algorithm { return OverlayRecent }

// JournalUnder implements JournalDB.
func (db *OverlayRecentDB) JournalUnder(batch ethdb.Batch, now uint64, id common.Hash) (int, error) {
	db.lock.Lock()
	defer db.lock.Unlock()

	overlay := db.overlay
	db.clearPending()

	var (
		record = recentRecord{ID: id}
		entry  = journalEntry{id: id}
	)
	for key, e := range db.transactionOverlay.Drain() {
		switch {
		case e.Refs > 0:
			record.Inserts = append(record.Inserts, recentInsert{Key: key, Value: e.Value})
			entry.insertions = append(entry.insertions, key)
		case e.Refs < 0:
			record.Deletes = append(record.Deletes, key)
		}
	}
	entry.deletions = record.Deletes

	enc, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return 0, err
	}
	for _, ins := range record.Inserts {
		if !overlay.backingOverlay.Contains(ins.Key) {
			overlay.cumulativeSize += len(ins.Value)
		}
		overlay.backingOverlay.Emplace(ins.Key, ins.Value)
	}
	index := uint64(len(overlay.journal[now]))
	if err := batch.Put(journalKey{Era: now, Index: index}.encode(), enc); err != nil {
		return 0, err
	}
	if overlay.latestEra == nil || now > *overlay.latestEra {
		if err := writeLatestEra(batch, now); err != nil {
			return 0, err
		}
		overlay.latestEra = &now
		log.Trace("Set latest journal era", "era", now)
	}
	if overlay.earliestEra == nil || *overlay.earliestEra > now {
		e := now
		overlay.earliestEra = &e
		log.Trace("Set earliest journal era", "era", now)
	}
	overlay.journal[now] = append(overlay.journal[now], entry)
	journalSizeGauge.Update(int64(overlay.cumulativeSize))

	log.Trace("Journalled block state", "era", now, "index", index, "id", id, "inserts", len(record.Inserts), "deletes", len(record.Deletes))
	return len(record.Inserts) + len(record.Deletes), nil
}

// MarkCanonical implements JournalDB.
// MarkCanonical 将 (era, id) 的变更写入磁盘，并丢弃该纪元中其他记录的插入。
func (db *OverlayRecentDB) MarkCanonical(batch ethdb.Batch, era uint64, id common.Hash) (int, error) {
	db.lock.Lock()
	defer db.lock.Unlock()

	overlay := db.overlay
	var ops int
	if records, ok := overlay.journal[era]; ok {
		var (
			canonInsertions []recentInsert
			canonDeletions  []common.Hash
			discarded       []common.Hash
		)
		for index, entry := range records {
			if err := batch.Delete(journalKey{Era: era, Index: uint64(index)}.encode()); err != nil {
				return 0, err
			}
			if entry.id == id {
				for _, key := range entry.insertions {
					if value, refs, ok := overlay.backingOverlay.Raw(key); ok && refs > 0 {
						canonInsertions = append(canonInsertions, recentInsert{Key: key, Value: value})
					}
				}
				canonDeletions = entry.deletions
			}
			discarded = append(discarded, entry.insertions...)
			log.Trace("Deleted journal record", "era", era, "index", index, "id", entry.id, "canonical", id, "inserts", len(entry.insertions), "deletes", len(entry.deletions))
		}
		ops = len(canonInsertions) + len(canonDeletions)

		for _, ins := range canonInsertions {
			if err := batch.Put(ins.Key[:], ins.Value); err != nil {
				return 0, err
			}
			overlay.pendingOverlay[ins.Key] = ins.Value
			delete(overlay.pendingDeletes, ins.Key)
		}
		for _, key := range discarded {
			if value, purged := overlay.backingOverlay.RemoveAndPurge(key); purged {
				overlay.cumulativeSize -= len(value)
			}
		}
		for _, key := range canonDeletions {
			if overlay.backingOverlay.Contains(key) {
				continue
			}
			if err := batch.Delete(key[:]); err != nil {
				return 0, err
			}
			overlay.pendingDeletes[key] = struct{}{}
			delete(overlay.pendingOverlay, key)
			if db.cleans != nil {
				db.cleans.Del(key[:])
			}
		}
		canonInsertMeter.Mark(int64(len(canonInsertions)))
		canonDeleteMeter.Mark(int64(len(canonDeletions)))
	}
	delete(overlay.journal, era)
	if len(overlay.journal) > 0 {
		next := era + 1
		overlay.earliestEra = &next
	}
	journalSizeGauge.Update(int64(overlay.cumulativeSize))
	return ops, nil
}

// Inject implements JournalDB. Only single insertions and single removals can
// be applied to disk directly.
func (db *OverlayRecentDB) Inject(batch ethdb.Batch) (int, error) {
	var ops int
	for key, e := range db.transactionOverlay.Drain() {
		switch {
		case e.Refs == 0:
			continue
		case e.Refs > 0:
			if err := batch.Put(key[:], e.Value); err != nil {
				return 0, err
			}
		case e.Refs == -1:
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
			if db.cleans != nil {
				db.cleans.Del(key[:])
			}
		default:
			return 0, fmt.Errorf("%w: %x has %d references", ErrInvalidInjectState, key, e.Refs)
		}
		ops++
	}
	return ops, nil
}

// Flush implements JournalDB, dropping the canonical nodes of the batch that
// was just written.
func (db *OverlayRecentDB) Flush() {
	db.lock.Lock()
	defer db.lock.Unlock()

	db.clearPending()
}

// clearPending resets the per-batch overlays. The lock must be held.
func (db *OverlayRecentDB) clearPending() {
	if db.cleans != nil {
		for key := range db.overlay.pendingDeletes {
			db.cleans.Del(key[:])
		}
	}
	db.overlay.pendingOverlay = make(map[common.Hash][]byte)
	db.overlay.pendingDeletes = make(map[common.Hash]struct{})
}

// Consolidate implements JournalDB.
func (db *OverlayRecentDB) Consolidate(with *hashdb.MemoryDB) {
	db.transactionOverlay.Consolidate(with)
}

// LatestEra implements JournalDB.
func (db *OverlayRecentDB) LatestEra() (uint64, bool) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.overlay.latestEra == nil {
		return 0, false
	}
	return *db.overlay.latestEra, true
}

// EarliestEra implements JournalDB.
func (db *OverlayRecentDB) EarliestEra() (uint64, bool) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.overlay.earliestEra == nil {
		return 0, false
	}
	return *db.overlay.earliestEra, true
}

// IsEmpty implements JournalDB.
func (db *OverlayRecentDB) IsEmpty() bool {
	ok, err := db.backing.Has(latestEraKey)
	return err == nil && !ok
}

// IsPruned implements JournalDB.
func (db *OverlayRecentDB) IsPruned() bool { return true }

// Backing implements JournalDB.
func (db *OverlayRecentDB) Backing() ethdb.KeyValueStore { return db.backing }

// MemUsed implements JournalDB.
func (db *OverlayRecentDB) MemUsed() common.StorageSize {
	db.lock.RLock()
	defer db.lock.RUnlock()

	size := db.transactionOverlay.MemUsed() + db.overlay.backingOverlay.MemUsed()
	for key, value := range db.overlay.pendingOverlay {
		size += common.StorageSize(len(key) + len(value))
	}
	for _, entries := range db.overlay.journal {
		for _, entry := range entries {
			size += common.StorageSize((len(entry.insertions) + len(entry.deletions)) * common.HashLength)
		}
	}
	return size
}

// JournalSize implements JournalDB.
func (db *OverlayRecentDB) JournalSize() int {
	db.lock.RLock()
	defer db.lock.RUnlock()

	return db.overlay.cumulativeSize
}

// Keys implements JournalDB.
func (db *OverlayRecentDB) Keys() (map[common.Hash]int32, error) {
	res, err := backingKeys(db.backing, func(common.Hash, []byte) (int32, error) { return 1, nil })
	if err != nil {
		return nil, err
	}
	return mergeKeys(res, db.transactionOverlay.Keys()), nil
}
